package jobs

import (
	"encoding/json"
	"time"
)

// JobType names a kind of background work.
type JobType string

const (
	// JobTypeWebhookEvent runs one processing attempt for a recorded
	// webhook event.
	JobTypeWebhookEvent JobType = "process_webhook_event"

	// JobTypeReconcileOrg recomputes an organization's entitlements from
	// its stored subscriptions.
	JobTypeReconcileOrg JobType = "reconcile_entitlements"

	// JobTypeArchiveDeadLetter exports an encrypted copy of a dead-lettered
	// payload to object storage.
	JobTypeArchiveDeadLetter JobType = "archive_dead_letter"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is one unit of queued background work, stored as JSON in Redis.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// WebhookEventPayload carries the durable event row a worker should process.
type WebhookEventPayload struct {
	EventID string `json:"event_id"`
}

func (p WebhookEventPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event_id": p.EventID,
	}
}

func WebhookEventPayloadFromMap(data map[string]interface{}) (*WebhookEventPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload WebhookEventPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// ArchiveDeadLetterPayload names a dead-lettered event to export, with the
// reason it was parked.
type ArchiveDeadLetterPayload struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

func (p ArchiveDeadLetterPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event_id": p.EventID,
		"reason":   p.Reason,
	}
}

func ArchiveDeadLetterPayloadFromMap(data map[string]interface{}) (*ArchiveDeadLetterPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload ArchiveDeadLetterPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// ReconcileOrgPayload names the organization whose entitlements need a
// recompute.
type ReconcileOrgPayload struct {
	OrgID string `json:"org_id"`
}

func (p ReconcileOrgPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"org_id": p.OrgID,
	}
}

func ReconcileOrgPayloadFromMap(data map[string]interface{}) (*ReconcileOrgPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload ReconcileOrgPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable reports whether a failed job still has retry budget.
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing stamps the start of an attempt.
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted stamps a successful finish and clears any prior error.
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed records the failure and consumes one retry.
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying flags the job as waiting for its backoff re-enqueue.
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
