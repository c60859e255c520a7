package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hudsor01/tenant-flow-sub015/internal/metrics"
)

const (
	jobKeyPrefix  = "job:"
	queueKey      = "job_queue"
	processingKey = "job_processing"
	statsKey      = "job_stats"

	// DefaultMaxRetries bounds how often a failed job is re-enqueued before
	// it is abandoned. The webhook pipeline keeps its own persisted attempt
	// budget; this is the outer safety net.
	DefaultMaxRetries = 5

	jobTTL = 24 * time.Hour

	// maxRetryDelay caps the exponential retry backoff.
	maxRetryDelay = 15 * time.Minute
)

// HandlerFunc runs one attempt of a job. A non-nil return asks for a retry
// with backoff; handlers settle their own permanent failures and return nil.
type HandlerFunc func(ctx context.Context, job *Job) error

// Queue runs background jobs over Redis lists. Pending job IDs wait on one
// list and move atomically to a processing list while a worker holds them, so
// a crashed worker leaves a visible trail the sweeper can recover.
type Queue struct {
	client     *redis.Client
	workers    int
	retryBase  time.Duration
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	handlers   map[JobType]HandlerFunc
}

// NewQueue wires a queue on the given Redis client. retryBase is the first
// retry's delay; each further retry doubles it up to maxRetryDelay. Zero
// means one minute. Handlers must be registered before Start.
func NewQueue(client *redis.Client, workers int, retryBase time.Duration) *Queue {
	if workers <= 0 {
		workers = 3
	}
	if retryBase <= 0 {
		retryBase = time.Minute
	}
	return &Queue{
		client:     client,
		workers:    workers,
		retryBase:  retryBase,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
		handlers:   make(map[JobType]HandlerFunc),
	}
}

// Handle registers the worker function for a job type.
func (q *Queue) Handle(jobType JobType, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = fn
}

// Start launches the workers and the stuck-job sweeper.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	slog.Info("job queue starting", "workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)
}

// Stop signals the workers and waits for them to drain. The wait runs
// outside the lock: a worker mid-job still needs the handler-map lookup,
// and waiting while holding the lock would block it forever.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	slog.Info("job queue stopping")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	slog.Info("job queue stopped")
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

// EnqueueJob records the job and pushes its ID onto the pending list. The
// write and the push run in one pipeline so a visible ID always has data.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobKeyPrefix+job.ID, jobData, jobTTL)
	pipe.LPush(ctx, queueKey, job.ID)
	pipe.HIncrBy(ctx, statsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	slog.Debug("job enqueued", "job_id", job.ID, "type", job.Type)
	return job, nil
}

// EnqueueWebhookEvent queues one processing attempt for a recorded webhook
// event. This is the queue side of the billing pipeline's fast ack.
func (q *Queue) EnqueueWebhookEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	_, err := q.EnqueueJob(ctx, JobTypeWebhookEvent, WebhookEventPayload{EventID: eventID}.ToMap())
	return err
}

// EnqueueArchive queues the encrypted export of a dead-lettered payload.
func (q *Queue) EnqueueArchive(ctx context.Context, eventID, reason string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	_, err := q.EnqueueJob(ctx, JobTypeArchiveDeadLetter, ArchiveDeadLetterPayload{EventID: eventID, Reason: reason}.ToMap())
	return err
}

// EnqueueReconcile queues an entitlement recompute for one organization.
func (q *Queue) EnqueueReconcile(ctx context.Context, orgID string) error {
	if orgID == "" {
		return errors.New("org id is required")
	}
	_, err := q.EnqueueJob(ctx, JobTypeReconcileOrg, ReconcileOrgPayload{OrgID: orgID}.ToMap())
	return err
}

// ---------------------------------------------------------------------------
// Workers
// ---------------------------------------------------------------------------

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			slog.Debug("job worker stopping", "worker", id)
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					slog.Error("dequeue job", "worker", id, "error", err)
				}
				q.workerPool <- struct{}{}
				time.Sleep(time.Second)
				continue
			}

			if job != nil {
				q.processJob(ctx, job)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// dequeueJob moves the next pending ID onto the processing list and loads its
// data. IDs with missing or unreadable data are dropped from processing.
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BRPopLPush(ctx, queueKey, processingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		q.client.LRem(ctx, processingKey, 1, jobID)
		return nil, fmt.Errorf("job data missing for %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		q.client.LRem(ctx, processingKey, 1, jobID)
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	q.mu.Lock()
	handler, ok := q.handlers[job.Type]
	q.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for job type %s", job.Type)
	} else {
		err = handler(ctx, job)
	}

	if err != nil {
		slog.Error("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		job.MarkAsFailed(err.Error())

		if job.IsRetryable() {
			job.MarkAsRetrying()
			q.updateJob(ctx, job)
			metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeRetried).Inc()

			// Exponential backoff: the Nth retry waits retryBase doubled
			// N-1 times, capped at maxRetryDelay.
			time.AfterFunc(q.backoffDelay(job.RetryCount), func() {
				if err := q.client.LPush(context.Background(), queueKey, job.ID).Err(); err != nil {
					slog.Error("requeue job after backoff", "job_id", job.ID, "error", err)
				}
			})
		} else {
			slog.Error("job abandoned", "job_id", job.ID, "type", job.Type, "retries", job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeFailed).Inc()
		}
	} else {
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeProcessed).Inc()
		q.removeCompletedJob(ctx, job.ID)
	}

	if job.Status != JobStatusCompleted {
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

// backoffDelay spaces retry attempts out exponentially, bounded so a deep
// retry count never produces an unreasonable or overflowed wait.
func (q *Queue) backoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := q.retryBase << (retryCount - 1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// stuckSweeper requeues jobs that sat on the processing list longer than
// maxAge, which happens when a worker dies mid-job.
func (q *Queue) stuckSweeper(maxAge, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ids, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
			if err != nil {
				slog.Error("sweep processing list", "error", err)
				continue
			}
			now := time.Now()
			for _, id := range ids {
				data, err := q.client.Get(ctx, jobKeyPrefix+id).Result()
				if err != nil {
					// Data expired or missing; drop the stray list entry.
					q.client.LRem(ctx, processingKey, 1, id)
					continue
				}
				var job Job
				if err := json.Unmarshal([]byte(data), &job); err != nil {
					q.client.LRem(ctx, processingKey, 1, id)
					continue
				}
				if job.Status != JobStatusProcessing {
					q.client.LRem(ctx, processingKey, 1, id)
					continue
				}
				started := job.ProcessedAt
				if started == nil || started.IsZero() {
					tmp := job.UpdatedAt
					if tmp.IsZero() {
						tmp = job.CreatedAt
					}
					started = &tmp
				}
				if now.Sub(*started) > maxAge {
					slog.Warn("recovering stuck job", "job_id", job.ID, "type", job.Type, "age", now.Sub(*started))
					job.Status = JobStatusPending
					job.ErrorMsg = "recovered by sweeper"
					job.UpdatedAt = now
					q.updateJob(ctx, &job)
					q.client.LRem(ctx, processingKey, 1, id)
					q.client.RPush(ctx, queueKey, id)
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Bookkeeping
// ---------------------------------------------------------------------------

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		slog.Error("marshal job", "job_id", job.ID, "error", err)
		return
	}
	if err := q.client.Set(ctx, jobKeyPrefix+job.ID, jobData, jobTTL).Err(); err != nil {
		slog.Error("update job", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, processingKey, 1, jobID).Err(); err != nil {
		slog.Error("remove job from processing", "job_id", jobID, "error", err)
	}
}

func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, jobKeyPrefix+jobID).Err(); err != nil {
		slog.Error("remove completed job", "job_id", jobID, "error", err)
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, statsKey, string(status), delta).Err(); err != nil {
		slog.Error("update job stats", "error", err)
	}
}

// GetJob loads a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns completion counters by status.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if n, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = n
		}
	}
	return result, nil
}

// QueueSize returns the number of pending jobs.
func (q *Queue) QueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

// ProcessingSize returns the number of jobs currently held by workers.
func (q *Queue) ProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, processingKey).Result()
}
