package jobs

import (
	"context"
	"fmt"

	"github.com/hudsor01/tenant-flow-sub015/internal/billing"
)

// RegisterBillingHandlers binds the billing pipeline's worker-side operations
// to their job types. The processor settles terminal outcomes itself and only
// returns an error when a retry can help, which is exactly the queue's
// handler contract.
func RegisterBillingHandlers(q *Queue, p *billing.Processor) {
	q.Handle(JobTypeWebhookEvent, func(ctx context.Context, job *Job) error {
		payload, err := WebhookEventPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode webhook event payload: %w", err)
		}
		return p.ProcessEvent(ctx, payload.EventID)
	})

	q.Handle(JobTypeReconcileOrg, func(ctx context.Context, job *Job) error {
		payload, err := ReconcileOrgPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode reconcile payload: %w", err)
		}
		return p.Reconcile(ctx, payload.OrgID)
	})

	q.Handle(JobTypeArchiveDeadLetter, func(ctx context.Context, job *Job) error {
		payload, err := ArchiveDeadLetterPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode archive payload: %w", err)
		}
		return p.ArchiveEvent(ctx, payload.EventID, payload.Reason)
	})
}
