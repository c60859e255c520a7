package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hudsor01/tenant-flow-sub015/internal/audit"
	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/metrics"
)

// EventQueue hands accepted events to the async workers. The production
// implementation is the Redis job queue; tests use a synchronous fake.
type EventQueue interface {
	EnqueueWebhookEvent(ctx context.Context, eventID string) error
	EnqueueArchive(ctx context.Context, eventID, reason string) error
}

// errTerminal marks handler failures that cannot succeed on retry. They are
// dead-lettered immediately instead of burning the retry budget.
var errTerminal = errors.New("terminal")

func isTerminal(err error) bool {
	if errors.Is(err, errTerminal) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Transient()
	}
	return false
}

// WebhookAck is the response body for the receive endpoint. Duplicates carry
// the recorded outcome of the first delivery.
type WebhookAck struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
}

// ProcessorConfig wires the webhook pipeline.
type ProcessorConfig struct {
	Store Store
	Queue EventQueue

	// Client enables authoritative refetch of subscription state before
	// applying it. Nil means payloads are applied as carried.
	Client *ProviderClient

	// Archive receives encrypted copies of dead-lettered payloads. Optional.
	Archive *DeadLetterArchive

	// Audit records security-relevant receive outcomes. Optional.
	Audit *audit.Recorder

	Secret      string
	Tolerance   time.Duration
	MaxAttempts int
}

// Processor owns the webhook state machine: synchronous verify-record-queue
// on receive, and the per-event handler dispatch on the worker side. All
// store access runs service-class; nothing here takes a request principal.
type Processor struct {
	store       Store
	queue       EventQueue
	client      *ProviderClient
	archive     *DeadLetterArchive
	audit       *audit.Recorder
	secret      string
	tolerance   time.Duration
	maxAttempts int
	provider    string
	now         func() time.Time
}

// NewProcessor validates the pipeline configuration. A missing secret is a
// deployment mistake and refuses to boot rather than rejecting every
// delivery at runtime.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errors.New("webhook processor needs a store")
	}
	if cfg.Queue == nil {
		return nil, errors.New("webhook processor needs a queue")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("webhook signing secret is not configured")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Processor{
		store:       cfg.Store,
		queue:       cfg.Queue,
		client:      cfg.Client,
		archive:     cfg.Archive,
		audit:       cfg.Audit,
		secret:      cfg.Secret,
		tolerance:   tolerance,
		maxAttempts: maxAttempts,
		provider:    DefaultProvider,
		now:         time.Now,
	}, nil
}

// ---------------------------------------------------------------------------
// Receive path
// ---------------------------------------------------------------------------

// HandleWebhook is the synchronous receive path: verify the signature over
// the raw bytes, record the delivery exactly once, queue the work, ack. All
// domain side effects happen on the worker.
func (p *Processor) HandleWebhook(ctx context.Context, body []byte, sigHeader string, r *http.Request) (*WebhookAck, int, error) {
	sigTS, err := VerifySignature(body, sigHeader, p.secret, p.tolerance, p.now())
	if err != nil {
		var sigErr *SignatureError
		if errors.As(err, &sigErr) {
			p.recordAudit(ctx, audit.ActionSignatureInvalid, "", r, map[string]interface{}{
				"reason": sigErr.Reason,
			})
			metrics.WebhookDeliveries.WithLabelValues(metrics.OutcomeRejectedSignature).Inc()
			slog.Warn("webhook signature rejected", "reason", sigErr.Reason, "remote", remoteAddr(r))
			return nil, http.StatusBadRequest, fmt.Errorf("invalid signature")
		}
		return nil, http.StatusInternalServerError, err
	}

	providerEventID, eventType, err := parseEnvelope(body)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues(metrics.OutcomeRejectedMalformed).Inc()
		return nil, http.StatusBadRequest, fmt.Errorf("malformed event envelope")
	}

	eventID, created, err := p.store.InsertEvent(ctx, p.provider, providerEventID, eventType, body, sigTS)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("record event: %w", err)
	}

	if !created {
		status := EventStatusQueued
		if prior, err := p.store.GetEvent(ctx, eventID); err == nil {
			status = prior.Status
		}
		p.recordAudit(ctx, audit.ActionDuplicateEvent, eventID, r, map[string]interface{}{
			"provider_event_id": providerEventID,
			"prior_status":      status,
		})
		metrics.WebhookDeliveries.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return &WebhookAck{Received: true, Duplicate: true, Status: status}, http.StatusOK, nil
	}

	if err := p.queue.EnqueueWebhookEvent(ctx, eventID); err != nil {
		// The row is durable; the sweeper picks up anything the queue lost.
		slog.Error("enqueue webhook event", "event_id", eventID, "error", err)
	}

	metrics.WebhookDeliveries.WithLabelValues(metrics.OutcomeAccepted).Inc()
	return &WebhookAck{Received: true}, http.StatusOK, nil
}

// ---------------------------------------------------------------------------
// Worker path
// ---------------------------------------------------------------------------

// ProcessEvent runs one handling attempt. A non-nil return asks the queue to
// retry with backoff; terminal outcomes (processed, dead-lettered, settled by
// another worker) return nil so the retry chain stops.
func (p *Processor) ProcessEvent(ctx context.Context, eventID string) error {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", eventID, err)
	}
	if ev.Status == EventStatusProcessed || ev.Status == EventStatusTerminal {
		return nil
	}

	attempts, err := p.store.MarkProcessing(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrEventSettled) {
			return nil
		}
		return fmt.Errorf("claim event %s: %w", eventID, err)
	}

	evt, err := ParseEvent(ev.Payload)
	if err != nil {
		// The recorded bytes never change, so a parse failure cannot heal.
		return p.settleTerminal(ctx, ev, fmt.Sprintf("parse payload: %v", err))
	}

	start := p.now()
	err = p.apply(ctx, evt)
	metrics.HandlerDuration.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())

	if err != nil {
		if isTerminal(err) || attempts >= p.maxAttempts {
			return p.settleTerminal(ctx, ev, err.Error())
		}
		if markErr := p.store.MarkRetryable(ctx, eventID, err.Error()); markErr != nil {
			slog.Error("mark webhook event retryable", "event_id", eventID, "error", markErr)
		}
		metrics.WebhookEvents.WithLabelValues(ev.EventType, metrics.OutcomeRetried).Inc()
		slog.Warn("webhook event handler failed",
			"event_id", eventID, "event_type", ev.EventType, "attempt", attempts, "error", err)
		return fmt.Errorf("handle %s: %w", ev.EventType, err)
	}

	// Handlers are idempotent upserts; if this status write is lost the
	// retried attempt converges on the same state.
	if err := p.store.MarkProcessed(ctx, eventID); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	metrics.WebhookEvents.WithLabelValues(ev.EventType, metrics.OutcomeProcessed).Inc()
	slog.Info("webhook event processed", "event_id", eventID, "event_type", ev.EventType, "attempt", attempts)
	return nil
}

// settleTerminal parks the event in the dead-letter state and queues the
// encrypted payload export. Only the status write may fail the job; a lost
// archive enqueue is logged and the database row remains the source copy.
func (p *Processor) settleTerminal(ctx context.Context, ev *WebhookEvent, reason string) error {
	if err := p.store.MarkTerminal(ctx, ev.ID, reason); err != nil {
		return fmt.Errorf("mark event terminal: %w", err)
	}
	if p.archive != nil {
		if err := p.queue.EnqueueArchive(ctx, ev.ID, reason); err != nil {
			slog.Error("enqueue dead letter archive", "event_id", ev.ID, "error", err)
		}
	}
	p.recordAudit(ctx, audit.ActionDeadLettered, ev.ID, nil, map[string]interface{}{
		"event_type": ev.EventType,
		"attempts":   ev.Attempts,
		"reason":     truncateReason(reason),
	})
	metrics.WebhookEvents.WithLabelValues(ev.EventType, metrics.OutcomeDeadLettered).Inc()
	slog.Warn("webhook event dead-lettered",
		"event_id", ev.ID, "event_type", ev.EventType, "reason", reason)
	return nil
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (p *Processor) apply(ctx context.Context, evt Event) error {
	switch e := evt.(type) {
	case SubscriptionCreated:
		return p.applySubscription(ctx, e.Subscription)
	case SubscriptionUpdated:
		return p.applySubscription(ctx, e.Subscription)
	case SubscriptionDeleted:
		// Deletion is final upstream; no refetch, the payload carries the
		// last state and the status pins the row to canceled.
		sub := e.Subscription
		sub.Status = StatusCanceled
		return p.applySubscriptionState(ctx, sub)
	case InvoicePaymentSucceeded:
		return p.applyInvoice(ctx, e.Invoice)
	case InvoicePaymentFailed:
		return p.applyInvoice(ctx, e.Invoice)
	case CheckoutCompleted:
		return p.applyCheckout(ctx, e.Session)
	case UnknownEvent:
		// In the provider namespace but not one we act on: keep the record,
		// never retry.
		metrics.WebhookEvents.WithLabelValues(e.EventType, metrics.OutcomeSkipped).Inc()
		slog.Info("skipping unhandled webhook type", "event_type", e.EventType)
		return nil
	default:
		return fmt.Errorf("%w: unhandled event variant %T", errTerminal, evt)
	}
}

// applySubscription refreshes the authoritative state first when a provider
// client is configured. A stale update that raced a newer one then converges
// here instead of writing old state.
func (p *Processor) applySubscription(ctx context.Context, sub ProviderSubscription) error {
	if p.client != nil {
		fresh, err := p.client.GetSubscription(ctx, sub.ID)
		switch {
		case err == nil:
			sub = *fresh
		case isTerminal(err):
			// Gone upstream; the payload copy is the best remaining record.
			slog.Warn("subscription refetch failed, applying payload copy", "subscription", sub.ID, "error", err)
		default:
			return fmt.Errorf("refetch subscription %s: %w", sub.ID, err)
		}
	}
	return p.applySubscriptionState(ctx, sub)
}

func (p *Processor) applySubscriptionState(ctx context.Context, sub ProviderSubscription) error {
	orgID, err := p.store.ResolveOrg(ctx, sub.Customer, "", sub.Metadata)
	if err != nil {
		return fmt.Errorf("resolve org for customer %s: %w", sub.Customer, err)
	}

	customerID, err := p.store.LinkCustomer(ctx, orgID, sub.Customer, "", "")
	if err != nil {
		return err
	}

	plan, known := ParsePlan(sub.Metadata["plan"])
	if !known {
		// Recorded as-is; LimitsFor clamps unknown plans to trial quota so a
		// bad payload cannot mint access.
		slog.Warn("subscription carries unknown plan", "subscription", sub.ID, "plan", sub.Metadata["plan"])
	}

	rec := Subscription{
		OrgID:                  orgID,
		CustomerID:             customerID,
		ProviderSubscriptionID: sub.ID,
		Plan:                   plan,
		Status:                 sub.Status,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		rec.CurrentPeriodEnd = &t
	}
	if err := p.store.UpsertSubscription(ctx, rec); err != nil {
		return err
	}
	return p.Reconcile(ctx, orgID)
}

// applyInvoice treats payment events as reconcile triggers. The invoice says
// when to look; the subscription state says what is true.
func (p *Processor) applyInvoice(ctx context.Context, inv ProviderInvoice) error {
	if inv.Subscription == "" {
		// One-off invoices carry no entitlement effect.
		return nil
	}
	if p.client != nil {
		fresh, err := p.client.GetSubscription(ctx, inv.Subscription)
		switch {
		case err == nil:
			return p.applySubscriptionState(ctx, *fresh)
		case isTerminal(err):
			slog.Warn("invoice subscription refetch failed", "subscription", inv.Subscription, "error", err)
		default:
			return fmt.Errorf("refetch subscription %s: %w", inv.Subscription, err)
		}
	}
	orgID, err := p.store.ResolveOrg(ctx, inv.Customer, "", nil)
	if err != nil {
		return fmt.Errorf("resolve org for customer %s: %w", inv.Customer, err)
	}
	return p.Reconcile(ctx, orgID)
}

// applyCheckout links the provider customer to the purchasing org. This is
// the event that teaches us the mapping every later delivery relies on.
func (p *Processor) applyCheckout(ctx context.Context, sess ProviderCheckoutSession) error {
	orgID := sess.Metadata["org_id"]
	if orgID == "" {
		var err error
		orgID, err = p.store.ResolveOrg(ctx, sess.Customer, sess.CustomerEmail, nil)
		if err != nil {
			return fmt.Errorf("resolve org for checkout %s: %w", sess.ID, err)
		}
	}
	if _, err := p.store.LinkCustomer(ctx, orgID, sess.Customer, sess.CustomerEmail, sess.Metadata["user_id"]); err != nil {
		return err
	}
	if sess.Subscription == "" {
		return nil
	}

	if p.client != nil {
		fresh, err := p.client.GetSubscription(ctx, sess.Subscription)
		switch {
		case err == nil:
			return p.applySubscriptionState(ctx, *fresh)
		case isTerminal(err):
			slog.Warn("checkout subscription refetch failed", "subscription", sess.Subscription, "error", err)
		default:
			return fmt.Errorf("refetch subscription %s: %w", sess.Subscription, err)
		}
	}
	// Without a client the subscription.created event carries the rest.
	return p.Reconcile(ctx, orgID)
}

// ArchiveEvent exports the encrypted copy of a dead-lettered payload. It runs
// on the job queue so S3 outages retry with backoff instead of losing the
// export. A nil archive makes this a no-op.
func (p *Processor) ArchiveEvent(ctx context.Context, eventID, reason string) error {
	if p.archive == nil {
		return nil
	}
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %s for archive: %w", eventID, err)
	}
	return p.archive.Export(ctx, ev, reason)
}

// Reconcile recomputes the org's entitlements from every stored subscription.
// The result is a pure function of that set, so replays and reordered
// deliveries all land on the same snapshot.
func (p *Processor) Reconcile(ctx context.Context, orgID string) error {
	subs, err := p.store.SubscriptionsForOrg(ctx, orgID)
	if err != nil {
		return fmt.Errorf("list subscriptions for org %s: %w", orgID, err)
	}
	ent := ComputeEntitlements(orgID, subs)
	if err := p.store.SaveEntitlements(ctx, ent); err != nil {
		return err
	}
	metrics.Reconciliations.Inc()
	slog.Info("entitlements reconciled", "org_id", orgID, "plan", ent.Plan, "status", ent.Status)
	return nil
}

func (p *Processor) recordAudit(ctx context.Context, action, rowID string, r *http.Request, detail map[string]interface{}) {
	if p.audit == nil {
		return
	}
	p.audit.Record(ctx, authz.ServicePrincipal(), action, "webhook_events", rowID, r, detail)
}

func remoteAddr(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.RemoteAddr
}
