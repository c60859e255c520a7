package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Webhook event statuses. A row is created in queued and only ever moves
// forward: queued -> processing -> processed | failed_retryable |
// failed_terminal. failed_retryable goes back to processing on the next
// attempt; failed_terminal and processed are final.
const (
	EventStatusQueued     = "queued"
	EventStatusProcessing = "processing"
	EventStatusRetryable  = "failed_retryable"
	EventStatusProcessed  = "processed"
	EventStatusTerminal   = "failed_terminal"
)

// ErrEventSettled reports that an event already reached a final status, so a
// replayed job has nothing left to do.
var ErrEventSettled = errors.New("webhook event already settled")

// ErrOrgUnresolved reports that a provider customer cannot be attributed to
// an organization yet. Handlers treat it as transient: the linking checkout
// event may still be in flight.
var ErrOrgUnresolved = errors.New("provider customer is not linked to an organization")

// WebhookEvent is one durably recorded provider delivery.
type WebhookEvent struct {
	ID              string
	Provider        string
	ProviderEventID string
	EventType       string
	Status          string
	Attempts        int
	LastError       *string
	Payload         []byte
	SignatureTS     time.Time
	ReceivedAt      time.Time
	UpdatedAt       time.Time
	ProcessedAt     *time.Time
}

// Customer links a provider customer to an organization.
type Customer struct {
	ID                 string
	OrgID              string
	ProviderCustomerID string
	Email              *string
	LinkedUserID       *string
}

// Store is the persistence surface the webhook pipeline runs on. PgStore is
// the production implementation; tests substitute an in-memory one.
type Store interface {
	InsertEvent(ctx context.Context, provider, providerEventID, eventType string, payload []byte, signatureTS time.Time) (id string, created bool, err error)
	GetEvent(ctx context.Context, id string) (*WebhookEvent, error)
	MarkProcessing(ctx context.Context, id string) (attempts int, err error)
	MarkProcessed(ctx context.Context, id string) error
	MarkRetryable(ctx context.Context, id, reason string) error
	MarkTerminal(ctx context.Context, id, reason string) error
	StuckEventIDs(ctx context.Context, olderThan time.Time, limit int) ([]string, error)

	ResolveOrg(ctx context.Context, providerCustomerID, email string, metadata map[string]string) (string, error)
	LinkCustomer(ctx context.Context, orgID, providerCustomerID, email, linkedUserID string) (customerID string, err error)
	CustomerByOrg(ctx context.Context, orgID string) (*Customer, error)
	UpsertSubscription(ctx context.Context, sub Subscription) error
	SubscriptionsForOrg(ctx context.Context, orgID string) ([]Subscription, error)
	SaveEntitlements(ctx context.Context, ent Entitlements) error
}

// PgStore runs on the pool's owning connection. It is only reachable from
// the webhook receive path, which is gated by signature verification, and
// from queue workers; no request-principal code path holds a reference.
type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

var _ Store = (*PgStore)(nil)

// ---------------------------------------------------------------------------
// Event lifecycle
// ---------------------------------------------------------------------------

// InsertEvent records a delivery exactly once. The unique index on
// (provider, provider_event_id) is the arbiter: of two concurrent identical
// deliveries exactly one insert returns a row, the other sees the conflict
// and reports created=false with the winner's id.
func (s *PgStore) InsertEvent(ctx context.Context, provider, providerEventID, eventType string, payload []byte, signatureTS time.Time) (string, bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO app.webhook_events (provider, provider_event_id, event_type, payload, signature_ts, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		ON CONFLICT (provider, provider_event_id) DO NOTHING
		RETURNING id
	`, provider, providerEventID, eventType, payload, signatureTS).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("insert webhook event: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT id FROM app.webhook_events WHERE provider = $1 AND provider_event_id = $2
	`, provider, providerEventID).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("load duplicate webhook event: %w", err)
	}
	return id, false, nil
}

func (s *PgStore) GetEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var ev WebhookEvent
	err := s.db.QueryRow(ctx, `
		SELECT id, provider, provider_event_id, event_type, status, attempts,
			last_error, payload, signature_ts, received_at, updated_at, processed_at
		FROM app.webhook_events WHERE id = $1
	`, id).Scan(
		&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.EventType, &ev.Status, &ev.Attempts,
		&ev.LastError, &ev.Payload, &ev.SignatureTS, &ev.ReceivedAt, &ev.UpdatedAt, &ev.ProcessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("load webhook event %s: %w", id, err)
	}
	return &ev, nil
}

// MarkProcessing claims the event for this attempt and returns the attempt
// number. Events already in a final status are left alone and reported via
// ErrEventSettled so replayed jobs become no-ops.
func (s *PgStore) MarkProcessing(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
		UPDATE app.webhook_events
		SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'processing', 'failed_retryable')
		RETURNING attempts
	`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrEventSettled
	}
	if err != nil {
		return 0, fmt.Errorf("mark webhook event processing: %w", err)
	}
	return attempts, nil
}

func (s *PgStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.webhook_events
		SET status = 'processed', last_error = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

func (s *PgStore) MarkRetryable(ctx context.Context, id, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.webhook_events
		SET status = 'failed_retryable', last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, truncateReason(reason))
	if err != nil {
		return fmt.Errorf("mark webhook event retryable: %w", err)
	}
	return nil
}

func (s *PgStore) MarkTerminal(ctx context.Context, id, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.webhook_events
		SET status = 'failed_terminal', last_error = $2, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, truncateReason(reason))
	if err != nil {
		return fmt.Errorf("mark webhook event terminal: %w", err)
	}
	return nil
}

// StuckEventIDs returns events accepted but never settled, last touched
// before the cutoff. The sweeper requeues them; MarkProcessing tolerates a
// second worker arriving for the same event.
func (s *PgStore) StuckEventIDs(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM app.webhook_events
		WHERE status IN ('queued', 'processing', 'failed_retryable') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck webhook events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck webhook event: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Customer and subscription state
// ---------------------------------------------------------------------------

// ResolveOrg maps a provider customer to an organization. Resolution order:
// explicit metadata set by our checkout sessions, the stored customer link,
// then a staff user with the same verified email.
func (s *PgStore) ResolveOrg(ctx context.Context, providerCustomerID, email string, metadata map[string]string) (string, error) {
	if orgID := metadata["org_id"]; orgID != "" {
		return orgID, nil
	}

	var orgID string
	if providerCustomerID != "" {
		err := s.db.QueryRow(ctx, `
			SELECT org_id FROM app.customers WHERE provider_customer_id = $1
		`, providerCustomerID).Scan(&orgID)
		if err == nil {
			return orgID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("resolve customer link: %w", err)
		}
	}

	if email != "" {
		// Renter logins never own billing; only staff emails attribute.
		err := s.db.QueryRow(ctx, `
			SELECT org_id FROM app.users
			WHERE lower(email) = lower($1) AND role IN ('owner', 'manager')
			ORDER BY created_at
			LIMIT 1
		`, email).Scan(&orgID)
		if err == nil {
			return orgID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("resolve customer email: %w", err)
		}
	}

	return "", ErrOrgUnresolved
}

// LinkCustomer upserts the provider customer record. The first organization
// link wins; moving a provider customer to another org is a manual operation,
// never something a replayed payload can do.
func (s *PgStore) LinkCustomer(ctx context.Context, orgID, providerCustomerID, email, linkedUserID string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO app.customers (org_id, provider_customer_id, email, linked_user_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, '')::uuid)
		ON CONFLICT (provider_customer_id) DO UPDATE SET
			email = COALESCE(EXCLUDED.email, app.customers.email),
			linked_user_id = COALESCE(EXCLUDED.linked_user_id, app.customers.linked_user_id),
			updated_at = NOW()
		RETURNING id
	`, orgID, providerCustomerID, email, linkedUserID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("link customer %s: %w", providerCustomerID, err)
	}
	return id, nil
}

func (s *PgStore) CustomerByOrg(ctx context.Context, orgID string) (*Customer, error) {
	var c Customer
	err := s.db.QueryRow(ctx, `
		SELECT id, org_id, provider_customer_id, email, linked_user_id
		FROM app.customers
		WHERE org_id = $1
		ORDER BY created_at
		LIMIT 1
	`, orgID).Scan(&c.ID, &c.OrgID, &c.ProviderCustomerID, &c.Email, &c.LinkedUserID)
	if err != nil {
		return nil, fmt.Errorf("load customer for org %s: %w", orgID, err)
	}
	return &c, nil
}

func (s *PgStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.subscriptions (
			org_id, customer_id, provider_subscription_id, plan, status,
			current_period_end, cancel_at_period_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = NOW()
	`, sub.OrgID, sub.CustomerID, sub.ProviderSubscriptionID, string(sub.Plan), sub.Status,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ProviderSubscriptionID, err)
	}
	return nil
}

func (s *PgStore) SubscriptionsForOrg(ctx context.Context, orgID string) ([]Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, org_id, customer_id, provider_subscription_id, plan, status,
			current_period_end, cancel_at_period_end, created_at, updated_at
		FROM app.subscriptions
		WHERE org_id = $1
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions for org %s: %w", orgID, err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var plan string
		if err := rows.Scan(&sub.ID, &sub.OrgID, &sub.CustomerID, &sub.ProviderSubscriptionID,
			&plan, &sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
			&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Plan = Plan(plan)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PgStore) SaveEntitlements(ctx context.Context, ent Entitlements) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.entitlements (org_id, plan, status, properties_limit, units_limit, seats_limit, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			properties_limit = EXCLUDED.properties_limit,
			units_limit = EXCLUDED.units_limit,
			seats_limit = EXCLUDED.seats_limit,
			synced_at = NOW()
	`, ent.OrgID, string(ent.Plan), ent.Status, ent.Limits.Properties, ent.Limits.Units, ent.Limits.Seats)
	if err != nil {
		return fmt.Errorf("save entitlements for org %s: %w", ent.OrgID, err)
	}
	return nil
}

// truncateReason keeps failure messages storable; handler errors can chain
// long wrapped causes.
func truncateReason(reason string) string {
	const max = 1000
	if len(reason) <= max {
		return reason
	}
	return reason[:max]
}
