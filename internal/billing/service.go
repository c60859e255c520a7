package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/database"
)

// Service exposes billing to authenticated sessions: checkout, entitlement
// lookups, and cancellation. Every read and write here goes through the
// caller's scoped transaction; the service-class Store is reserved for the
// webhook pipeline and is deliberately absent from this struct.
type Service struct {
	db     *pgxpool.Pool
	engine *authz.Engine
	client *ProviderClient
	prices map[Plan]string

	successURL string
	cancelURL  string
}

func NewService(db *pgxpool.Pool, engine *authz.Engine, client *ProviderClient, prices map[Plan]string, successURL, cancelURL string) *Service {
	return &Service{
		db:         db,
		engine:     engine,
		client:     client,
		prices:     prices,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// --- Request/Response types ---

type CheckoutRequest struct {
	Plan string `json:"plan"`
}

type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type CancelResponse struct {
	Status string `json:"status"`
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// CreateCheckout starts a hosted purchase for the caller's organization.
// Only the organization owner buys plans; everyone else gets the uniform
// not-found answer.
func (s *Service) CreateCheckout(ctx context.Context, p authz.Principal, req CheckoutRequest) (*CheckoutResponse, int, error) {
	if p.Role != authz.RoleOwner {
		return nil, http.StatusNotFound, fmt.Errorf("not found")
	}
	if s.client == nil {
		return nil, http.StatusServiceUnavailable, fmt.Errorf("billing is not configured")
	}

	plan, known := ParsePlan(strings.TrimSpace(req.Plan))
	if !known || plan == PlanFreeTrial {
		return nil, http.StatusBadRequest, fmt.Errorf("plan must be one of: starter, growth, max")
	}
	priceID, ok := s.prices[plan]
	if !ok || priceID == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("plan %s is not purchasable", plan)
	}

	providerCustomerID, err := s.ensureCustomer(ctx, p)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("prepare billing customer: %w", err)
	}

	sess, err := s.client.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: providerCustomerID,
		PriceID:    priceID,
		Plan:       plan,
		OrgID:      p.OrgID,
		UserID:     p.ID,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
	})
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutResponse{SessionID: sess.ID, URL: sess.URL}, http.StatusOK, nil
}

// ensureCustomer returns the org's provider customer id, registering one on
// first purchase. The insert runs under the caller's own scope; the customers
// insert policy pins org_id and linked_user_id to the caller.
func (s *Service) ensureCustomer(ctx context.Context, p authz.Principal) (string, error) {
	f, err := s.engine.Scope(authz.TableCustomers, authz.OpSelect, p, 2)
	if err != nil {
		return "", err
	}

	existing, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (string, error) {
		var id string
		args := append([]any{p.OrgID}, f.Args...)
		err := tx.QueryRow(ctx, `
			SELECT provider_customer_id FROM app.customers
			WHERE org_id = $1 AND (`+f.Where+`)
			ORDER BY created_at
			LIMIT 1
		`, args...).Scan(&id)
		return id, err
	})
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	created, err := s.client.CreateCustomer(ctx, p.Email, p.OrgID)
	if err != nil {
		return "", err
	}

	values := authz.Values{"org_id": p.OrgID, "linked_user_id": p.ID}
	if err := s.engine.CheckWrite(authz.TableCustomers, authz.OpInsert, p, values); err != nil {
		return "", err
	}
	_, err = database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (struct{}, error) {
		// A concurrent checkout may have linked the same provider customer;
		// first row wins either way.
		_, err := tx.Exec(ctx, `
			INSERT INTO app.customers (org_id, provider_customer_id, email, linked_user_id)
			VALUES ($1, $2, NULLIF($3, ''), $4::uuid)
			ON CONFLICT (provider_customer_id) DO NOTHING
		`, p.OrgID, created.ID, p.Email, p.ID)
		return struct{}{}, err
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// CurrentEntitlements returns the caller org's entitlement snapshot. Orgs
// that never reached billing run on trial defaults.
func (s *Service) CurrentEntitlements(ctx context.Context, p authz.Principal) (*Entitlements, int, error) {
	ent, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (Entitlements, error) {
		return EntitlementsForOrg(ctx, tx, p.OrgID)
	})
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("load entitlements: %w", err)
	}
	return &ent, http.StatusOK, nil
}

// ListSubscriptions returns the org's mirrored subscription state.
func (s *Service) ListSubscriptions(ctx context.Context, p authz.Principal) ([]Subscription, int, error) {
	f, err := s.engine.Scope(authz.TableSubscriptions, authz.OpSelect, p, 1)
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("subscriptions not found")
	}

	subs, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) ([]Subscription, error) {
		rows, err := tx.Query(ctx, `
			SELECT id, org_id, customer_id, provider_subscription_id, plan, status,
				current_period_end, cancel_at_period_end, created_at, updated_at
			FROM app.subscriptions
			WHERE (`+f.Where+`)
			ORDER BY created_at DESC
		`, f.Args...)
		if err != nil {
			return nil, fmt.Errorf("query subscriptions: %w", err)
		}
		defer rows.Close()

		out := []Subscription{}
		for rows.Next() {
			var sub Subscription
			var plan string
			if err := rows.Scan(&sub.ID, &sub.OrgID, &sub.CustomerID, &sub.ProviderSubscriptionID,
				&plan, &sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
				&sub.CreatedAt, &sub.UpdatedAt); err != nil {
				return nil, fmt.Errorf("scan subscription: %w", err)
			}
			sub.Plan = Plan(plan)
			out = append(out, sub)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return subs, http.StatusOK, nil
}

// CancelSubscription asks the provider to end a subscription. The local
// mirror is not touched here: the provider confirms through the webhook
// pipeline, which is the only writer of subscription state. Until that event
// lands the subscription reads as it was.
func (s *Service) CancelSubscription(ctx context.Context, p authz.Principal, subscriptionID string) (*CancelResponse, int, error) {
	if p.Role != authz.RoleOwner {
		return nil, http.StatusNotFound, fmt.Errorf("subscription not found")
	}
	if s.client == nil {
		return nil, http.StatusServiceUnavailable, fmt.Errorf("billing is not configured")
	}

	f, err := s.engine.Scope(authz.TableSubscriptions, authz.OpSelect, p, 2)
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("subscription not found")
	}

	providerSubID, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (string, error) {
		var id string
		args := append([]any{subscriptionID}, f.Args...)
		err := tx.QueryRow(ctx, `
			SELECT provider_subscription_id FROM app.subscriptions
			WHERE id = $1 AND (`+f.Where+`)
		`, args...).Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("subscription not found")
	}

	if _, err := s.client.CancelSubscription(ctx, providerSubID); err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("cancel subscription: %w", err)
	}
	return &CancelResponse{Status: "cancellation_requested"}, http.StatusAccepted, nil
}
