package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Plan is a subscription tier. The zero value is not a valid plan; orgs
// without any entitling subscription fall back to the free trial.
type Plan string

const (
	PlanFreeTrial Plan = "free_trial"
	PlanStarter   Plan = "starter"
	PlanGrowth    Plan = "growth"
	PlanMax       Plan = "max"
)

// Unlimited marks a limit that is not enforced.
const Unlimited = -1

// Limits is the resource quota a plan grants.
type Limits struct {
	Properties int `json:"properties"`
	Units      int `json:"units"`
	Seats      int `json:"seats"`
}

var planLimits = map[Plan]Limits{
	PlanFreeTrial: {Properties: 1, Units: 5, Seats: 2},
	PlanStarter:   {Properties: 5, Units: 25, Seats: 5},
	PlanGrowth:    {Properties: 20, Units: 100, Seats: 20},
	PlanMax:       {Properties: Unlimited, Units: Unlimited, Seats: Unlimited},
}

// planRank orders plans so reconciliation can pick the best entitling
// subscription when an org somehow holds several.
var planRank = map[Plan]int{
	PlanFreeTrial: 0,
	PlanStarter:   1,
	PlanGrowth:    2,
	PlanMax:       3,
}

// ParsePlan maps a provider-side plan key to a known tier.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(s)
	_, ok := planLimits[p]
	return p, ok
}

// LimitsFor returns the quota for a plan. Unknown plans get the trial quota
// so a bad provider payload can never mint unlimited access.
func LimitsFor(p Plan) Limits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFreeTrial]
}

// Subscription statuses mirrored from the billing provider.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusUnpaid            = "unpaid"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
)

// isEntitlingStatus reports whether a subscription in this status grants its
// plan. Past-due keeps access during dunning; everything else downgrades.
func isEntitlingStatus(status string) bool {
	switch status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	}
	return false
}

// Subscription is the locally mirrored provider subscription state.
type Subscription struct {
	ID                     string     `json:"id"`
	OrgID                  string     `json:"org_id"`
	CustomerID             string     `json:"customer_id"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	Plan                   Plan       `json:"plan"`
	Status                 string     `json:"status"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Entitlements is the derived snapshot of what an org may do right now.
type Entitlements struct {
	OrgID    string    `json:"org_id"`
	Plan     Plan      `json:"plan"`
	Status   string    `json:"status"`
	Limits   Limits    `json:"limits"`
	SyncedAt time.Time `json:"synced_at"`
}

// DefaultEntitlements is the trial snapshot for orgs with no entitling
// subscription.
func DefaultEntitlements(orgID string) Entitlements {
	return Entitlements{
		OrgID:  orgID,
		Plan:   PlanFreeTrial,
		Status: StatusTrialing,
		Limits: LimitsFor(PlanFreeTrial),
	}
}

// ComputeEntitlements derives an org's entitlements from the full set of its
// subscriptions. The result depends only on that set, never on which webhook
// happened to arrive last, so replayed or reordered deliveries converge on
// the same snapshot. Among entitling subscriptions the highest-ranked plan
// wins.
func ComputeEntitlements(orgID string, subs []Subscription) Entitlements {
	best := DefaultEntitlements(orgID)
	bestRank := -1
	for _, sub := range subs {
		if !isEntitlingStatus(sub.Status) {
			continue
		}
		rank, ok := planRank[sub.Plan]
		if !ok {
			continue
		}
		if rank > bestRank {
			bestRank = rank
			best = Entitlements{
				OrgID:  orgID,
				Plan:   sub.Plan,
				Status: sub.Status,
				Limits: LimitsFor(sub.Plan),
			}
		}
	}
	return best
}

// LimitExceededError is returned when a creation attempt would exceed the
// org's plan quota. Handlers surface it as 422 with code plan_limit_exceeded.
type LimitExceededError struct {
	Resource string
	Limit    int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("plan limit reached: at most %d %s allowed", e.Limit, e.Resource)
}

// EntitlementsForOrg reads the org's entitlement snapshot inside the
// caller's transaction. A missing row means the org has never had a billing
// event and runs on the trial defaults.
func EntitlementsForOrg(ctx context.Context, tx pgx.Tx, orgID string) (Entitlements, error) {
	var ent Entitlements
	var plan string
	err := tx.QueryRow(ctx, `
		SELECT org_id, plan, status, properties_limit, units_limit, seats_limit, synced_at
		FROM app.entitlements WHERE org_id = $1
	`, orgID).Scan(&ent.OrgID, &plan, &ent.Status, &ent.Limits.Properties, &ent.Limits.Units, &ent.Limits.Seats, &ent.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultEntitlements(orgID), nil
	}
	if err != nil {
		return Entitlements{}, fmt.Errorf("loading entitlements: %w", err)
	}
	ent.Plan = Plan(plan)
	return ent, nil
}

// CheckQuota compares a current resource count against a limit and returns
// LimitExceededError when one more would exceed it.
func CheckQuota(resource string, current, limit int) error {
	if limit == Unlimited {
		return nil
	}
	if current >= limit {
		return &LimitExceededError{Resource: resource, Limit: limit}
	}
	return nil
}
