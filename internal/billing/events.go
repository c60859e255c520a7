package billing

import (
	"encoding/json"
	"fmt"
)

// Provider event types carried in the webhook envelope. This is the complete
// set the service acts on; anything else parses as UnknownEvent and is
// acknowledged without side effects.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventCheckoutCompleted   = "checkout.session.completed"
)

// Event is one parsed webhook delivery. The concrete type tells the handler
// exactly what the payload carries; there is no fallthrough that treats one
// shape as another.
type Event interface {
	ID() string
	Type() string
	event()
}

// ProviderSubscription is the subscription object as the provider sends it,
// both inside webhook payloads and from the subscriptions API. Plan and org
// attribution travel in metadata, set by our checkout sessions.
type ProviderSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

// ProviderInvoice is the invoice object inside payment events.
type ProviderInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountDue    int64  `json:"amount_due"`
	AmountPaid   int64  `json:"amount_paid"`
	Currency     string `json:"currency"`
	AttemptCount int    `json:"attempt_count"`
}

// ProviderCheckoutSession is the checkout session object. Metadata carries
// the org and user that started the purchase.
type ProviderCheckoutSession struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	CustomerEmail string            `json:"customer_email"`
	URL           string            `json:"url,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

type SubscriptionCreated struct {
	EventID      string
	Subscription ProviderSubscription
}

type SubscriptionUpdated struct {
	EventID      string
	Subscription ProviderSubscription
}

type SubscriptionDeleted struct {
	EventID      string
	Subscription ProviderSubscription
}

type InvoicePaymentSucceeded struct {
	EventID string
	Invoice ProviderInvoice
}

type InvoicePaymentFailed struct {
	EventID string
	Invoice ProviderInvoice
}

type CheckoutCompleted struct {
	EventID string
	Session ProviderCheckoutSession
}

// UnknownEvent is a delivery whose type is outside the handled set. It is
// recorded and acknowledged, never retried.
type UnknownEvent struct {
	EventID   string
	EventType string
}

func (e SubscriptionCreated) ID() string { return e.EventID }

func (e SubscriptionCreated) Type() string { return EventSubscriptionCreated }

func (SubscriptionCreated) event() {}

func (e SubscriptionUpdated) ID() string { return e.EventID }

func (e SubscriptionUpdated) Type() string { return EventSubscriptionUpdated }

func (SubscriptionUpdated) event() {}

func (e SubscriptionDeleted) ID() string { return e.EventID }

func (e SubscriptionDeleted) Type() string { return EventSubscriptionDeleted }

func (SubscriptionDeleted) event() {}

func (e InvoicePaymentSucceeded) ID() string { return e.EventID }

func (e InvoicePaymentSucceeded) Type() string { return EventInvoicePaid }

func (InvoicePaymentSucceeded) event() {}

func (e InvoicePaymentFailed) ID() string { return e.EventID }

func (e InvoicePaymentFailed) Type() string { return EventInvoiceFailed }

func (InvoicePaymentFailed) event() {}

func (e CheckoutCompleted) ID() string { return e.EventID }

func (e CheckoutCompleted) Type() string { return EventCheckoutCompleted }

func (CheckoutCompleted) event() {}

func (e UnknownEvent) ID() string { return e.EventID }

func (e UnknownEvent) Type() string { return e.EventType }

func (UnknownEvent) event() {}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// parseEnvelope extracts the delivery identity without touching the inner
// object. The receive path needs only this much to deduplicate and queue.
func parseEnvelope(raw []byte) (id, eventType string, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", fmt.Errorf("decode webhook envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return "", "", fmt.Errorf("webhook envelope missing id or type")
	}
	return env.ID, env.Type, nil
}

// ParseEvent decodes a raw webhook body into its typed event. A type outside
// the known set yields UnknownEvent rather than an error. A known type whose
// object does not decode is an error; the payload bytes never change, so
// callers treat that as terminal.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("webhook envelope missing id or type")
	}

	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub ProviderSubscription
		if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription object: %w", err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("subscription object missing id")
		}
		switch env.Type {
		case EventSubscriptionCreated:
			return SubscriptionCreated{EventID: env.ID, Subscription: sub}, nil
		case EventSubscriptionUpdated:
			return SubscriptionUpdated{EventID: env.ID, Subscription: sub}, nil
		default:
			return SubscriptionDeleted{EventID: env.ID, Subscription: sub}, nil
		}

	case EventInvoicePaid, EventInvoiceFailed:
		var inv ProviderInvoice
		if err := json.Unmarshal(env.Data.Object, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice object: %w", err)
		}
		if inv.ID == "" {
			return nil, fmt.Errorf("invoice object missing id")
		}
		if env.Type == EventInvoicePaid {
			return InvoicePaymentSucceeded{EventID: env.ID, Invoice: inv}, nil
		}
		return InvoicePaymentFailed{EventID: env.ID, Invoice: inv}, nil

	case EventCheckoutCompleted:
		var sess ProviderCheckoutSession
		if err := json.Unmarshal(env.Data.Object, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session object: %w", err)
		}
		if sess.ID == "" {
			return nil, fmt.Errorf("checkout session object missing id")
		}
		return CheckoutCompleted{EventID: env.ID, Session: sess}, nil

	default:
		return UnknownEvent{EventID: env.ID, EventType: env.Type}, nil
	}
}
