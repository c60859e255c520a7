package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultProvider is the namespace recorded with every webhook event.
const DefaultProvider = "stripe"

// ProviderError is a non-2xx answer from the billing provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// Transient reports whether the call may succeed on retry.
func (e *ProviderError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ProviderCustomer is the customer object returned by the provider API.
type ProviderCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CheckoutParams describes a subscription purchase to start.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	Plan       Plan
	OrgID      string
	UserID     string
	SuccessURL string
	CancelURL  string
}

// ProviderClient talks to the billing provider's REST API. Every mutating
// call carries a deterministic Idempotency-Key so a retried request is
// deduplicated provider-side instead of double-charging.
type ProviderClient struct {
	apiKey  string
	baseURL string

	HTTPClient *http.Client
}

func NewProviderClient(apiKey, baseURL string) (*ProviderClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("provider API key is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("provider base URL is required")
	}
	return &ProviderClient{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// CreateCustomer registers the organization with the provider.
func (c *ProviderClient) CreateCustomer(ctx context.Context, email, orgID string) (*ProviderCustomer, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("metadata[org_id]", orgID)

	var out ProviderCustomer
	key := IdempotencyKey("customer.create", orgID, email)
	if err := c.do(ctx, http.MethodPost, "/v1/customers", form, key, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("provider returned a customer without an id")
	}
	return &out, nil
}

// CreateCheckoutSession starts a hosted subscription purchase. Metadata is
// set on both the session and the subscription it creates, so every later
// webhook carries the org attribution.
func (c *ProviderClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*ProviderCheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", p.CustomerID)
	form.Set("line_items[0][price]", p.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	form.Set("metadata[org_id]", p.OrgID)
	form.Set("metadata[user_id]", p.UserID)
	form.Set("metadata[plan]", string(p.Plan))
	form.Set("subscription_data[metadata][org_id]", p.OrgID)
	form.Set("subscription_data[metadata][plan]", string(p.Plan))

	var out ProviderCheckoutSession
	key := IdempotencyKey("checkout.create", p.OrgID, p.UserID, string(p.Plan))
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, key, &out); err != nil {
		return nil, err
	}
	if out.ID == "" || out.URL == "" {
		return nil, errors.New("provider returned an unusable checkout session")
	}
	return &out, nil
}

// GetSubscription fetches the authoritative subscription state.
func (c *ProviderClient) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, errors.New("subscription id is required")
	}

	var out ProviderSubscription
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "", &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("provider returned a subscription without an id")
	}
	return &out, nil
}

// CancelSubscription ends a subscription immediately and returns its final
// state.
func (c *ProviderClient) CancelSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, errors.New("subscription id is required")
	}

	var out ProviderSubscription
	key := IdempotencyKey("subscription.cancel", subscriptionID)
	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, key, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ProviderClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Status: resp.StatusCode, Body: snippet(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}

// snippet keeps provider error bodies log-sized.
func snippet(data []byte) string {
	const max = 300
	s := string(data)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
