package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hudsor01/tenant-flow-sub015/internal/billing"
	"github.com/hudsor01/tenant-flow-sub015/internal/middleware"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret     = "router-test-secret-at-least-32-chars!!"
	testWebhookSecret = "whsec_router_test_secret"
)

// stubStore satisfies billing.Store for routes that never reach storage. Any
// actual call panics through the nil embedded interface, which is the point:
// these tests assert rejection happens before storage is touched.
type stubStore struct{ billing.Store }

type stubQueue struct{}

func (stubQueue) EnqueueWebhookEvent(ctx context.Context, eventID string) error { return nil }
func (stubQueue) EnqueueArchive(ctx context.Context, eventID, reason string) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	processor, err := billing.NewProcessor(billing.ProcessorConfig{
		Store:  stubStore{},
		Queue:  stubQueue{},
		Secret: testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	return New(
		nil, // db: no route under test pings it
		middleware.NewAuth(testJWTSecret),
		nil, nil, nil, nil, nil, nil, nil, // tenancy services, unreachable without auth
		nil, nil, nil,
		processor,
		600, // generous per-IP budget so assertions never trip the limiter
	)
}

func signToken(t *testing.T, sub, role, orgID string) string {
	t.Helper()
	claims := middleware.AccessClaims{
		Role:  role,
		OrgID: orgID,
		Email: sub + "@test.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// ---------------------------------------------------------------------------
// Route gating
// ---------------------------------------------------------------------------

func TestAPIRoutes_RequireAuth(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/me/sync"},
		{http.MethodGet, "/api/v1/org"},
		{http.MethodGet, "/api/v1/properties"},
		{http.MethodPost, "/api/v1/properties"},
		{http.MethodGet, "/api/v1/units"},
		{http.MethodGet, "/api/v1/tenants"},
		{http.MethodGet, "/api/v1/leases"},
		{http.MethodGet, "/api/v1/maintenance"},
		{http.MethodPost, "/api/v1/billing/checkout"},
		{http.MethodGet, "/api/v1/billing/entitlements"},
		{http.MethodGet, "/api/v1/admin/dead-letters"},
		{http.MethodGet, "/api/v1/admin/audit-log"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req := httptest.NewRequest(rt.method, rt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401 without a token, got %d", rec.Code)
			}
			var body map[string]string
			json.NewDecoder(rec.Body).Decode(&body)
			if body["error"] != "missing authorization header" {
				t.Errorf("unexpected error body: %q", body["error"])
			}
		})
	}
}

func TestAdminRoutes_HiddenFromNonAdmins(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()
	token := signToken(t, "owner-1", "owner", "org-1")

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/admin/dead-letters"},
		{http.MethodGet, "/api/v1/admin/dead-letters/ev-1"},
		{http.MethodPost, "/api/v1/admin/dead-letters/ev-1/requeue"},
		{http.MethodGet, "/api/v1/admin/audit-log"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req := httptest.NewRequest(rt.method, rt.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			// Indistinguishable from a route that does not exist.
			if rec.Code != http.StatusNotFound {
				t.Errorf("expected status 404 for owner on admin route, got %d", rec.Code)
			}
		})
	}
}

func TestWebhookRoute_OutsideSessionAuth(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	// No bearer token, garbage signature: the route must answer with the
	// signature taxonomy (400), not the session one (401).
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(billing.SignatureHeader, "t=123,v1=deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "invalid signature" {
		t.Errorf("unexpected error body: %q", body["error"])
	}
}

func TestWebhookRoute_MissingSignatureHeader(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestWebhookRoute_BodyLimit(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	big := bytes.Repeat([]byte("x"), (1<<20)+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(big))
	req.Header.Set(billing.SignatureHeader, "t=123,v1=deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for oversize body, got %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "unreadable request body" {
		t.Errorf("unexpected error body: %q", body["error"])
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Outer middleware
// ---------------------------------------------------------------------------

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 from /metrics, got %d", rec.Code)
	}
	checks := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, want := range checks {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS should not be set on plain HTTP")
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/properties", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q for whitelisted origin", got)
	}
}

func TestCORS_UnknownOriginGetsNoCredentials(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/properties", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Allow-Credentials = %q for unknown origin, want unset", got)
	}
}

func TestMaxBody(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]string
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := maxBody(inner, 16)

	t.Run("within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader([]byte(`{"a":"b"}`)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", bytes.NewReader(bytes.Repeat([]byte("a"), 64)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantPage    int
		wantPerPage int
	}{
		{"defaults", "", 1, 20},
		{"explicit", "page=3&per_page=50", 3, 50},
		{"negative clamped", "page=-1&per_page=-5", 1, 20},
		{"garbage ignored", "page=abc&per_page=xyz", 1, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
			page, perPage := pagination(req)
			if page != tt.wantPage || perPage != tt.wantPerPage {
				t.Errorf("pagination() = (%d, %d), want (%d, %d)", page, perPage, tt.wantPage, tt.wantPerPage)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Full-stack wiring
// ---------------------------------------------------------------------------

// TestRouter_FullStack_Documentation documents the end-to-end flow the
// integration environment exercises: owner sync bootstraps the org, property
// creation hits the trial limit, a signed subscription webhook lifts it, and
// entitlements reflect the new plan.
func TestRouter_FullStack_Documentation(t *testing.T) {
	t.Skip("requires database connection -- integration test")
}
