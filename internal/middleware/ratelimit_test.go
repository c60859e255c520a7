package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Token bucket
// ---------------------------------------------------------------------------

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiter_BucketsAreSeparatePerIP(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first ip denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("second ip should have its own bucket")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first ip exceeded its bucket")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(25 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Error("bucket did not refill")
	}
}

func TestRateLimiterMiddleware_Returns429(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4321"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
}

// ---------------------------------------------------------------------------
// Client address extraction
// ---------------------------------------------------------------------------

func TestExtractIP_IgnoresForwardingHeadersByDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	if got := extractIP(req); got != "192.0.2.7" {
		t.Errorf("extractIP = %q, want RemoteAddr host %q", got, "192.0.2.7")
	}
}

func TestExtractIP_TrustsProxyWhenConfigured(t *testing.T) {
	t.Setenv("TRUST_PROXY", "true")

	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"single forwarded address", "X-Forwarded-For", "203.0.113.9", "203.0.113.9"},
		{"first of forwarded chain", "X-Forwarded-For", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"real ip fallback", "X-Real-IP", "198.51.100.4", "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.7:4321"
			req.Header.Set(tt.header, tt.value)

			if got := extractIP(req); got != tt.want {
				t.Errorf("extractIP = %q, want %q", got, tt.want)
			}
		})
	}
}
