package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testAuthSecret = "test-auth-secret-long-enough-32chars!!!!"

func generateTestToken(secret, sub, role, orgID, email string, expiry time.Duration) string {
	now := time.Now()
	claims := AccessClaims{
		Role:  role,
		OrgID: orgID,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			Issuer:    "tenantflow-auth",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(secret))
	return signed
}

func authedRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// ---------------------------------------------------------------------------
// Auth.Middleware
// ---------------------------------------------------------------------------

func TestAuth_ValidToken(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	token := generateTestToken(testAuthSecret, "user-123", "owner", "org-1", "owner@test.com", time.Hour)

	var got authz.Principal
	var found bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = GetPrincipal(r)
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest(token))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !found {
		t.Fatal("principal missing from context")
	}
	if got.ID != "user-123" || got.Role != authz.RoleOwner || got.OrgID != "org-1" || got.Email != "owner@test.com" {
		t.Errorf("principal = %+v", got)
	}
	if got.IsService() {
		t.Error("token-derived principal must never be service class")
	}
}

func TestAuth_MissingAuthorizationHeader(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest(""))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "missing authorization header" {
		t.Errorf("unexpected error message: %q", body["error"])
	}
}

func TestAuth_InvalidAuthorizationFormat(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})
	handler := mw.Middleware(inner)

	tests := []struct {
		name   string
		header string
	}{
		{"no_bearer_prefix", "Token abc123"},
		{"basic_auth", "Basic dXNlcjpwYXNz"},
		{"just_token", "some-token-without-bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			var body map[string]string
			json.NewDecoder(rec.Body).Decode(&body)
			if body["error"] != "invalid authorization format" {
				t.Errorf("unexpected error: %q", body["error"])
			}
		})
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	token := generateTestToken(testAuthSecret, "user-123", "owner", "org-1", "x@test.com", -time.Hour)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest(token))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "invalid or expired token" {
		t.Errorf("unexpected error: %q", body["error"])
	}
}

func TestAuth_WrongSecret(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	token := generateTestToken("completely-different-secret-32chars!!", "user-123", "owner", "org-1", "x@test.com", time.Hour)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest(token))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuth_UnknownRoleRejected(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})
	handler := mw.Middleware(inner)

	// "service" is the critical case: the elevated class must be impossible
	// to claim through a token, even a correctly signed one.
	for _, role := range []string{"service", "superuser", "", "OWNER"} {
		t.Run("role_"+role, func(t *testing.T) {
			token := generateTestToken(testAuthSecret, "user-123", role, "org-1", "x@test.com", time.Hour)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, authedRequest(token))

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("role %q: expected status 401, got %d", role, rec.Code)
			}
		})
	}
}

func TestAuth_MissingSubjectRejected(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	token := generateTestToken(testAuthSecret, "", "owner", "org-1", "x@test.com", time.Hour)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest(token))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuth_NoneAlgorithmRejected(t *testing.T) {
	mw := NewAuth(testAuthSecret)

	claims := AccessClaims{
		Role: "owner",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest(signed))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuth_MalformedToken(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called")
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest("not-a-valid-jwt"))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuth_ErrorResponseContentType(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not be called")
	})

	rec := httptest.NewRecorder()
	mw.Middleware(inner).ServeHTTP(rec, authedRequest(""))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", ct)
	}
}

// ---------------------------------------------------------------------------
// GetPrincipal helper
// ---------------------------------------------------------------------------

func TestGetPrincipal_EmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if _, ok := GetPrincipal(req); ok {
		t.Error("expected no principal on a bare request")
	}
}

// ---------------------------------------------------------------------------
// RequireRole
// ---------------------------------------------------------------------------

func TestRequireRole(t *testing.T) {
	mw := NewAuth(testAuthSecret)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := mw.Middleware(RequireRole(inner, authz.RoleAdmin))

	t.Run("admin passes", func(t *testing.T) {
		token := generateTestToken(testAuthSecret, "admin-1", "admin", "org-1", "a@test.com", time.Hour)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(token))
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("owner gets 404", func(t *testing.T) {
		token := generateTestToken(testAuthSecret, "owner-1", "owner", "org-1", "o@test.com", time.Hour)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(token))
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})

	t.Run("no principal gets 401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireRole(inner, authz.RoleAdmin).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rec.Code)
		}
	})
}
