package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
)

// AccessClaims is the bearer token payload issued by the upstream identity
// provider. Identity, role and org membership come from these verified
// claims, never from request parameters or body fields.
type AccessClaims struct {
	Role  string `json:"role"`
	OrgID string `json:"org_id"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Auth is middleware that validates bearer tokens and resolves them to
// principals for the policy engine.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

type contextKey string

const contextPrincipal contextKey = "principal"

// Middleware rejects requests without a valid token and stores the resolved
// Principal in the request context.
func (m *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid authorization format"})
			return
		}

		principal, err := m.resolve(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}

		ctx := setContextValue(r.Context(), contextPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolve verifies the token and maps its claims onto a Principal. The role
// claim goes through the ParseRole allowlist, so the elevated service class
// can never arrive by bearer token.
func (m *Auth) resolve(tokenString string) (authz.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return authz.Principal{}, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return authz.Principal{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return authz.Principal{}, fmt.Errorf("token has no subject")
	}

	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		return authz.Principal{}, err
	}

	return authz.Principal{
		ID:    claims.Subject,
		Role:  role,
		OrgID: claims.OrgID,
		Email: claims.Email,
	}, nil
}

// GetPrincipal extracts the authenticated principal from the request context.
func GetPrincipal(r *http.Request) (authz.Principal, bool) {
	p, ok := r.Context().Value(contextPrincipal).(authz.Principal)
	return p, ok
}

// RequireRole admits only the listed roles. Everyone else gets 404 so
// unauthorized callers cannot map which admin surfaces exist.
func RequireRole(next http.Handler, roles ...authz.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization header"})
			return
		}
		for _, role := range roles {
			if p.Role == role {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
}
