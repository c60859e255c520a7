package authz

import "fmt"

// Role is the access class of an authenticated principal.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleTenant  Role = "tenant"
	RoleAdmin   Role = "admin"

	// roleService is the elevated back-office class used by background jobs.
	// It is deliberately unexported: the only way to obtain it is
	// ServicePrincipal, which no HTTP-facing code path calls.
	roleService Role = "service"
)

// ParseRole maps a verified token claim to a Role. Unknown values are
// rejected, which also makes "service" unreachable from a bearer token.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleManager, RoleTenant, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Principal is an authenticated actor with a resolved identity. Identities
// always come from a verified credential, never from request parameters.
type Principal struct {
	ID    string
	Role  Role
	OrgID string
	Email string

	service bool
}

// ServicePrincipal returns the elevated principal used by webhook workers and
// other background jobs. It bypasses policy evaluation entirely.
func ServicePrincipal() Principal {
	return Principal{ID: "00000000-0000-0000-0000-000000000000", Role: roleService, service: true}
}

// IsService reports whether this principal bypasses row policies.
func (p Principal) IsService() bool { return p.service }

func (p Principal) hasRole(roles []Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
