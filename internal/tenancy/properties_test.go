package tenancy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
)

func testEngine(t *testing.T) *authz.Engine {
	t.Helper()
	e := authz.NewEngine()
	if err := e.Register(authz.DefaultPolicies()...); err != nil {
		t.Fatalf("register policies: %v", err)
	}
	return e
}

func ownerPrincipal() authz.Principal {
	return authz.Principal{
		ID:    "6f0c3a0a-8a43-4a6e-9f0e-0d3f8f6f1a11",
		Role:  authz.RoleOwner,
		OrgID: "9b2d5c7e-1f4a-4b8c-8d3e-2a6f9c0e4b22",
		Email: "owner@example.com",
	}
}

func tenantPrincipal() authz.Principal {
	p := ownerPrincipal()
	p.ID = "0ac92c71-55c1-4a50-9d1b-444444444444"
	p.Role = authz.RoleTenant
	p.Email = "renter@example.com"
	return p
}

// ---------------------------------------------------------------------------
// validation and policy gating (no database required)
// ---------------------------------------------------------------------------

func TestPropertyCreate_ValidatesInput(t *testing.T) {
	svc := NewPropertyService(nil, testEngine(t))
	p := ownerPrincipal()

	tests := []struct {
		name string
		req  CreatePropertyRequest
	}{
		{"missing name", CreatePropertyRequest{AddressLine1: "1 Main St", City: "Austin"}},
		{"missing address", CreatePropertyRequest{Name: "Maple Court", City: "Austin"}},
		{"missing city", CreatePropertyRequest{Name: "Maple Court", AddressLine1: "1 Main St"}},
		{"bad property type", CreatePropertyRequest{
			Name: "Maple Court", AddressLine1: "1 Main St", City: "Austin", PropertyType: "castle"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, status, err := svc.Create(context.Background(), p, tt.req)
			if status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (err=%v)", status, err)
			}
		})
	}
}

func TestPropertyCreate_DeniedRoleGetsNotFound(t *testing.T) {
	svc := NewPropertyService(nil, testEngine(t))

	// Renters have no insert policy on properties; the denial surfaces as
	// not-found before any database work happens.
	_, status, err := svc.Create(context.Background(), tenantPrincipal(), CreatePropertyRequest{
		Name: "Maple Court", AddressLine1: "1 Main St", City: "Austin",
	})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
}

func TestPropertyUpdate_RequiresFields(t *testing.T) {
	svc := NewPropertyService(nil, testEngine(t))

	_, status, _ := svc.Update(context.Background(), ownerPrincipal(), "some-id", UpdatePropertyRequest{})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestPropertyDelete_DeniedRoleGetsNotFound(t *testing.T) {
	svc := NewPropertyService(nil, testEngine(t))

	// Managers may update but not delete.
	manager := ownerPrincipal()
	manager.Role = authz.RoleManager
	status, err := svc.Delete(context.Background(), manager, "some-id")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (err=%v)", status, err)
	}
}

// ---------------------------------------------------------------------------
// Note: the read/write paths themselves require PostgreSQL with the app
// schema and row policies installed. Integration coverage lives with the
// deployment harness.
// ---------------------------------------------------------------------------

func TestPropertyQuota_Documentation(t *testing.T) {
	t.Skip("requires database connection -- integration test")
	// Would test:
	// - Creation under the limit succeeds
	// - Creation at the limit returns 422 with plan_limit_exceeded
	// - Upgrading the plan lifts the limit
}

func TestPropertyVisibility_Documentation(t *testing.T) {
	t.Skip("requires database connection -- integration test")
	// Would test:
	// - An owner sees only their org's properties
	// - A renter sees only property rows reachable through an active lease
	// - A foreign owner's get returns 404 rather than 403
}
