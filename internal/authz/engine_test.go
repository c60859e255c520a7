package authz

import (
	"errors"
	"strings"
	"testing"
)

func owner() Principal {
	return Principal{
		ID:    "6f0c3a0a-8a43-4a6e-9f0e-0d3f8f6f1a11",
		Role:  RoleOwner,
		OrgID: "9b2d5c7e-1f4a-4b8c-8d3e-2a6f9c0e4b22",
		Email: "owner@example.com",
	}
}

func testPolicies() []Policy {
	return []Policy{
		{
			Name: "properties_select_own", Table: "properties", Op: OpSelect,
			Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "owner_user_id", Bind: BindPrincipalID},
		},
		{
			Name: "properties_insert_own", Table: "properties", Op: OpInsert,
			Roles: []Role{RoleOwner},
			Check: AllOf(MustMatch("owner_user_id", BindPrincipalID), MustMatch("org_id", BindOrgID)),
		},
		{
			Name: "properties_update_own", Table: "properties", Op: OpUpdate,
			Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "owner_user_id", Bind: BindPrincipalID},
			Check: Immutable("id", "owner_user_id", "org_id"),
		},
	}
}

// ---------------------------------------------------------------------------
// default deny
// ---------------------------------------------------------------------------

func TestScope_DeniesWithoutAnyPolicy(t *testing.T) {
	e := NewEngine()

	_, err := e.Scope("properties", OpSelect, owner(), 1)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for empty engine, got %v", err)
	}
}

func TestScope_DeniesOperationsWithoutAPolicy(t *testing.T) {
	e := NewEngine()
	if err := e.Register(testPolicies()...); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Select is granted, delete never was.
	if _, err := e.Scope("properties", OpSelect, owner(), 1); err != nil {
		t.Fatalf("select should be granted: %v", err)
	}
	if _, err := e.Scope("properties", OpDelete, owner(), 1); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for delete, got %v", err)
	}
}

func TestScope_DeniesRolesOutsideThePolicy(t *testing.T) {
	e := NewEngine()
	if err := e.Register(testPolicies()...); err != nil {
		t.Fatalf("register: %v", err)
	}

	tenant := owner()
	tenant.Role = RoleTenant
	if _, err := e.Scope("properties", OpSelect, tenant, 1); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for tenant role, got %v", err)
	}
}

func TestCheckWrite_DeniesWithoutAPolicy(t *testing.T) {
	e := NewEngine()

	err := e.CheckWrite("properties", OpInsert, owner(), Values{"name": "x"})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// ownership pinning
// ---------------------------------------------------------------------------

func TestCheckWrite_PinsInsertIdentityColumns(t *testing.T) {
	e := NewEngine()
	if err := e.Register(testPolicies()...); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := owner()

	tests := []struct {
		name    string
		values  Values
		wantErr bool
	}{
		{
			name:   "own identity accepted",
			values: Values{"owner_user_id": p.ID, "org_id": p.OrgID, "name": "Maple Court"},
		},
		{
			name:    "foreign owner rejected",
			values:  Values{"owner_user_id": "0ac92c71-55c1-4a50-9d1b-111111111111", "org_id": p.OrgID},
			wantErr: true,
		},
		{
			name:    "foreign org rejected",
			values:  Values{"owner_user_id": p.ID, "org_id": "0ac92c71-55c1-4a50-9d1b-222222222222"},
			wantErr: true,
		},
		{
			name:    "missing identity rejected",
			values:  Values{"name": "Maple Court"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckWrite("properties", OpInsert, p, tt.values)
			if tt.wantErr && !errors.Is(err, ErrDenied) {
				t.Errorf("expected ErrDenied, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCheckWrite_RejectsOwnershipTransfer(t *testing.T) {
	e := NewEngine()
	if err := e.Register(testPolicies()...); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := owner()

	// Even the row's current owner may not hand the row to someone else,
	// and writing the owner column at all is rejected.
	err := e.CheckWrite("properties", OpUpdate, p, Values{
		"owner_user_id": "0ac92c71-55c1-4a50-9d1b-333333333333",
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for ownership transfer, got %v", err)
	}

	err = e.CheckWrite("properties", OpUpdate, p, Values{"owner_user_id": p.ID})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied even for a self no-op write, got %v", err)
	}

	if err := e.CheckWrite("properties", OpUpdate, p, Values{"name": "Renamed"}); err != nil {
		t.Fatalf("plain field update should pass: %v", err)
	}
}

// ---------------------------------------------------------------------------
// service bypass
// ---------------------------------------------------------------------------

func TestServicePrincipal_BypassesPolicies(t *testing.T) {
	e := NewEngine()
	svc := ServicePrincipal()

	f, err := e.Scope("webhook_events", OpUpdate, svc, 1)
	if err != nil {
		t.Fatalf("service scope: %v", err)
	}
	if f.Where != "TRUE" || len(f.Args) != 0 {
		t.Fatalf("service scope should be unconditional, got %q %v", f.Where, f.Args)
	}
	if err := e.CheckWrite("webhook_events", OpInsert, svc, Values{"status": "processing"}); err != nil {
		t.Fatalf("service write: %v", err)
	}
}

func TestParseRole_RejectsServiceAndUnknown(t *testing.T) {
	for _, bad := range []string{"service", "superuser", "", "Owner"} {
		if _, err := ParseRole(bad); err == nil {
			t.Errorf("ParseRole(%q) should fail", bad)
		}
	}
	for _, good := range []string{"owner", "manager", "tenant", "admin"} {
		if _, err := ParseRole(good); err != nil {
			t.Errorf("ParseRole(%q): %v", good, err)
		}
	}
}

// ---------------------------------------------------------------------------
// registration validation
// ---------------------------------------------------------------------------

func TestRegister_RejectsMalformedPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{
			name:   "missing using on select",
			policy: Policy{Name: "p1", Table: "t", Op: OpSelect, Roles: []Role{RoleOwner}},
		},
		{
			name:   "missing check on insert",
			policy: Policy{Name: "p2", Table: "t", Op: OpInsert, Roles: []Role{RoleOwner}},
		},
		{
			name: "update without check",
			policy: Policy{Name: "p3", Table: "t", Op: OpUpdate, Roles: []Role{RoleOwner},
				Using: AllRows{}},
		},
		{
			name: "no roles",
			policy: Policy{Name: "p4", Table: "t", Op: OpSelect, Using: AllRows{}},
		},
		{
			name: "service role not addressable",
			policy: Policy{Name: "p5", Table: "t", Op: OpSelect, Roles: []Role{roleService},
				Using: AllRows{}},
		},
		{
			name: "unknown operation",
			policy: Policy{Name: "p6", Table: "t", Op: Operation("truncate"), Roles: []Role{RoleOwner},
				Using: AllRows{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewEngine().Register(tt.policy); err == nil {
				t.Errorf("expected registration to fail")
			}
		})
	}
}

func TestRegister_RejectsDuplicateNames(t *testing.T) {
	e := NewEngine()
	p := Policy{Name: "dup", Table: "t", Op: OpSelect, Roles: []Role{RoleOwner}, Using: AllRows{}}
	if err := e.Register(p); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := e.Register(p); err == nil {
		t.Fatalf("duplicate name should fail")
	}
}

func TestDefaultPolicies_RegisterCleanly(t *testing.T) {
	e := NewEngine()
	if err := e.Register(DefaultPolicies()...); err != nil {
		t.Fatalf("default policies should register: %v", err)
	}
	if len(e.Tables()) == 0 {
		t.Fatalf("expected registered tables")
	}
}

// ---------------------------------------------------------------------------
// filter composition
// ---------------------------------------------------------------------------

func TestScope_CombinesPoliciesPermissively(t *testing.T) {
	e := NewEngine()
	err := e.Register(
		Policy{Name: "a", Table: "t", Op: OpSelect, Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "owner_user_id", Bind: BindPrincipalID}},
		Policy{Name: "b", Table: "t", Op: OpSelect, Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID}},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	p := owner()

	f, err := e.Scope("t", OpSelect, p, 3)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	want := `("owner_user_id" = $3 OR "org_id" = $4)`
	if f.Where != want {
		t.Errorf("where = %q, want %q", f.Where, want)
	}
	if len(f.Args) != 2 || f.Args[0] != p.ID || f.Args[1] != p.OrgID {
		t.Errorf("args = %v", f.Args)
	}
}

func TestScope_StartIndexThreadsThroughSubqueries(t *testing.T) {
	e := NewEngine()
	err := e.Register(Policy{
		Name: "units_select_own", Table: "units", Op: OpSelect, Roles: []Role{RoleOwner},
		Using: MemberOf{
			Column: "property_id",
			Query:  "SELECT id FROM app.properties WHERE owner_user_id = ?",
			Binds:  []Binding{BindPrincipalID},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	f, err := e.Scope("units", OpSelect, owner(), 2)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if !strings.Contains(f.Where, "owner_user_id = $2") {
		t.Errorf("subquery placeholder not renumbered: %q", f.Where)
	}
	if strings.Contains(f.Where, "?") {
		t.Errorf("unreplaced marker in %q", f.Where)
	}
}
