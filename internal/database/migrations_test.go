package database

import (
	"strings"
	"testing"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
)

// ---------------------------------------------------------------------------
// Migration series
// ---------------------------------------------------------------------------

func TestAppMigrations_NamesAreUniqueAndOrdered(t *testing.T) {
	migrations := AppMigrations()
	if len(migrations) == 0 {
		t.Fatal("no migrations defined")
	}

	seen := make(map[string]bool)
	prev := ""
	for _, m := range migrations {
		if m.Name == "" || m.SQL == "" {
			t.Fatalf("migration with empty name or SQL: %+v", m.Name)
		}
		if seen[m.Name] {
			t.Errorf("duplicate migration name %q", m.Name)
		}
		seen[m.Name] = true
		if m.Name <= prev {
			t.Errorf("migration %q is not ordered after %q", m.Name, prev)
		}
		prev = m.Name
	}
}

func TestAppMigrations_CreateEveryPolicyTable(t *testing.T) {
	var ddl strings.Builder
	for _, m := range AppMigrations() {
		ddl.WriteString(m.SQL)
	}
	schema := ddl.String()

	engine := authz.NewEngine()
	if err := engine.Register(authz.DefaultPolicies()...); err != nil {
		t.Fatalf("register policies: %v", err)
	}

	for _, table := range engine.Tables() {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS app."+table+" ") {
			t.Errorf("no CREATE TABLE for policy table app.%s", table)
		}
	}
}

// Every table carrying tenant data must have row security switched on in the
// same migration series that creates it; an unprotected table would fall
// back to grants alone for the restricted role.
func TestAppMigrations_RowSecurityEnabledPerTable(t *testing.T) {
	var ddl strings.Builder
	for _, m := range AppMigrations() {
		ddl.WriteString(m.SQL)
	}
	schema := ddl.String()

	engine := authz.NewEngine()
	if err := engine.Register(authz.DefaultPolicies()...); err != nil {
		t.Fatalf("register policies: %v", err)
	}

	for _, table := range engine.Tables() {
		stmt := "ALTER TABLE app." + table + " ENABLE ROW LEVEL SECURITY"
		if !strings.Contains(schema, stmt) {
			t.Errorf("row security not enabled for app.%s", table)
		}
	}
}

func TestAppMigrations_RestrictedRoleIsProvisioned(t *testing.T) {
	var ddl strings.Builder
	for _, m := range AppMigrations() {
		ddl.WriteString(m.SQL)
	}
	schema := ddl.String()

	for _, want := range []string{
		"CREATE ROLE tenantflow_app NOLOGIN",
		"GRANT USAGE ON SCHEMA app TO tenantflow_app",
		"TO tenantflow_app",
	} {
		if !strings.Contains(schema, want) {
			t.Errorf("row security migration missing %q", want)
		}
	}

	// The service path relies on the owning role bypassing the policies, so
	// the migrations must never FORCE row security.
	if strings.Contains(schema, "FORCE ROW LEVEL SECURITY") {
		t.Error("FORCE ROW LEVEL SECURITY would break the service-class bypass")
	}
}
