package authz

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// predicate rendering
// ---------------------------------------------------------------------------

func TestColumnEquals_Fragment(t *testing.T) {
	p := owner()

	frag, args := ColumnEquals{Column: "org_id", Bind: BindOrgID}.Fragment(p, 4)
	if frag != `"org_id" = $4` {
		t.Errorf("frag = %q", frag)
	}
	if len(args) != 1 || args[0] != p.OrgID {
		t.Errorf("args = %v", args)
	}
}

func TestMemberOf_BindsMarkersInOrder(t *testing.T) {
	p := owner()
	m := MemberOf{
		Column: "id",
		Query:  "SELECT x FROM a WHERE u = ? AND o = ?",
		Binds:  []Binding{BindPrincipalID, BindOrgID},
	}

	frag, args := m.Fragment(p, 1)
	want := `"id" IN (SELECT x FROM a WHERE u = $1 AND o = $2)`
	if frag != want {
		t.Errorf("frag = %q, want %q", frag, want)
	}
	if len(args) != 2 || args[0] != p.ID || args[1] != p.OrgID {
		t.Errorf("args = %v", args)
	}
}

func TestAnyOf_NumbersAcrossBranches(t *testing.T) {
	p := owner()
	pred := AnyOf{Preds: []Predicate{
		ColumnEquals{Column: "org_id", Bind: BindOrgID},
		ColumnEquals{Column: "email", Bind: BindEmail},
		ColumnEquals{Column: "linked_user_id", Bind: BindPrincipalID},
	}}

	frag, args := pred.Fragment(p, 2)
	want := `("org_id" = $2 OR "email" = $3 OR "linked_user_id" = $4)`
	if frag != want {
		t.Errorf("frag = %q, want %q", frag, want)
	}
	if len(args) != 3 || args[0] != p.OrgID || args[1] != p.Email || args[2] != p.ID {
		t.Errorf("args = %v", args)
	}
}

func TestQuoteIdent_DoublesEmbeddedQuotes(t *testing.T) {
	if got := quoteIdent(`weird"col`); got != `"weird""col"` {
		t.Errorf("quoteIdent = %q", got)
	}
}

// ---------------------------------------------------------------------------
// checks
// ---------------------------------------------------------------------------

func TestImmutable_DeniesOnlyListedColumns(t *testing.T) {
	p := owner()
	c := Immutable("owner_user_id", "org_id")

	if err := c.Check(p, Values{"name": "ok"}); err != nil {
		t.Fatalf("unrelated column: %v", err)
	}
	if err := c.Check(p, Values{"org_id": p.OrgID}); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestMatchIfSet_AllowsAbsentColumn(t *testing.T) {
	p := owner()
	c := MatchIfSet("linked_user_id", BindPrincipalID)

	if err := c.Check(p, Values{}); err != nil {
		t.Fatalf("absent column: %v", err)
	}
	if err := c.Check(p, Values{"linked_user_id": p.ID}); err != nil {
		t.Fatalf("matching value: %v", err)
	}
	if err := c.Check(p, Values{"linked_user_id": "someone-else"}); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestScopedParent_RequiresAReference(t *testing.T) {
	p := owner()
	c := ScopedParent("unit_id")

	if err := c.Check(p, Values{}); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for missing reference, got %v", err)
	}
	if err := c.Check(p, Values{"unit_id": ""}); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for empty reference, got %v", err)
	}
	if err := c.Check(p, Values{"unit_id": "5f7d2c1e-0a9b-4e3f-8c6d-4b2a1f0e9d8c"}); err != nil {
		t.Fatalf("present reference: %v", err)
	}
}

func TestColumns_ReportEveryReference(t *testing.T) {
	pred := AnyOf{Preds: []Predicate{
		ColumnEquals{Column: "a", Bind: BindOrgID},
		MemberOf{Column: "b", Query: "SELECT 1", Binds: nil},
	}}
	cols := pred.Columns()
	if len(cols) != 2 || cols[0] != "a" || cols[1] != "b" {
		t.Errorf("columns = %v", cols)
	}

	check := AllOf(MustMatch("c", BindPrincipalID), Immutable("d", "e"))
	cols = check.Columns()
	if len(cols) != 3 || cols[0] != "c" || cols[1] != "d" || cols[2] != "e" {
		t.Errorf("check columns = %v", cols)
	}
}
