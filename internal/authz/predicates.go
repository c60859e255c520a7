package authz

import (
	"fmt"
	"strings"
)

// Binding names the principal attribute a predicate compares against.
type Binding int

const (
	BindPrincipalID Binding = iota
	BindOrgID
	BindEmail
)

func bindValue(p Principal, b Binding) any {
	switch b {
	case BindOrgID:
		return p.OrgID
	case BindEmail:
		return p.Email
	default:
		return p.ID
	}
}

// Predicate builds the row-visibility condition of a policy as a SQL
// fragment over the protected table's columns. Fragments bind only
// principal-derived values, so the planner computes any set membership once
// per statement rather than per row.
type Predicate interface {
	// Fragment renders the condition with placeholders numbered from start.
	Fragment(p Principal, start int) (string, []any)
	// Columns lists the protected table's columns the condition references.
	Columns() []string
}

// ColumnEquals matches rows whose column equals a principal attribute.
// This expresses direct ownership (owner_user_id = principal) as well as
// organization scoping (org_id = principal's org).
type ColumnEquals struct {
	Column string
	Bind   Binding
}

func (c ColumnEquals) Fragment(p Principal, start int) (string, []any) {
	return fmt.Sprintf("%s = $%d", quoteIdent(c.Column), start), []any{bindValue(p, c.Bind)}
}

func (c ColumnEquals) Columns() []string { return []string{c.Column} }

// MemberOf matches rows whose column falls inside a principal-derived id
// set. Query is a subquery over other tables with '?' markers bound, in
// order, from Binds. Used for reachability chains such as units visible
// through property ownership or properties visible through an active lease.
type MemberOf struct {
	Column string
	Query  string
	Binds  []Binding
}

func (m MemberOf) Fragment(p Principal, start int) (string, []any) {
	sub := m.Query
	args := make([]any, 0, len(m.Binds))
	for i, b := range m.Binds {
		sub = strings.Replace(sub, "?", fmt.Sprintf("$%d", start+i), 1)
		args = append(args, bindValue(p, b))
	}
	return fmt.Sprintf("%s IN (%s)", quoteIdent(m.Column), sub), args
}

func (m MemberOf) Columns() []string { return []string{m.Column} }

// AnyOf is the disjunction of its predicates. Provider-linked customer
// access uses it: a verified email match or a stored principal link both
// grant visibility.
type AnyOf struct {
	Preds []Predicate
}

func (a AnyOf) Fragment(p Principal, start int) (string, []any) {
	parts := make([]string, 0, len(a.Preds))
	var args []any
	for _, pred := range a.Preds {
		frag, fragArgs := pred.Fragment(p, start+len(args))
		parts = append(parts, frag)
		args = append(args, fragArgs...)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func (a AnyOf) Columns() []string {
	var cols []string
	for _, pred := range a.Preds {
		cols = append(cols, pred.Columns()...)
	}
	return cols
}

// AllRows grants unconditional visibility. Reserved for back-office tables
// such as the webhook ledger and the audit log.
type AllRows struct{}

func (AllRows) Fragment(Principal, int) (string, []any) { return "TRUE", nil }

func (AllRows) Columns() []string { return nil }

// quoteIdent quotes a SQL identifier, doubling any embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
