package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDenied is returned whenever no policy grants the requested access.
// Handlers surface it as a plain not-found so unauthorized callers cannot
// distinguish a forbidden row from an absent one.
var ErrDenied = errors.New("authorization denied")

// Operation is the access class a policy grants.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Policy grants one operation on one table to a set of roles. Using scopes
// which rows are reachable; Check validates proposed values on writes.
type Policy struct {
	Name  string
	Table string
	Op    Operation
	Roles []Role
	Using Predicate
	Check Check
}

// Filter is a rendered row-visibility condition ready to splice into a
// statement's WHERE clause.
type Filter struct {
	Where string
	Args  []any
}

// Engine evaluates access policies. Every data-layer read and write consults
// it; a table or operation with no registered policy is denied for everyone
// except the service principal.
type Engine struct {
	policies map[policyKey][]Policy
	names    map[string]bool
}

type policyKey struct {
	table string
	op    Operation
}

func NewEngine() *Engine {
	return &Engine{
		policies: make(map[policyKey][]Policy),
		names:    make(map[string]bool),
	}
}

// Register adds policies to the engine. Malformed policies are configuration
// errors and abort startup rather than degrade into narrower access.
func (e *Engine) Register(policies ...Policy) error {
	for _, p := range policies {
		if p.Name == "" || p.Table == "" {
			return fmt.Errorf("policy on %q: name and table are required", p.Table)
		}
		if e.names[p.Name] {
			return fmt.Errorf("policy %s: duplicate name", p.Name)
		}
		if len(p.Roles) == 0 {
			return fmt.Errorf("policy %s: at least one role is required", p.Name)
		}
		for _, r := range p.Roles {
			if r == roleService {
				return fmt.Errorf("policy %s: the service class is not policy-addressable", p.Name)
			}
		}
		switch p.Op {
		case OpSelect, OpDelete:
			if p.Using == nil {
				return fmt.Errorf("policy %s: %s requires a using predicate", p.Name, p.Op)
			}
		case OpInsert:
			if p.Check == nil {
				return fmt.Errorf("policy %s: insert requires a check", p.Name)
			}
		case OpUpdate:
			if p.Using == nil || p.Check == nil {
				return fmt.Errorf("policy %s: update requires both a using predicate and a check", p.Name)
			}
		default:
			return fmt.Errorf("policy %s: unknown operation %q", p.Name, p.Op)
		}
		key := policyKey{table: p.Table, op: p.Op}
		e.policies[key] = append(e.policies[key], p)
		e.names[p.Name] = true
	}
	return nil
}

// Scope returns the visibility filter for an operation as a WHERE fragment
// with placeholders numbered from start. Policies are permissive: when
// several match the principal's role their conditions are OR-combined.
// No matching policy means no access.
func (e *Engine) Scope(table string, op Operation, p Principal, start int) (Filter, error) {
	if p.service {
		return Filter{Where: "TRUE"}, nil
	}
	matched := e.match(table, op, p)
	if len(matched) == 0 {
		return Filter{}, fmt.Errorf("%w: no %s policy on %s for role %s", ErrDenied, op, table, p.Role)
	}
	parts := make([]string, 0, len(matched))
	var args []any
	for _, pol := range matched {
		frag, fragArgs := pol.Using.Fragment(p, start+len(args))
		parts = append(parts, frag)
		args = append(args, fragArgs...)
	}
	if len(parts) == 1 {
		return Filter{Where: parts[0], Args: args}, nil
	}
	return Filter{Where: "(" + strings.Join(parts, " OR ") + ")", Args: args}, nil
}

// CheckWrite validates the proposed values of an insert or update. At least
// one matching policy must accept the values.
func (e *Engine) CheckWrite(table string, op Operation, p Principal, v Values) error {
	if p.service {
		return nil
	}
	if op != OpInsert && op != OpUpdate {
		return fmt.Errorf("%w: %s is not a write operation", ErrDenied, op)
	}
	matched := e.match(table, op, p)
	if len(matched) == 0 {
		return fmt.Errorf("%w: no %s policy on %s for role %s", ErrDenied, op, table, p.Role)
	}
	var lastErr error
	for _, pol := range matched {
		if pol.Check == nil {
			return nil
		}
		if err := pol.Check.Check(p, v); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (e *Engine) match(table string, op Operation, p Principal) []Policy {
	var matched []Policy
	for _, pol := range e.policies[policyKey{table: table, op: op}] {
		if p.hasRole(pol.Roles) {
			matched = append(matched, pol)
		}
	}
	return matched
}

// Tables returns the distinct table names with at least one policy.
func (e *Engine) Tables() []string {
	seen := make(map[string]bool)
	var tables []string
	for key := range e.policies {
		if !seen[key.table] {
			seen[key.table] = true
			tables = append(tables, key.table)
		}
	}
	return tables
}

// Validate cross-checks every registered policy against the live schema:
// the table must exist in the app schema and every column a predicate or
// check references must exist on it. Run at startup so a policy referring
// to a dropped column fails the boot instead of silently denying.
func (e *Engine) Validate(ctx context.Context, pool *pgxpool.Pool) error {
	for key, policies := range e.policies {
		rows, err := pool.Query(ctx,
			`SELECT column_name FROM information_schema.columns
			 WHERE table_schema = 'app' AND table_name = $1`, key.table)
		if err != nil {
			return fmt.Errorf("inspecting table %s: %w", key.table, err)
		}
		columns := make(map[string]bool)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("inspecting table %s: %w", key.table, err)
			}
			columns[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("inspecting table %s: %w", key.table, err)
		}
		if len(columns) == 0 {
			return fmt.Errorf("policy table app.%s does not exist", key.table)
		}
		for _, pol := range policies {
			var refs []string
			if pol.Using != nil {
				refs = append(refs, pol.Using.Columns()...)
			}
			if pol.Check != nil {
				refs = append(refs, pol.Check.Columns()...)
			}
			for _, col := range refs {
				if !columns[col] {
					return fmt.Errorf("policy %s references unknown column %s.%s", pol.Name, key.table, col)
				}
			}
		}
	}
	return nil
}
