package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
)

// appRole is the restricted database role every principal-scoped transaction
// assumes. It cannot bypass the row policies installed by the migrations.
const appRole = "tenantflow_app"

// WithPrincipal runs fn inside a transaction whose session is bound to the
// acting principal. Non-service principals are downgraded to the restricted
// application role and their identity is published through transaction-local
// settings, so the database's own row policies apply to every statement fn
// issues. Service principals keep the connection's owning role and bypass
// row policies; nothing HTTP-facing constructs one.
//
// This is the only way application code reaches the pool for tenant data.
// The transaction commits when fn returns nil and rolls back otherwise.
func WithPrincipal[T any](ctx context.Context, pool *pgxpool.Pool, p authz.Principal, fn func(tx pgx.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if !p.IsService() {
		// SET ROLE does not take bind parameters; the role name is a
		// package constant, never caller input.
		if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL ROLE %q`, appRole)); err != nil {
			return zero, fmt.Errorf("assuming application role: %w", err)
		}

		settings := []struct {
			key   string
			value string
		}{
			{"app.principal_id", p.ID},
			{"app.org_id", p.OrgID},
			{"app.role", string(p.Role)},
			{"app.email", p.Email},
		}
		for _, s := range settings {
			if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", s.key, s.value); err != nil {
				return zero, fmt.Errorf("setting %s: %w", s.key, err)
			}
		}
	}

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}
