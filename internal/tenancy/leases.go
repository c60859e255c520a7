package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/database"
)

// LeaseService manages lease agreements. Leases are never deleted; they end
// by moving to terminated or expired so the rental history stays intact.
type LeaseService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewLeaseService(db *pgxpool.Pool, engine *authz.Engine) *LeaseService {
	return &LeaseService{db: db, engine: engine}
}

const dateLayout = "2006-01-02"

var leaseStatuses = map[string]bool{
	"active":     true,
	"terminated": true,
	"expired":    true,
}

type CreateLeaseRequest struct {
	UnitID       string `json:"unit_id"`
	TenantID     string `json:"tenant_id"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	RentCents    int64  `json:"rent_cents"`
	DepositCents int64  `json:"deposit_cents"`
}

type UpdateLeaseRequest struct {
	EndDate      *string `json:"end_date,omitempty"`
	RentCents    *int64  `json:"rent_cents,omitempty"`
	DepositCents *int64  `json:"deposit_cents,omitempty"`
	Status       *string `json:"status,omitempty"`
}

type LeaseResponse struct {
	ID           string    `json:"id"`
	UnitID       string    `json:"unit_id"`
	TenantID     string    `json:"tenant_id"`
	StartDate    string    `json:"start_date"`
	EndDate      string    `json:"end_date"`
	RentCents    int64     `json:"rent_cents"`
	DepositCents int64     `json:"deposit_cents"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const leaseColumns = `id, unit_id, tenant_id, start_date, end_date, rent_cents, deposit_cents, status, created_at, updated_at`

func scanLease(row pgx.Row) (*LeaseResponse, error) {
	var l LeaseResponse
	var start, end time.Time
	err := row.Scan(&l.ID, &l.UnitID, &l.TenantID, &start, &end,
		&l.RentCents, &l.DepositCents, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.StartDate = start.Format(dateLayout)
	l.EndDate = end.Format(dateLayout)
	return &l, nil
}

// Create signs a lease between a tenant and a unit. Both parents are
// resolved through the principal's own scope; a unit with an active lease
// rejects a second one.
func (s *LeaseService) Create(ctx context.Context, p authz.Principal, req CreateLeaseRequest) (*LeaseResponse, int, error) {
	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("start_date must be YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("end_date must be YYYY-MM-DD")
	}
	if !end.After(start) {
		return nil, http.StatusBadRequest, fmt.Errorf("end_date must be after start_date")
	}
	if req.RentCents < 0 || req.DepositCents < 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("amounts cannot be negative")
	}

	values := authz.Values{"unit_id": req.UnitID, "tenant_id": req.TenantID}
	if err := s.engine.CheckWrite(authz.TableLeases, authz.OpInsert, p, values); err != nil {
		return nil, statusForError(err), err
	}
	uf, err := s.engine.Scope(authz.TableUnits, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}
	tf, err := s.engine.Scope(authz.TableTenants, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*LeaseResponse, error) {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM app.units WHERE id = $1 AND (`+uf.Where+`)`,
			append([]any{req.UnitID}, uf.Args...)...,
		).Scan(&one)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("unit not found: %w", authz.ErrDenied)
			}
			return nil, err
		}
		err = tx.QueryRow(ctx,
			`SELECT 1 FROM app.tenants WHERE id = $1 AND (`+tf.Where+`)`,
			append([]any{req.TenantID}, tf.Args...)...,
		).Scan(&one)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("tenant not found: %w", authz.ErrDenied)
			}
			return nil, err
		}

		lease, err := scanLease(tx.QueryRow(ctx, `
			INSERT INTO app.leases (unit_id, tenant_id, start_date, end_date, rent_cents, deposit_cents, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'active')
			RETURNING `+leaseColumns,
			req.UnitID, req.TenantID, start, end, req.RentCents, req.DepositCents))
		if err != nil {
			return nil, err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE app.units SET status = 'occupied', updated_at = NOW() WHERE id = $1`,
			req.UnitID); err != nil {
			return nil, err
		}
		return lease, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "unique") {
			return nil, http.StatusConflict, fmt.Errorf("unit already has an active lease")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusCreated, nil
}

// List returns leases visible to the principal, optionally narrowed to one
// unit.
func (s *LeaseService) List(ctx context.Context, p authz.Principal, unitID string) ([]LeaseResponse, int, error) {
	start := 1
	var prefix string
	var prefixArgs []any
	if unitID != "" {
		prefix = "unit_id = $1 AND "
		prefixArgs = []any{unitID}
		start = 2
	}
	f, err := s.engine.Scope(authz.TableLeases, authz.OpSelect, p, start)
	if err != nil {
		return nil, statusForError(err), err
	}

	leases, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) ([]LeaseResponse, error) {
		rows, err := tx.Query(ctx,
			`SELECT `+leaseColumns+` FROM app.leases WHERE `+prefix+`(`+f.Where+`) ORDER BY start_date DESC`,
			append(prefixArgs, f.Args...)...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []LeaseResponse
		for rows.Next() {
			l, err := scanLease(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *l)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	if leases == nil {
		leases = []LeaseResponse{}
	}
	return leases, http.StatusOK, nil
}

// Get returns one lease if visible.
func (s *LeaseService) Get(ctx context.Context, p authz.Principal, leaseID string) (*LeaseResponse, int, error) {
	f, err := s.engine.Scope(authz.TableLeases, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*LeaseResponse, error) {
		return scanLease(tx.QueryRow(ctx,
			`SELECT `+leaseColumns+` FROM app.leases WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{leaseID}, f.Args...)...))
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("lease not found")
	}
	return resp, http.StatusOK, nil
}

// Update changes lease terms or ends the lease. The unit and tenant linkage
// is immutable by policy. Ending a lease frees the unit.
func (s *LeaseService) Update(ctx context.Context, p authz.Principal, leaseID string, req UpdateLeaseRequest) (*LeaseResponse, int, error) {
	values := authz.Values{}
	if req.EndDate != nil {
		end, err := time.Parse(dateLayout, *req.EndDate)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("end_date must be YYYY-MM-DD")
		}
		values["end_date"] = end
	}
	if req.RentCents != nil {
		if *req.RentCents < 0 {
			return nil, http.StatusBadRequest, fmt.Errorf("rent_cents cannot be negative")
		}
		values["rent_cents"] = *req.RentCents
	}
	if req.DepositCents != nil {
		if *req.DepositCents < 0 {
			return nil, http.StatusBadRequest, fmt.Errorf("deposit_cents cannot be negative")
		}
		values["deposit_cents"] = *req.DepositCents
	}
	if req.Status != nil {
		if !leaseStatuses[*req.Status] {
			return nil, http.StatusBadRequest, fmt.Errorf("unknown status %q", *req.Status)
		}
		values["status"] = *req.Status
	}
	if len(values) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("no fields to update")
	}

	if err := s.engine.CheckWrite(authz.TableLeases, authz.OpUpdate, p, values); err != nil {
		return nil, statusForError(err), err
	}
	set, setArgs := setClause(values, 1)
	f, err := s.engine.Scope(authz.TableLeases, authz.OpUpdate, p, len(setArgs)+2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*LeaseResponse, error) {
		args := append(setArgs, leaseID)
		args = append(args, f.Args...)
		lease, err := scanLease(tx.QueryRow(ctx,
			`UPDATE app.leases SET `+set+` WHERE id = $`+fmt.Sprint(len(setArgs)+1)+` AND (`+f.Where+`) RETURNING `+leaseColumns,
			args...))
		if err != nil {
			return nil, err
		}

		if lease.Status != "active" {
			if _, err := tx.Exec(ctx, `
				UPDATE app.units SET status = 'vacant', updated_at = NOW()
				WHERE id = $1 AND NOT EXISTS (
					SELECT 1 FROM app.leases WHERE unit_id = $1 AND status = 'active'
				)
			`, lease.UnitID); err != nil {
				return nil, err
			}
		}
		return lease, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, http.StatusNotFound, fmt.Errorf("lease not found")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}
