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

// MaintenanceService manages maintenance requests. Renters file against
// their own leased unit; org staff file against any unit in scope and move
// requests through the workflow.
type MaintenanceService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewMaintenanceService(db *pgxpool.Pool, engine *authz.Engine) *MaintenanceService {
	return &MaintenanceService{db: db, engine: engine}
}

var (
	maintenancePriorities = map[string]bool{
		"low":    true,
		"medium": true,
		"high":   true,
		"urgent": true,
	}
	maintenanceStatuses = map[string]bool{
		"open":        true,
		"in_progress": true,
		"resolved":    true,
		"cancelled":   true,
	}
)

type CreateMaintenanceRequest struct {
	UnitID      string `json:"unit_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type UpdateMaintenanceRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Status      *string `json:"status,omitempty"`
}

type MaintenanceResponse struct {
	ID          string    `json:"id"`
	UnitID      string    `json:"unit_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const maintenanceColumns = `id, unit_id, tenant_id, title, description, priority, status, created_at, updated_at`

func scanMaintenance(row pgx.Row) (*MaintenanceResponse, error) {
	var m MaintenanceResponse
	var tenantID, description *string
	err := row.Scan(&m.ID, &m.UnitID, &tenantID, &m.Title, &description,
		&m.Priority, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tenantID != nil {
		m.TenantID = *tenantID
	}
	if description != nil {
		m.Description = *description
	}
	return &m, nil
}

// Create files a maintenance request. For renters the requester linkage is
// resolved from their own tenant record inside the same transaction.
func (s *MaintenanceService) Create(ctx context.Context, p authz.Principal, req CreateMaintenanceRequest) (*MaintenanceResponse, int, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("title is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = "medium"
	}
	if !maintenancePriorities[priority] {
		return nil, http.StatusBadRequest, fmt.Errorf("unknown priority %q", priority)
	}

	values := authz.Values{"unit_id": req.UnitID}
	if err := s.engine.CheckWrite(authz.TableMaintenance, authz.OpInsert, p, values); err != nil {
		return nil, statusForError(err), err
	}
	uf, err := s.engine.Scope(authz.TableUnits, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*MaintenanceResponse, error) {
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

		var tenantID *string
		if p.Role == authz.RoleTenant {
			var id string
			err := tx.QueryRow(ctx,
				`SELECT id FROM app.tenants WHERE user_id = $1 AND org_id = $2 LIMIT 1`,
				p.ID, p.OrgID,
			).Scan(&id)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil, fmt.Errorf("no tenant record for requester: %w", authz.ErrDenied)
				}
				return nil, err
			}
			tenantID = &id
		}

		return scanMaintenance(tx.QueryRow(ctx, `
			INSERT INTO app.maintenance_requests (unit_id, tenant_id, title, description, priority)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5)
			RETURNING `+maintenanceColumns,
			req.UnitID, tenantID, strings.TrimSpace(req.Title), req.Description, priority))
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	return resp, http.StatusCreated, nil
}

// List returns requests visible to the principal, optionally filtered by
// status.
func (s *MaintenanceService) List(ctx context.Context, p authz.Principal, status string) ([]MaintenanceResponse, int, error) {
	if status != "" && !maintenanceStatuses[status] {
		return nil, http.StatusBadRequest, fmt.Errorf("unknown status %q", status)
	}
	start := 1
	var prefix string
	var prefixArgs []any
	if status != "" {
		prefix = "status = $1 AND "
		prefixArgs = []any{status}
		start = 2
	}
	f, err := s.engine.Scope(authz.TableMaintenance, authz.OpSelect, p, start)
	if err != nil {
		return nil, statusForError(err), err
	}

	requests, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) ([]MaintenanceResponse, error) {
		rows, err := tx.Query(ctx,
			`SELECT `+maintenanceColumns+` FROM app.maintenance_requests WHERE `+prefix+`(`+f.Where+`) ORDER BY created_at DESC`,
			append(prefixArgs, f.Args...)...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []MaintenanceResponse
		for rows.Next() {
			m, err := scanMaintenance(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *m)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	if requests == nil {
		requests = []MaintenanceResponse{}
	}
	return requests, http.StatusOK, nil
}

// Get returns one request if visible.
func (s *MaintenanceService) Get(ctx context.Context, p authz.Principal, requestID string) (*MaintenanceResponse, int, error) {
	f, err := s.engine.Scope(authz.TableMaintenance, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*MaintenanceResponse, error) {
		return scanMaintenance(tx.QueryRow(ctx,
			`SELECT `+maintenanceColumns+` FROM app.maintenance_requests WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{requestID}, f.Args...)...))
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("maintenance request not found")
	}
	return resp, http.StatusOK, nil
}

// Update moves a request through the workflow. Staff only; the unit and
// requester linkage is immutable by policy.
func (s *MaintenanceService) Update(ctx context.Context, p authz.Principal, requestID string, req UpdateMaintenanceRequest) (*MaintenanceResponse, int, error) {
	values := authz.Values{}
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			return nil, http.StatusBadRequest, fmt.Errorf("title cannot be empty")
		}
		values["title"] = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		values["description"] = *req.Description
	}
	if req.Priority != nil {
		if !maintenancePriorities[*req.Priority] {
			return nil, http.StatusBadRequest, fmt.Errorf("unknown priority %q", *req.Priority)
		}
		values["priority"] = *req.Priority
	}
	if req.Status != nil {
		if !maintenanceStatuses[*req.Status] {
			return nil, http.StatusBadRequest, fmt.Errorf("unknown status %q", *req.Status)
		}
		values["status"] = *req.Status
	}
	if len(values) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("no fields to update")
	}

	if err := s.engine.CheckWrite(authz.TableMaintenance, authz.OpUpdate, p, values); err != nil {
		return nil, statusForError(err), err
	}
	set, setArgs := setClause(values, 1)
	f, err := s.engine.Scope(authz.TableMaintenance, authz.OpUpdate, p, len(setArgs)+2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*MaintenanceResponse, error) {
		args := append(setArgs, requestID)
		args = append(args, f.Args...)
		return scanMaintenance(tx.QueryRow(ctx,
			`UPDATE app.maintenance_requests SET `+set+` WHERE id = $`+fmt.Sprint(len(setArgs)+1)+` AND (`+f.Where+`) RETURNING `+maintenanceColumns,
			args...))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, http.StatusNotFound, fmt.Errorf("maintenance request not found")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}
