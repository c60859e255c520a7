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
	"github.com/hudsor01/tenant-flow-sub015/internal/billing"
	"github.com/hudsor01/tenant-flow-sub015/internal/database"
)

// UnitService manages rentable units inside properties.
type UnitService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewUnitService(db *pgxpool.Pool, engine *authz.Engine) *UnitService {
	return &UnitService{db: db, engine: engine}
}

var unitStatuses = map[string]bool{
	"vacant":      true,
	"occupied":    true,
	"maintenance": true,
}

type CreateUnitRequest struct {
	PropertyID string `json:"property_id"`
	UnitNumber string `json:"unit_number"`
	Bedrooms   int    `json:"bedrooms"`
	Bathrooms  int    `json:"bathrooms"`
	RentCents  int64  `json:"rent_cents"`
}

type UpdateUnitRequest struct {
	UnitNumber *string `json:"unit_number,omitempty"`
	Bedrooms   *int    `json:"bedrooms,omitempty"`
	Bathrooms  *int    `json:"bathrooms,omitempty"`
	RentCents  *int64  `json:"rent_cents,omitempty"`
	Status     *string `json:"status,omitempty"`
}

type UnitResponse struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	UnitNumber string    `json:"unit_number"`
	Bedrooms   int       `json:"bedrooms"`
	Bathrooms  int       `json:"bathrooms"`
	RentCents  int64     `json:"rent_cents"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const unitColumns = `id, property_id, unit_number, bedrooms, bathrooms, rent_cents, status, created_at, updated_at`

func scanUnit(row pgx.Row) (*UnitResponse, error) {
	var u UnitResponse
	err := row.Scan(&u.ID, &u.PropertyID, &u.UnitNumber, &u.Bedrooms, &u.Bathrooms,
		&u.RentCents, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create adds a unit to a property the principal can see. The parent lookup
// runs through the principal's own read scope inside the same transaction,
// so a unit can never be attached to an out-of-scope property.
func (s *UnitService) Create(ctx context.Context, p authz.Principal, req CreateUnitRequest) (*UnitResponse, int, error) {
	if strings.TrimSpace(req.UnitNumber) == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("unit_number is required")
	}
	if req.RentCents < 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("rent_cents cannot be negative")
	}

	values := authz.Values{"property_id": req.PropertyID}
	if err := s.engine.CheckWrite(authz.TableUnits, authz.OpInsert, p, values); err != nil {
		return nil, statusForError(err), err
	}
	pf, err := s.engine.Scope(authz.TableProperties, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*UnitResponse, error) {
		var orgID string
		err := tx.QueryRow(ctx,
			`SELECT org_id FROM app.properties WHERE id = $1 AND (`+pf.Where+`)`,
			append([]any{req.PropertyID}, pf.Args...)...,
		).Scan(&orgID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("property not found: %w", authz.ErrDenied)
			}
			return nil, err
		}

		ent, err := billing.EntitlementsForOrg(ctx, tx, orgID)
		if err != nil {
			return nil, err
		}
		var count int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM app.units u
			JOIN app.properties pr ON pr.id = u.property_id
			WHERE pr.org_id = $1
		`, orgID).Scan(&count); err != nil {
			return nil, fmt.Errorf("counting units: %w", err)
		}
		if err := billing.CheckQuota("units", count, ent.Limits.Units); err != nil {
			return nil, err
		}

		return scanUnit(tx.QueryRow(ctx, `
			INSERT INTO app.units (property_id, unit_number, bedrooms, bathrooms, rent_cents)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+unitColumns,
			req.PropertyID, strings.TrimSpace(req.UnitNumber), req.Bedrooms, req.Bathrooms, req.RentCents))
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	return resp, http.StatusCreated, nil
}

// List returns units visible to the principal, optionally narrowed to one
// property.
func (s *UnitService) List(ctx context.Context, p authz.Principal, propertyID string) ([]UnitResponse, int, error) {
	start := 1
	var prefix string
	var prefixArgs []any
	if propertyID != "" {
		prefix = "property_id = $1 AND "
		prefixArgs = []any{propertyID}
		start = 2
	}
	f, err := s.engine.Scope(authz.TableUnits, authz.OpSelect, p, start)
	if err != nil {
		return nil, statusForError(err), err
	}

	units, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) ([]UnitResponse, error) {
		rows, err := tx.Query(ctx,
			`SELECT `+unitColumns+` FROM app.units WHERE `+prefix+`(`+f.Where+`) ORDER BY unit_number`,
			append(prefixArgs, f.Args...)...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []UnitResponse
		for rows.Next() {
			u, err := scanUnit(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *u)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	if units == nil {
		units = []UnitResponse{}
	}
	return units, http.StatusOK, nil
}

// Get returns one unit if visible.
func (s *UnitService) Get(ctx context.Context, p authz.Principal, unitID string) (*UnitResponse, int, error) {
	f, err := s.engine.Scope(authz.TableUnits, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*UnitResponse, error) {
		return scanUnit(tx.QueryRow(ctx,
			`SELECT `+unitColumns+` FROM app.units WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{unitID}, f.Args...)...))
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("unit not found")
	}
	return resp, http.StatusOK, nil
}

// Update modifies a unit. The property linkage is immutable by policy.
func (s *UnitService) Update(ctx context.Context, p authz.Principal, unitID string, req UpdateUnitRequest) (*UnitResponse, int, error) {
	values := authz.Values{}
	if req.UnitNumber != nil {
		if strings.TrimSpace(*req.UnitNumber) == "" {
			return nil, http.StatusBadRequest, fmt.Errorf("unit_number cannot be empty")
		}
		values["unit_number"] = strings.TrimSpace(*req.UnitNumber)
	}
	if req.Bedrooms != nil {
		values["bedrooms"] = *req.Bedrooms
	}
	if req.Bathrooms != nil {
		values["bathrooms"] = *req.Bathrooms
	}
	if req.RentCents != nil {
		if *req.RentCents < 0 {
			return nil, http.StatusBadRequest, fmt.Errorf("rent_cents cannot be negative")
		}
		values["rent_cents"] = *req.RentCents
	}
	if req.Status != nil {
		if !unitStatuses[*req.Status] {
			return nil, http.StatusBadRequest, fmt.Errorf("unknown status %q", *req.Status)
		}
		values["status"] = *req.Status
	}
	if len(values) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("no fields to update")
	}

	if err := s.engine.CheckWrite(authz.TableUnits, authz.OpUpdate, p, values); err != nil {
		return nil, statusForError(err), err
	}
	set, setArgs := setClause(values, 1)
	f, err := s.engine.Scope(authz.TableUnits, authz.OpUpdate, p, len(setArgs)+2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*UnitResponse, error) {
		args := append(setArgs, unitID)
		args = append(args, f.Args...)
		return scanUnit(tx.QueryRow(ctx,
			`UPDATE app.units SET `+set+` WHERE id = $`+fmt.Sprint(len(setArgs)+1)+` AND (`+f.Where+`) RETURNING `+unitColumns,
			args...))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, http.StatusNotFound, fmt.Errorf("unit not found")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}

// Delete removes a unit. Units with lease history cannot be deleted.
func (s *UnitService) Delete(ctx context.Context, p authz.Principal, unitID string) (int, error) {
	f, err := s.engine.Scope(authz.TableUnits, authz.OpDelete, p, 2)
	if err != nil {
		return statusForError(err), err
	}

	deleted, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx,
			`DELETE FROM app.units WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{unitID}, f.Args...)...)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return http.StatusConflict, fmt.Errorf("unit has lease history and cannot be deleted")
		}
		return statusForError(err), err
	}
	if !deleted {
		return http.StatusNotFound, fmt.Errorf("unit not found")
	}
	return http.StatusOK, nil
}
