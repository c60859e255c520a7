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

// PropertyService manages rental properties. Every query runs inside a
// principal-scoped transaction with the policy engine's visibility filter
// spliced into the statement.
type PropertyService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewPropertyService(db *pgxpool.Pool, engine *authz.Engine) *PropertyService {
	return &PropertyService{db: db, engine: engine}
}

var propertyTypes = map[string]bool{
	"apartment":  true,
	"house":      true,
	"condo":      true,
	"townhouse":  true,
	"commercial": true,
	"mixed_use":  true,
}

type CreatePropertyRequest struct {
	Name         string `json:"name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	PropertyType string `json:"property_type,omitempty"`
}

type UpdatePropertyRequest struct {
	Name         *string `json:"name,omitempty"`
	AddressLine1 *string `json:"address_line1,omitempty"`
	AddressLine2 *string `json:"address_line2,omitempty"`
	City         *string `json:"city,omitempty"`
	State        *string `json:"state,omitempty"`
	PostalCode   *string `json:"postal_code,omitempty"`
	PropertyType *string `json:"property_type,omitempty"`
}

type PropertyResponse struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	OwnerUserID  string    `json:"owner_user_id"`
	Name         string    `json:"name"`
	AddressLine1 string    `json:"address_line1"`
	AddressLine2 string    `json:"address_line2,omitempty"`
	City         string    `json:"city"`
	State        string    `json:"state"`
	PostalCode   string    `json:"postal_code"`
	PropertyType string    `json:"property_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const propertyColumns = `id, org_id, owner_user_id, name, address_line1, address_line2, city, state, postal_code, property_type, created_at, updated_at`

func scanProperty(row pgx.Row) (*PropertyResponse, error) {
	var p PropertyResponse
	var line2 *string
	err := row.Scan(&p.ID, &p.OrgID, &p.OwnerUserID, &p.Name, &p.AddressLine1, &line2,
		&p.City, &p.State, &p.PostalCode, &p.PropertyType, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if line2 != nil {
		p.AddressLine2 = *line2
	}
	return &p, nil
}

// Create adds a property owned by the acting principal, enforcing the org's
// plan quota before the insert.
func (s *PropertyService) Create(ctx context.Context, p authz.Principal, req CreatePropertyRequest) (*PropertyResponse, int, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("property name is required")
	}
	if strings.TrimSpace(req.AddressLine1) == "" || strings.TrimSpace(req.City) == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("address_line1 and city are required")
	}
	propertyType := req.PropertyType
	if propertyType == "" {
		propertyType = "apartment"
	}
	if !propertyTypes[propertyType] {
		return nil, http.StatusBadRequest, fmt.Errorf("unknown property_type %q", propertyType)
	}

	values := authz.Values{"org_id": p.OrgID, "owner_user_id": p.ID}
	if err := s.engine.CheckWrite(authz.TableProperties, authz.OpInsert, p, values); err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*PropertyResponse, error) {
		ent, err := billing.EntitlementsForOrg(ctx, tx, p.OrgID)
		if err != nil {
			return nil, err
		}
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM app.properties WHERE org_id = $1`, p.OrgID,
		).Scan(&count); err != nil {
			return nil, fmt.Errorf("counting properties: %w", err)
		}
		if err := billing.CheckQuota("properties", count, ent.Limits.Properties); err != nil {
			return nil, err
		}

		return scanProperty(tx.QueryRow(ctx, `
			INSERT INTO app.properties (org_id, owner_user_id, name, address_line1, address_line2, city, state, postal_code, property_type)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
			RETURNING `+propertyColumns,
			p.OrgID, p.ID, name, req.AddressLine1, req.AddressLine2, req.City, req.State, req.PostalCode, propertyType))
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	return resp, http.StatusCreated, nil
}

// List returns the properties visible to the principal.
func (s *PropertyService) List(ctx context.Context, p authz.Principal) ([]PropertyResponse, int, error) {
	f, err := s.engine.Scope(authz.TableProperties, authz.OpSelect, p, 1)
	if err != nil {
		return nil, statusForError(err), err
	}

	properties, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) ([]PropertyResponse, error) {
		rows, err := tx.Query(ctx,
			`SELECT `+propertyColumns+` FROM app.properties WHERE `+f.Where+` ORDER BY created_at DESC`,
			f.Args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []PropertyResponse
		for rows.Next() {
			prop, err := scanProperty(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *prop)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	if properties == nil {
		properties = []PropertyResponse{}
	}
	return properties, http.StatusOK, nil
}

// Get returns one property if it is visible to the principal.
func (s *PropertyService) Get(ctx context.Context, p authz.Principal, propertyID string) (*PropertyResponse, int, error) {
	f, err := s.engine.Scope(authz.TableProperties, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*PropertyResponse, error) {
		return scanProperty(tx.QueryRow(ctx,
			`SELECT `+propertyColumns+` FROM app.properties WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{propertyID}, f.Args...)...))
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("property not found")
	}
	return resp, http.StatusOK, nil
}

// Update modifies a property the principal can reach under the update
// policies. Ownership columns are immutable by policy.
func (s *PropertyService) Update(ctx context.Context, p authz.Principal, propertyID string, req UpdatePropertyRequest) (*PropertyResponse, int, error) {
	values := authz.Values{}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, http.StatusBadRequest, fmt.Errorf("property name cannot be empty")
		}
		values["name"] = strings.TrimSpace(*req.Name)
	}
	if req.AddressLine1 != nil {
		values["address_line1"] = *req.AddressLine1
	}
	if req.AddressLine2 != nil {
		values["address_line2"] = *req.AddressLine2
	}
	if req.City != nil {
		values["city"] = *req.City
	}
	if req.State != nil {
		values["state"] = *req.State
	}
	if req.PostalCode != nil {
		values["postal_code"] = *req.PostalCode
	}
	if req.PropertyType != nil {
		if !propertyTypes[*req.PropertyType] {
			return nil, http.StatusBadRequest, fmt.Errorf("unknown property_type %q", *req.PropertyType)
		}
		values["property_type"] = *req.PropertyType
	}
	if len(values) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("no fields to update")
	}

	if err := s.engine.CheckWrite(authz.TableProperties, authz.OpUpdate, p, values); err != nil {
		return nil, statusForError(err), err
	}
	set, setArgs := setClause(values, 1)
	f, err := s.engine.Scope(authz.TableProperties, authz.OpUpdate, p, len(setArgs)+2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*PropertyResponse, error) {
		args := append(setArgs, propertyID)
		args = append(args, f.Args...)
		return scanProperty(tx.QueryRow(ctx,
			`UPDATE app.properties SET `+set+` WHERE id = $`+fmt.Sprint(len(setArgs)+1)+` AND (`+f.Where+`) RETURNING `+propertyColumns,
			args...))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, http.StatusNotFound, fmt.Errorf("property not found")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}

// Delete removes a property. Units cascade; properties with recorded leases
// are kept to preserve history and the delete is rejected.
func (s *PropertyService) Delete(ctx context.Context, p authz.Principal, propertyID string) (int, error) {
	f, err := s.engine.Scope(authz.TableProperties, authz.OpDelete, p, 2)
	if err != nil {
		return statusForError(err), err
	}

	deleted, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx,
			`DELETE FROM app.properties WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{propertyID}, f.Args...)...)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return http.StatusConflict, fmt.Errorf("property has lease history and cannot be deleted")
		}
		return statusForError(err), err
	}
	if !deleted {
		return http.StatusNotFound, fmt.Errorf("property not found")
	}
	return http.StatusOK, nil
}
