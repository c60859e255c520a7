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

// TenantService manages renter records. A tenant record may optionally be
// linked to a login (user_id) once the renter signs up; the linkage itself
// is immutable through this API.
type TenantService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewTenantService(db *pgxpool.Pool, engine *authz.Engine) *TenantService {
	return &TenantService{db: db, engine: engine}
}

type CreateTenantRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone,omitempty"`
}

type UpdateTenantRequest struct {
	Email    *string `json:"email,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Phone    *string `json:"phone,omitempty"`
}

type TenantResponse struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const tenantColumns = `id, org_id, user_id, email, full_name, phone, created_at, updated_at`

func scanTenant(row pgx.Row) (*TenantResponse, error) {
	var t TenantResponse
	var userID, phone *string
	err := row.Scan(&t.ID, &t.OrgID, &userID, &t.Email, &t.FullName, &phone, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		t.UserID = *userID
	}
	if phone != nil {
		t.Phone = *phone
	}
	return &t, nil
}

// Create records a renter in the acting principal's org.
func (s *TenantService) Create(ctx context.Context, p authz.Principal, req CreateTenantRequest) (*TenantResponse, int, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, http.StatusBadRequest, fmt.Errorf("a valid email is required")
	}
	if strings.TrimSpace(req.FullName) == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("full_name is required")
	}

	values := authz.Values{"org_id": p.OrgID}
	if err := s.engine.CheckWrite(authz.TableTenants, authz.OpInsert, p, values); err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*TenantResponse, error) {
		return scanTenant(tx.QueryRow(ctx, `
			INSERT INTO app.tenants (org_id, email, full_name, phone)
			VALUES ($1, $2, $3, NULLIF($4, ''))
			RETURNING `+tenantColumns,
			p.OrgID, email, strings.TrimSpace(req.FullName), strings.TrimSpace(req.Phone)))
	})
	if err != nil {
		if strings.Contains(err.Error(), "unique") {
			return nil, http.StatusConflict, fmt.Errorf("a tenant with this email already exists")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusCreated, nil
}

// List returns tenants visible to the principal.
func (s *TenantService) List(ctx context.Context, p authz.Principal) ([]TenantResponse, int, error) {
	f, err := s.engine.Scope(authz.TableTenants, authz.OpSelect, p, 1)
	if err != nil {
		return nil, statusForError(err), err
	}

	tenants, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) ([]TenantResponse, error) {
		rows, err := tx.Query(ctx,
			`SELECT `+tenantColumns+` FROM app.tenants WHERE `+f.Where+` ORDER BY full_name`,
			f.Args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []TenantResponse
		for rows.Next() {
			tn, err := scanTenant(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *tn)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	if tenants == nil {
		tenants = []TenantResponse{}
	}
	return tenants, http.StatusOK, nil
}

// Get returns one tenant record if visible.
func (s *TenantService) Get(ctx context.Context, p authz.Principal, tenantID string) (*TenantResponse, int, error) {
	f, err := s.engine.Scope(authz.TableTenants, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*TenantResponse, error) {
		return scanTenant(tx.QueryRow(ctx,
			`SELECT `+tenantColumns+` FROM app.tenants WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{tenantID}, f.Args...)...))
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("tenant not found")
	}
	return resp, http.StatusOK, nil
}

// Update modifies a tenant record's contact fields.
func (s *TenantService) Update(ctx context.Context, p authz.Principal, tenantID string, req UpdateTenantRequest) (*TenantResponse, int, error) {
	values := authz.Values{}
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		if email == "" || !strings.Contains(email, "@") {
			return nil, http.StatusBadRequest, fmt.Errorf("a valid email is required")
		}
		values["email"] = email
	}
	if req.FullName != nil {
		if strings.TrimSpace(*req.FullName) == "" {
			return nil, http.StatusBadRequest, fmt.Errorf("full_name cannot be empty")
		}
		values["full_name"] = strings.TrimSpace(*req.FullName)
	}
	if req.Phone != nil {
		values["phone"] = *req.Phone
	}
	if len(values) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("no fields to update")
	}

	if err := s.engine.CheckWrite(authz.TableTenants, authz.OpUpdate, p, values); err != nil {
		return nil, statusForError(err), err
	}
	set, setArgs := setClause(values, 1)
	f, err := s.engine.Scope(authz.TableTenants, authz.OpUpdate, p, len(setArgs)+2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*TenantResponse, error) {
		args := append(setArgs, tenantID)
		args = append(args, f.Args...)
		return scanTenant(tx.QueryRow(ctx,
			`UPDATE app.tenants SET `+set+` WHERE id = $`+fmt.Sprint(len(setArgs)+1)+` AND (`+f.Where+`) RETURNING `+tenantColumns,
			args...))
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, http.StatusNotFound, fmt.Errorf("tenant not found")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}

// Delete removes a tenant record. Tenants with lease history are kept.
func (s *TenantService) Delete(ctx context.Context, p authz.Principal, tenantID string) (int, error) {
	f, err := s.engine.Scope(authz.TableTenants, authz.OpDelete, p, 2)
	if err != nil {
		return statusForError(err), err
	}

	deleted, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx,
			`DELETE FROM app.tenants WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{tenantID}, f.Args...)...)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return http.StatusConflict, fmt.Errorf("tenant has lease history and cannot be deleted")
		}
		return statusForError(err), err
	}
	if !deleted {
		return http.StatusNotFound, fmt.Errorf("tenant not found")
	}
	return http.StatusOK, nil
}
