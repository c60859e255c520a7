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

// OrgService manages organizations and the first-request sync that turns a
// verified token into local org and user rows.
type OrgService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewOrgService(db *pgxpool.Pool, engine *authz.Engine) *OrgService {
	return &OrgService{db: db, engine: engine}
}

type SyncRequest struct {
	FullName string `json:"full_name,omitempty"`
	OrgName  string `json:"org_name,omitempty"`
}

type MeResponse struct {
	UserID       string               `json:"user_id"`
	OrgID        string               `json:"org_id"`
	Role         string               `json:"role"`
	Email        string               `json:"email"`
	FullName     string               `json:"full_name,omitempty"`
	Entitlements billing.Entitlements `json:"entitlements"`
}

type OrganizationResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sync upserts the caller's org and user rows from the verified token and
// returns the resulting profile. Owners bootstrap the org on first call;
// managers and tenants require the org to already exist. Seats are a plan
// limit: a new staff member beyond the quota is rejected.
func (s *OrgService) Sync(ctx context.Context, p authz.Principal, req SyncRequest) (*MeResponse, int, error) {
	if p.Email == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("token carries no email claim")
	}

	userValues := authz.Values{"id": p.ID, "org_id": p.OrgID}
	if err := s.engine.CheckWrite(authz.TableUsers, authz.OpInsert, p, userValues); err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*MeResponse, error) {
		if p.Role == authz.RoleOwner {
			orgValues := authz.Values{"id": p.OrgID}
			if err := s.engine.CheckWrite(authz.TableOrganizations, authz.OpInsert, p, orgValues); err != nil {
				return nil, err
			}
			orgName := strings.TrimSpace(req.OrgName)
			if orgName == "" {
				orgName = p.Email
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO app.organizations (id, name) VALUES ($1, $2)
				ON CONFLICT (id) DO NOTHING
			`, p.OrgID, orgName); err != nil {
				return nil, fmt.Errorf("ensuring organization: %w", err)
			}
		} else {
			var one int
			err := tx.QueryRow(ctx,
				`SELECT 1 FROM app.organizations WHERE id = $1`, p.OrgID,
			).Scan(&one)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil, fmt.Errorf("organization not provisioned: %w", authz.ErrDenied)
				}
				return nil, err
			}
		}

		// Seats are counted over staff only; renter logins are free.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM app.users WHERE id = $1)`, p.ID,
		).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists && p.Role != authz.RoleTenant {
			ent, err := billing.EntitlementsForOrg(ctx, tx, p.OrgID)
			if err != nil {
				return nil, err
			}
			var staff int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM app.users WHERE org_id = $1 AND role IN ('owner', 'manager')`,
				p.OrgID,
			).Scan(&staff); err != nil {
				return nil, err
			}
			if err := billing.CheckQuota("seats", staff, ent.Limits.Seats); err != nil {
				return nil, err
			}
		}

		// Role is written once at creation; afterwards it changes only
		// through the user directory, never from a fresh token.
		var me MeResponse
		err := tx.QueryRow(ctx, `
			INSERT INTO app.users (id, org_id, email, full_name, role)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5)
			ON CONFLICT (id) DO UPDATE
				SET email = EXCLUDED.email,
				    full_name = COALESCE(NULLIF(EXCLUDED.full_name, ''), app.users.full_name),
				    updated_at = NOW()
			RETURNING id, org_id, role, email, COALESCE(full_name, '')
		`, p.ID, p.OrgID, strings.ToLower(p.Email), strings.TrimSpace(req.FullName), string(p.Role)).
			Scan(&me.UserID, &me.OrgID, &me.Role, &me.Email, &me.FullName)
		if err != nil {
			return nil, fmt.Errorf("ensuring user: %w", err)
		}

		ent, err := billing.EntitlementsForOrg(ctx, tx, p.OrgID)
		if err != nil {
			return nil, err
		}
		me.Entitlements = ent
		return &me, nil
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}

// Get returns the caller's organization.
func (s *OrgService) Get(ctx context.Context, p authz.Principal) (*OrganizationResponse, int, error) {
	f, err := s.engine.Scope(authz.TableOrganizations, authz.OpSelect, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*OrganizationResponse, error) {
		var o OrganizationResponse
		err := tx.QueryRow(ctx,
			`SELECT id, name, created_at, updated_at FROM app.organizations WHERE id = $1 AND (`+f.Where+`)`,
			append([]any{p.OrgID}, f.Args...)...,
		).Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return &o, nil
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("organization not found")
	}
	return resp, http.StatusOK, nil
}

type UpdateOrgRequest struct {
	Name *string `json:"name,omitempty"`
}

// Update renames the organization. Owner only by policy.
func (s *OrgService) Update(ctx context.Context, p authz.Principal, req UpdateOrgRequest) (*OrganizationResponse, int, error) {
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("name is required")
	}
	values := authz.Values{"name": strings.TrimSpace(*req.Name)}

	if err := s.engine.CheckWrite(authz.TableOrganizations, authz.OpUpdate, p, values); err != nil {
		return nil, statusForError(err), err
	}
	f, err := s.engine.Scope(authz.TableOrganizations, authz.OpUpdate, p, 2)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*OrganizationResponse, error) {
		var o OrganizationResponse
		err := tx.QueryRow(ctx,
			`UPDATE app.organizations SET name = $1, updated_at = NOW() WHERE `+f.Where+` RETURNING id, name, created_at, updated_at`,
			append([]any{values["name"]}, f.Args...)...,
		).Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return &o, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, http.StatusNotFound, fmt.Errorf("organization not found")
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}
