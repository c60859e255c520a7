package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/database"
)

// UserService exposes the org member directory.
type UserService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewUserService(db *pgxpool.Pool, engine *authz.Engine) *UserService {
	return &UserService{db: db, engine: engine}
}

type UserResponse struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type PaginatedUsers struct {
	Users   []UserResponse `json:"users"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}

// List returns the members visible to the principal, paginated.
func (s *UserService) List(ctx context.Context, p authz.Principal, page, perPage int) (*PaginatedUsers, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	f, err := s.engine.Scope(authz.TableUsers, authz.OpSelect, p, 1)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*PaginatedUsers, error) {
		var total int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM app.users WHERE `+f.Where, f.Args...,
		).Scan(&total); err != nil {
			return nil, err
		}

		limitArg := len(f.Args) + 1
		rows, err := tx.Query(ctx,
			`SELECT id, org_id, email, COALESCE(full_name, ''), role, created_at
			 FROM app.users WHERE `+f.Where+`
			 ORDER BY created_at ASC
			 LIMIT $`+fmt.Sprint(limitArg)+` OFFSET $`+fmt.Sprint(limitArg+1),
			append(f.Args, perPage, (page-1)*perPage)...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		users := []UserResponse{}
		for rows.Next() {
			var u UserResponse
			if err := rows.Scan(&u.ID, &u.OrgID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
				return nil, err
			}
			users = append(users, u)
		}
		return &PaginatedUsers{Users: users, Total: total, Page: page, PerPage: perPage}, rows.Err()
	})
	if err != nil {
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}

type UpdateUserRoleRequest struct {
	Role string `json:"role"`
}

// UpdateRole reassigns a member's role. Owners only; the member keeps their
// identity and org. An owner cannot demote themselves below owner while
// being the last owner.
func (s *UserService) UpdateRole(ctx context.Context, p authz.Principal, userID string, req UpdateUserRoleRequest) (*UserResponse, int, error) {
	newRole, err := authz.ParseRole(req.Role)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("unknown role %q", req.Role)
	}
	if newRole == authz.RoleAdmin {
		return nil, http.StatusBadRequest, fmt.Errorf("back-office roles cannot be assigned here")
	}

	values := authz.Values{"role": string(newRole)}
	if err := s.engine.CheckWrite(authz.TableUsers, authz.OpUpdate, p, values); err != nil {
		return nil, statusForError(err), err
	}
	f, err := s.engine.Scope(authz.TableUsers, authz.OpUpdate, p, 3)
	if err != nil {
		return nil, statusForError(err), err
	}

	resp, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*UserResponse, error) {
		if userID == p.ID && newRole != authz.RoleOwner {
			var owners int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM app.users WHERE org_id = $1 AND role = 'owner'`,
				p.OrgID,
			).Scan(&owners); err != nil {
				return nil, err
			}
			if owners <= 1 {
				return nil, fmt.Errorf("an organization needs at least one owner")
			}
		}

		var u UserResponse
		err := tx.QueryRow(ctx,
			`UPDATE app.users SET role = $1, updated_at = NOW()
			 WHERE id = $2 AND (`+f.Where+`)
			 RETURNING id, org_id, email, COALESCE(full_name, ''), role, created_at`,
			append([]any{string(newRole), userID}, f.Args...)...,
		).Scan(&u.ID, &u.OrgID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
		if err != nil {
			return nil, err
		}
		return &u, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, http.StatusNotFound, fmt.Errorf("user not found")
		}
		if err.Error() == "an organization needs at least one owner" {
			return nil, http.StatusConflict, err
		}
		return nil, statusForError(err), err
	}
	return resp, http.StatusOK, nil
}
