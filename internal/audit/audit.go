package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/database"
)

// Actions recorded as security events. Detail maps carry classification
// context only; secret material and webhook payloads are never written here.
const (
	ActionSignatureInvalid  = "webhook.signature_invalid"
	ActionDuplicateEvent    = "webhook.duplicate"
	ActionDeadLettered      = "webhook.dead_lettered"
	ActionDeadLetterRequeue = "webhook.dead_letter_requeue"
	ActionAccessDenied      = "authz.denied"
	ActionLimitExceeded     = "entitlements.limit_exceeded"
)

// Recorder writes security-relevant events to the audit log.
type Recorder struct {
	db *pgxpool.Pool
}

func NewRecorder(db *pgxpool.Pool) *Recorder {
	return &Recorder{db: db}
}

// Record writes an audit event. Non-blocking -- errors are silently ignored
// since audit logging should never break the main flow. The request may be
// nil for events raised by background workers.
func (a *Recorder) Record(ctx context.Context, actor authz.Principal, action, table, rowID string, r *http.Request, detail map[string]interface{}) {
	var ip, ua string
	if r != nil {
		ip = extractClientIP(r)
		ua = r.Header.Get("User-Agent")
	}

	var detailJSON []byte
	if detail != nil {
		detailJSON, _ = json.Marshal(detail)
	} else {
		detailJSON = []byte("{}")
	}

	a.db.Exec(ctx, `
		INSERT INTO app.audit_log (actor_id, actor_role, org_id, action, table_name, row_id, ip_address, user_agent, detail)
		VALUES (NULLIF($1, '')::uuid, $2, NULLIF($3, '')::uuid, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`, actor.ID, string(actor.Role), actor.OrgID, action, table, rowID, ip, ua, string(detailJSON))
}

// Entry is one audit log row as seen by back-office inspection.
type Entry struct {
	ID        int64           `json:"id"`
	ActorID   *string         `json:"actor_id"`
	ActorRole string          `json:"actor_role"`
	OrgID     *string         `json:"org_id"`
	Action    string          `json:"action"`
	Table     string          `json:"table_name"`
	RowID     *string         `json:"row_id"`
	IPAddress *string         `json:"ip_address"`
	UserAgent string          `json:"user_agent"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

// EntryList is a paginated audit listing.
type EntryList struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
}

// Reader is the back-office view over the audit log. It runs under the
// caller's principal; the select policy on audit_log decides who sees what.
type Reader struct {
	db     *pgxpool.Pool
	engine *authz.Engine
}

func NewReader(db *pgxpool.Pool, engine *authz.Engine) *Reader {
	return &Reader{db: db, engine: engine}
}

// List returns audit entries newest first, optionally narrowed to one action.
func (rd *Reader) List(ctx context.Context, p authz.Principal, action string, page, perPage int) (*EntryList, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}

	start := 1
	var prefix string
	var prefixArgs []any
	if action != "" {
		prefix = "action = $1 AND "
		prefixArgs = []any{action}
		start = 2
	}
	f, err := rd.engine.Scope(authz.TableAuditLog, authz.OpSelect, p, start)
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("audit log not found")
	}

	result, err := database.WithPrincipal(ctx, rd.db, p, func(tx pgx.Tx) (*EntryList, error) {
		var total int
		countArgs := append(append([]any{}, prefixArgs...), f.Args...)
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM app.audit_log WHERE `+prefix+`(`+f.Where+`)`,
			countArgs...,
		).Scan(&total); err != nil {
			return nil, fmt.Errorf("count audit entries: %w", err)
		}

		n := len(prefixArgs) + len(f.Args)
		args := append(append(append([]any{}, prefixArgs...), f.Args...), perPage, (page-1)*perPage)
		rows, err := tx.Query(ctx, fmt.Sprintf(`
			SELECT id, actor_id, actor_role, org_id, action, table_name, row_id,
				ip_address, COALESCE(user_agent, ''), detail, created_at
			FROM app.audit_log
			WHERE %s(%s)
			ORDER BY created_at DESC, id DESC
			LIMIT $%d OFFSET $%d
		`, prefix, f.Where, n+1, n+2), args...)
		if err != nil {
			return nil, fmt.Errorf("query audit entries: %w", err)
		}
		defer rows.Close()

		entries := []Entry{}
		for rows.Next() {
			var e Entry
			var detail []byte
			if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorRole, &e.OrgID, &e.Action,
				&e.Table, &e.RowID, &e.IPAddress, &e.UserAgent, &detail, &e.CreatedAt); err != nil {
				return nil, fmt.Errorf("scan audit entry: %w", err)
			}
			e.Detail = json.RawMessage(detail)
			entries = append(entries, e)
		}
		return &EntryList{Entries: entries, Total: total, Page: page, PerPage: perPage}, rows.Err()
	})
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return result, http.StatusOK, nil
}

func extractClientIP(r *http.Request) string {
	// Only trust proxy headers if TRUST_PROXY env var is set; a recorded
	// address a client can forge is worse than none.
	if os.Getenv("TRUST_PROXY") == "true" {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx > 0 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx > 0 {
		ip = ip[:idx]
	}
	return ip
}
