package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hudsor01/tenant-flow-sub015/internal/audit"
	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/database"
)

// ---------------------------------------------------------------------------
// Encrypted S3 archive
// ---------------------------------------------------------------------------

// ArchiveConfig holds the S3 target for dead-letter exports.
type ArchiveConfig struct {
	Endpoint   string
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	PathPrefix string
	Passphrase string
}

// DeadLetterArchive ships encrypted copies of terminally failed payloads to
// object storage, so the original bytes survive database retention pruning.
type DeadLetterArchive struct {
	bucket     string
	prefix     string
	passphrase string
	client     *s3.Client
}

func NewDeadLetterArchive(ctx context.Context, cfg ArchiveConfig) (*DeadLetterArchive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if strings.TrimSpace(cfg.Passphrase) == "" {
		return nil, errors.New("archive passphrase is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // For MinIO/custom S3-compatible endpoints
		}
	})

	return &DeadLetterArchive{
		bucket:     cfg.Bucket,
		prefix:     cfg.PathPrefix,
		passphrase: cfg.Passphrase,
		client:     client,
	}, nil
}

// archiveDocument is the JSON object written per dead letter. The payload is
// sealed; everything else is inspection metadata.
type archiveDocument struct {
	EventID         string    `json:"event_id"`
	Provider        string    `json:"provider"`
	ProviderEventID string    `json:"provider_event_id"`
	EventType       string    `json:"event_type"`
	Attempts        int       `json:"attempts"`
	Reason          string    `json:"reason"`
	ReceivedAt      time.Time `json:"received_at"`
	ArchivedAt      time.Time `json:"archived_at"`
	SealedPayload   string    `json:"sealed_payload"`
}

// Export seals the payload and writes one object per event. Re-exporting the
// same event overwrites the same key, so replayed dead-letter settlements do
// not multiply objects.
func (a *DeadLetterArchive) Export(ctx context.Context, ev *WebhookEvent, reason string) error {
	sealed, err := SealPayload(ev.Payload, a.passphrase)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}

	doc, err := json.Marshal(archiveDocument{
		EventID:         ev.ID,
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		EventType:       ev.EventType,
		Attempts:        ev.Attempts,
		Reason:          truncateReason(reason),
		ReceivedAt:      ev.ReceivedAt,
		ArchivedAt:      time.Now().UTC(),
		SealedPayload:   sealed,
	})
	if err != nil {
		return fmt.Errorf("marshal archive document: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s/%s.json",
		a.prefix,
		ev.Provider,
		ev.ReceivedAt.UTC().Format("2006-01-02"),
		ev.ID,
	)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Back-office dead-letter operations
// ---------------------------------------------------------------------------

// DeadLetterService is the admin view over terminally failed events. It runs
// under the caller's principal, never the service identity, so the policies
// on webhook_events decide what a session can see and requeue.
type DeadLetterService struct {
	db     *pgxpool.Pool
	engine *authz.Engine
	queue  EventQueue
	audit  *audit.Recorder
}

func NewDeadLetterService(db *pgxpool.Pool, engine *authz.Engine, queue EventQueue, auditor *audit.Recorder) *DeadLetterService {
	return &DeadLetterService{db: db, engine: engine, queue: queue, audit: auditor}
}

// DeadLetterEntry is one listed dead letter. The raw payload is only exposed
// on single-event inspection, not in listings.
type DeadLetterEntry struct {
	ID              string     `json:"id"`
	Provider        string     `json:"provider"`
	ProviderEventID string     `json:"provider_event_id"`
	EventType       string     `json:"event_type"`
	Attempts        int        `json:"attempts"`
	LastError       *string    `json:"last_error"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

// DeadLetterDetail adds the recorded payload for inspection.
type DeadLetterDetail struct {
	DeadLetterEntry
	Payload json.RawMessage `json:"payload"`
}

// DeadLetterList is a paginated listing.
type DeadLetterList struct {
	Events  []DeadLetterEntry `json:"events"`
	Total   int               `json:"total"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
}

func (s *DeadLetterService) List(ctx context.Context, p authz.Principal, page, perPage int) (*DeadLetterList, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	f, err := s.engine.Scope(authz.TableWebhookEvents, authz.OpSelect, p, 1)
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("dead letters not found")
	}

	result, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*DeadLetterList, error) {
		var total int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM app.webhook_events WHERE status = 'failed_terminal' AND (`+f.Where+`)`,
			f.Args...,
		).Scan(&total); err != nil {
			return nil, fmt.Errorf("count dead letters: %w", err)
		}

		n := len(f.Args)
		args := append(append([]any{}, f.Args...), perPage, (page-1)*perPage)
		rows, err := tx.Query(ctx, fmt.Sprintf(`
			SELECT id, provider, provider_event_id, event_type, attempts, last_error, received_at, processed_at
			FROM app.webhook_events
			WHERE status = 'failed_terminal' AND (%s)
			ORDER BY received_at DESC
			LIMIT $%d OFFSET $%d
		`, f.Where, n+1, n+2), args...)
		if err != nil {
			return nil, fmt.Errorf("query dead letters: %w", err)
		}
		defer rows.Close()

		events := []DeadLetterEntry{}
		for rows.Next() {
			var e DeadLetterEntry
			if err := rows.Scan(&e.ID, &e.Provider, &e.ProviderEventID, &e.EventType,
				&e.Attempts, &e.LastError, &e.ReceivedAt, &e.ProcessedAt); err != nil {
				return nil, fmt.Errorf("scan dead letter: %w", err)
			}
			events = append(events, e)
		}
		return &DeadLetterList{Events: events, Total: total, Page: page, PerPage: perPage}, rows.Err()
	})
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return result, http.StatusOK, nil
}

func (s *DeadLetterService) Get(ctx context.Context, p authz.Principal, id string) (*DeadLetterDetail, int, error) {
	f, err := s.engine.Scope(authz.TableWebhookEvents, authz.OpSelect, p, 2)
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("dead letter not found")
	}

	detail, err := database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (*DeadLetterDetail, error) {
		var d DeadLetterDetail
		var payload []byte
		args := append([]any{id}, f.Args...)
		err := tx.QueryRow(ctx, `
			SELECT id, provider, provider_event_id, event_type, attempts, last_error, received_at, processed_at, payload
			FROM app.webhook_events
			WHERE id = $1 AND status = 'failed_terminal' AND (`+f.Where+`)
		`, args...).Scan(&d.ID, &d.Provider, &d.ProviderEventID, &d.EventType,
			&d.Attempts, &d.LastError, &d.ReceivedAt, &d.ProcessedAt, &payload)
		if err != nil {
			return nil, err
		}
		d.Payload = json.RawMessage(payload)
		return &d, nil
	})
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("dead letter not found")
	}
	return detail, http.StatusOK, nil
}

// Requeue returns a dead letter to the worker queue with a fresh retry
// budget. The event keeps its identity; the recorded provider payload is
// immutable and replays through the normal pipeline.
func (s *DeadLetterService) Requeue(ctx context.Context, p authz.Principal, id string) (int, error) {
	values := authz.Values{"status": EventStatusQueued, "attempts": 0, "last_error": nil}
	if err := s.engine.CheckWrite(authz.TableWebhookEvents, authz.OpUpdate, p, values); err != nil {
		return http.StatusNotFound, fmt.Errorf("dead letter not found")
	}

	f, err := s.engine.Scope(authz.TableWebhookEvents, authz.OpUpdate, p, 2)
	if err != nil {
		return http.StatusNotFound, fmt.Errorf("dead letter not found")
	}

	_, err = database.WithPrincipal(ctx, s.db, p, func(tx pgx.Tx) (struct{}, error) {
		args := append([]any{id}, f.Args...)
		tag, err := tx.Exec(ctx, `
			UPDATE app.webhook_events
			SET status = 'queued', attempts = 0, last_error = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'failed_terminal' AND (`+f.Where+`)
		`, args...)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, pgx.ErrNoRows
		}
		return struct{}{}, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return http.StatusNotFound, fmt.Errorf("dead letter not found")
		}
		return http.StatusInternalServerError, fmt.Errorf("requeue dead letter: %w", err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, p, audit.ActionDeadLetterRequeue, "webhook_events", id, nil, nil)
	}
	if err := s.queue.EnqueueWebhookEvent(ctx, id); err != nil {
		// Durable status is already queued; the sweeper picks it up.
		slog.Warn("requeue enqueue failed, sweeper will recover", "event_id", id, "error", err)
	}
	return http.StatusOK, nil
}
