package tenancy

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/billing"
)

// ---------------------------------------------------------------------------
// error to status mapping
// ---------------------------------------------------------------------------

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "denied is not found",
			err:  fmt.Errorf("wrapped: %w", authz.ErrDenied),
			want: http.StatusNotFound,
		},
		{
			name: "no rows is not found",
			err:  pgx.ErrNoRows,
			want: http.StatusNotFound,
		},
		{
			name: "quota is unprocessable",
			err:  &billing.LimitExceededError{Resource: "properties", Limit: 1},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "wrapped quota is unprocessable",
			err:  fmt.Errorf("creating: %w", &billing.LimitExceededError{Resource: "units", Limit: 5}),
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "unique violation is conflict",
			err:  errors.New(`ERROR: duplicate key value violates unique constraint "idx_leases_active_unit"`),
			want: http.StatusConflict,
		},
		{
			name: "foreign key violation is conflict",
			err:  errors.New(`ERROR: update or delete violates foreign key constraint`),
			want: http.StatusConflict,
		},
		{
			name: "anything else is internal",
			err:  errors.New("connection reset"),
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// update clause builder
// ---------------------------------------------------------------------------

func TestSetClause_SortsColumnsAndNumbersFromStart(t *testing.T) {
	set, args := setClause(authz.Values{
		"name":  "Maple Court",
		"city":  "Austin",
		"state": "TX",
	}, 1)

	want := `"city" = $1, "name" = $2, "state" = $3, updated_at = NOW()`
	if set != want {
		t.Errorf("set = %q, want %q", set, want)
	}
	if len(args) != 3 || args[0] != "Austin" || args[1] != "Maple Court" || args[2] != "TX" {
		t.Errorf("args = %v", args)
	}
}

func TestSetClause_HigherStart(t *testing.T) {
	set, args := setClause(authz.Values{"status": "resolved"}, 5)

	if set != `"status" = $5, updated_at = NOW()` {
		t.Errorf("set = %q", set)
	}
	if len(args) != 1 || args[0] != "resolved" {
		t.Errorf("args = %v", args)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent(`a"b`); got != `"a""b"` {
		t.Errorf("quoteIdent = %q", got)
	}
}
