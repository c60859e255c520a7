package tenancy

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/billing"
)

// statusForError maps data-layer errors to transport status codes.
// Authorization denials and missing rows both surface as not-found so a
// caller cannot probe whether a row exists outside their scope. Quota
// rejections are 422 so clients can distinguish them from validation errors.
func statusForError(err error) int {
	var limitErr *billing.LimitExceededError
	switch {
	case errors.Is(err, authz.ErrDenied), errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound
	case errors.As(err, &limitErr):
		return http.StatusUnprocessableEntity
	case strings.Contains(err.Error(), "unique"):
		return http.StatusConflict
	case strings.Contains(err.Error(), "foreign key"):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// setClause builds an UPDATE SET list from the changed columns with
// placeholders numbered from start. Columns are sorted so the generated SQL
// is stable. updated_at is always touched.
func setClause(v authz.Values, start int) (string, []any) {
	cols := make([]string, 0, len(v))
	for col := range v {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		parts = append(parts, fmt.Sprintf("%s = $%d", quoteIdent(col), start+i))
		args = append(args, v[col])
	}
	parts = append(parts, "updated_at = NOW()")
	return strings.Join(parts, ", "), args
}

// quoteIdent quotes a SQL identifier, doubling any embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
