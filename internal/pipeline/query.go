package pipeline

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/congestion-audit/internal/warehouse"
)

// Querier is the read side of the warehouse handle. *sql.DB satisfies it.
type Querier interface {
	warehouse.Querier
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// collect runs an aggregate query and scans every row. It never returns a
// nil slice so empty groupings serialize as [] rather than null.
func collect[T any](ctx context.Context, q Querier, scan func(*sql.Rows) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: query %s", headline(query))
	}
	defer rows.Close() //nolint:errcheck

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: scan %s", headline(query))
		}
		out = append(out, v)
	}
	return out, eris.Wrapf(rows.Err(), "pipeline: iterate %s", headline(query))
}

func headline(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 80 {
		q = q[:80] + "..."
	}
	return q
}
