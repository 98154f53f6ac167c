// Package warehouse wraps the embedded DuckDB engine that every audit stage
// reads from and writes to. Stages publish named views and tables here and
// only pull small aggregate results back into Go.
package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Options configures the engine. An empty Path opens an in-memory database.
type Options struct {
	Path        string
	Threads     int
	MemoryLimit string
}

// Querier is the read-only subset of *sql.DB used by probing helpers.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Warehouse owns a DuckDB connector plus a database/sql handle on it. The
// connector is kept for native connections needed by the Appender API.
type Warehouse struct {
	connector *duckdb.Connector
	db        *sql.DB
	log       *zap.Logger
}

// Open creates the engine and applies resource settings.
func Open(ctx context.Context, opts Options) (*Warehouse, error) {
	var boot []string
	if opts.Threads > 0 {
		boot = append(boot, fmt.Sprintf("SET threads = %d", opts.Threads))
	}
	if opts.MemoryLimit != "" {
		boot = append(boot, "SET memory_limit = "+Quote(opts.MemoryLimit))
	}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, eris.Wrapf(err, "warehouse: create dir for %s", opts.Path)
		}
	}

	connector, err := duckdb.NewConnector(opts.Path, func(execer driver.ExecerContext) error {
		for _, q := range boot {
			if _, err := execer.ExecContext(ctx, q, nil); err != nil {
				return eris.Wrapf(err, "warehouse: %s", q)
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: create connector")
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "warehouse: ping")
	}

	target := opts.Path
	if target == "" {
		target = ":memory:"
	}
	log := zap.L().With(zap.String("component", "warehouse"))
	log.Debug("engine opened", zap.String("path", target), zap.Int("threads", opts.Threads))

	return &Warehouse{connector: connector, db: db, log: log}, nil
}

// DB exposes the database/sql handle for ad-hoc aggregate queries.
func (w *Warehouse) DB() *sql.DB { return w.db }

// Close releases the engine. database/sql closes the connector with the pool.
func (w *Warehouse) Close() error {
	return eris.Wrap(w.db.Close(), "warehouse: close")
}

// Exec runs a statement that returns no rows.
func (w *Warehouse) Exec(ctx context.Context, query string, args ...any) error {
	_, err := w.db.ExecContext(ctx, query, args...)
	return eris.Wrapf(err, "warehouse: exec %s", firstLine(query))
}

// CreateView (re)defines a named view. Re-running a stage replaces its views.
func (w *Warehouse) CreateView(ctx context.Context, name, selectSQL string) error {
	q := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS\n%s", Ident(name), selectSQL)
	if _, err := w.db.ExecContext(ctx, q); err != nil {
		return eris.Wrapf(err, "warehouse: create view %s", name)
	}
	w.log.Debug("view created", zap.String("name", name))
	return nil
}

// CreateTable materializes a query as a named table, replacing any previous one.
func (w *Warehouse) CreateTable(ctx context.Context, name, selectSQL string) error {
	q := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS\n%s", Ident(name), selectSQL)
	if _, err := w.db.ExecContext(ctx, q); err != nil {
		return eris.Wrapf(err, "warehouse: create table %s", name)
	}
	w.log.Debug("table created", zap.String("name", name))
	return nil
}

// RelationExists reports whether a table or view with the given name exists.
func (w *Warehouse) RelationExists(ctx context.Context, name string) (bool, error) {
	var n int64
	err := w.db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "warehouse: lookup relation %s", name)
	}
	return n > 0, nil
}

// Require returns a *MissingRelationError when name has not been produced yet.
func (w *Warehouse) Require(ctx context.Context, name, producer string) error {
	ok, err := w.RelationExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &MissingRelationError{Name: name, Producer: producer}
	}
	return nil
}

// Relations lists every table and view in the main schema, sorted by name.
func (w *Warehouse) Relations(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name`)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list relations")
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan relation")
		}
		out = append(out, name)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: list relations iterate")
}

// Count returns the row count of a relation, optionally filtered by a WHERE
// clause (without the keyword).
func (w *Warehouse) Count(ctx context.Context, relation, where string, args ...any) (int64, error) {
	q := "SELECT count(*) FROM " + Ident(relation)
	if where != "" {
		q += " WHERE " + where
	}
	var n int64
	if err := w.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "warehouse: count %s", relation)
	}
	return n, nil
}

// CopyToParquet writes a relation to a Parquet file, creating parent dirs.
func (w *Warehouse) CopyToParquet(ctx context.Context, relation, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "warehouse: create dir for %s", path)
	}
	q := fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET)", Ident(relation), Quote(path))
	if _, err := w.db.ExecContext(ctx, q); err != nil {
		return eris.Wrapf(err, "warehouse: copy %s to %s", relation, path)
	}
	w.log.Info("relation exported", zap.String("relation", relation), zap.String("path", path))
	return nil
}

// LoadIDs (re)creates a single-column zone_id table and bulk loads ids via
// the Appender on a native connection.
func (w *Warehouse) LoadIDs(ctx context.Context, table string, ids []int) error {
	if err := w.Exec(ctx, fmt.Sprintf("CREATE OR REPLACE TABLE %s (zone_id INTEGER PRIMARY KEY)", Ident(table))); err != nil {
		return err
	}

	conn, err := w.connector.Connect(ctx)
	if err != nil {
		return eris.Wrap(err, "warehouse: native connection")
	}
	defer conn.Close() //nolint:errcheck

	appender, err := duckdb.NewAppenderFromConn(conn, "", table)
	if err != nil {
		return eris.Wrapf(err, "warehouse: appender for %s", table)
	}
	for _, id := range ids {
		if err := appender.AppendRow(int32(id)); err != nil {
			_ = appender.Close()
			return eris.Wrapf(err, "warehouse: append %d to %s", id, table)
		}
	}
	if err := appender.Close(); err != nil {
		return eris.Wrapf(err, "warehouse: flush %s", table)
	}
	w.log.Debug("ids loaded", zap.String("table", table), zap.Int("count", len(ids)))
	return nil
}

// Column is one row of a DESCRIBE result.
type Column struct {
	Name string
	Type string
}

// Describe returns the column names and types produced by a FROM source,
// e.g. a relation name or read_parquet('...').
func Describe(ctx context.Context, q Querier, source string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, "DESCRIBE SELECT * FROM "+source)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: describe %s", source)
	}
	defer rows.Close() //nolint:errcheck

	names, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: describe columns")
	}

	var out []Column
	for rows.Next() {
		vals := make([]sql.NullString, len(names))
		dest := make([]any, len(names))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan describe")
		}
		col := Column{Name: vals[0].String}
		if len(vals) > 1 {
			col.Type = vals[1].String
		}
		out = append(out, col)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: describe iterate")
}

// ReadParquet renders a read_parquet table function over one file.
func ReadParquet(path string) string {
	return "read_parquet(" + Quote(path) + ")"
}

// Quote renders s as a single-quoted SQL string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Ident renders s as a double-quoted SQL identifier.
func Ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		return q[:i]
	}
	return q
}
