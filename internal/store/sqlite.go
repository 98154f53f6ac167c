package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/congestion-audit/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	analysis_year INTEGER NOT NULL,
	stages        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	error         TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at   DATETIME
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	metadata    TEXT
);

CREATE TABLE IF NOT EXISTS imputed_months (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	program     TEXT NOT NULL,
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	path        TEXT NOT NULL,
	buckets     INTEGER NOT NULL DEFAULT 0,
	total_trips REAL NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, program, year, month)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_analysis_year ON runs(analysis_year);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run_id ON stage_runs(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, analysisYear int, stages []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal stages")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, analysis_year, stages, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, analysisYear, string(stagesJSON), string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:           id,
		AnalysisYear: analysisYear,
		Stages:       stages,
		Status:       model.RunStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, "")
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, reason string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, reason)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		string(status), nullString(reason), now, now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, analysis_year, stages, status, error, created_at, updated_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, analysis_year, stages, status, error, created_at, updated_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Year > 0 {
		query += ` AND analysis_year = ?`
		args = append(args, filter.Year)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) StartStage(ctx context.Context, runID, name string) (*model.StageRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert stage %s for run %s", name, runID)
	}

	return &model.StageRecord{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, stageID string, durationMS int64, result *model.StageResult) error {
	var meta sql.NullString
	if result != nil && len(result.Metadata) > 0 {
		b, err := json.Marshal(result.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stage metadata")
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = ?, duration_ms = ?, metadata = ? WHERE id = ?`,
		string(model.StageStatusComplete), durationMS, meta, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

func (s *SQLiteStore) FailStage(ctx context.Context, stageID string, durationMS int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = ?, duration_ms = ?, error = ? WHERE id = ?`,
		string(model.StageStatusFailed), durationMS, nullString(reason), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

func (s *SQLiteStore) ListStages(ctx context.Context, runID string) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, started_at, duration_ms, error, metadata
		 FROM stage_runs WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stages for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StageRecord
	for rows.Next() {
		var st model.StageRecord
		var errMsg, meta sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &st.Status, &st.StartedAt, &st.DurationMS, &errMsg, &meta); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		st.Error = errMsg.String
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &st.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage metadata")
			}
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}

func (s *SQLiteStore) RecordImputations(ctx context.Context, months []model.ImputedMonth) error {
	if len(months) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin imputations")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO imputed_months (run_id, program, year, month, path, buckets, total_trips, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, program, year, month) DO UPDATE SET
		   path = excluded.path, buckets = excluded.buckets, total_trips = excluded.total_trips`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare imputation insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, m := range months {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, m.RunID, m.Program, m.Year, m.Month, m.Path, m.Buckets, m.TotalTrips, created); err != nil {
			return eris.Wrapf(err, "sqlite: insert imputation %s %04d-%02d", m.Program, m.Year, m.Month)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit imputations")
}

func (s *SQLiteStore) ListImputations(ctx context.Context, runID string) ([]model.ImputedMonth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, program, year, month, path, buckets, total_trips, created_at
		 FROM imputed_months WHERE run_id = ? ORDER BY program, year, month`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list imputations for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ImputedMonth
	for rows.Next() {
		var m model.ImputedMonth
		if err := rows.Scan(&m.RunID, &m.Program, &m.Year, &m.Month, &m.Path, &m.Buckets, &m.TotalTrips, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan imputation")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list imputations iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var stagesJSON string
	var errMsg sql.NullString
	var finished sql.NullTime

	err := row.Scan(&r.ID, &r.AnalysisYear, &stagesJSON, &r.Status, &errMsg, &r.CreatedAt, &r.UpdatedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(stagesJSON), &r.Stages); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stages")
	}
	r.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
