package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/congestion-audit/internal/db"
	"github.com/sells-group/congestion-audit/internal/model"
)

// PostgresStore implements Store using pgxpool. It lets several hosts share
// one ledger.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	analysis_year INTEGER NOT NULL,
	stages        TEXT[] NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error       TEXT,
	metadata    JSONB
);

CREATE TABLE IF NOT EXISTS imputed_months (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	program     TEXT NOT NULL,
	year        INTEGER NOT NULL,
	month       INTEGER NOT NULL,
	path        TEXT NOT NULL,
	buckets     INTEGER NOT NULL DEFAULT 0,
	total_trips DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, program, year, month)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_analysis_year ON runs(analysis_year);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run_id ON stage_runs(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, analysisYear int, stages []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, analysis_year, stages, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, analysisYear, stages, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, "")
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, reason)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, reason string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3, finished_at = $4 WHERE id = $5`,
		string(status), nullable(reason), now, now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

const runColumns = `id, analysis_year, stages, status, error, created_at, updated_at, finished_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPGRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Year > 0 {
		args = append(args, filter.Year)
		query += fmt.Sprintf(` AND analysis_year = $%d`, len(args))
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) StartStage(ctx context.Context, runID, name string) (*model.StageRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_runs (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, name, string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert stage %s for run %s", name, runID)
	}
	return &model.StageRecord{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteStage(ctx context.Context, stageID string, durationMS int64, result *model.StageResult) error {
	var meta []byte
	if result != nil && len(result.Metadata) > 0 {
		b, err := json.Marshal(result.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage metadata")
		}
		meta = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE stage_runs SET status = $1, duration_ms = $2, metadata = $3 WHERE id = $4`,
		string(model.StageStatusComplete), durationMS, meta, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "stage %s", stageID)
	}
	return nil
}

func (s *PostgresStore) FailStage(ctx context.Context, stageID string, durationMS int64, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stage_runs SET status = $1, duration_ms = $2, error = $3 WHERE id = $4`,
		string(model.StageStatusFailed), durationMS, nullable(reason), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "stage %s", stageID)
	}
	return nil
}

func (s *PostgresStore) ListStages(ctx context.Context, runID string) ([]model.StageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, status, started_at, duration_ms, error, metadata
		 FROM stage_runs WHERE run_id = $1 ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stages for run %s", runID)
	}
	defer rows.Close()

	var out []model.StageRecord
	for rows.Next() {
		var st model.StageRecord
		var status string
		var errMsg *string
		var meta []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &status, &st.StartedAt, &st.DurationMS, &errMsg, &meta); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		st.Status = model.StageStatus(status)
		if errMsg != nil {
			st.Error = *errMsg
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &st.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage metadata")
			}
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stages iterate")
}

var imputedUpsert = db.UpsertConfig{
	Table:        "imputed_months",
	Columns:      []string{"run_id", "program", "year", "month", "path", "buckets", "total_trips", "created_at"},
	ConflictKeys: []string{"run_id", "program", "year", "month"},
	UpdateCols:   []string{"path", "buckets", "total_trips"},
}

func (s *PostgresStore) RecordImputations(ctx context.Context, months []model.ImputedMonth) error {
	now := time.Now().UTC()
	rows := make([][]any, len(months))
	for i, m := range months {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows[i] = []any{m.RunID, m.Program, m.Year, m.Month, m.Path, m.Buckets, m.TotalTrips, created}
	}
	_, err := db.BulkUpsert(ctx, s.pool, imputedUpsert, rows)
	return eris.Wrap(err, "postgres: record imputations")
}

func (s *PostgresStore) ListImputations(ctx context.Context, runID string) ([]model.ImputedMonth, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, program, year, month, path, buckets, total_trips, created_at
		 FROM imputed_months WHERE run_id = $1 ORDER BY program, year, month`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list imputations for run %s", runID)
	}
	defer rows.Close()

	var out []model.ImputedMonth
	for rows.Next() {
		var m model.ImputedMonth
		if err := rows.Scan(&m.RunID, &m.Program, &m.Year, &m.Month, &m.Path, &m.Buckets, &m.TotalTrips, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan imputation")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list imputations iterate")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanPGRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var errMsg *string
	if err := row.Scan(&r.ID, &r.AnalysisYear, &r.Stages, &status, &errMsg, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}
