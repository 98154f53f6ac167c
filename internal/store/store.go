// Package store persists the run ledger: runs, their stages, and the months
// synthesized by imputation.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/congestion-audit/internal/config"
	"github.com/sells-group/congestion-audit/internal/model"
)

// ErrNotFound is returned when a run or stage id does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Year   int             `json:"year,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Store defines the persistence interface for the audit run ledger.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, analysisYear int, stages []string) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string) error
	FailRun(ctx context.Context, runID string, reason string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Stages
	StartStage(ctx context.Context, runID, name string) (*model.StageRecord, error)
	CompleteStage(ctx context.Context, stageID string, durationMS int64, result *model.StageResult) error
	FailStage(ctx context.Context, stageID string, durationMS int64, reason string) error
	ListStages(ctx context.Context, runID string) ([]model.StageRecord, error)

	// Imputation
	RecordImputations(ctx context.Context, months []model.ImputedMonth) error
	ListImputations(ctx context.Context, runID string) ([]model.ImputedMonth, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the ledger backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "audit.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: postgres driver requires store.database_url (AUDIT_STORE_DATABASE_URL)")
		}
		return NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
