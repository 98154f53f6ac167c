package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/schema"
)

type unifyStage struct{}

func (unifyStage) Name() string       { return StageUnify }
func (unifyStage) Requires() []string { return nil }
func (unifyStage) Produces() []string { return []string{schema.UnifiedView} }

// Run discovers raw files, validates every schema before touching the union,
// and publishes unified_trips.
func (unifyStage) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.unify"))

	sources, err := schema.Discover(env.Cfg.Paths.RawDir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, eris.Errorf("unify: no raw trip files in %s", env.Cfg.Paths.RawDir)
	}

	plans, err := schema.ValidateAll(ctx, env.Warehouse.DB(), sources, env.Cfg.Audit.SchemaWorkers)
	if err != nil {
		return nil, err
	}
	if err := schema.Unify(ctx, env.Warehouse, plans); err != nil {
		return nil, err
	}
	env.Sources = sources

	rows, err := env.Warehouse.Count(ctx, schema.UnifiedView, "")
	if err != nil {
		return nil, err
	}

	missing := schema.MissingMonths(sources, env.Cfg.Audit.AnalysisYear, env.Cfg.Audit.ExpectedMonths)
	env.Report.Sources = len(sources)
	env.Report.MissingMonths = missing
	for program, months := range missing {
		log.Warn("unify: analysis-year months missing",
			zap.String("program", string(program)), zap.Ints("months", months))
	}

	return &model.StageResult{Metadata: map[string]any{
		"sources":        len(sources),
		"rows":           rows,
		"missing_months": missing,
	}}, nil
}
