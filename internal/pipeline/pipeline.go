// Package pipeline runs the audit stages in order against one warehouse and
// records every stage in the run ledger.
package pipeline

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/config"
	"github.com/sells-group/congestion-audit/internal/ghost"
	"github.com/sells-group/congestion-audit/internal/impute"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/store"
	"github.com/sells-group/congestion-audit/internal/warehouse"
	"github.com/sells-group/congestion-audit/internal/zones"
)

// Stage names in execution order.
const (
	StageUnify     = "unify"
	StageClassify  = "classify"
	StageZone      = "zone"
	StageAggregate = "aggregate"
	StageWeather   = "weather"
	StageImpute    = "impute"
	StageReport    = "report"
)

// Env is the shared state a run hands to each stage.
type Env struct {
	Cfg       *config.Config
	Warehouse *warehouse.Warehouse
	Store     store.Store
	RunID     string

	// Sources is filled by the unify stage; later stages rediscover the
	// raw directory when it is empty.
	Sources []schema.Source

	// Report accumulates the findings each stage contributes.
	Report *Report

	zoneLookup zones.Lookup
}

// Thresholds returns the configured ghost rule cut-offs.
func (e *Env) Thresholds() ghost.Thresholds {
	return ghost.Thresholds{
		MaxSpeedMPH:          e.Cfg.Ghost.MaxSpeedMPH,
		TeleporterMaxMinutes: e.Cfg.Ghost.TeleporterMaxMinutes,
		TeleporterMinFare:    e.Cfg.Ghost.TeleporterMinFare,
	}
}

// Weights returns the configured imputation blend.
func (e *Env) Weights() impute.Weights {
	return impute.Weights{Prior: e.Cfg.Imputation.PriorWeight, Recent: e.Cfg.Imputation.RecentWeight}
}

func (e *Env) sources() ([]schema.Source, error) {
	if len(e.Sources) > 0 {
		return e.Sources, nil
	}
	src, err := schema.Discover(e.Cfg.Paths.RawDir)
	if err != nil {
		return nil, err
	}
	e.Sources = src
	return src, nil
}

// lookup loads the zone display table once. A missing or unreadable file
// only costs the names, so it is logged rather than returned.
func (e *Env) lookup() zones.Lookup {
	if e.zoneLookup != nil {
		return e.zoneLookup
	}
	l, err := zones.LoadLookup(e.Cfg.Paths.ZoneLookup)
	if err != nil {
		zap.L().With(zap.String("component", "pipeline")).Warn("zone lookup unavailable, names omitted", zap.Error(err))
		l = zones.Lookup{}
	}
	e.zoneLookup = l
	return l
}

// Stage is one step of the audit. Requires lists the warehouse relations
// that must exist before Run; Produces lists the ones Run publishes.
type Stage interface {
	Name() string
	Requires() []string
	Produces() []string
	Run(ctx context.Context, env *Env) (*model.StageResult, error)
}

// Registry holds stages in execution order.
type Registry struct {
	stages []Stage
}

// NewRegistry returns the audit stages in their fixed order.
func NewRegistry() *Registry {
	return &Registry{stages: []Stage{
		unifyStage{},
		classifyStage{},
		zoneStage{},
		aggregateStage{},
		weatherStage{},
		imputeStage{},
		reportStage{},
	}}
}

// Names returns every stage name in execution order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.Name()
	}
	return out
}

// Select resolves names to stages, preserving registry order regardless of
// the order requested. An empty selection means every stage.
func (r *Registry) Select(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return slices.Clone(r.stages), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n == "" {
			continue
		}
		if r.lookup(n) == nil {
			return nil, eris.Errorf("pipeline: unknown stage %q (valid: %s)", n, strings.Join(r.Names(), ", "))
		}
		want[n] = true
	}
	var out []Stage
	for _, s := range r.stages {
		if want[s.Name()] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, eris.New("pipeline: no stages selected")
	}
	return out, nil
}

// Producer returns the name of the stage that publishes relation.
func (r *Registry) Producer(relation string) string {
	for _, s := range r.stages {
		if slices.Contains(s.Produces(), relation) {
			return s.Name()
		}
	}
	return "earlier"
}

func (r *Registry) lookup(name string) Stage {
	for _, s := range r.stages {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// RunOpts selects the stages of one invocation.
type RunOpts struct {
	Stages []string
}

// RunResult summarizes a finished invocation.
type RunResult struct {
	RunID  string              `json:"run_id"`
	Status model.RunStatus     `json:"status"`
	Stages []model.StageRecord `json:"stages"`
	Report *Report             `json:"report,omitempty"`
}

// Engine runs stages sequentially and stops at the first failure.
type Engine struct {
	cfg      *config.Config
	wh       *warehouse.Warehouse
	store    store.Store
	registry *Registry
}

// New creates an Engine over an open warehouse and ledger.
func New(cfg *config.Config, wh *warehouse.Warehouse, st store.Store) *Engine {
	return &Engine{cfg: cfg, wh: wh, store: st, registry: NewRegistry()}
}

// Registry exposes the stage registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Run executes the selected stages. Each stage checks that the relations it
// reads exist before doing any work, so a partial run against an empty
// warehouse fails with a MissingRelationError naming the stage to run first.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	stages, err := e.registry.Select(opts.Stages)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}

	run, err := e.store.CreateRun(ctx, e.cfg.Audit.AnalysisYear, names)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", run.ID))
	log.Info("pipeline: starting run", zap.Strings("stages", names))

	env := &Env{
		Cfg:       e.cfg,
		Warehouse: e.wh,
		Store:     e.store,
		RunID:     run.ID,
		Report:    NewReport(run.ID, e.cfg.Audit.AnalysisYear),
	}
	result := &RunResult{RunID: run.ID, Status: model.RunStatusRunning, Report: env.Report}

	for _, s := range stages {
		rec, stageErr := e.runStage(ctx, env, s)
		result.Stages = append(result.Stages, rec)
		if stageErr != nil {
			result.Status = model.RunStatusFailed
			if failErr := e.store.FailRun(ctx, run.ID, stageErr.Error()); failErr != nil {
				log.Warn("pipeline: failed to mark run failed", zap.Error(failErr))
			}
			return result, eris.Wrapf(stageErr, "pipeline: stage %s", s.Name())
		}
	}

	if err := e.store.CompleteRun(ctx, run.ID); err != nil {
		log.Warn("pipeline: failed to mark run complete", zap.Error(err))
	}
	result.Status = model.RunStatusComplete
	log.Info("pipeline: run complete")
	return result, nil
}

func (e *Engine) runStage(ctx context.Context, env *Env, s Stage) (model.StageRecord, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("stage", s.Name()))

	rec := model.StageRecord{RunID: env.RunID, Name: s.Name(), StartedAt: time.Now().UTC()}
	started, err := e.store.StartStage(ctx, env.RunID, s.Name())
	if err != nil {
		log.Warn("pipeline: failed to record stage start", zap.Error(err))
	} else {
		rec.ID = started.ID
		rec.StartedAt = started.StartedAt
	}

	start := time.Now()
	res, runErr := e.execute(ctx, env, s)
	rec.DurationMS = time.Since(start).Milliseconds()

	if runErr != nil {
		rec.Status = model.StageStatusFailed
		rec.Error = runErr.Error()
		log.Error("pipeline: stage failed", zap.Int64("duration_ms", rec.DurationMS), zap.Error(runErr))
		if rec.ID != "" {
			if err := e.store.FailStage(ctx, rec.ID, rec.DurationMS, rec.Error); err != nil {
				log.Warn("pipeline: failed to record stage failure", zap.Error(err))
			}
		}
		return rec, runErr
	}

	rec.Status = model.StageStatusComplete
	if res != nil {
		rec.Metadata = res.Metadata
	}
	log.Info("pipeline: stage complete", zap.Int64("duration_ms", rec.DurationMS))
	if rec.ID != "" {
		if err := e.store.CompleteStage(ctx, rec.ID, rec.DurationMS, res); err != nil {
			log.Warn("pipeline: failed to record stage completion", zap.Error(err))
		}
	}
	return rec, nil
}

func (e *Engine) execute(ctx context.Context, env *Env, s Stage) (*model.StageResult, error) {
	for _, rel := range s.Requires() {
		if err := env.Warehouse.Require(ctx, rel, e.registry.Producer(rel)); err != nil {
			return nil, err
		}
	}
	return s.Run(ctx, env)
}
