package pipeline

import (
	"context"
	"path/filepath"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/export"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/trip"
	"github.com/sells-group/congestion-audit/internal/weather"
	"github.com/sells-group/congestion-audit/internal/zones"
)

// ReportFile is the structured summary written to the output directory.
const ReportFile = "report_data.json"

// Report is the serialized summary consumed by the report collaborators.
// Sections belonging to stages that did not run stay empty.
type Report struct {
	GeneratedAt  time.Time `json:"generated_at"`
	RunID        string    `json:"run_id"`
	AnalysisYear int       `json:"analysis_year"`

	// FullGroundTruth is false whenever any expected month was missing from
	// the raw data, whether or not it could be imputed.
	FullGroundTruth bool                   `json:"full_ground_truth"`
	Sources         int                    `json:"sources"`
	MissingMonths   map[trip.Program][]int `json:"missing_months,omitempty"`
	ImputedMonths   []model.ImputedMonth   `json:"imputed_months,omitempty"`
	UnimputedMonths []string               `json:"unimputed_months,omitempty"`

	Partition         *PartitionStats    `json:"partition,omitempty"`
	GhostSummary      []GhostTypeSummary `json:"ghost_summary,omitempty"`
	SuspiciousVendors []VendorGhosts     `json:"suspicious_vendors,omitempty"`
	AuditExport       string             `json:"audit_export,omitempty"`

	Compliance       *Compliance       `json:"compliance,omitempty"`
	Hotspots         []Hotspot         `json:"missing_surcharge_hotspots,omitempty"`
	QuarterlyVolumes []QuarterVolume   `json:"quarterly_volumes,omitempty"`
	Revenue          *Revenue          `json:"revenue,omitempty"`
	ZoneSummary      []ZoneTripSummary `json:"zone_summary,omitempty"`

	RainElasticity *weather.Result `json:"rain_elasticity,omitempty"`
	WettestMonth   *WettestMonth   `json:"wettest_month,omitempty"`

	Outputs []string `json:"outputs,omitempty"`
}

// NewReport starts an empty report for a run.
func NewReport(runID string, analysisYear int) *Report {
	return &Report{RunID: runID, AnalysisYear: analysisYear}
}

func (r *Report) addOutput(path string) {
	if !slices.Contains(r.Outputs, path) {
		r.Outputs = append(r.Outputs, path)
	}
}

func (r *Report) missingCount() int {
	n := 0
	for _, months := range r.MissingMonths {
		n += len(months)
	}
	return n
}

type reportStage struct{}

func (reportStage) Name() string { return StageReport }

func (reportStage) Requires() []string {
	return []string{schema.UnifiedView, FlaggedTable, zones.TollTable, DailyTable}
}

func (reportStage) Produces() []string { return nil }

func (reportStage) Run(_ context.Context, env *Env) (*model.StageResult, error) {
	r := env.Report
	// The findings live in memory, so the stages that compute them must run
	// in the same run as the report.
	switch {
	case r.Partition == nil:
		return nil, eris.Errorf("pipeline: report: no partition results in this run; run the %s stage first", StageClassify)
	case r.Compliance == nil:
		return nil, eris.Errorf("pipeline: report: no compliance results in this run; run the %s stage first", StageZone)
	}
	r.GeneratedAt = time.Now().UTC()
	r.FullGroundTruth = r.Sources > 0 && r.missingCount() == 0 && len(r.ImputedMonths) == 0

	path := filepath.Join(env.Cfg.Paths.OutputDir, ReportFile)
	r.addOutput(path)
	if err := export.WriteJSON(path, r); err != nil {
		return nil, err
	}
	zap.L().With(zap.String("component", "pipeline.report")).Info("report: written",
		zap.String("path", path), zap.Bool("full_ground_truth", r.FullGroundTruth))
	return &model.StageResult{Metadata: map[string]any{"path": path}}, nil
}
