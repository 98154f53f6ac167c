package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/ghost"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/warehouse"
)

// Relations published by the classify stage.
const (
	FlaggedTable = "trips_with_ghost_flag"
	CleanView    = "clean_trips"
	GhostView    = "ghost_trips"

	AuditFile = "ghost_trips.parquet"
)

// BuildPartitions materializes every unified trip with its derived fields and
// ghost label once, then exposes the clean and ghost partitions as views over
// it. A trip lands in exactly one partition because ghost_type is either NULL
// or one of the rule labels.
func BuildPartitions(ctx context.Context, wh *warehouse.Warehouse, th ghost.Thresholds) error {
	flagged := fmt.Sprintf(`WITH derived AS (
	SELECT *,
		%s AS trip_duration_min,
		%s AS avg_speed_mph
	FROM %s
)
SELECT *,
	%s AS ghost_type
FROM derived`, ghost.DurationMinSQL, ghost.AvgSpeedSQL, schema.UnifiedView, ghost.CaseSQL(th))

	if err := wh.CreateTable(ctx, FlaggedTable, flagged); err != nil {
		return err
	}
	if err := wh.CreateView(ctx, CleanView, "SELECT * FROM "+FlaggedTable+" WHERE ghost_type IS NULL"); err != nil {
		return err
	}
	return wh.CreateView(ctx, GhostView, "SELECT * FROM "+FlaggedTable+" WHERE ghost_type IS NOT NULL")
}

// PartitionStats sizes the clean/ghost split.
type PartitionStats struct {
	TotalTrips   int64   `json:"total_trips"`
	CleanTrips   int64   `json:"clean_trips"`
	GhostTrips   int64   `json:"ghost_trips"`
	GhostRatePct float64 `json:"ghost_rate_pct"`
}

// Partition counts both partitions in one pass over the flagged table.
func Partition(ctx context.Context, q Querier) (PartitionStats, error) {
	var s PartitionStats
	err := q.QueryRowContext(ctx, `SELECT
	count(*),
	COALESCE(count_if(ghost_type IS NULL), 0),
	COALESCE(count_if(ghost_type IS NOT NULL), 0)
FROM `+FlaggedTable).Scan(&s.TotalTrips, &s.CleanTrips, &s.GhostTrips)
	if err != nil {
		return s, eris.Wrap(err, "pipeline: partition stats")
	}
	if s.TotalTrips > 0 {
		s.GhostRatePct = float64(s.GhostTrips) * 100 / float64(s.TotalTrips)
	}
	return s, nil
}

// GhostTypeSummary aggregates one ghost label.
type GhostTypeSummary struct {
	GhostType   ghost.Type `json:"ghost_type"`
	Count       int64      `json:"count"`
	AvgFare     float64    `json:"avg_fare"`
	AvgDistance float64    `json:"avg_distance"`
}

// GhostSummary returns count, average fare and average distance per ghost
// label, most frequent first.
func GhostSummary(ctx context.Context, q Querier) ([]GhostTypeSummary, error) {
	return collect(ctx, q, func(rows *sql.Rows) (GhostTypeSummary, error) {
		var g GhostTypeSummary
		var label string
		if err := rows.Scan(&label, &g.Count, &g.AvgFare, &g.AvgDistance); err != nil {
			return g, err
		}
		t, err := ghost.ParseType(label)
		g.GhostType = t
		return g, err
	}, `SELECT
	ghost_type,
	count(*) AS ghost_count,
	COALESCE(AVG(fare), 0) AS avg_fare,
	COALESCE(AVG(trip_distance), 0) AS avg_distance
FROM `+GhostView+`
GROUP BY ghost_type
ORDER BY ghost_count DESC, ghost_type`)
}

// VendorGhosts ranks one vendor by ghost volume. Vendor -1 collects trips
// with no vendor id.
type VendorGhosts struct {
	VendorID            int     `json:"vendor_id"`
	GhostTripCount      int64   `json:"ghost_trip_count"`
	TotalSuspiciousFare float64 `json:"total_suspicious_fare"`
	PctOfAllGhostTrips  float64 `json:"pct_of_all_ghost_trips"`
}

// SuspiciousVendors returns the topN vendors by ghost trip count. The share
// is taken over every vendor's ghost trips before the limit applies, so the
// shares of a full listing sum to 100. topN <= 0 lists every vendor.
func SuspiciousVendors(ctx context.Context, q Querier, topN int) ([]VendorGhosts, error) {
	query := `SELECT
	COALESCE(vendor_id, -1) AS vendor,
	count(*) AS ghost_trip_count,
	COALESCE(SUM(fare), 0) AS total_suspicious_fare,
	CAST(count(*) AS DOUBLE) * 100 / CAST(SUM(count(*)) OVER () AS DOUBLE) AS pct_of_all_ghost_trips
FROM ` + GhostView + `
GROUP BY vendor
ORDER BY ghost_trip_count DESC, vendor`
	var args []any
	if topN > 0 {
		query += "\nLIMIT ?"
		args = append(args, topN)
	}
	return collect(ctx, q, func(rows *sql.Rows) (VendorGhosts, error) {
		var v VendorGhosts
		err := rows.Scan(&v.VendorID, &v.GhostTripCount, &v.TotalSuspiciousFare, &v.PctOfAllGhostTrips)
		return v, err
	}, query, args...)
}

// ExportAudit writes the full ghost partition, original fields plus derived
// fields and ghost_type, to <dir>/ghost_trips.parquet.
func ExportAudit(ctx context.Context, wh *warehouse.Warehouse, dir string) (string, error) {
	path := filepath.Join(dir, AuditFile)
	if err := wh.CopyToParquet(ctx, GhostView, path); err != nil {
		return "", err
	}
	return path, nil
}

type classifyStage struct{}

func (classifyStage) Name() string       { return StageClassify }
func (classifyStage) Requires() []string { return []string{schema.UnifiedView} }
func (classifyStage) Produces() []string { return []string{FlaggedTable, CleanView, GhostView} }

func (classifyStage) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.classify"))
	q := env.Warehouse.DB()

	if err := BuildPartitions(ctx, env.Warehouse, env.Thresholds()); err != nil {
		return nil, err
	}
	stats, err := Partition(ctx, q)
	if err != nil {
		return nil, err
	}
	summary, err := GhostSummary(ctx, q)
	if err != nil {
		return nil, err
	}
	vendors, err := SuspiciousVendors(ctx, q, env.Cfg.Audit.TopVendors)
	if err != nil {
		return nil, err
	}
	path, err := ExportAudit(ctx, env.Warehouse, env.Cfg.Paths.AuditDir)
	if err != nil {
		return nil, err
	}

	log.Info("classify: partitions built",
		zap.Int64("clean", stats.CleanTrips),
		zap.Int64("ghost", stats.GhostTrips),
		zap.String("audit_export", path),
	)

	env.Report.Partition = &stats
	env.Report.GhostSummary = summary
	env.Report.SuspiciousVendors = vendors
	env.Report.AuditExport = path
	env.Report.addOutput(path)

	return &model.StageResult{Metadata: map[string]any{
		"total_trips":  stats.TotalTrips,
		"ghost_trips":  stats.GhostTrips,
		"audit_export": path,
	}}, nil
}
