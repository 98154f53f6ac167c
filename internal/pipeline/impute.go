package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/export"
	"github.com/sells-group/congestion-audit/internal/impute"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/trip"
)

// MonthBuckets aggregates one program-month of unified trips by hour of day
// and day of week.
func MonthBuckets(ctx context.Context, q Querier, program trip.Program, year, month int) ([]impute.Bucket, error) {
	return collect(ctx, q, func(rows *sql.Rows) (impute.Bucket, error) {
		var b impute.Bucket
		err := rows.Scan(&b.Hour, &b.DOW, &b.Count, &b.AvgFare, &b.AvgTotal)
		return b, err
	}, `SELECT
	CAST(EXTRACT(HOUR FROM pickup_time) AS INTEGER) AS hour,
	CAST(EXTRACT(DOW FROM pickup_time) AS INTEGER) AS day_of_week,
	count(*) AS trip_count,
	COALESCE(AVG(fare), 0) AS avg_fare,
	COALESCE(AVG(total_amount), 0) AS avg_total
FROM `+schema.UnifiedView+`
WHERE taxi_type = ?
	AND YEAR(pickup_time) = ?
	AND MONTH(pickup_time) = ?
GROUP BY ALL
ORDER BY day_of_week, hour`, string(program), year, month)
}

// ImputeMonth blends the same month of the two preceding years. ok is false
// when neither year has any trips for the program.
func ImputeMonth(ctx context.Context, q Querier, program trip.Program, year, month int, w impute.Weights) (est []impute.Estimate, ok bool, err error) {
	prior, err := MonthBuckets(ctx, q, program, year-2, month)
	if err != nil {
		return nil, false, err
	}
	recent, err := MonthBuckets(ctx, q, program, year-1, month)
	if err != nil {
		return nil, false, err
	}
	if len(prior) == 0 && len(recent) == 0 {
		return nil, false, nil
	}
	return impute.Blend(prior, recent, w), true, nil
}

// ImputedFileName is the output name for one synthesized program-month.
func ImputedFileName(program trip.Program, year, month int) string {
	return fmt.Sprintf("imputed_%s_%04d-%02d.csv", program, year, month)
}

type imputeStage struct{}

func (imputeStage) Name() string       { return StageImpute }
func (imputeStage) Requires() []string { return []string{schema.UnifiedView} }
func (imputeStage) Produces() []string { return nil }

// Run synthesizes every expected analysis-year month that has no raw file
// and records each one in the ledger so the report never passes an imputed
// month off as observed data.
func (imputeStage) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.impute"))
	q := env.Warehouse.DB()
	year := env.Cfg.Audit.AnalysisYear

	w := env.Weights()
	if err := w.Validate(); err != nil {
		return nil, err
	}
	sources, err := env.sources()
	if err != nil {
		return nil, err
	}
	missing := schema.MissingMonths(sources, year, env.Cfg.Audit.ExpectedMonths)

	var months []model.ImputedMonth
	var skipped []string
	for _, program := range trip.Programs {
		for _, month := range missing[program] {
			est, ok, err := ImputeMonth(ctx, q, program, year, month, w)
			if err != nil {
				return nil, err
			}
			label := fmt.Sprintf("%s %04d-%02d", program, year, month)
			if !ok {
				log.Warn("impute: no history for month, leaving it empty", zap.String("month", label))
				skipped = append(skipped, label)
				continue
			}
			path := filepath.Join(env.Cfg.Paths.ProcessedDir, ImputedFileName(program, year, month))
			if err := export.WriteCSV(path, est); err != nil {
				return nil, err
			}
			env.Report.addOutput(path)
			months = append(months, model.ImputedMonth{
				RunID:      env.RunID,
				Program:    string(program),
				Year:       year,
				Month:      month,
				Path:       path,
				Buckets:    len(est),
				TotalTrips: impute.TotalTrips(est),
				CreatedAt:  time.Now().UTC(),
			})
			log.Info("impute: month synthesized", zap.String("month", label), zap.Int("buckets", len(est)))
		}
	}

	if err := env.Store.RecordImputations(ctx, months); err != nil {
		return nil, err
	}
	env.Report.ImputedMonths = append(env.Report.ImputedMonths, months...)
	env.Report.UnimputedMonths = append(env.Report.UnimputedMonths, skipped...)

	return &model.StageResult{Metadata: map[string]any{
		"imputed": len(months),
		"skipped": len(skipped),
	}}, nil
}
