package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/export"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/weather"
)

// WettestMonth is the elasticity fit restricted to the rainiest month.
type WettestMonth struct {
	Month           int             `json:"month"`
	PrecipitationMM float64         `json:"total_precipitation_mm"`
	Elasticity      *weather.Result `json:"elasticity,omitempty"`
}

// RainElasticity joins the daily weather file to the daily_trips series and
// fits trip count against precipitation.
func RainElasticity(ctx context.Context, q Querier, days []weather.Day) ([]weather.Point, *weather.Result, error) {
	daily, err := DailyTrips(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	counts := make([]weather.DailyCount, len(daily))
	for i, d := range daily {
		counts[i] = weather.DailyCount{Date: d.Date, TripCount: d.TripCount}
	}
	points := weather.Join(days, counts)
	return points, weather.Elasticity(points), nil
}

type weatherStage struct{}

func (weatherStage) Name() string       { return StageWeather }
func (weatherStage) Requires() []string { return []string{DailyTable} }
func (weatherStage) Produces() []string { return nil }

// Run is a no-op when the weather file has not been fetched: the elasticity
// is simply absent from the report.
func (weatherStage) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.weather"))
	path := env.Cfg.Paths.WeatherFile

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Warn("weather: file not found, skipping elasticity", zap.String("path", path))
		return &model.StageResult{Metadata: map[string]any{"skipped": true}}, nil
	}
	days, err := weather.Load(path)
	if err != nil {
		return nil, err
	}

	points, result, err := RainElasticity(ctx, env.Warehouse.DB(), days)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(env.Cfg.Paths.ProcessedDir, "weather_trips.csv")
	if err := export.WriteCSV(out, points); err != nil {
		return nil, err
	}
	env.Report.addOutput(out)
	env.Report.RainElasticity = result

	if month, total, ok := weather.WettestMonth(days); ok {
		env.Report.WettestMonth = &WettestMonth{
			Month:           month,
			PrecipitationMM: total,
			Elasticity:      weather.Elasticity(weather.InMonth(points, month)),
		}
	}

	meta := map[string]any{"days": len(points)}
	if result != nil {
		meta["correlation"] = result.Correlation
		meta["slope"] = result.Slope
		log.Info("weather: elasticity fitted",
			zap.Int("days", result.Points),
			zap.Float64("slope", result.Slope),
			zap.String("interpretation", result.Interpretation),
		)
	} else {
		log.Warn("weather: not enough overlapping days for a fit", zap.Int("days", len(points)))
	}
	return &model.StageResult{Metadata: meta}, nil
}
