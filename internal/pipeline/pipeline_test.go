package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/congestion-audit/internal/export"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/store"
	"github.com/sells-group/congestion-audit/internal/trip"
	"github.com/sells-group/congestion-audit/internal/warehouse"
)

func newTestLedger(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// writeRaw writes generated trips as a TLC-style Parquet file using the
// program's raw column names.
func writeRaw(t *testing.T, w *warehouse.Warehouse, dir, name string, gens ...trips) {
	t.Helper()
	prefix := "tpep"
	if strings.HasPrefix(name, "green") {
		prefix = "lpep"
	}
	parts := make([]string, len(gens))
	for i, g := range gens {
		parts[i] = g.sql()
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	q := fmt.Sprintf(`COPY (
	SELECT
		pickup_time AS %[1]s_pickup_datetime,
		dropoff_time AS %[1]s_dropoff_datetime,
		CAST(pickup_loc AS BIGINT) AS PULocationID,
		CAST(dropoff_loc AS BIGINT) AS DOLocationID,
		trip_distance,
		fare AS fare_amount,
		total_amount,
		congestion_surcharge,
		tip_amount,
		CAST(vendor_id AS BIGINT) AS VendorID
	FROM (%[2]s)
) TO %[3]s (FORMAT PARQUET)`, prefix, strings.Join(parts, "\nUNION ALL\n"), warehouse.Quote(filepath.Join(dir, name)))
	require.NoError(t, w.Exec(context.Background(), q))
}

func TestRegistry_SelectKeepsOrder(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"unify", "classify", "zone", "aggregate", "weather", "impute", "report"}, r.Names())

	got, err := r.Select([]string{"report", " Zone ", "classify"})
	require.NoError(t, err)
	names := make([]string, len(got))
	for i, s := range got {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{"classify", "zone", "report"}, names)

	all, err := r.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 7)
}

func TestRegistry_SelectErrors(t *testing.T) {
	r := NewRegistry()

	_, err := r.Select([]string{"classify", "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown stage "bogus"`)

	_, err = r.Select([]string{" ", ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stages selected")
}

func TestRegistry_Producer(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, StageUnify, r.Producer("unified_trips"))
	assert.Equal(t, StageClassify, r.Producer(CleanView))
	assert.Equal(t, StageZone, r.Producer("border_zones"))
	assert.Equal(t, StageAggregate, r.Producer(DailyTable))
	assert.Equal(t, "earlier", r.Producer("nope"))
}

func TestEngine_PartialRunFailsFast(t *testing.T) {
	w := newTestWarehouse(t)
	ledger := newTestLedger(t)
	ctx := context.Background()

	res, err := New(testConfig(t), w, ledger).Run(ctx, RunOpts{Stages: []string{"classify", "zone"}})
	require.Error(t, err)
	assert.True(t, warehouse.IsMissingRelation(err))
	assert.Contains(t, err.Error(), "run the unify stage first")

	require.NotNil(t, res)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, StageClassify, res.Stages[0].Name)
	assert.Equal(t, model.StageStatusFailed, res.Stages[0].Status)

	run, err := ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "unified_trips")

	stages, err := ledger.ListStages(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, model.StageStatusFailed, stages[0].Status)

	ok, err := w.RelationExists(ctx, FlaggedTable)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_UnknownStage(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := New(testConfig(t), newTestWarehouse(t), ledger).Run(context.Background(), RunOpts{Stages: []string{"scrape"}})
	require.Error(t, err)

	runs, err := ledger.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngine_UnifyNoFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Paths.RawDir, 0o755))

	res, err := New(cfg, newTestWarehouse(t), newTestLedger(t)).Run(context.Background(), RunOpts{Stages: []string{"unify"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no raw trip files")
	assert.Equal(t, model.RunStatusFailed, res.Status)
}

const testLookup = `LocationID,Borough,Zone,service_zone
132,Queens,JFK Airport,Airports
142,Manhattan,Lincoln Square East,Yellow Zone
161,Manhattan,Midtown Center,Yellow Zone
230,Manhattan,Times Sq/Theatre District,Yellow Zone
`

const testWeather = `date,precipitation_mm,rain_mm
2025-01-13,12.5,12.5
2025-02-03,0.0,0.0
2025-02-04,,
`

func TestEngine_FullRun(t *testing.T) {
	w := newTestWarehouse(t)
	ledger := newTestLedger(t)
	ctx := context.Background()
	cfg := testConfig(t)
	raw := cfg.Paths.RawDir

	entries := ordinary(132, 161)
	entries.N, entries.Pickup = 120, "2025-01-13 08:00:00"
	entries.Surcharge = "CASE WHEN i < 90 THEN 2.5 ELSE 0 END"
	stationary := ordinary(132, 161)
	stationary.N, stationary.Pickup, stationary.Distance, stationary.Vendor = 2, "2025-01-13 09:00:00", 0, 2
	writeRaw(t, w, raw, "yellow_tripdata_2025-01.parquet", entries, stationary)

	within := ordinary(161, 230)
	within.N, within.Surcharge = 10, "2.5"
	writeRaw(t, w, raw, "yellow_tripdata_2025-02.parquet", within)

	border := ordinary(161, 142)
	border.N, border.Pickup = 5, "2024-02-05 08:00:00"
	writeRaw(t, w, raw, "yellow_tripdata_2024-02.parquet", border)

	greenJan := ordinary(132, 161)
	greenJan.N, greenJan.Pickup, greenJan.Taxi = 5, "2025-01-13 10:00:00", "green"
	writeRaw(t, w, raw, "green_tripdata_2025-01.parquet", greenJan)

	greenHist := ordinary(132, 161)
	greenHist.N, greenHist.Pickup, greenHist.Taxi = 10, "2024-02-05 08:00:00", "green"
	writeRaw(t, w, raw, "green_tripdata_2024-02.parquet", greenHist)

	require.NoError(t, os.WriteFile(cfg.Paths.ZoneLookup, []byte(testLookup), 0o644))
	require.NoError(t, os.WriteFile(cfg.Paths.WeatherFile, []byte(testWeather), 0o644))

	res, err := New(cfg, w, ledger).Run(ctx, RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	require.Len(t, res.Stages, 7)
	for _, s := range res.Stages {
		assert.Equal(t, model.StageStatusComplete, s.Status, s.Name)
	}

	run, err := ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.NotNil(t, run.FinishedAt)

	var rep Report
	require.NoError(t, export.ReadJSON(filepath.Join(cfg.Paths.OutputDir, ReportFile), &rep))
	assert.Equal(t, res.RunID, rep.RunID)
	assert.Equal(t, 5, rep.Sources)
	assert.False(t, rep.FullGroundTruth)
	assert.Equal(t, []int{2}, rep.MissingMonths[trip.Green])
	assert.NotContains(t, rep.MissingMonths, trip.Yellow)

	require.NotNil(t, rep.Partition)
	assert.Equal(t, int64(152), rep.Partition.TotalTrips)
	assert.Equal(t, int64(2), rep.Partition.GhostTrips)
	require.Len(t, rep.SuspiciousVendors, 1)
	assert.Equal(t, 2, rep.SuspiciousVendors[0].VendorID)
	assert.FileExists(t, filepath.Join(cfg.Paths.AuditDir, AuditFile))

	// 120 yellow + 5 green entries since the toll start, 90 of them paid.
	require.NotNil(t, rep.Compliance)
	assert.Equal(t, int64(125), rep.Compliance.ZoneEntryTrips)
	assert.Equal(t, int64(90), rep.Compliance.WithSurcharge)
	require.Len(t, rep.Hotspots, 1)
	assert.Equal(t, 132, rep.Hotspots[0].PickupLoc)
	assert.Equal(t, "JFK Airport", rep.Hotspots[0].Zone)

	require.Len(t, rep.ImputedMonths, 1)
	assert.Equal(t, "green", rep.ImputedMonths[0].Program)
	assert.InDelta(t, 7.0, rep.ImputedMonths[0].TotalTrips, 1e-9)
	assert.Empty(t, rep.UnimputedMonths)

	require.NotNil(t, rep.RainElasticity)
	assert.Equal(t, 2, rep.RainElasticity.Points)
	require.NotNil(t, rep.WettestMonth)
	assert.Equal(t, 1, rep.WettestMonth.Month)

	for _, name := range []string{
		"velocity_q1_2024.csv", "velocity_q1_2025.csv", "daily_trips_2025.csv",
		"tips_surcharge.csv", "border_effect.csv", "zone_dropoffs.csv", "weather_trips.csv",
		"imputed_green_2025-02.csv",
	} {
		assert.FileExists(t, filepath.Join(cfg.Paths.ProcessedDir, name))
		assert.Contains(t, rep.Outputs, filepath.Join(cfg.Paths.ProcessedDir, name))
	}

	border2, err := export.ReadCSV[BorderZone](filepath.Join(cfg.Paths.ProcessedDir, "border_effect.csv"))
	require.NoError(t, err)
	assert.Len(t, border2, 9)

	imputed, err := ledger.ListImputations(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, imputed, 1)
}

func TestEngine_NoZoneEntriesSinceToll(t *testing.T) {
	w := newTestWarehouse(t)
	ledger := newTestLedger(t)
	ctx := context.Background()
	cfg := testConfig(t)

	early := ordinary(132, 161)
	early.N, early.Pickup, early.Surcharge = 20, "2025-01-02 08:00:00", "2.5"
	writeRaw(t, w, cfg.Paths.RawDir, "yellow_tripdata_2025-01.parquet", early)

	res, err := New(cfg, w, ledger).Run(ctx, RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Status)

	var rep Report
	require.NoError(t, export.ReadJSON(filepath.Join(cfg.Paths.OutputDir, ReportFile), &rep))
	require.NotNil(t, rep.Partition)
	assert.Equal(t, int64(20), rep.Partition.CleanTrips)
	require.NotNil(t, rep.Compliance)
	assert.Zero(t, rep.Compliance.ZoneEntryTrips)
	assert.Zero(t, rep.Compliance.RatePct)
	assert.Empty(t, rep.Hotspots)
	assert.False(t, rep.FullGroundTruth)
}

func TestEngine_EmptyRawFile(t *testing.T) {
	w := newTestWarehouse(t)
	ledger := newTestLedger(t)
	ctx := context.Background()
	cfg := testConfig(t)

	none := ordinary(132, 161)
	none.N = -1
	writeRaw(t, w, cfg.Paths.RawDir, "yellow_tripdata_2025-01.parquet", none)

	res, err := New(cfg, w, ledger).Run(ctx, RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Status)

	var rep Report
	require.NoError(t, export.ReadJSON(filepath.Join(cfg.Paths.OutputDir, ReportFile), &rep))
	assert.Equal(t, 1, rep.Sources)
	require.NotNil(t, rep.Partition)
	assert.Equal(t, PartitionStats{}, *rep.Partition)
	assert.Empty(t, rep.SuspiciousVendors)
	require.NotNil(t, rep.Compliance)
	assert.Zero(t, rep.Compliance.ZoneEntryTrips)
	assert.Equal(t, []string{"yellow 2025-02", "green 2025-01", "green 2025-02"}, rep.UnimputedMonths)
}

func TestEngine_ReportAloneFailsFast(t *testing.T) {
	cfg := testConfig(t)
	ledger := newTestLedger(t)

	res, err := New(cfg, newTestWarehouse(t), ledger).Run(context.Background(), RunOpts{Stages: []string{"report"}})
	require.Error(t, err)
	assert.True(t, warehouse.IsMissingRelation(err))
	assert.Contains(t, err.Error(), "run the unify stage first")
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.NoFileExists(t, filepath.Join(cfg.Paths.OutputDir, ReportFile))
}

func TestEngine_ReportNeedsFindingsFromSameRun(t *testing.T) {
	w := newTestWarehouse(t)
	cfg := testConfig(t)
	classified(t, w, ordinary(132, 161))
	require.NoError(t, BuildDailyTrips(context.Background(), w, 2025))

	_, err := New(cfg, w, newTestLedger(t)).Run(context.Background(), RunOpts{Stages: []string{"report"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run the classify stage first")
	assert.NoFileExists(t, filepath.Join(cfg.Paths.OutputDir, ReportFile))

	_, err = New(cfg, w, newTestLedger(t)).Run(context.Background(), RunOpts{Stages: []string{"classify", "report"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run the zone stage first")
}

func TestEngine_WeatherSkippedWithoutFile(t *testing.T) {
	w := newTestWarehouse(t)
	cfg := testConfig(t)
	classified(t, w, ordinary(161, 230))
	require.NoError(t, BuildDailyTrips(context.Background(), w, 2025))

	res, err := New(cfg, w, newTestLedger(t)).Run(context.Background(), RunOpts{Stages: []string{"weather"}})
	require.NoError(t, err)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, true, res.Stages[0].Metadata["skipped"])
	assert.Nil(t, res.Report.RainElasticity)
}
