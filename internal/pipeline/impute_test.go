package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/congestion-audit/internal/impute"
	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/trip"
)

func TestMonthBuckets(t *testing.T) {
	w := newTestWarehouse(t)

	mon := ordinary(132, 161)
	mon.N, mon.Pickup, mon.Fare, mon.Total = 3, "2024-12-02 08:00:00", 12, 18
	sun := ordinary(132, 161)
	sun.Pickup = "2024-12-01 23:00:00"
	green := ordinary(132, 161)
	green.Pickup, green.Taxi = "2024-12-02 08:00:00", "green"
	loadTrips(t, w, mon, sun, green)

	got, err := MonthBuckets(context.Background(), w.DB(), trip.Yellow, 2024, 12)
	require.NoError(t, err)
	assert.Equal(t, []impute.Bucket{
		{Hour: 23, DOW: 0, Count: 1, AvgFare: 15, AvgTotal: 20},
		{Hour: 8, DOW: 1, Count: 3, AvgFare: 12, AvgTotal: 18},
	}, got)
}

func TestImputeMonth_Blend(t *testing.T) {
	w := newTestWarehouse(t)

	prior := ordinary(132, 161)
	prior.N, prior.Pickup = 100, "2023-12-04 08:00:00"
	recent := ordinary(132, 161)
	recent.N, recent.Pickup = 200, "2024-12-02 08:00:00"
	loadTrips(t, w, prior, recent)

	est, ok, err := ImputeMonth(context.Background(), w.DB(), trip.Yellow, 2025, 12, impute.DefaultWeights())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, est, 1)
	assert.Equal(t, 8, est[0].Hour)
	assert.Equal(t, 1, est[0].DOW)
	assert.InDelta(t, 170.0, est[0].ImputedCount, 1e-9)
	assert.InDelta(t, 15.0, est[0].ImputedFare, 1e-9)
}

func TestImputeMonth_NoHistory(t *testing.T) {
	w := newTestWarehouse(t)
	loadTrips(t, w, ordinary(132, 161))

	est, ok, err := ImputeMonth(context.Background(), w.DB(), trip.Green, 2025, 12, impute.DefaultWeights())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, est)
}

func TestImputeStage_RecordsAndSkips(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()
	cfg := testConfig(t)
	ledger := newTestLedger(t)

	prior := ordinary(132, 161)
	prior.N, prior.Pickup = 100, "2023-02-06 08:00:00"
	recent := ordinary(132, 161)
	recent.N, recent.Pickup = 200, "2024-02-05 08:00:00"
	loadTrips(t, w, prior, recent)

	run, err := ledger.CreateRun(ctx, 2025, []string{StageImpute})
	require.NoError(t, err)

	env := &Env{
		Cfg:       cfg,
		Warehouse: w,
		Store:     ledger,
		RunID:     run.ID,
		Report:    NewReport(run.ID, 2025),
		Sources: []schema.Source{
			{Program: trip.Yellow, Year: 2025, Month: 1},
			{Program: trip.Green, Year: 2025, Month: 1},
		},
	}

	res, err := imputeStage{}.Run(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metadata["imputed"])
	assert.Equal(t, 1, res.Metadata["skipped"])

	require.Len(t, env.Report.ImputedMonths, 1)
	im := env.Report.ImputedMonths[0]
	assert.Equal(t, "yellow", im.Program)
	assert.Equal(t, 2, im.Month)
	assert.InDelta(t, 170.0, im.TotalTrips, 1e-9)
	assert.Equal(t, filepath.Join(cfg.Paths.ProcessedDir, "imputed_yellow_2025-02.csv"), im.Path)
	assert.FileExists(t, im.Path)
	assert.Equal(t, []string{"green 2025-02"}, env.Report.UnimputedMonths)

	recorded, err := ledger.ListImputations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, im.Path, recorded[0].Path)
}

func TestImputedFileName(t *testing.T) {
	assert.Equal(t, "imputed_green_2025-03.csv", ImputedFileName(trip.Green, 2025, 3))
}
