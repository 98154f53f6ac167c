package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/congestion-audit/internal/trip"
	"github.com/sells-group/congestion-audit/internal/warehouse"
)

func newWarehouse(t *testing.T) *warehouse.Warehouse {
	t.Helper()
	w, err := warehouse.Open(context.Background(), warehouse.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() }) //nolint:errcheck
	return w
}

func writeParquet(t *testing.T, w *warehouse.Warehouse, path, selectSQL string) {
	t.Helper()
	require.NoError(t, w.Exec(context.Background(),
		fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", selectSQL, warehouse.Quote(path))))
}

const yellowRows = `SELECT * FROM (VALUES
	(1, TIMESTAMP '2025-01-06 08:00:00', TIMESTAMP '2025-01-06 08:20:00', 2.5, 132, 161, 18.0, 3.0, 25.0, 2.5),
	(2, TIMESTAMP '2025-01-06 09:00:00', TIMESTAMP '2025-01-06 09:10:00', 1.0, 161, 230, 9.0, NULL, 12.0, NULL)
) t(VendorID, tpep_pickup_datetime, tpep_dropoff_datetime, trip_distance, PULocationID, DOLocationID,
    fare_amount, tip_amount, total_amount, congestion_surcharge)`

// Green files in this fixture predate the surcharge and tip columns.
const greenRows = `SELECT * FROM (VALUES
	(2, TIMESTAMP '2025-01-07 10:00:00', TIMESTAMP '2025-01-07 10:30:00', 74, 236, 4.0, 20.0, 21.5)
) t(VendorID, lpep_pickup_datetime, lpep_dropoff_datetime, PULocationID, DOLocationID,
    trip_distance, fare_amount, total_amount)`

func TestParseSourceName(t *testing.T) {
	src, err := ParseSourceName("/data/raw/yellow_tripdata_2025-03.parquet")
	require.NoError(t, err)
	assert.Equal(t, Source{Path: "/data/raw/yellow_tripdata_2025-03.parquet", Program: trip.Yellow, Year: 2025, Month: 3}, src)
	assert.Equal(t, "2025-03", src.Period())

	src, err = ParseSourceName("green_tripdata_2024-12.parquet")
	require.NoError(t, err)
	assert.Equal(t, trip.Green, src.Program)

	for _, bad := range []string{"fhv_tripdata_2025-01.parquet", "yellow_tripdata_2025-13.parquet", "yellow_2025-01.parquet"} {
		_, err := ParseSourceName(bad)
		assert.Error(t, err, bad)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"yellow_tripdata_2025-02.parquet",
		"green_tripdata_2025-01.parquet",
		"yellow_tripdata_2025-01.parquet",
		"yellow_tripdata_2024-12.parquet",
		"notes.parquet",
		"taxi_zone_lookup.csv",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	got, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "green", string(got[0].Program))
	assert.Equal(t, "2024-12", got[1].Period())
	assert.Equal(t, "2025-01", got[2].Period())
	assert.Equal(t, "2025-02", got[3].Period())
}

func TestDiscover_MissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestValidateAndUnify(t *testing.T) {
	w := newWarehouse(t)
	ctx := context.Background()
	dir := t.TempDir()

	yellow := filepath.Join(dir, "yellow_tripdata_2025-01.parquet")
	green := filepath.Join(dir, "green_tripdata_2025-01.parquet")
	writeParquet(t, w, yellow, yellowRows)
	writeParquet(t, w, green, greenRows)

	sources, err := Discover(dir)
	require.NoError(t, err)
	plans, err := ValidateAll(ctx, w.DB(), sources, 2)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, trip.Green, plans[0].Source.Program)
	assert.NotContains(t, plans[0].Columns, ColCongestionSurcharge)
	assert.Equal(t, "tpep_pickup_datetime", plans[1].Columns[ColPickupTime])

	require.NoError(t, Unify(ctx, w, plans))

	cols, err := warehouse.Describe(ctx, w.DB(), UnifiedView)
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	assert.Equal(t, []string{
		"pickup_time", "dropoff_time", "pickup_loc", "dropoff_loc", "trip_distance", "fare",
		"total_amount", "congestion_surcharge", "tip_amount", "taxi_type", "vendor_id",
	}, names)

	// Row count is the sum of the inputs.
	n, err := w.Count(ctx, UnifiedView, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Absent and null optional fields read as 0.
	n, err = w.Count(ctx, UnifiedView, "congestion_surcharge = 0 AND tip_amount = 0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = w.Count(ctx, UnifiedView, "taxi_type = 'green' AND pickup_loc = 74")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUnify_PreservesDuplicates(t *testing.T) {
	w := newWarehouse(t)
	ctx := context.Background()
	dir := t.TempDir()

	a := filepath.Join(dir, "yellow_tripdata_2025-01.parquet")
	b := filepath.Join(dir, "yellow_tripdata_2025-02.parquet")
	writeParquet(t, w, a, yellowRows)
	writeParquet(t, w, b, yellowRows)

	sources, err := Discover(dir)
	require.NoError(t, err)
	plans, err := ValidateAll(ctx, w.DB(), sources, 4)
	require.NoError(t, err)
	require.NoError(t, Unify(ctx, w, plans))

	n, err := w.Count(ctx, UnifiedView, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestValidate_Mismatch(t *testing.T) {
	w := newWarehouse(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "yellow_tripdata_2025-01.parquet")
	writeParquet(t, w, path, `SELECT TIMESTAMP '2025-01-06 08:00:00' AS tpep_pickup_datetime, 1.0 AS fare_amount`)

	src, err := ParseSourceName(path)
	require.NoError(t, err)
	_, err = Validate(ctx, w.DB(), src)
	require.Error(t, err)
	assert.True(t, IsMismatch(err))
	assert.Contains(t, err.Error(), "tpep_dropoff_datetime")
	assert.Contains(t, err.Error(), "PULocationID")

	// A green file carrying yellow column names fails the same way.
	gpath := filepath.Join(t.TempDir(), "green_tripdata_2025-01.parquet")
	writeParquet(t, w, gpath, yellowRows)
	gsrc, err := ParseSourceName(gpath)
	require.NoError(t, err)
	_, err = ValidateAll(ctx, w.DB(), []Source{gsrc}, 1)
	require.Error(t, err)
	assert.True(t, IsMismatch(err))
}

func TestUnify_NoSources(t *testing.T) {
	w := newWarehouse(t)
	err := Unify(context.Background(), w, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources")
}

func TestSelectSQL(t *testing.T) {
	p := Plan{
		Source: Source{Path: "/raw/green_tripdata_2025-01.parquet", Program: trip.Green},
		Columns: map[string]string{
			ColPickupTime: "lpep_pickup_datetime", ColDropoffTime: "lpep_dropoff_datetime",
			ColPickupLoc: "PULocationID", ColDropoffLoc: "DOLocationID", ColTripDistance: "trip_distance",
			ColFare: "fare_amount", ColTotalAmount: "total_amount", ColTipAmount: "tip_amount",
			ColVendorID: "VendorID",
		},
	}
	sql := SelectSQL(p)
	assert.Contains(t, sql, `CAST("PULocationID" AS INTEGER) AS pickup_loc`)
	assert.Contains(t, sql, `CAST(0 AS DOUBLE) AS congestion_surcharge`)
	assert.Contains(t, sql, `CAST(COALESCE("tip_amount", 0) AS DOUBLE) AS tip_amount`)
	assert.Contains(t, sql, `'green' AS taxi_type`)
	assert.Contains(t, sql, `FROM read_parquet('/raw/green_tripdata_2025-01.parquet')`)
}

func TestMissingMonths(t *testing.T) {
	sources := []Source{
		{Program: trip.Yellow, Year: 2025, Month: 1},
		{Program: trip.Yellow, Year: 2025, Month: 2},
		{Program: trip.Yellow, Year: 2024, Month: 3},
		{Program: trip.Green, Year: 2025, Month: 1},
		{Program: trip.Green, Year: 2025, Month: 2},
		{Program: trip.Green, Year: 2025, Month: 3},
	}
	got := MissingMonths(sources, 2025, []int{1, 2, 3})
	assert.Equal(t, map[trip.Program][]int{trip.Yellow: {3}}, got)

	assert.Empty(t, MissingMonths(sources, 2025, nil))
}
