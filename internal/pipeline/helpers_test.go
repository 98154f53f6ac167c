package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/congestion-audit/internal/config"
	"github.com/sells-group/congestion-audit/internal/ghost"
	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/warehouse"
)

const fixtureLayout = "2006-01-02 15:04:05"

func newTestWarehouse(t *testing.T) *warehouse.Warehouse {
	t.Helper()
	w, err := warehouse.Open(context.Background(), warehouse.Options{Threads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() }) //nolint:errcheck
	return w
}

// trips generates N identical canonical rows; N < 0 generates none.
// Surcharge is a SQL expression that may reference the row index i.
type trips struct {
	N         int
	Pickup    string
	Duration  time.Duration
	PU, DO    int
	Distance  float64
	Fare      float64
	Total     float64
	Surcharge string
	Tip       float64
	Taxi      string
	Vendor    int
}

func (g trips) sql() string {
	switch {
	case g.N == 0:
		g.N = 1
	case g.N < 0:
		g.N = 0
	}
	if g.Pickup == "" {
		g.Pickup = "2025-02-03 08:00:00"
	}
	if g.Surcharge == "" {
		g.Surcharge = "0"
	}
	if g.Taxi == "" {
		g.Taxi = "yellow"
	}
	pickup, err := time.Parse(fixtureLayout, g.Pickup)
	if err != nil {
		panic(err)
	}
	dropoff := pickup.Add(g.Duration)
	return fmt.Sprintf(`SELECT
	TIMESTAMP '%s' AS pickup_time,
	TIMESTAMP '%s' AS dropoff_time,
	CAST(%d AS INTEGER) AS pickup_loc,
	CAST(%d AS INTEGER) AS dropoff_loc,
	CAST(%v AS DOUBLE) AS trip_distance,
	CAST(%v AS DOUBLE) AS fare,
	CAST(%v AS DOUBLE) AS total_amount,
	CAST(%s AS DOUBLE) AS congestion_surcharge,
	CAST(%v AS DOUBLE) AS tip_amount,
	'%s' AS taxi_type,
	CAST(%d AS INTEGER) AS vendor_id
FROM range(%d) r(i)`,
		pickup.Format(fixtureLayout), dropoff.Format(fixtureLayout),
		g.PU, g.DO, g.Distance, g.Fare, g.Total, g.Surcharge, g.Tip, g.Taxi, g.Vendor, g.N)
}

// ordinary is a clean 15 minute, 3 mile, 12 mph ride.
func ordinary(pu, do int) trips {
	return trips{
		Duration: 15 * time.Minute,
		PU:       pu,
		DO:       do,
		Distance: 3,
		Fare:     15,
		Total:    20,
		Tip:      3,
		Vendor:   1,
	}
}

// loadTrips publishes the generated rows as unified_trips.
func loadTrips(t *testing.T, w *warehouse.Warehouse, gens ...trips) {
	t.Helper()
	parts := make([]string, len(gens))
	for i, g := range gens {
		parts[i] = g.sql()
	}
	require.NoError(t, w.CreateTable(context.Background(), schema.UnifiedView, strings.Join(parts, "\nUNION ALL\n")))
}

// classified loads trips, builds the partitions and the zone tables.
func classified(t *testing.T, w *warehouse.Warehouse, gens ...trips) {
	t.Helper()
	ctx := context.Background()
	loadTrips(t, w, gens...)
	require.NoError(t, BuildPartitions(ctx, w, ghost.DefaultThresholds()))
	require.NoError(t, LoadZoneTables(ctx, w))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Paths: config.PathsConfig{
			RawDir:       filepath.Join(root, "raw"),
			ProcessedDir: filepath.Join(root, "processed"),
			AuditDir:     filepath.Join(root, "audit_log"),
			OutputDir:    filepath.Join(root, "outputs"),
			ZoneLookup:   filepath.Join(root, "raw", "taxi_zone_lookup.csv"),
			WeatherFile:  filepath.Join(root, "raw", "weather_2025.csv"),
		},
		Audit: config.AuditConfig{
			AnalysisYear:    2025,
			ComparisonYear:  2024,
			TollStartDate:   "2025-01-05",
			Quarter:         1,
			ExpectedMonths:  []int{1, 2},
			TopVendors:      5,
			TopHotspots:     3,
			HotspotMinTrips: 100,
			SchemaWorkers:   2,
		},
		Ghost: config.GhostConfig{
			MaxSpeedMPH:          65,
			TeleporterMaxMinutes: 1,
			TeleporterMinFare:    20,
		},
		Imputation: config.ImputationConfig{PriorWeight: 0.3, RecentWeight: 0.7},
		Store:      config.StoreConfig{Driver: "sqlite"},
		Log:        config.LogConfig{Level: "info", Format: "console"},
	}
}
