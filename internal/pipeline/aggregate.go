package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/export"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/trip"
	"github.com/sells-group/congestion-audit/internal/warehouse"
	"github.com/sells-group/congestion-audit/internal/zones"
)

// DailyTable holds the per-day series the weather join consumes.
const DailyTable = "daily_trips"

// guardedSpeedSQL averages only trips longer than a minute so near-zero
// durations cannot blow up the mean.
const guardedSpeedSQL = `CASE
		WHEN EXTRACT(EPOCH FROM (dropoff_time - pickup_time)) > 60
		THEN trip_distance / (CAST(EXTRACT(EPOCH FROM (dropoff_time - pickup_time)) AS DOUBLE) / 3600.0)
	END`

// HourlySpeed is one cell of the hour-by-weekday speed matrix. DOW is 0 for
// Sunday.
type HourlySpeed struct {
	Hour        int     `csv:"hour" json:"hour"`
	DOW         int     `csv:"day_of_week" json:"day_of_week"`
	AvgSpeedMPH float64 `csv:"avg_speed_mph" json:"avg_speed_mph"`
	TripCount   int64   `csv:"trip_count" json:"trip_count"`
}

// HourlySpeeds averages speed over trips that start and end inside the toll
// zone during one quarter. A cell whose trips all last a minute or less
// reports speed 0.
func HourlySpeeds(ctx context.Context, q Querier, year, quarter int) ([]HourlySpeed, error) {
	return collect(ctx, q, func(rows *sql.Rows) (HourlySpeed, error) {
		var h HourlySpeed
		err := rows.Scan(&h.Hour, &h.DOW, &h.AvgSpeedMPH, &h.TripCount)
		return h, err
	}, `SELECT
	CAST(EXTRACT(HOUR FROM pickup_time) AS INTEGER) AS hour,
	CAST(EXTRACT(DOW FROM pickup_time) AS INTEGER) AS day_of_week,
	COALESCE(AVG(`+guardedSpeedSQL+`), 0) AS avg_speed_mph,
	count(*) AS trip_count
FROM `+CleanView+`
WHERE YEAR(pickup_time) = ?
	AND quarter(pickup_time) = ?
	AND `+zones.WithinSQL("pickup_loc", "dropoff_loc")+`
GROUP BY ALL
ORDER BY day_of_week, hour`, year, quarter)
}

// DailyTrip is one calendar day of clean trips.
type DailyTrip struct {
	Date         trip.Date `csv:"date" json:"date"`
	TripCount    int64     `csv:"trip_count" json:"trip_count"`
	TotalRevenue float64   `csv:"total_revenue" json:"total_revenue"`
	AvgSurcharge float64   `csv:"avg_surcharge" json:"avg_surcharge"`
}

// BuildDailyTrips materializes the per-day series for year as daily_trips.
func BuildDailyTrips(ctx context.Context, wh *warehouse.Warehouse, year int) error {
	return wh.CreateTable(ctx, DailyTable, fmt.Sprintf(`SELECT
	CAST(pickup_time AS DATE) AS date,
	count(*) AS trip_count,
	COALESCE(SUM(total_amount), 0) AS total_revenue,
	COALESCE(AVG(congestion_surcharge), 0) AS avg_surcharge
FROM %s
WHERE YEAR(pickup_time) = %d
GROUP BY ALL
ORDER BY date`, CleanView, year))
}

// DailyTrips reads the materialized daily series in date order.
func DailyTrips(ctx context.Context, q Querier) ([]DailyTrip, error) {
	return collect(ctx, q, func(rows *sql.Rows) (DailyTrip, error) {
		var d DailyTrip
		var day time.Time
		if err := rows.Scan(&day, &d.TripCount, &d.TotalRevenue, &d.AvgSurcharge); err != nil {
			return d, err
		}
		d.Date = trip.NewDate(day)
		return d, nil
	}, `SELECT date, trip_count, total_revenue, avg_surcharge FROM `+DailyTable+` ORDER BY date`)
}

// MonthlyTips pairs surcharge and tipping for one month so both series share
// the same month axis.
type MonthlyTips struct {
	Month          int     `csv:"month" json:"month"`
	AvgSurcharge   float64 `csv:"avg_surcharge" json:"avg_surcharge"`
	AvgTipPct      float64 `csv:"avg_tip_pct" json:"avg_tip_pct"`
	TotalSurcharge float64 `csv:"total_surcharge" json:"total_surcharge"`
	TotalTips      float64 `csv:"total_tips" json:"total_tips"`
	TripCount      int64   `csv:"trip_count" json:"trip_count"`
}

// MonthlyTipsSurcharge computes per-month surcharge and tip percentage. Tip
// percentage is 0 for trips with no fare.
func MonthlyTipsSurcharge(ctx context.Context, q Querier, year int) ([]MonthlyTips, error) {
	return collect(ctx, q, func(rows *sql.Rows) (MonthlyTips, error) {
		var m MonthlyTips
		err := rows.Scan(&m.Month, &m.AvgSurcharge, &m.AvgTipPct, &m.TotalSurcharge, &m.TotalTips, &m.TripCount)
		return m, err
	}, `SELECT
	CAST(MONTH(pickup_time) AS INTEGER) AS month,
	COALESCE(AVG(congestion_surcharge), 0) AS avg_surcharge,
	COALESCE(AVG(CASE WHEN fare > 0 THEN tip_amount / fare * 100 ELSE 0 END), 0) AS avg_tip_pct,
	COALESCE(SUM(congestion_surcharge), 0) AS total_surcharge,
	COALESCE(SUM(tip_amount), 0) AS total_tips,
	count(*) AS trip_count
FROM `+CleanView+`
WHERE YEAR(pickup_time) = ?
GROUP BY ALL
ORDER BY month`, year)
}

// BorderZone compares dropoffs into one border zone across two years.
type BorderZone struct {
	LocationID int     `csv:"dropoff_loc" json:"dropoff_loc"`
	Zone       string  `csv:"zone" json:"zone"`
	Borough    string  `csv:"borough" json:"borough"`
	YearA      int     `csv:"year_a" json:"year_a"`
	CountA     int64   `csv:"count_year_a" json:"count_year_a"`
	YearB      int     `csv:"year_b" json:"year_b"`
	CountB     int64   `csv:"count_year_b" json:"count_year_b"`
	PctChange  float64 `csv:"pct_change" json:"pct_change"`
	Lat        float64 `csv:"lat" json:"lat"`
	Lon        float64 `csv:"lon" json:"lon"`
}

// BorderEffect counts dropoffs into every border zone in yearA and yearB.
// A zone with no dropoffs in yearA reports a 0% change. Rows are ordered by
// change, largest first.
func BorderEffect(ctx context.Context, q Querier, yearA, yearB int) ([]BorderZone, error) {
	return collect(ctx, q, func(rows *sql.Rows) (BorderZone, error) {
		b := BorderZone{YearA: yearA, YearB: yearB}
		err := rows.Scan(&b.LocationID, &b.CountA, &b.CountB, &b.PctChange)
		return b, err
	}, `WITH counts AS (
	SELECT
		dropoff_loc,
		count_if(YEAR(pickup_time) = ?) AS count_a,
		count_if(YEAR(pickup_time) = ?) AS count_b
	FROM `+CleanView+`
	WHERE `+zones.InSQL("dropoff_loc", zones.BorderTable)+`
	GROUP BY dropoff_loc
)
SELECT
	b.zone_id,
	COALESCE(c.count_a, 0) AS count_a,
	COALESCE(c.count_b, 0) AS count_b,
	CASE
		WHEN COALESCE(c.count_a, 0) > 0
		THEN CAST(c.count_b - c.count_a AS DOUBLE) * 100 / c.count_a
		ELSE 0
	END AS pct_change
FROM `+zones.BorderTable+` b
LEFT JOIN counts c ON c.dropoff_loc = b.zone_id
ORDER BY pct_change DESC, b.zone_id`, yearA, yearB)
}

// Enrich merges zone names and map coordinates into border rows.
func Enrich(rows []BorderZone, lookup zones.Lookup) {
	for i := range rows {
		info := lookup[rows[i].LocationID]
		rows[i].Zone = info.Zone
		rows[i].Borough = info.Borough
		p := zones.Coordinates(rows[i].LocationID)
		rows[i].Lat, rows[i].Lon = p.Lat, p.Lon
	}
}

// ZoneDropoff is one (border zone, year) dropoff count in long format.
type ZoneDropoff struct {
	DropoffLoc   int   `csv:"dropoff_loc" json:"dropoff_loc"`
	Year         int   `csv:"year" json:"year"`
	DropoffCount int64 `csv:"dropoff_count" json:"dropoff_count"`
}

// ZoneDropoffs lists border-zone dropoff counts for the given years.
func ZoneDropoffs(ctx context.Context, q Querier, yearA, yearB int) ([]ZoneDropoff, error) {
	return collect(ctx, q, func(rows *sql.Rows) (ZoneDropoff, error) {
		var z ZoneDropoff
		err := rows.Scan(&z.DropoffLoc, &z.Year, &z.DropoffCount)
		return z, err
	}, `SELECT
	dropoff_loc,
	CAST(YEAR(pickup_time) AS INTEGER) AS yr,
	count(*) AS dropoff_count
FROM `+CleanView+`
WHERE `+zones.InSQL("dropoff_loc", zones.BorderTable)+`
	AND YEAR(pickup_time) IN (?, ?)
GROUP BY ALL
ORDER BY dropoff_loc, yr`, yearA, yearB)
}

type aggregateStage struct{}

func (aggregateStage) Name() string { return StageAggregate }
func (aggregateStage) Requires() []string {
	return []string{CleanView, zones.TollTable, zones.BorderTable}
}
func (aggregateStage) Produces() []string { return []string{DailyTable} }

func (aggregateStage) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.aggregate"))
	q := env.Warehouse.DB()
	audit := env.Cfg.Audit
	dir := env.Cfg.Paths.ProcessedDir
	meta := map[string]any{}

	write := func(name string, n int, fn func(path string) error) error {
		path := filepath.Join(dir, name)
		if err := fn(path); err != nil {
			return err
		}
		env.Report.addOutput(path)
		meta[name] = n
		return nil
	}

	for _, year := range []int{audit.ComparisonYear, audit.AnalysisYear} {
		speeds, err := HourlySpeeds(ctx, q, year, audit.Quarter)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("velocity_q%d_%d.csv", audit.Quarter, year)
		if err := write(name, len(speeds), func(p string) error { return export.WriteCSV(p, speeds) }); err != nil {
			return nil, err
		}
	}

	if err := BuildDailyTrips(ctx, env.Warehouse, audit.AnalysisYear); err != nil {
		return nil, err
	}
	daily, err := DailyTrips(ctx, q)
	if err != nil {
		return nil, err
	}
	dailyName := fmt.Sprintf("daily_trips_%d.csv", audit.AnalysisYear)
	if err := write(dailyName, len(daily), func(p string) error { return export.WriteCSV(p, daily) }); err != nil {
		return nil, err
	}

	tips, err := MonthlyTipsSurcharge(ctx, q, audit.AnalysisYear)
	if err != nil {
		return nil, err
	}
	if err := write("tips_surcharge.csv", len(tips), func(p string) error { return export.WriteCSV(p, tips) }); err != nil {
		return nil, err
	}

	border, err := BorderEffect(ctx, q, audit.ComparisonYear, audit.AnalysisYear)
	if err != nil {
		return nil, err
	}
	Enrich(border, env.lookup())
	if err := write("border_effect.csv", len(border), func(p string) error { return export.WriteCSV(p, border) }); err != nil {
		return nil, err
	}

	dropoffs, err := ZoneDropoffs(ctx, q, audit.ComparisonYear, audit.AnalysisYear)
	if err != nil {
		return nil, err
	}
	if err := write("zone_dropoffs.csv", len(dropoffs), func(p string) error { return export.WriteCSV(p, dropoffs) }); err != nil {
		return nil, err
	}

	log.Info("aggregate: summaries written", zap.String("dir", dir), zap.Int("days", len(daily)))
	return &model.StageResult{Metadata: meta}, nil
}
