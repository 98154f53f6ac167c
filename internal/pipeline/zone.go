package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/trip"
	"github.com/sells-group/congestion-audit/internal/warehouse"
	"github.com/sells-group/congestion-audit/internal/zones"
)

// HotspotMinTrips is the default significance floor for hotspot ranking.
const HotspotMinTrips = 100

// LoadZoneTables (re)creates the engine-side membership tables from the
// static sets.
func LoadZoneTables(ctx context.Context, wh *warehouse.Warehouse) error {
	if err := wh.LoadIDs(ctx, zones.TollTable, zones.Toll.IDs()); err != nil {
		return err
	}
	return wh.LoadIDs(ctx, zones.BorderTable, zones.Border.IDs())
}

func entryWhere() string {
	return "pickup_time >= CAST(? AS TIMESTAMP) AND " + zones.EntrySQL("pickup_loc", "dropoff_loc")
}

func sqlDate(t time.Time) string { return t.Format(trip.DateLayout) }

// Compliance is the share of zone-entry trips since the toll start that
// carry a surcharge. An empty population reports zero trips and a zero rate.
type Compliance struct {
	Since            trip.Date `json:"since"`
	ZoneEntryTrips   int64     `json:"total_zone_entry_trips"`
	WithSurcharge    int64     `json:"trips_with_surcharge"`
	WithoutSurcharge int64     `json:"trips_without_surcharge"`
	RatePct          float64   `json:"compliance_rate"`
}

// ComplianceRate counts zone-entry trips picked up on or after since. Trips
// before since are excluded entirely.
func ComplianceRate(ctx context.Context, q Querier, since time.Time) (Compliance, error) {
	c := Compliance{Since: trip.NewDate(since)}
	err := q.QueryRowContext(ctx, `SELECT
	count(*),
	COALESCE(count_if(congestion_surcharge > 0), 0)
FROM `+CleanView+`
WHERE `+entryWhere(), sqlDate(since)).Scan(&c.ZoneEntryTrips, &c.WithSurcharge)
	if err != nil {
		return c, eris.Wrap(err, "pipeline: compliance")
	}
	c.WithoutSurcharge = c.ZoneEntryTrips - c.WithSurcharge
	if c.ZoneEntryTrips > 0 {
		c.RatePct = float64(c.WithSurcharge) * 100 / float64(c.ZoneEntryTrips)
	}
	return c, nil
}

// Hotspot is a pickup location whose zone-entry trips often lack a surcharge.
type Hotspot struct {
	PickupLoc        int     `json:"pickup_loc"`
	Zone             string  `json:"zone,omitempty"`
	TotalEntries     int64   `json:"total_entries"`
	MissingSurcharge int64   `json:"missing_surcharge"`
	MissingRatePct   float64 `json:"missing_rate"`
}

// MissingSurchargeHotspots ranks pickup locations by missing-surcharge rate.
// Locations with fewer than minTrips qualifying entries are left out of the
// ranking altogether. A NULL pickup groups under -1.
func MissingSurchargeHotspots(ctx context.Context, q Querier, since time.Time, topN, minTrips int) ([]Hotspot, error) {
	if minTrips <= 0 {
		minTrips = HotspotMinTrips
	}
	query := `SELECT
	COALESCE(pickup_loc, -1) AS loc,
	count(*) AS total_entries,
	count_if(congestion_surcharge <= 0) AS missing_surcharge,
	CAST(count_if(congestion_surcharge <= 0) AS DOUBLE) * 100 / count(*) AS missing_rate
FROM ` + CleanView + `
WHERE ` + entryWhere() + `
GROUP BY loc
HAVING count(*) >= ?
ORDER BY missing_rate DESC, loc`
	args := []any{sqlDate(since), minTrips}
	if topN > 0 {
		query += "\nLIMIT ?"
		args = append(args, topN)
	}
	return collect(ctx, q, func(rows *sql.Rows) (Hotspot, error) {
		var h Hotspot
		err := rows.Scan(&h.PickupLoc, &h.TotalEntries, &h.MissingSurcharge, &h.MissingRatePct)
		return h, err
	}, query, args...)
}

// QuarterVolume is the number of trips into the toll zone for one program in
// one calendar quarter.
type QuarterVolume struct {
	TaxiType  trip.Program `json:"taxi_type"`
	Year      int          `json:"year"`
	Quarter   int          `json:"quarter"`
	Label     string       `json:"label"`
	TripCount int64        `json:"trip_count"`
}

// QuarterlyVolumes counts dropoffs inside the toll zone during the same
// quarter of each year, split by program.
func QuarterlyVolumes(ctx context.Context, q Querier, quarter int, years ...int) ([]QuarterVolume, error) {
	if quarter < 1 || quarter > 4 {
		return nil, eris.Errorf("pipeline: quarter must be 1-4, got %d", quarter)
	}
	if len(years) == 0 {
		return []QuarterVolume{}, nil
	}
	placeholders := "?"
	args := []any{quarter, years[0]}
	for _, y := range years[1:] {
		placeholders += ", ?"
		args = append(args, y)
	}
	return collect(ctx, q, func(rows *sql.Rows) (QuarterVolume, error) {
		v := QuarterVolume{Quarter: quarter}
		var taxiType string
		if err := rows.Scan(&taxiType, &v.Year, &v.TripCount); err != nil {
			return v, err
		}
		v.TaxiType = trip.Program(taxiType)
		v.Label = fmt.Sprintf("Q%d_%d", quarter, v.Year)
		return v, nil
	}, `SELECT
	taxi_type,
	CAST(YEAR(pickup_time) AS INTEGER) AS yr,
	count(*) AS trip_count
FROM `+CleanView+`
WHERE `+zones.InSQL("dropoff_loc", zones.TollTable)+`
	AND quarter(pickup_time) = ?
	AND YEAR(pickup_time) IN (`+placeholders+`)
GROUP BY taxi_type, yr
ORDER BY taxi_type, yr`, args...)
}

// Revenue totals the positive surcharges collected in one year.
type Revenue struct {
	Year                int     `json:"year"`
	TotalSurcharge      float64 `json:"total_surcharge_revenue"`
	TripsWithSurcharge  int64   `json:"total_trips_with_surcharge"`
	AvgSurchargePerTrip float64 `json:"avg_surcharge"`
}

// SurchargeRevenue sums congestion surcharges above zero for year.
func SurchargeRevenue(ctx context.Context, q Querier, year int) (Revenue, error) {
	r := Revenue{Year: year}
	err := q.QueryRowContext(ctx, `SELECT
	COALESCE(SUM(congestion_surcharge), 0),
	count(*),
	COALESCE(AVG(congestion_surcharge), 0)
FROM `+CleanView+`
WHERE YEAR(pickup_time) = ? AND congestion_surcharge > 0`, year).
		Scan(&r.TotalSurcharge, &r.TripsWithSurcharge, &r.AvgSurchargePerTrip)
	return r, eris.Wrap(err, "pipeline: surcharge revenue")
}

// ZoneTripSummary aggregates clean trips since the toll start by their
// relation to the toll zone.
type ZoneTripSummary struct {
	Relation     zones.Relation `json:"trip_type"`
	TripCount    int64          `json:"trip_count"`
	AvgTotal     float64        `json:"avg_total"`
	AvgSurcharge float64        `json:"avg_surcharge"`
}

// ZoneSummary groups trips since the toll start by zone relation.
func ZoneSummary(ctx context.Context, q Querier, since time.Time) ([]ZoneTripSummary, error) {
	return collect(ctx, q, func(rows *sql.Rows) (ZoneTripSummary, error) {
		var z ZoneTripSummary
		var rel string
		err := rows.Scan(&rel, &z.TripCount, &z.AvgTotal, &z.AvgSurcharge)
		z.Relation = zones.Relation(rel)
		return z, err
	}, `SELECT
	`+zones.RelationSQL("pickup_loc", "dropoff_loc")+` AS relation,
	count(*) AS trip_count,
	COALESCE(AVG(total_amount), 0) AS avg_total,
	COALESCE(AVG(congestion_surcharge), 0) AS avg_surcharge
FROM `+CleanView+`
WHERE pickup_time >= CAST(? AS TIMESTAMP)
GROUP BY relation
ORDER BY relation`, sqlDate(since))
}

type zoneStage struct{}

func (zoneStage) Name() string       { return StageZone }
func (zoneStage) Requires() []string { return []string{CleanView} }
func (zoneStage) Produces() []string { return []string{zones.TollTable, zones.BorderTable} }

func (zoneStage) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.zone"))
	q := env.Warehouse.DB()
	audit := env.Cfg.Audit

	since, err := audit.TollStart()
	if err != nil {
		return nil, err
	}
	if err := LoadZoneTables(ctx, env.Warehouse); err != nil {
		return nil, err
	}

	compliance, err := ComplianceRate(ctx, q, since)
	if err != nil {
		return nil, err
	}
	if compliance.ZoneEntryTrips == 0 {
		log.Warn("zone: no zone-entry trips since toll start", zap.Time("since", since))
	}
	hotspots, err := MissingSurchargeHotspots(ctx, q, since, audit.TopHotspots, audit.HotspotMinTrips)
	if err != nil {
		return nil, err
	}
	lookup := env.lookup()
	for i := range hotspots {
		hotspots[i].Zone = lookup.Name(hotspots[i].PickupLoc)
	}
	volumes, err := QuarterlyVolumes(ctx, q, audit.Quarter, audit.ComparisonYear, audit.AnalysisYear)
	if err != nil {
		return nil, err
	}
	revenue, err := SurchargeRevenue(ctx, q, audit.AnalysisYear)
	if err != nil {
		return nil, err
	}
	summary, err := ZoneSummary(ctx, q, since)
	if err != nil {
		return nil, err
	}

	env.Report.Compliance = &compliance
	env.Report.Hotspots = hotspots
	env.Report.QuarterlyVolumes = volumes
	env.Report.Revenue = &revenue
	env.Report.ZoneSummary = summary

	log.Info("zone: metrics computed",
		zap.Float64("compliance_rate", compliance.RatePct),
		zap.Int("hotspots", len(hotspots)),
	)
	return &model.StageResult{Metadata: map[string]any{
		"zone_entry_trips": compliance.ZoneEntryTrips,
		"compliance_rate":  compliance.RatePct,
		"hotspots":         len(hotspots),
	}}, nil
}
