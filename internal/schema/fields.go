// Package schema maps each TLC program's raw Parquet columns onto the
// canonical trip record and publishes the unified_trips view.
package schema

import (
	"fmt"
	"strings"

	"github.com/sells-group/congestion-audit/internal/trip"
	"github.com/sells-group/congestion-audit/internal/warehouse"
)

// Kind is the canonical SQL type a field is cast to.
type Kind int

const (
	KindTimestamp Kind = iota
	KindInteger
	KindDouble
)

func (k Kind) sqlType() string {
	switch k {
	case KindTimestamp:
		return "TIMESTAMP"
	case KindInteger:
		return "INTEGER"
	default:
		return "DOUBLE"
	}
}

// Field maps one raw column to its canonical name.
type Field struct {
	Raw       string
	Canonical string
	Kind      Kind
	Required  bool
}

// FieldMap is the ordered column mapping for one program. Order matches the
// canonical record so per-source SELECTs line up under UNION ALL.
type FieldMap []Field

// Canonical column names, in unified_trips order.
const (
	ColPickupTime          = "pickup_time"
	ColDropoffTime         = "dropoff_time"
	ColPickupLoc           = "pickup_loc"
	ColDropoffLoc          = "dropoff_loc"
	ColTripDistance        = "trip_distance"
	ColFare                = "fare"
	ColTotalAmount         = "total_amount"
	ColCongestionSurcharge = "congestion_surcharge"
	ColTipAmount           = "tip_amount"
	ColTaxiType            = "taxi_type"
	ColVendorID            = "vendor_id"
)

// UnifiedView is the relation Unify publishes.
const UnifiedView = "unified_trips"

func fieldMap(prefix string) FieldMap {
	return FieldMap{
		{Raw: prefix + "_pickup_datetime", Canonical: ColPickupTime, Kind: KindTimestamp, Required: true},
		{Raw: prefix + "_dropoff_datetime", Canonical: ColDropoffTime, Kind: KindTimestamp, Required: true},
		{Raw: "PULocationID", Canonical: ColPickupLoc, Kind: KindInteger, Required: true},
		{Raw: "DOLocationID", Canonical: ColDropoffLoc, Kind: KindInteger, Required: true},
		{Raw: "trip_distance", Canonical: ColTripDistance, Kind: KindDouble, Required: true},
		{Raw: "fare_amount", Canonical: ColFare, Kind: KindDouble, Required: true},
		{Raw: "total_amount", Canonical: ColTotalAmount, Kind: KindDouble, Required: true},
		{Raw: "congestion_surcharge", Canonical: ColCongestionSurcharge, Kind: KindDouble},
		{Raw: "tip_amount", Canonical: ColTipAmount, Kind: KindDouble},
		{Raw: "VendorID", Canonical: ColVendorID, Kind: KindInteger, Required: true},
	}
}

var fieldMaps = map[trip.Program]FieldMap{
	trip.Yellow: fieldMap("tpep"),
	trip.Green:  fieldMap("lpep"),
}

// FieldMapFor returns the column mapping for a program.
func FieldMapFor(p trip.Program) (FieldMap, bool) {
	fm, ok := fieldMaps[p]
	return fm, ok
}

// Plan is a validated source plus the raw column found for each canonical
// field. Optional fields absent from the file have no entry.
type Plan struct {
	Source  Source
	Columns map[string]string
}

// SelectSQL renders the per-source SELECT that projects raw columns onto the
// canonical record. Optional monetary fields default to 0 when absent or null.
func SelectSQL(p Plan) string {
	fm := fieldMaps[p.Source.Program]
	exprs := make([]string, 0, len(fm)+1)
	for _, f := range fm {
		if f.Canonical == ColVendorID {
			exprs = append(exprs, fmt.Sprintf("%s AS %s", warehouse.Quote(string(p.Source.Program)), ColTaxiType))
		}
		raw, ok := p.Columns[f.Canonical]
		var expr string
		switch {
		case !ok:
			expr = "CAST(0 AS DOUBLE)"
		case f.Required:
			expr = fmt.Sprintf("CAST(%s AS %s)", warehouse.Ident(raw), f.Kind.sqlType())
		default:
			expr = fmt.Sprintf("CAST(COALESCE(%s, 0) AS %s)", warehouse.Ident(raw), f.Kind.sqlType())
		}
		exprs = append(exprs, fmt.Sprintf("%s AS %s", expr, f.Canonical))
	}
	return fmt.Sprintf("SELECT\n\t%s\nFROM %s", strings.Join(exprs, ",\n\t"), warehouse.ReadParquet(p.Source.Path))
}
