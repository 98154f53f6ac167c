// Package trip defines the canonical taxi trip record shared by every audit stage.
package trip

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Program identifies the TLC reporting program a raw file came from.
type Program string

const (
	Yellow Program = "yellow" // fleet-A, tpep_ timestamp prefix
	Green  Program = "green"  // fleet-B, lpep_ timestamp prefix
)

// Programs lists every supported reporting program in a stable order.
var Programs = []Program{Yellow, Green}

// String returns the program tag written into the taxi_type column.
func (p Program) String() string { return string(p) }

// ParseProgram converts "yellow"/"green" into a Program.
func ParseProgram(s string) (Program, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yellow":
		return Yellow, nil
	case "green":
		return Green, nil
	default:
		return "", eris.Errorf("trip: unknown program %q (valid: yellow, green)", s)
	}
}

// ProgramFromFilename infers the program from a TLC file name such as
// yellow_tripdata_2025-01.parquet.
func ProgramFromFilename(path string) (Program, error) {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasPrefix(base, "yellow"):
		return Yellow, nil
	case strings.HasPrefix(base, "green"):
		return Green, nil
	default:
		return "", eris.Errorf("trip: cannot infer program from %q", filepath.Base(path))
	}
}

// Record is the canonical post-unification trip shape.
type Record struct {
	PickupTime          time.Time `json:"pickup_time"`
	DropoffTime         time.Time `json:"dropoff_time"`
	PickupLoc           int       `json:"pickup_loc"`
	DropoffLoc          int       `json:"dropoff_loc"`
	TripDistance        float64   `json:"trip_distance"`
	Fare                float64   `json:"fare"`
	TotalAmount         float64   `json:"total_amount"`
	CongestionSurcharge float64   `json:"congestion_surcharge"`
	TipAmount           float64   `json:"tip_amount"`
	TaxiType            Program   `json:"taxi_type"`
	VendorID            int       `json:"vendor_id"`
}

// Derived holds the per-record fields computed before ghost classification.
type Derived struct {
	DurationMin float64 `json:"trip_duration_min"`
	AvgSpeedMPH float64 `json:"avg_speed_mph"`
}

// Derive computes trip duration (unclamped, may be negative) and average
// speed. Speed is 0 when the duration is not positive.
func Derive(r Record) Derived {
	secs := r.DropoffTime.Sub(r.PickupTime).Seconds()
	d := Derived{DurationMin: secs / 60.0}
	if secs > 0 {
		d.AvgSpeedMPH = r.TripDistance / (secs / 3600.0)
	}
	return d
}

// TipPct returns tip as a percentage of fare, 0 when fare is 0.
func TipPct(tip, fare float64) float64 {
	if fare > 0 {
		return tip / fare * 100
	}
	return 0
}
