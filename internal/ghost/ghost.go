// Package ghost flags physically implausible or fraudulent taxi trips with an
// ordered, first-match rule list.
package ghost

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/congestion-audit/internal/trip"
)

// Type is the ghost label assigned to a trip. None means the trip is clean.
type Type string

const (
	None              Type = ""
	ImpossiblePhysics Type = "impossible_physics"
	Teleporter        Type = "teleporter"
	StationaryRide    Type = "stationary_ride"
)

// Types lists every ghost label in rule priority order.
var Types = []Type{ImpossiblePhysics, Teleporter, StationaryRide}

// IsGhost reports whether the label diverts the trip to the ghost partition.
func (t Type) IsGhost() bool { return t != None }

// String returns the label, or "clean" for None.
func (t Type) String() string {
	if t == None {
		return "clean"
	}
	return string(t)
}

// ParseType converts a stored ghost_type value into a Type. Empty and
// "clean" map to None.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "clean":
		return None, nil
	case string(ImpossiblePhysics):
		return ImpossiblePhysics, nil
	case string(Teleporter):
		return Teleporter, nil
	case string(StationaryRide):
		return StationaryRide, nil
	default:
		return None, eris.Errorf("ghost: unknown ghost type %q", s)
	}
}

// Thresholds are the rule cut-offs. The defaults are the documented audit
// values and must not drift without a deliberate review.
type Thresholds struct {
	MaxSpeedMPH          float64 // impossible_physics: avg speed above this
	TeleporterMaxMinutes float64 // teleporter: duration below this ...
	TeleporterMinFare    float64 // ... and fare above this
}

// DefaultThresholds returns 65 mph, 1 minute, $20.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxSpeedMPH:          65,
		TeleporterMaxMinutes: 1,
		TeleporterMinFare:    20,
	}
}

// Rule is one guarded predicate of the decision list. Match and SQL express
// the same predicate for in-process and in-engine evaluation.
type Rule struct {
	Type  Type
	Match func(r trip.Record, d trip.Derived) bool
	SQL   string
}

// Rules returns the decision list in evaluation order. A record matching an
// earlier rule is never tested against later ones.
func Rules(th Thresholds) []Rule {
	return []Rule{
		{
			Type: ImpossiblePhysics,
			Match: func(_ trip.Record, d trip.Derived) bool {
				return d.AvgSpeedMPH > th.MaxSpeedMPH
			},
			SQL: "avg_speed_mph > " + num(th.MaxSpeedMPH),
		},
		{
			Type: Teleporter,
			Match: func(r trip.Record, d trip.Derived) bool {
				return d.DurationMin < th.TeleporterMaxMinutes && r.Fare > th.TeleporterMinFare
			},
			SQL: "trip_duration_min < " + num(th.TeleporterMaxMinutes) + " AND fare > " + num(th.TeleporterMinFare),
		},
		{
			Type: StationaryRide,
			Match: func(r trip.Record, _ trip.Derived) bool {
				return r.TripDistance == 0 && r.Fare > 0
			},
			SQL: "trip_distance = 0 AND fare > 0",
		},
	}
}

// Classify returns the first matching ghost label, or None.
func Classify(r trip.Record, th Thresholds) Type {
	d := trip.Derive(r)
	for _, rule := range Rules(th) {
		if rule.Match(r, d) {
			return rule.Type
		}
	}
	return None
}

// CaseSQL renders the decision list as a CASE expression over a relation that
// exposes trip_duration_min, avg_speed_mph, trip_distance and fare. Clean
// trips yield NULL.
func CaseSQL(th Thresholds) string {
	var b strings.Builder
	b.WriteString("CASE")
	for _, rule := range Rules(th) {
		b.WriteString("\n\t\tWHEN ")
		b.WriteString(rule.SQL)
		b.WriteString(" THEN '")
		b.WriteString(string(rule.Type))
		b.WriteString("'")
	}
	b.WriteString("\n\t\tELSE NULL\n\tEND")
	return b.String()
}

// DurationMinSQL is the trip duration in minutes, unclamped.
const DurationMinSQL = "CAST(EXTRACT(EPOCH FROM (dropoff_time - pickup_time)) AS DOUBLE) / 60.0"

// AvgSpeedSQL is miles per hour, 0 when the duration is not positive.
const AvgSpeedSQL = `CASE
		WHEN EXTRACT(EPOCH FROM (dropoff_time - pickup_time)) > 0
		THEN trip_distance / (CAST(EXTRACT(EPOCH FROM (dropoff_time - pickup_time)) AS DOUBLE) / 3600.0)
		ELSE 0
	END`

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
