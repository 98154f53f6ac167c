// Package weather relates daily precipitation to daily trip volume.
package weather

import (
	"math"
	"os"
	"slices"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/congestion-audit/internal/trip"
)

// ElasticSlope is the |trips per mm| slope above which demand is called
// elastic. It is a fixed heuristic, not a statistical test.
const ElasticSlope = 1000.0

// Day is one row of the daily precipitation file. Blank readings load as nil.
type Day struct {
	Date            trip.Date `csv:"date"`
	PrecipitationMM *float64  `csv:"precipitation_mm"`
	RainMM          *float64  `csv:"rain_mm,omitempty"`
}

// Precipitation returns the day's total, treating a blank reading as 0.
func (d Day) Precipitation() float64 {
	if d.PrecipitationMM == nil {
		return 0
	}
	return *d.PrecipitationMM
}

// Load reads a date,precipitation_mm[,rain_mm] CSV.
func Load(path string) ([]Day, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "weather: read %s", path)
	}
	var days []Day
	if err := csvutil.Unmarshal(data, &days); err != nil {
		return nil, eris.Wrapf(err, "weather: decode %s", path)
	}
	return days, nil
}

// DailyCount is the trip volume of one calendar day.
type DailyCount struct {
	Date      trip.Date
	TripCount int64
}

// Point is a day present in both the weather and the trip series.
type Point struct {
	Date            trip.Date `csv:"date" json:"date"`
	PrecipitationMM float64   `csv:"precipitation_mm" json:"precipitation_mm"`
	RainMM          float64   `csv:"rain_mm" json:"rain_mm"`
	TripCount       int64     `csv:"trip_count" json:"trip_count"`
}

// Join inner-joins weather and trip counts on calendar date, ordered by date.
func Join(days []Day, counts []DailyCount) []Point {
	byDate := make(map[string]int64, len(counts))
	for _, c := range counts {
		byDate[c.Date.String()] = c.TripCount
	}
	var out []Point
	for _, d := range days {
		n, ok := byDate[d.Date.String()]
		if !ok {
			continue
		}
		p := Point{Date: d.Date, PrecipitationMM: d.Precipitation(), TripCount: n}
		if d.RainMM != nil {
			p.RainMM = *d.RainMM
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Point) int { return a.Date.Compare(b.Date.Time) })
	return out
}

// Result is the precipitation-vs-trips regression. Significance is not
// computed.
type Result struct {
	Points         int     `json:"points"`
	Correlation    float64 `json:"correlation"`
	Slope          float64 `json:"slope"`
	Intercept      float64 `json:"intercept"`
	RSquared       float64 `json:"r_squared"`
	Interpretation string  `json:"interpretation"`
}

// Elasticity fits trip_count = intercept + slope*precipitation by ordinary
// least squares. It returns nil when there are fewer than two points or the
// precipitation series is constant.
func Elasticity(points []Point) *Result {
	n := float64(len(points))
	if len(points) < 2 {
		return nil
	}
	var mx, my float64
	for _, p := range points {
		mx += p.PrecipitationMM
		my += float64(p.TripCount)
	}
	mx /= n
	my /= n

	var sxx, syy, sxy float64
	for _, p := range points {
		dx := p.PrecipitationMM - mx
		dy := float64(p.TripCount) - my
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	if sxx == 0 {
		return nil
	}

	r := &Result{Points: len(points), Slope: sxy / sxx}
	r.Intercept = my - r.Slope*mx
	if syy > 0 {
		r.Correlation = sxy / math.Sqrt(sxx*syy)
		r.RSquared = r.Correlation * r.Correlation
	}
	r.Interpretation = "inelastic"
	if math.Abs(r.Slope) > ElasticSlope {
		r.Interpretation = "elastic"
	}
	return r
}

// WettestMonth returns the month with the greatest total precipitation.
// Ties go to the earlier month; ok is false when days is empty.
func WettestMonth(days []Day) (month int, totalMM float64, ok bool) {
	var totals [13]float64
	var seen [13]bool
	for _, d := range days {
		m := int(d.Date.Month())
		totals[m] += d.Precipitation()
		seen[m] = true
	}
	for m := 1; m <= 12; m++ {
		if seen[m] && (!ok || totals[m] > totalMM) {
			month, totalMM, ok = m, totals[m], true
		}
	}
	return month, totalMM, ok
}

// InMonth keeps the points that fall in month.
func InMonth(points []Point, month int) []Point {
	var out []Point
	for _, p := range points {
		if int(p.Date.Month()) == month {
			out = append(out, p)
		}
	}
	return out
}
