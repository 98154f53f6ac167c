// Package impute synthesizes a missing month from the same calendar month of
// the two preceding years as a fixed-weight blend of hour-by-weekday buckets.
package impute

import (
	"cmp"
	"slices"

	"github.com/rotisserie/eris"
)

// Weights are the blend factors for the older and the more recent year.
type Weights struct {
	Prior  float64
	Recent float64
}

// DefaultWeights is the 30/70 heuristic that favours the most recent year.
func DefaultWeights() Weights {
	return Weights{Prior: 0.3, Recent: 0.7}
}

// Validate rejects negative weights and weights not summing to 1.
func (w Weights) Validate() error {
	sum := w.Prior + w.Recent
	if w.Prior < 0 || w.Recent < 0 || sum < 0.999 || sum > 1.001 {
		return eris.Errorf("impute: weights must be non-negative and sum to 1, got %.3f + %.3f", w.Prior, w.Recent)
	}
	return nil
}

// Bucket is the observed volume and averages for one (hour, weekday) cell of a
// month. DOW is 0 for Sunday.
type Bucket struct {
	Hour     int     `csv:"hour" json:"hour"`
	DOW      int     `csv:"day_of_week" json:"day_of_week"`
	Count    int64   `csv:"trip_count" json:"trip_count"`
	AvgFare  float64 `csv:"avg_fare" json:"avg_fare"`
	AvgTotal float64 `csv:"avg_total" json:"avg_total"`
}

// Estimate is one blended (hour, weekday) cell of the synthesized month.
type Estimate struct {
	Hour         int     `csv:"hour" json:"hour"`
	DOW          int     `csv:"day_of_week" json:"day_of_week"`
	PriorCount   int64   `csv:"prior_count" json:"prior_count"`
	RecentCount  int64   `csv:"recent_count" json:"recent_count"`
	ImputedCount float64 `csv:"imputed_count" json:"imputed_count"`
	ImputedFare  float64 `csv:"imputed_fare" json:"imputed_fare"`
	ImputedTotal float64 `csv:"imputed_total" json:"imputed_total"`
}

type key struct{ hour, dow int }

// Blend full-outer-joins the two inputs on (hour, weekday) and combines each
// value as prior*w.Prior + recent*w.Recent. A side missing a bucket
// contributes 0, which biases sparse cells downward. Output is ordered by
// weekday then hour.
func Blend(prior, recent []Bucket, w Weights) []Estimate {
	cells := make(map[key]*[2]*Bucket)
	cell := func(b *Bucket) *[2]*Bucket {
		k := key{b.Hour, b.DOW}
		c, ok := cells[k]
		if !ok {
			c = &[2]*Bucket{}
			cells[k] = c
		}
		return c
	}
	for i := range prior {
		cell(&prior[i])[0] = &prior[i]
	}
	for i := range recent {
		cell(&recent[i])[1] = &recent[i]
	}

	out := make([]Estimate, 0, len(cells))
	for k, c := range cells {
		var p, r Bucket
		if c[0] != nil {
			p = *c[0]
		}
		if c[1] != nil {
			r = *c[1]
		}
		out = append(out, Estimate{
			Hour:         k.hour,
			DOW:          k.dow,
			PriorCount:   p.Count,
			RecentCount:  r.Count,
			ImputedCount: float64(p.Count)*w.Prior + float64(r.Count)*w.Recent,
			ImputedFare:  p.AvgFare*w.Prior + r.AvgFare*w.Recent,
			ImputedTotal: p.AvgTotal*w.Prior + r.AvgTotal*w.Recent,
		})
	}
	slices.SortFunc(out, func(a, b Estimate) int {
		if c := cmp.Compare(a.DOW, b.DOW); c != 0 {
			return c
		}
		return cmp.Compare(a.Hour, b.Hour)
	})
	return out
}

// TotalTrips sums the imputed counts of a blended month.
func TotalTrips(est []Estimate) float64 {
	var n float64
	for _, e := range est {
		n += e.ImputedCount
	}
	return n
}
