package zones

import (
	"os"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
)

// Info is one row of the TLC taxi_zone_lookup.csv table. It is used for
// display enrichment only; classification never consults names.
type Info struct {
	LocationID  int    `csv:"LocationID" json:"location_id"`
	Borough     string `csv:"Borough" json:"borough"`
	Zone        string `csv:"Zone" json:"zone"`
	ServiceZone string `csv:"service_zone" json:"service_zone"`
}

// Lookup maps LocationID to its display metadata.
type Lookup map[int]Info

// LoadLookup reads a taxi_zone_lookup.csv file.
func LoadLookup(path string) (Lookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: read lookup %s", path)
	}
	return ParseLookup(data)
}

// ParseLookup decodes taxi_zone_lookup.csv content.
func ParseLookup(data []byte) (Lookup, error) {
	var rows []Info
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrap(err, "zones: decode lookup")
	}
	out := make(Lookup, len(rows))
	for _, r := range rows {
		out[r.LocationID] = r
	}
	return out, nil
}

// Name returns the zone name for id, or "" when unknown.
func (l Lookup) Name(id int) string {
	return l[id].Zone
}

// Point is an approximate WGS84 zone centroid for map placement.
type Point struct {
	Lat float64
	Lon float64
}

// DefaultPoint is used for zones without a known centroid.
var DefaultPoint = Point{Lat: 40.77, Lon: -73.97}

var borderCentroids = map[int]Point{
	142: {40.7736, -73.9830},
	143: {40.7725, -73.9870},
	151: {40.7968, -73.9664},
	236: {40.7804, -73.9530},
	237: {40.7689, -73.9595},
	238: {40.7915, -73.9744},
	239: {40.7800, -73.9795},
	262: {40.7767, -73.9530},
	263: {40.7756, -73.9595},
}

// Coordinates returns the centroid of a border zone, or DefaultPoint.
func Coordinates(id int) Point {
	if p, ok := borderCentroids[id]; ok {
		return p
	}
	return DefaultPoint
}
