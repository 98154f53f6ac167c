// Package zones holds the static TLC zone membership sets and classifies trips
// relative to the Manhattan congestion relief zone.
package zones

import (
	"slices"
)

// Set is an immutable, sorted set of TLC LocationIDs.
type Set struct {
	ids []int
}

// NewSet builds a frozen set from ids. Duplicates are collapsed.
func NewSet(ids ...int) Set {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return Set{ids: slices.Compact(sorted)}
}

// Contains reports membership via binary search.
func (s Set) Contains(id int) bool {
	_, ok := slices.BinarySearch(s.ids, id)
	return ok
}

// IDs returns a copy of the members in ascending order.
func (s Set) IDs() []int { return slices.Clone(s.ids) }

// Len returns the number of members.
func (s Set) Len() int { return len(s.ids) }

// Congestion relief zone: Manhattan south of 60th Street.
var Toll = NewSet(
	4,   // Alphabet City
	12,  // Battery Park
	13,  // Battery Park City
	43,  // Central Park
	45,  // Chinatown
	48,  // Clinton East
	50,  // Clinton West
	68,  // East Chelsea
	79,  // East Village
	87,  // Financial District North
	88,  // Financial District South
	90,  // Flatiron
	100, // Garment District
	107, // Gramercy
	113, // Greenwich Village North
	114, // Greenwich Village South
	125, // Hudson Sq
	137, // Kips Bay
	140, // Lenox Hill East
	141, // Lenox Hill West
	144, // Little Italy/NoLiTa
	148, // Lower East Side
	158, // Meatpacking/West Village West
	161, // Midtown Center
	162, // Midtown East
	163, // Midtown North
	164, // Midtown South
	170, // Murray Hill
	186, // Penn Station/Madison Sq West
	209, // Seaport
	211, // SoHo
	224, // Stuy Town/Peter Cooper Village
	229, // Sutton Place/Turtle Bay North
	230, // Times Sq/Theatre District
	231, // TriBeCa/Civic Center
	232, // Two Bridges/Seward Park
	233, // UN/Turtle Bay South
	234, // Union Sq
	246, // West Chelsea/Hudson Yards
	249, // West Village
	261, // World Trade Center
)

// Border zones sit immediately north of the toll boundary.
var Border = NewSet(
	142, // Lincoln Square East
	143, // Lincoln Square West
	151, // Manhattan Valley
	236, // Upper East Side North
	237, // Upper East Side South
	238, // Upper West Side North
	239, // Upper West Side South
	262, // Yorkville East
	263, // Yorkville West
)

// OtherManhattan is the rest of the borough: upper Manhattan plus the
// Governor's/Ellis/Liberty island zones.
var OtherManhattan = NewSet(
	24,  // Bloomingdale
	41,  // Central Harlem
	42,  // Central Harlem North
	74,  // East Harlem North
	75,  // East Harlem South
	116, // Hamilton Heights
	120, // Highbridge Park
	127, // Inwood
	128, // Inwood Hill Park
	152, // Manhattanville
	153, // Marble Hill
	166, // Morningside Heights
	194, // Randalls Island
	202, // Roosevelt Island
	243, // Washington Heights North
	244, // Washington Heights South
	103, // Governor's Island/Ellis Island/Liberty Island
	104, // Governor's Island/Ellis Island/Liberty Island
	105, // Governor's Island/Ellis Island/Liberty Island
)

// Region is the static membership class of a single zone id.
type Region string

const (
	RegionToll           Region = "toll"
	RegionBorder         Region = "border"
	RegionOtherManhattan Region = "other_manhattan"
	RegionOutside        Region = "outside"
)

// RegionOf returns the region of a zone id. Unknown ids are outside.
func RegionOf(id int) Region {
	switch {
	case Toll.Contains(id):
		return RegionToll
	case Border.Contains(id):
		return RegionBorder
	case OtherManhattan.Contains(id):
		return RegionOtherManhattan
	default:
		return RegionOutside
	}
}

// Relation describes a trip's path relative to the toll zone.
type Relation string

const (
	Entering Relation = "entering_zone"
	Exiting  Relation = "exiting_zone"
	Within   Relation = "within_zone"
	Outside  Relation = "outside_zone"
)

// Relations lists every relation in report order.
var Relations = []Relation{Entering, Exiting, Within, Outside}

// Classify returns the relation of a pickup/dropoff pair to the toll zone.
// Ids outside every known set count as outside the zone.
func Classify(pickup, dropoff int) Relation {
	puIn := Toll.Contains(pickup)
	doIn := Toll.Contains(dropoff)
	switch {
	case puIn && doIn:
		return Within
	case !puIn && doIn:
		return Entering
	case puIn && !doIn:
		return Exiting
	default:
		return Outside
	}
}

// IsEntry reports whether the trip enters the zone from outside it.
func IsEntry(pickup, dropoff int) bool {
	return Classify(pickup, dropoff) == Entering
}
