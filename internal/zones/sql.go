package zones

import "fmt"

// Engine-side membership tables, loaded once per run from the static sets.
const (
	TollTable   = "toll_zones"
	BorderTable = "border_zones"
)

// InSQL renders "<col> is a member of table". NULL locations are never members,
// so they fall on the outside branch like any unknown id.
func InSQL(col, table string) string {
	return fmt.Sprintf("COALESCE(%s, -1) IN (SELECT zone_id FROM %s)", col, table)
}

// NotInSQL is the complement of InSQL, with NULL counted as outside.
func NotInSQL(col, table string) string {
	return fmt.Sprintf("COALESCE(%s, -1) NOT IN (SELECT zone_id FROM %s)", col, table)
}

// EntrySQL selects zone-entry trips: pickup outside the toll zone, dropoff inside.
func EntrySQL(pickupCol, dropoffCol string) string {
	return NotInSQL(pickupCol, TollTable) + " AND " + InSQL(dropoffCol, TollTable)
}

// WithinSQL selects trips that start and end inside the toll zone.
func WithinSQL(pickupCol, dropoffCol string) string {
	return InSQL(pickupCol, TollTable) + " AND " + InSQL(dropoffCol, TollTable)
}

// RelationSQL renders a CASE expression yielding the Relation label, matching Classify.
func RelationSQL(pickupCol, dropoffCol string) string {
	puIn := InSQL(pickupCol, TollTable)
	doIn := InSQL(dropoffCol, TollTable)
	return fmt.Sprintf(`CASE
		WHEN %[1]s AND %[2]s THEN '%[3]s'
		WHEN NOT (%[1]s) AND %[2]s THEN '%[4]s'
		WHEN %[1]s AND NOT (%[2]s) THEN '%[5]s'
		ELSE '%[6]s'
	END`, puIn, doIn, Within, Entering, Exiting, Outside)
}
