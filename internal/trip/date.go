package trip

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the calendar-date layout used in every CSV the audit reads or writes.
const DateLayout = "2006-01-02"

// Date is a calendar day that round-trips through CSV and JSON as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day in UTC.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// String formats the day as YYYY-MM-DD.
func (d Date) String() string { return d.Format(DateLayout) }

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.Format(DateLayout)), nil
}

// MarshalJSON overrides the embedded time.Time encoding.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(DateLayout) + `"`), nil
}

// UnmarshalJSON overrides the embedded time.Time decoding.
func (d *Date) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return eris.Errorf("trip: date must be a JSON string, got %s", string(b))
	}
	return d.UnmarshalText(b[1 : len(b)-1])
}

// UnmarshalText accepts YYYY-MM-DD, optionally followed by a time component.
func (d *Date) UnmarshalText(b []byte) error {
	s := string(b)
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return eris.Wrapf(err, "trip: parse date %q", string(b))
	}
	d.Time = t
	return nil
}
