package domain

import "time"

// Day is a UTC calendar day in "2006-01-02" form. Quota counters are keyed
// by (org, day); idempotency windows close at the end of the day.
type Day string

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format("2006-01-02"))
}

// Today returns the current UTC calendar day.
func Today() Day {
	return DayOf(time.Now())
}

// Month returns the "2006-01" month prefix of the day.
func (d Day) Month() string {
	if len(d) < 7 {
		return string(d)
	}
	return string(d[:7])
}

// Time returns midnight UTC of the day. Invalid days yield the zero time.
func (d Day) Time() time.Time {
	t, err := time.Parse("2006-01-02", string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// End returns the instant the day's business window closes (start of the
// next UTC day). Idempotency records expire at this point.
func (d Day) End() time.Time {
	return d.Time().AddDate(0, 0, 1)
}

// Valid reports whether the day parses as a calendar date.
func (d Day) Valid() bool {
	_, err := time.Parse("2006-01-02", string(d))
	return err == nil
}

func (d Day) String() string { return string(d) }
