package model

import "time"

// DateLayout is the wire and query format for valid-time dates.
const DateLayout = "2006-01-02"

// Date truncates t to its calendar day at midnight UTC. Valid time is tracked
// at day granularity.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a valid-time date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}

	return Date(t), nil
}

// MustDate is ParseDate for literals known to be well formed.
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}

	return t
}

// DatePtr returns a pointer to the day of t.
func DatePtr(t time.Time) *time.Time {
	d := Date(t)
	return &d
}
