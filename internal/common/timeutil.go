package common

import (
	"time"
)

// Stored datetimes are timezone-aware UTC. A naive value on write is treated
// as UTC (not local time); non-UTC offsets are normalized on read.

// ToUTC coerces t to UTC. The zero time passes through unchanged.
func ToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// ToUTCPtr coerces an optional timestamp to UTC
func ToUTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// NowUTC returns the current instant in UTC
func NowUTC() time.Time {
	return time.Now().UTC()
}

// FormatISO8601 renders t as an ISO-8601 string with explicit UTC offset
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseISO8601 parses an ISO-8601 string. Values without an offset are
// interpreted as UTC; values with an offset are normalized to UTC.
func ParseISO8601(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	// Naive datetime without offset is treated as UTC
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
