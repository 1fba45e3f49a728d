// Package timestamp converts the time values found in broker messages to
// Unix milliseconds. Discovery repositories send epoch seconds, epoch
// milliseconds or RFC3339 strings; zero means unset.
package timestamp

import (
	"strconv"
	"time"
)

// secondsLimit separates epoch seconds from epoch milliseconds. 1e12 ms is
// September 2001, 1e12 s lies far in the future.
const secondsLimit = 1e12

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders ms as RFC3339 in UTC, or "" when unset.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts numbers (seconds or milliseconds), numeric strings,
// RFC3339 strings and time values to Unix milliseconds. Anything else
// yields 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case int64:
		if v > secondsLimit {
			return v
		}
		return v * 1000
	case int:
		return Parse(int64(v))
	case int32:
		return Parse(int64(v))
	case float64:
		if v > secondsLimit {
			return int64(v)
		}
		return int64(v * 1000)
	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ToUnixMs(t)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Parse(n)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return Parse(f)
		}
		return 0
	case time.Time:
		return ToUnixMs(v)
	case *time.Time:
		if v == nil {
			return 0
		}
		return ToUnixMs(*v)
	default:
		return 0
	}
}
