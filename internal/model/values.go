package model

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// intervalPattern matches Postgres interval output in the default
// "postgres" IntervalStyle, e.g. "00:00:01.5" or "2 days 03:04:05".
var intervalPattern = regexp.MustCompile(
	`^(?:(-?\d+) days? ?)?(-)?(\d+):(\d{2}):(\d{2}(?:\.\d+)?)$`,
)

// ToFloat converts a column value into a sample value. Intervals and
// durations become seconds, timestamps become unix seconds. It reports
// false for NULL and for values with no numeric reading.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case time.Duration:
		return n.Seconds(), true
	case time.Time:
		if n.IsZero() {
			return 0, false
		}
		return float64(n.Unix()) + float64(n.Nanosecond())/1e9, true
	case string:
		return parseNumeric(n)
	case []byte:
		return parseNumeric(string(n))
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return parseInterval(s)
}

func parseInterval(s string) (float64, bool) {
	m := intervalPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	var days float64
	if m[1] != "" {
		d, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		days = d
	}
	hours, _ := strconv.ParseFloat(m[3], 64)
	minutes, _ := strconv.ParseFloat(m[4], 64)
	seconds, err := strconv.ParseFloat(m[5], 64)
	if err != nil {
		return 0, false
	}
	clock := hours*3600 + minutes*60 + seconds
	if m[2] == "-" {
		clock = -clock
	}
	return days*86400 + clock, true
}
