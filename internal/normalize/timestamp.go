package normalize

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// millisThreshold separates second-resolution epochs from millisecond ones.
// Values below it are seconds.
const millisThreshold = 1e12

// isoLayouts are tried in order once a value has the YYYY-MM-DD shape.
// Fractional seconds are accepted by time.Parse even when the layout does
// not name them. Values without a zone are taken as UTC.
var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseISO parses ISO 8601-like strings: 2024-01-15T10:30:45Z,
// 2024-01-15T10:30:45.123+01:00, 2024-01-15 10:30:45.123456-0800,
// 2024-01-15T10:30:45 (UTC) and bare dates.
func parseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if !hasDatePrefix(s) {
		return time.Time{}, false
	}
	if len(s) > 10 && (s[10] == ' ' || s[10] == 't') {
		s = s[:10] + "T" + s[11:]
	}
	if n := len(s); n > 0 && s[n-1] == 'z' {
		s = s[:n-1] + "Z"
	}
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// hasDatePrefix reports whether s starts with YYYY-MM-DD.
func hasDatePrefix(s string) bool {
	if len(s) < 10 {
		return false
	}
	return isDigit(s[0]) && isDigit(s[1]) && isDigit(s[2]) && isDigit(s[3]) &&
		s[4] == '-' && isDigit(s[5]) && isDigit(s[6]) &&
		s[7] == '-' && isDigit(s[8]) && isDigit(s[9])
}

// epochMillis converts a numeric epoch to milliseconds. Values below
// 10^12 are seconds, anything else is already milliseconds.
func epochMillis(n json.Number) (int64, bool) {
	if i, err := n.Int64(); err == nil {
		if i < -math.MaxInt64/1000 {
			return 0, false
		}
		if i < millisThreshold {
			return i * 1000, true
		}
		return i, true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return floatMillis(f)
}

func floatMillis(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f < millisThreshold {
		f *= 1000
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
