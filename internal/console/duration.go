package console

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDuration parses "30m", "2h", "7d", "1w" or Go durations like "1h30m".
// "perm" and "permanent" return 0.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "perm", "permanent", "forever":
		return 0, nil
	}
	if unit, ok := durationUnits[s[len(s)-1]]; ok {
		if n, err := strconv.ParseInt(s[:len(s)-1], 10, 64); err == nil {
			if n <= 0 {
				return 0, fmt.Errorf("duration %q must be positive", s)
			}
			return time.Duration(n) * unit, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// FormatDuration renders d with the largest whole units, e.g. "7d", "2h30m".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "permanent"
	}
	d = d.Round(time.Second)
	var b strings.Builder
	for _, u := range []struct {
		suffix string
		size   time.Duration
	}{
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	} {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.size
		}
	}
	return b.String()
}
