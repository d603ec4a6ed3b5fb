package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Durations are kept as strings so the file and MEDREMIND_ env overrides
// carry them the same way. Accepted: Go durations ("90s", "4h"), whole days
// ("1d") and bare seconds ("15").
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	switch {
	case isDigits(s):
		d, err = scaled(s, time.Second)
	case strings.HasSuffix(s, "d") && isDigits(strings.TrimSuffix(s, "d")):
		d, err = scaled(strings.TrimSuffix(s, "d"), 24*time.Hour)
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (want e.g. 90s, 4h, 1d): %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func scaled(digits string, unit time.Duration) (time.Duration, error) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, strconv.ErrRange
	}
	return time.Duration(n) * unit, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseDurationOrDefault parses the duration at config path, falling back to
// def when it is unset or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
