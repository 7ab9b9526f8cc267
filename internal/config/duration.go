package config

import (
	"fmt"
	"strings"
	"time"
)

// Config durations are Go duration strings ("90s", "1h"). An empty string
// means unset.

func parseDuration(path, raw string) (d time.Duration, set bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	if d, err = time.ParseDuration(s); err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, true, nil
}

// ParseDurationField parses a non-negative duration; unset is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	return d, err
}

// DurationOr returns def when raw is unset or zero.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	switch {
	case err != nil:
		return 0, err
	case !set || d == 0:
		return def, nil
	}
	return d, nil
}

// DurationAtLeast is DurationOr that rejects results below floor.
func DurationAtLeast(path, raw string, def, floor time.Duration) (time.Duration, error) {
	d, err := DurationOr(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d < floor {
		return 0, fmt.Errorf("%s must be >= %s (got %s)", path, floor, d)
	}
	return d, nil
}
