package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseCadence resolves a cadence string to an interval. It accepts Go
// durations, "@every <duration>" and the @hourly, @daily and @weekly
// descriptors.
func ParseCadence(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0, fmt.Errorf("empty cadence")
	case "@hourly":
		return time.Hour, nil
	case "@daily", "@midnight":
		return 24 * time.Hour, nil
	case "@weekly":
		return 7 * 24 * time.Hour, nil
	}

	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		s = strings.TrimSpace(rest)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cadence %q: %w", s, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("cadence %q is shorter than one second", s)
	}
	return d, nil
}
