package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Blank is 0. key
// prefixes error messages.
func ParseDurationField(key, raw string) (time.Duration, error) {
	return parseDuration(key, raw, 0)
}

// ParseDurationOrDefault returns def for a blank value. An explicit "0s"
// stays 0, which several settings use to mean off.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(key, raw, def)
}

func parseDuration(key, raw string, blank time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return blank, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", key, raw)
	}
	return d, nil
}
