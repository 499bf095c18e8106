// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// lookup returns the variable's value and whether it is set to something
// non-empty. Empty counts as unset so `WAHUB_X=` in a compose file behaves
// like an absent line.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

// warnInvalid flags a malformed override. The daemon still starts on the
// default, so a typo in one variable cannot block a rollout.
func warnInvalid(key, raw, kind string) {
	logger := log.WithComponent("config")
	logger.Warn().
		Str("key", key).
		Str("value", raw).
		Str("expected", kind).
		Msg("invalid environment override, using default")
}

// ParseString reads a string override. Sensitive values never reach the
// log; everything else is traced at debug so a support bundle shows where
// each setting came from.
func ParseString(key, defaultValue string) string {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	logger := log.WithComponent("config")
	if sensitiveKey(key) {
		logger.Debug().Str("key", key).Bool("sensitive", true).Msg("using environment override")
	} else {
		logger.Debug().Str("key", key).Str("value", value).Msg("using environment override")
	}
	return value
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "token") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "password")
}

// ParseInt reads an integer override, falling back to the default on parse
// errors.
func ParseInt(key string, defaultValue int) int {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		warnInvalid(key, v, "integer")
		return defaultValue
	}
	return i
}

// ParseDuration reads an override in Go duration syntax ("90s", "5m").
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		warnInvalid(key, v, "duration")
		return defaultValue
	}
	return d
}

// ParseBool reads a boolean override. Accepted spellings: true/false, 1/0,
// yes/no, case-insensitive.
func ParseBool(key string, defaultValue bool) bool {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	warnInvalid(key, v, "boolean")
	return defaultValue
}

// ParseFloat reads a float64 override.
func ParseFloat(key string, defaultValue float64) float64 {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnInvalid(key, v, "float")
		return defaultValue
	}
	return f
}

// ParseStringSlice reads a comma-separated list. Entries are trimmed and
// empty ones dropped; a variable with no usable entries yields the default.
func ParseStringSlice(key string, defaultValue []string) []string {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
