// Package util holds small helpers shared by the FlowPipe binary and its packages.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// FirstEnv returns the first non-empty value among keys, so a deprecated
// variable can back a newer one (DATABASE_URL behind DATABASE_DSN).
func FirstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// ParseBoolEnv reads a boolean flag variable. true/1/yes/on and false/0/no/off are
// recognised in any case; anything else, or an unset variable, yields def.
func ParseBoolEnv(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("util.ParseBoolEnv: unrecognised boolean, using default", "key", key, "value", raw, "default", def)
	return def
}
