// SPDX-License-Identifier: MIT
package validate

import "slices"

// LogLevel is a validated zerolog level name.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// The accepted levels mirror what the logger honors at runtime; anything
// else would be silently ignored by a reload, so it fails validation up
// front instead.
var logLevels = []LogLevel{
	LogLevelTrace, LogLevelDebug, LogLevelInfo,
	LogLevelWarn, LogLevelError, LogLevelFatal,
}

// IsValid reports whether the level names a supported zerolog level.
func (l LogLevel) IsValid() bool {
	return slices.Contains(logLevels, l)
}

// String implements fmt.Stringer.
func (l LogLevel) String() string {
	return string(l)
}

// ParseLogLevel parses a string into a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	level := LogLevel(s)
	if !level.IsValid() {
		return "", ErrInvalidLogLevel
	}
	return level, nil
}

// ErrInvalidLogLevel rejects level names the runtime logger cannot apply.
var ErrInvalidLogLevel = &Error{
	Field:   "logLevel",
	Message: "invalid log level (must be: trace, debug, info, warn, error, fatal)",
}
