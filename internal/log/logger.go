package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelasham/wa-hub-sub000/internal/version"
)

// Config holds the knobs for the global logger. Zero values fall back to
// the WAHUB_LOG_* environment variables and then to built-in defaults.
type Config struct {
	Level   string    // log level name ("debug", "info", ...)
	Output  io.Writer // destination, defaults to os.Stdout
	Service string    // service name stamped on every entry
}

var (
	once sync.Once
	base zerolog.Logger

	levelMu sync.Mutex
)

// Configure initialises the global zerolog logger exactly once. Later
// calls are no-ops; runtime level changes go through SetLevel.
func Configure(cfg Config) {
	once.Do(func() {
		zerolog.SetGlobalLevel(resolveLevel(cfg.Level))
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}

		service := cfg.Service
		if service == "" {
			service = os.Getenv("WAHUB_LOG_SERVICE")
		}
		if service == "" {
			service = "wa-hub"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Str("version", version.Version).
			Logger()
	})
}

// resolveLevel picks the initial level: explicit config beats the
// environment, and anything unparsable lands on info.
func resolveLevel(explicit string) zerolog.Level {
	for _, candidate := range []string{explicit, os.Getenv("WAHUB_LOG_LEVEL")} {
		if candidate == "" {
			continue
		}
		if parsed, err := zerolog.ParseLevel(candidate); err == nil {
			return parsed
		}
	}
	return zerolog.InfoLevel
}

// SetLevel adjusts the global level at runtime. Used by config reload;
// unknown level strings are ignored.
func SetLevel(level string) {
	levelMu.Lock()
	defer levelMu.Unlock()
	if parsed, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(parsed)
	}
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the shared root logger.
func Base() zerolog.Logger {
	return logger()
}

// L returns the base logger. Shorthand for call sites that attach their
// own fields inline.
func L() zerolog.Logger {
	return logger()
}

// WithComponent stamps a child logger with the subsystem it speaks for.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str(FieldComponent, component).Logger()
}

// Derive builds a child logger with caller-chosen fields. The builder
// receives the field chain and must return it.
func Derive(build func(zerolog.Context) zerolog.Context) zerolog.Logger {
	ctx := logger().With()
	if build != nil {
		ctx = build(ctx)
	}
	return ctx.Logger()
}

func init() {
	Configure(Config{})
}
