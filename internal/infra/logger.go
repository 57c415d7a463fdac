package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger constructs a zerolog.Logger for the named binary. Development
// builds log at debug level through the console writer; everything else emits
// JSON lines at info level.
func NewLogger(appEnv, component string) zerolog.Logger {
	return newLogger(os.Stdout, appEnv, component)
}

func newLogger(out io.Writer, appEnv, component string) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).
		Level(level).
		With().
		Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	return ctx.Logger()
}

// NopLogger returns a logger that discards everything; tests and optional
// dependencies use it as a default.
func NopLogger() *Logger {
	l := zerolog.Nop()
	return &l
}

// Logger aliases the zerolog.Logger so callers outside the infra package can
// depend on the logging contract without importing the third-party module
// directly.
type Logger = zerolog.Logger
