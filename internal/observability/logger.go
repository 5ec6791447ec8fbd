package observability

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Debug mode forces the debug level.
func NewLogger(level string, debug bool, service string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	if debug {
		parsed = zerolog.DebugLevel
	}

	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Str("service", service).Logger()
}
