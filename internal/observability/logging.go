package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates the component's structured JSON logger, writing to
// stdout. The level comes from TRANCHE_LOG_LEVEL and defaults to info;
// an unrecognized value falls back to info rather than failing startup.
func NewLogger(component string) zerolog.Logger {
	level := zerolog.InfoLevel
	if s := os.Getenv("TRANCHE_LOG_LEVEL"); s != "" {
		if parsed, err := zerolog.ParseLevel(s); err == nil {
			level = parsed
		}
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func init() {
	// Timestamps in RFC3339 with microsecond precision, matching the
	// engine's checkpoint timestamps.
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
