// Package logger wires a process-wide zerolog logger from LOG_LEVEL.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide structured logger. Init must run before use;
// until then it writes to stderr at zerolog's default global level (debug).
var Logger zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures Logger from LOG_LEVEL (trace|debug|info|warn|error|fatal|panic).
// Unknown or empty values default to info.
func Init() {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
