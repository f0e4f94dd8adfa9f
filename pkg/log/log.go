package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Components derive children from it
// with WithComponent when they are constructed, so Init must run first.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a configured log level name
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// ParseLevel accepts a level name in any case. An empty name is info.
func ParseLevel(name string) (Level, error) {
	if name == "" {
		return InfoLevel, nil
	}
	l := Level(strings.ToLower(name))
	if _, ok := levels[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", name)
	}
	return l, nil
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool

	// Output defaults to stderr; stdout belongs to command output
	Output io.Writer
}

// Init replaces the global logger
func Init(cfg Config) {
	level, ok := levels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInspectionID creates a child logger with inspection_id field
func WithInspectionID(inspectionID string) *zerolog.Logger {
	l := Logger.With().Str("inspection_id", inspectionID).Logger()
	return &l
}

// WithQueueID creates a child logger with queue_id field
func WithQueueID(id uint64) *zerolog.Logger {
	l := Logger.With().Uint64("queue_id", id).Logger()
	return &l
}
