// Package logging wraps zerolog behind the small set of helpers every
// ArchEngine subsystem uses, so the engine never calls fmt.Println or
// log.Printf for an operational event.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the type every subsystem embeds for its component logger.
type Logger = zerolog.Logger

// base is the package-level default, overridden by Init.
var base zerolog.Logger

// Level is the subset of zerolog levels the engine's Config exposes.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re)configures the package-level logger. Connection.Open calls
// this on every open with its log_level option, and the archengine CLI
// calls it at startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with the emitting subsystem,
// e.g. logging.Component("cache") or logging.Component("block").
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithTree tags a child logger with the owning tree's name, for log
// lines that span multiple trees sharing one connection.
func WithTree(l zerolog.Logger, tree string) zerolog.Logger {
	return l.With().Str("tree", tree).Logger()
}

// WithSession tags a child logger with a session id.
func WithSession(l zerolog.Logger, sessionID string) zerolog.Logger {
	return l.With().Str("session_id", sessionID).Logger()
}
