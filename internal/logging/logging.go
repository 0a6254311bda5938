// Package logging configures the process-wide structured logger.
//
// Mirrors the teacher's internal/observability package: a single
// package-level zerolog.Logger, JSON output by default, pretty console
// output only when running interactively outside CI, and small helpers
// that stamp request-scoped fields (session, request id) the way the
// teacher stamps trace ids onto every log line.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("TD_LOG_LEVEL"))); err == nil {
		level = lvl
	}

	var w zerolog.Logger
	if os.Getenv("CI") == "" && isTTY(os.Stderr) {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	} else {
		w = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	base = w.Level(level)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// Logger returns the process-wide logger.
func Logger() zerolog.Logger { return base }

// WithSession returns a logger with the session id attached to every
// subsequent entry, mirroring the teacher's LoggerWithTrace helper.
func WithSession(sessionID string) zerolog.Logger {
	return base.With().Str("session", sessionID).Logger()
}

// WithRequestID returns a logger with a sandbox/reasoning request id attached.
func WithRequestID(l zerolog.Logger, requestID string) zerolog.Logger {
	return l.With().Str("request_id", requestID).Logger()
}
