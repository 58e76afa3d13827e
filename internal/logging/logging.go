// Package logging wires the core's structured logging onto zerolog, the
// same library the transaction-layer collaborator (sipgo) uses, so call
// lifecycle logs interleave cleanly with its connection/transaction logs.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a logger writing to out (stdout when out is nil) at the given
// level. levelStr accepts debug/info/warn/error, case-insensitive, and falls
// back to info on anything else.
func New(out io.Writer, levelStr string) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(out).Level(ParseLevel(levelStr)).With().Timestamp().Logger()
}

// ParseLevel maps a human log level string to a zerolog.Level.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// CallLogger returns a child logger scoped to one Call-ID, the way each
// component tags its lifecycle logs.
func CallLogger(base zerolog.Logger, callID string) zerolog.Logger {
	return base.With().Str("call_id", callID).Logger()
}
