package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// -- Utilities --

func resolveDBPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("LIX_DB_PATH"); env != "" {
		return env
	}
	return "./remarks.db"
}

// newLogger returns a console logger on w at debug level, or a disabled
// logger.
func newLogger(w io.Writer, debug bool) zerolog.Logger {
	if !debug {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}
