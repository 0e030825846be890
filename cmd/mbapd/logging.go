package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// newLogger returns a console logger on stderr.
func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().
		Logger()
}
