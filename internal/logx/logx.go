// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package logx configures structured logging for the copilot core.
//
// The core is a library embedded in a front end, so logs go to stderr and
// never to the conversation surface. Callers pick verbosity at startup.
package logx

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. Verbose enables debug-level console
// output with caller annotations; otherwise only info and above are kept.
func Init(verbose bool) {
	if verbose {
		log.Logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
		})).With().Timestamp().Caller().Logger().Level(zerolog.DebugLevel)
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Discard silences all logging. Used by tests.
func Discard() {
	log.Logger = zerolog.New(io.Discard)
}

// Debug starts a debug-level event.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info starts an info-level event.
func Info() *zerolog.Event {
	return log.Info()
}

// Warn starts a warn-level event.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error starts an error-level event.
func Error() *zerolog.Event {
	return log.Error()
}
