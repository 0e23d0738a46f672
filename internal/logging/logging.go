// Package logging builds the structured logger shared by every component.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New creates a [log.Logger] writing to w with timestamps enabled.
//
// The writer defaults to [os.Stderr]. An unknown level falls back to info.
func New(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{ReportTimestamp: true})
	l.SetLevel(ParseLevel(level))
	return l
}

// ParseLevel converts a level name such as "debug" or "warn" to a [log.Level].
func ParseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
