// Package logging wraps logrus with the handful of conventions every core
// package relies on: JSON-or-text formatting, a single output writer, and a
// WithFields helper that accepts plain maps.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps *logrus.Logger so call sites can depend on a concrete type
// instead of the logrus package directly.
type Logger struct {
	*logrus.Logger
}

// Config controls format/level/output selection.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// New builds a Logger from Config, defaulting to info/text/stdout.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns an info-level text logger. The component name is not
// attached to its entries: the field lives only on the *logrus.Entry that
// WithField returns, and the returned Logger wraps that entry's underlying
// *logrus.Logger, which carries no fields.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	return &Logger{Logger: l.WithField("component", component).Logger}
}

// WithFields returns a derived entry carrying the given fields.
func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(fields))
}

// WithError returns a derived entry carrying the given error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}
