package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger used across the module.
type Logger = *logrus.Logger

// Fields represents structured logging fields.
type Fields = logrus.Fields

// New creates a JSON logger at the given level ("debug", "info", "warn", "error").
// Unknown or empty levels fall back to info.
func New(level string) Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// NewWithOutput creates a logger writing to w, mainly for commands that
// must keep stdout clean.
func NewWithOutput(level string, w io.Writer) Logger {
	logger := New(level)
	logger.SetOutput(w)
	return logger
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ParseLevel maps a config string to a logrus level.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
