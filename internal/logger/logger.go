// Package logger provides context-aware structured logging on top of logrus.
package logger

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// G retrieves the logger attached to a context.
	G = GetLogger
	// L is the process-wide fallback entry.
	L = logrus.NewEntry(newLogger())
)

type loggerKey struct{}

// WithLogger attaches a logger entry to ctx.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry.WithContext(ctx))
}

// WithFields returns ctx carrying the current logger extended with fields.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}

// GetLogger returns the entry stored in ctx, or L.
func GetLogger(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return L.WithContext(ctx)
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	setFormat(l, "text")
	return l
}

func setFormat(l *logrus.Logger, format string) {
	switch format {
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			TimestampFormat: time.RFC3339Nano,
		}
	default:
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		}
	}
}

// Configure sets level and format of the global logger. An empty level
// keeps the current one.
func Configure(level, format string) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		L.Logger.SetLevel(lvl)
	}
	if format != "" {
		if format != "text" && format != "json" {
			return fmt.Errorf("invalid log format %q: must be text or json", format)
		}
		setFormat(L.Logger, format)
	}
	return nil
}

// SetOutput redirects the global logger.
func SetOutput(w io.Writer) {
	L.Logger.SetOutput(w)
}
