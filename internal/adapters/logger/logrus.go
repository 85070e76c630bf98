package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusLogger implements the ports.Logger interface on top of logrus.
type LogrusLogger struct {
	logger *logrus.Logger
}

// ParseLevel converts a level name to a logrus level. Unknown names default to Info.
func ParseLevel(levelStr string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel // Default to Info
	}
}

// NewLogrusLogger creates a logger writing to os.Stderr. format is "json" or "text".
func NewLogrusLogger(level logrus.Level, format string) *LogrusLogger {
	return NewLogrusLoggerTo(os.Stderr, level, format)
}

// NewLogrusLoggerTo creates a logger writing to out.
func NewLogrusLoggerTo(out io.Writer, level logrus.Level, format string) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}
	return &LogrusLogger{logger: l}
}

func (l *LogrusLogger) entry(ctx context.Context, fields []map[string]interface{}) *logrus.Entry {
	e := l.logger.WithContext(ctx)
	// Only the first field map is used, as in every call site.
	if len(fields) > 0 && fields[0] != nil {
		e = e.WithFields(logrus.Fields(fields[0]))
	}
	return e
}

// Debug logs a message at Debug level.
func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(ctx, fields).Debug(msg)
}

// Info logs a message at Info level.
func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(ctx, fields).Info(msg)
}

// Warn logs a message at Warning level.
func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.entry(ctx, fields).Warn(msg)
}

// Error logs an error message at Error level.
func (l *LogrusLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.entry(ctx, fields).WithError(err).Error(msg)
}
