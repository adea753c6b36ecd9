// Package obslog provides structured logging for the extraction engine,
// built on logrus. It generalizes the context-field logging pattern used
// throughout the EVE service family to the extractor/cycle/endpoint/attempt
// fields this engine needs.
package obslog

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the CLI's --log-level values.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// New creates a configured logrus.Logger for the given level.
func New(level Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	})
	logger.SetLevel(toLogrusLevel(level))
	return logger
}

func toLogrusLevel(level Level) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarning:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelCritical:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// ContextLogger carries a base set of structured fields (extractor name,
// cycle id, endpoint, ...) that get attached to every log line emitted
// through it.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger wraps logger with the given base fields.
func NewContextLogger(logger *logrus.Logger, fields map[string]any) *ContextLogger {
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

// WithField returns a derived logger carrying one additional field.
func (cl *ContextLogger) WithField(key string, value any) *ContextLogger {
	return cl.WithFields(map[string]any{key: value})
}

// WithFields returns a derived logger carrying the additional fields.
func (cl *ContextLogger) WithFields(fields map[string]any) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: merged}
}

// WithError returns a derived logger carrying the error's message.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

func (cl *ContextLogger) Debugf(format string, args ...any) { cl.logger.WithFields(cl.fields).Debugf(format, args...) }
func (cl *ContextLogger) Infof(format string, args ...any)  { cl.logger.WithFields(cl.fields).Infof(format, args...) }
func (cl *ContextLogger) Warnf(format string, args ...any)  { cl.logger.WithFields(cl.fields).Warnf(format, args...) }
func (cl *ContextLogger) Errorf(format string, args ...any) { cl.logger.WithFields(cl.fields).Errorf(format, args...) }

// LogOperation times fn, logging its start and outcome under the given
// operation name.
func LogOperation(logger *ContextLogger, operation string, fn func() error) error {
	start := time.Now()
	l := logger.WithField("operation", operation)
	l.Infof("operation started")

	err := fn()

	l = l.WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		l.WithError(err).Errorf("operation failed")
		return err
	}
	l.Infof("operation completed")
	return nil
}
