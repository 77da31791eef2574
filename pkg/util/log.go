package util

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance
var Logger = logrus.New()

// processStart anchors MonotonicMS; it's a package var rather than a
// per-Sink field so every structured log line in the process, not just
// event.Sink output, shares one clock.
var processStart = time.Now()

// MonotonicMS returns milliseconds since process start, kept alongside
// wall-clock timestamps so a journal can reconstruct ordering even across
// a wall-clock step.
func MonotonicMS() int64 {
	return time.Since(processStart).Milliseconds()
}

// WithKind returns a logger tagged with a pipeline-stage kind and the
// current monotonic timestamp, the common base event.Sink builds on.
func WithKind(kind string) *logrus.Entry {
	return Logger.WithField("kind", kind).WithField("mono_ms", MonotonicMS())
}

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat enables JSON log format
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with multiple fields
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithLink returns a logger with link context
func WithLink(link string) *logrus.Entry {
	return Logger.WithField("link", link)
}

// WithStage returns a logger with pipeline-stage context (inventory, probe,
// plan, apply, checkpoint, watchdog, ...).
func WithStage(stage string) *logrus.Entry {
	return Logger.WithField("stage", stage)
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	Logger.Debug(args...)
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	Logger.Warn(args...)
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Error logs an error message
func Error(args ...interface{}) {
	Logger.Error(args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

