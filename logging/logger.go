package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel defines severity for logger output.
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a config string onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "", "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// Logger provides leveled, structured logging. Components receive one at construction.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger writing to stdout for the named component.
func New(level LogLevel, component string) *Logger {
	return NewWithOutput(os.Stdout, level, component)
}

// NewWithOutput creates a logger writing to w.
func NewWithOutput(w io.Writer, level LogLevel, component string) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level.logrus())
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithOutput(io.Discard, LogLevelError, "")
}

// SetLevel adjusts the level of the underlying logger, shared by every derived logger.
func (l *Logger) SetLevel(level LogLevel) {
	if l == nil {
		return
	}
	l.entry.Logger.SetLevel(level.logrus())
}

// Named derives a logger for a sub-component.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithField("component", component)}
}

// With derives a logger carrying an extra field.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Enabled reports whether a message at level would be emitted.
func (l *Logger) Enabled(level LogLevel) bool {
	if l == nil {
		return false
	}
	return l.entry.Logger.IsLevelEnabled(level.logrus())
}

// Debugf prints debug messages.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.entry.Debugf(format, args...)
}

// Infof prints info messages.
func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.entry.Infof(format, args...)
}

// Warnf prints warning messages.
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.entry.Warnf(format, args...)
}

// Errorf prints error messages.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.entry.Errorf(format, args...)
}
