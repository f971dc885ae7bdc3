// Package logging provides structured logging with correlation ID
// propagation on top of logrus.
package logging

import (
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel converts a string to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as logfmt-style text.
	FormatText
)

// ParseFormat converts a string to a Format.
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

func (f Format) formatter() logrus.Formatter {
	if f == FormatText {
		return &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	}
}

// Field keys added by the logger itself.
const (
	CorrelationIDKey = "correlationId"
	FileKey          = "file"
	LineKey          = "line"
)

// Logger is a leveled structured logger. Loggers derived with With share
// the output and level of their parent.
type Logger struct {
	base *logrus.Logger

	mu            sync.Mutex
	fields        logrus.Fields
	correlationID string
	addCaller     bool
	callerSkip    int
}

// Config holds configuration for a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(cfg.Level.logrus())
	base.SetFormatter(cfg.Format.formatter())
	return &Logger{
		base:       base,
		fields:     logrus.Fields{},
		addCaller:  cfg.AddCaller,
		callerSkip: cfg.CallerSkip,
	}
}

// DefaultLogger returns a logger with default settings.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON, Output: os.Stderr})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.base.SetLevel(level.logrus())
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	switch l.base.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// SetFormat updates the output format.
func (l *Logger) SetFormat(format Format) {
	l.base.SetFormatter(format.formatter())
}

// SetAddCaller enables or disables caller info (file/line).
func (l *Logger) SetAddCaller(add bool) {
	l.mu.Lock()
	l.addCaller = add
	l.mu.Unlock()
}

func (l *Logger) derive(fields map[string]any, correlationID *string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := &Logger{
		base:          l.base,
		fields:        make(logrus.Fields, len(l.fields)+len(fields)),
		correlationID: l.correlationID,
		addCaller:     l.addCaller,
		callerSkip:    l.callerSkip,
	}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	for k, v := range fields {
		next.fields[k] = v
	}
	if correlationID != nil {
		next.correlationID = *correlationID
	}
	return next
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	return l.derive(fields, nil)
}

// WithCorrelationID returns a new Logger with the correlation ID set.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return l.derive(nil, &id)
}

// CorrelationID returns the logger's correlation ID.
func (l *Logger) CorrelationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.correlationID
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.log(LevelDebug, msg, nil) }

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.log(LevelInfo, msg, nil) }

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) { l.log(LevelInfo, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.log(LevelWarn, msg, nil) }

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) { l.log(LevelWarn, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string) { l.log(LevelError, msg, nil) }

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, extra map[string]any) {
	lv := level.logrus()
	if !l.base.IsLevelEnabled(lv) {
		return
	}

	l.mu.Lock()
	fields := make(logrus.Fields, len(l.fields)+len(extra)+3)
	for k, v := range l.fields {
		fields[k] = v
	}
	correlationID := l.correlationID
	addCaller, skip := l.addCaller, l.callerSkip
	l.mu.Unlock()

	for k, v := range extra {
		fields[k] = v
	}
	if correlationID != "" {
		fields[CorrelationIDKey] = correlationID
	}
	if addCaller {
		// log <- Infof <- caller
		if _, file, line, ok := runtime.Caller(2 + skip); ok {
			fields[FileKey] = file
			fields[LineKey] = line
		}
	}
	l.base.WithFields(fields).Log(lv, msg)
}
