package pkg

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// USB stack component identifiers.
const (
	ComponentHost       Component = "host"
	ComponentHAL        Component = "hal"
	ComponentTransfer   Component = "transfer"
	ComponentController Component = "controller"
	ComponentPool       Component = "pool"
	ComponentAsync      Component = "async"
	ComponentPeriodic   Component = "periodic"
	ComponentSim        Component = "sim"
	ComponentDevice     Component = "device"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the default logger used by the USB stack.
	DefaultLogger *slog.Logger

	// logLevel controls the minimum log level.
	logLevel = new(slog.LevelVar)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum log level for all USB stack logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	opts := &slog.HandlerOptions{Level: logLevel}
	switch format {
	case LogFormatJSON:
		DefaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

// NewLogger creates a new text logger writing to the given writer.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func defaultLogger() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	defaultLogger().Debug(msg, append([]any{"component", string(component)}, args...)...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	defaultLogger().Info(msg, append([]any{"component", string(component)}, args...)...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	defaultLogger().Warn(msg, append([]any{"component", string(component)}, args...)...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	defaultLogger().Error(msg, append([]any{"component", string(component)}, args...)...)
}

// Log is a component logger carrying fixed attributes, such as the identity
// of one controller instance among several. It resolves [DefaultLogger] on
// every call so [SetLogger] takes effect for loggers created earlier.
type Log struct {
	component Component
	attrs     []any
}

// NewLog returns a logger for component with the given key/value attributes
// prepended to every record.
func NewLog(component Component, attrs ...any) Log {
	return Log{component: component, attrs: attrs}
}

// With returns a logger for another component sharing l's attributes.
func (l Log) With(component Component) Log {
	return Log{component: component, attrs: l.attrs}
}

func (l Log) args(args []any) []any {
	out := make([]any, 0, 2+len(l.attrs)+len(args))
	out = append(out, "component", string(l.component))
	out = append(out, l.attrs...)
	return append(out, args...)
}

// Debug logs a debug message.
func (l Log) Debug(msg string, args ...any) { defaultLogger().Debug(msg, l.args(args)...) }

// Info logs an info message.
func (l Log) Info(msg string, args ...any) { defaultLogger().Info(msg, l.args(args)...) }

// Warn logs a warning message.
func (l Log) Warn(msg string, args ...any) { defaultLogger().Warn(msg, l.args(args)...) }

// Error logs an error message.
func (l Log) Error(msg string, args ...any) { defaultLogger().Error(msg, l.args(args)...) }
