package telemetry

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with Strato-specific field helpers. The
// minimum level lives in shared state so a hot reload on the root logger
// takes effect in every component logger derived from it.
type Logger struct {
	zlog   zerolog.Logger
	level  *atomic.Int32
	config LoggingConfig
}

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		// Anything else is treated as a file path.
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(writer).With().Timestamp().Logger()

	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}

	level := &atomic.Int32{}
	level.Store(int32(parseLogLevel(cfg.Level)))

	return &Logger{
		zlog:   zlog,
		level:  level,
		config: cfg,
	}, nil
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("component", component).Logger(),
		level:  l.level,
		config: l.config,
	}
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context.
// If no logger is found, it returns a default logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{
		zlog: zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Interface(key, value).Logger(),
		level:  l.level,
		config: l.config,
	}
}

// WithGroupID adds a group_id field to the logger.
func (l *Logger) WithGroupID(groupID string) *Logger {
	return l.WithField("group_id", groupID)
}

// WithProcessID adds a pid field to the logger.
func (l *Logger) WithProcessID(pid string) *Logger {
	return l.WithField("pid", pid)
}

// WithNode adds a node field to the logger.
func (l *Logger) WithNode(node string) *Logger {
	return l.WithField("node", node)
}

// WithCommandID adds a command_id field to the logger.
func (l *Logger) WithCommandID(commandID string) *Logger {
	return l.WithField("command_id", commandID)
}

// WithError adds error information to the logger.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Err(err).Logger(),
		level:  l.level,
		config: l.config,
	}
}

// enabled reports whether a message at the given level should be emitted.
// Loggers not built through NewLogger (the FromContext fallback) have no
// shared level and emit everything.
func (l *Logger) enabled(level zerolog.Level) bool {
	return l.level == nil || level >= zerolog.Level(l.level.Load())
}

// Trace logs a trace-level message.
func (l *Logger) Trace(msg string) {
	if l.enabled(zerolog.TraceLevel) {
		l.zlog.Trace().Msg(msg)
	}
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) {
	if l.enabled(zerolog.DebugLevel) {
		l.zlog.Debug().Msg(msg)
	}
}

// Debugf logs a formatted debug-level message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.enabled(zerolog.DebugLevel) {
		l.zlog.Debug().Msgf(format, args...)
	}
}

// Info logs an info-level message.
func (l *Logger) Info(msg string) {
	if l.enabled(zerolog.InfoLevel) {
		l.zlog.Info().Msg(msg)
	}
}

// Infof logs a formatted info-level message.
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.enabled(zerolog.InfoLevel) {
		l.zlog.Info().Msgf(format, args...)
	}
}

// Warn logs a warning-level message.
func (l *Logger) Warn(msg string) {
	if l.enabled(zerolog.WarnLevel) {
		l.zlog.Warn().Msg(msg)
	}
}

// Warnf logs a formatted warning-level message.
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.enabled(zerolog.WarnLevel) {
		l.zlog.Warn().Msgf(format, args...)
	}
}

// Error logs an error-level message.
func (l *Logger) Error(msg string) {
	if l.enabled(zerolog.ErrorLevel) {
		l.zlog.Error().Msg(msg)
	}
}

// Errorf logs a formatted error-level message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.enabled(zerolog.ErrorLevel) {
		l.zlog.Error().Msgf(format, args...)
	}
}

// Fatal logs a fatal-level message and exits.
func (l *Logger) Fatal(msg string) {
	l.zlog.Fatal().Msg(msg)
}

// SetLevel changes the minimum level for this logger and every component
// logger derived from it. Safe to call while other goroutines log; used by
// the config watcher for hot reload.
func (l *Logger) SetLevel(level string) {
	if l.level != nil {
		l.level.Store(int32(parseLogLevel(level)))
	}
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
