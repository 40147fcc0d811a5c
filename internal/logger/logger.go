package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	mu     sync.RWMutex
	level  zerolog.Level
	writer io.Writer
}

var defaultLogger = &Logger{
	level: zerolog.InfoLevel,
	writer: zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	},
}

// ParseLevel maps a config string to a zerolog level, falling back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func SetLogLevel(level string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	defaultLogger.level = ParseLevel(level)
	zerolog.SetGlobalLevel(defaultLogger.level)
}

// SetOutput replaces the writer used by loggers created afterwards.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.writer = w
}

func ComponentLogger(component string) zerolog.Logger {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()

	return zerolog.New(defaultLogger.writer).With().
		Timestamp().
		Str("component", component).
		Logger().Level(defaultLogger.level)
}

func SubLogger(base zerolog.Logger, fields map[string]string) zerolog.Logger {
	ctx := base.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}
