package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/ports"
)

// Config selects the level, format and destination of the logger.
type Config struct {
	Level  string    // DEBUG, INFO, WARN or ERROR; anything else means INFO
	Format string    // "json" or "console"
	Output io.Writer // Defaults to os.Stderr
}

// ZeroLogger implements ports.Logger on top of zerolog.
type ZeroLogger struct {
	zl zerolog.Logger
}

var _ ports.Logger = (*ZeroLogger)(nil)

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(levelStr string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a logger from cfg.
func New(cfg Config) *ZeroLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	return &ZeroLogger{zl: zl}
}

func (l *ZeroLogger) emit(ev *zerolog.Event, msg string, fields []map[string]interface{}) {
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(f)
		}
	}
	ev.Msg(msg)
}

// Debug logs a message at Debug level.
func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.emit(l.zl.Debug(), msg, fields)
}

// Info logs a message at Info level.
func (l *ZeroLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.emit(l.zl.Info(), msg, fields)
}

// Warn logs a message at Warning level.
func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error logs an error message at Error level.
func (l *ZeroLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.emit(l.zl.Error().Err(err), msg, fields)
}
