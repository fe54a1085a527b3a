// Package logging builds the slog logger of an application from its
// configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/najoast/stagego/config"
)

// Logger is a slog logger whose level can change while it is in use.
type Logger struct {
	*slog.Logger

	level  *slog.LevelVar
	closer io.Closer
}

// New builds a logger writing to cfg.Output: "stdout", "stderr" or a file
// path opened for appending.
func New(cfg config.LogConfig) (*Logger, error) {
	var (
		out    io.Writer
		closer io.Closer
	)

	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", cfg.Output, err)
		}
		out, closer = f, f
	}

	l := NewWithWriter(cfg, out)
	l.closer = closer
	return l, nil
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg config.LogConfig, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(Level(cfg.Level))

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	for k, v := range cfg.Fields {
		logger = logger.With(k, v)
	}

	return &Logger{Logger: logger, level: level}
}

// SetLevel changes the minimum level of every logger derived from l.
func (l *Logger) SetLevel(level config.LogLevel) {
	l.level.Set(Level(level))
}

// Close closes the output file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Level maps a configured level to slog. Unknown levels map to info.
func Level(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
