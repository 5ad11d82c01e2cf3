package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dskow/promptcraft/internal/config"
)

// Logger is the service logger plus the handles needed to adjust and release
// it at runtime.
type Logger struct {
	*slog.Logger

	// Level can be changed while the service runs, e.g. on config reload.
	Level *slog.LevelVar

	closer io.Closer
}

// New builds a JSON slog logger writing to cfg.Output.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level := new(slog.LevelVar)
	if err := SetLevel(level, cfg.Level); err != nil {
		return nil, err
	}

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
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, err
		}
		out, closer = rw, rw
	}

	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})),
		Level:  level,
		closer: closer,
	}, nil
}

// SetLevel parses name ("debug", "info", "warn", "error") into v. An empty
// name means info.
func SetLevel(v *slog.LevelVar, name string) error {
	if name == "" {
		v.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	v.Set(l)
	return nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
