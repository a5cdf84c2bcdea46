// Package logging builds the zerolog logger used across dirsyncd. The sync
// engine emits structured events through it; rendering concerns (level,
// format, ANSI color, log file, console suppression) are decided here from
// explicit configuration, never from the process environment.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger construction options.
type Config struct {
	// Level is the minimum log level to output.
	Level string

	// Format is the output format (console or json).
	Format string

	// LogFile is the path of the log file; empty disables file output.
	// The file rendering never carries ANSI color codes.
	LogFile string

	// NoColor disables color on the console output.
	NoColor bool

	// Silent suppresses console output entirely; the log file still
	// receives every event.
	Silent bool
}

// New creates a logger from configuration. The returned closer owns the log
// file handle, if any, and must be closed when the process shuts down.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var writers []io.Writer
	closer := io.Closer(nopCloser{})

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = f
		writers = append(writers, render(f, cfg.Format, true))
	}

	if !cfg.Silent {
		writers = append(writers, render(os.Stdout, cfg.Format, cfg.NoColor))
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return logger, closer, nil
}

// render wraps a writer with line-oriented rendering for the given format.
func render(w io.Writer, format string, noColor bool) io.Writer {
	if format == "json" {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
	}
}

// parseLevel converts a level name to a zerolog level.
func parseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
