// Package logging builds the zerolog logger shared by every command.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Options selects where and how log lines are written
type Options struct {
	Level  string    // debug, info, warn or error
	Format string    // text or json
	Out    io.Writer // defaults to os.Stderr
	File   string    // optional log file, appended to in JSON
}

// ParseLevel maps a level name to a zerolog level. Unknown names fall back
// to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup builds a logger from opts. The returned close function releases
// the log file, if one was opened.
func Setup(opts Options) (zerolog.Logger, func() error, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var console io.Writer
	switch strings.ToLower(opts.Format) {
	case "json":
		console = out
	case "", "text":
		console = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(out),
		}
	default:
		return zerolog.Nop(), nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	closeFn := func() error { return nil }
	writer := console
	if opts.File != "" {
		file, err := openLogFile(opts.File)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writer = zerolog.MultiLevelWriter(console, file)
		closeFn = file.Close
	}

	logger := zerolog.New(writer).
		Level(ParseLevel(opts.Level)).
		With().Timestamp().Logger()
	return logger, closeFn, nil
}

// DefaultLogFile is the log file used when --log-file is given without a
// path: $XDG_STATE_HOME/ccsync/ccsync.log.
func DefaultLogFile() string {
	return filepath.Join(xdg.StateHome, "ccsync", "ccsync.log")
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
