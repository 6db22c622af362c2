// Package logging wraps log/slog with a lumberjack rotating writer,
// producing the daily textual runner logs at .steroids/logs/YYYY-MM-DD/.
// Components take an injected *slog.Logger rather than reaching for a
// package-global.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how runner logs are written.
type Options struct {
	// Dir is the project's .steroids directory; logs land under
	// Dir/logs/YYYY-MM-DD/runner-<id>.log.
	Dir      string
	RunnerID string
	JSON     bool
	Level    slog.Level
	// Stderr, if true, also writes to os.Stderr (used by --json global flag
	// to mirror structured logs for a foreground invocation).
	Stderr bool
}

// New builds a *slog.Logger writing to a rotating file, and optionally to
// stderr as well.
func New(opts Options) (*slog.Logger, func() error, error) {
	day := time.Now().UTC().Format("2006-01-02")
	logDir := filepath.Join(opts.Dir, "logs", day)
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, fmt.Sprintf("runner-%s.log", opts.RunnerID)),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	var w io.Writer = lj
	if opts.Stderr {
		w = io.MultiWriter(lj, os.Stderr)
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler), lj.Close, nil
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
