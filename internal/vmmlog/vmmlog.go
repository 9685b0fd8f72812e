// Package vmmlog is the shared structured-logging helper. cmd/novavisor
// builds one *slog.Logger with it and passes it to the device constructors,
// mirroring how cmd/cc builds one *slog.Logger and passes it down; the
// internal/usb packages log through slog's package-level default logger
// instead.
package vmmlog

import (
	"log/slog"
	"os"
)

// Options configures the process-wide logger.
type Options struct {
	// Level is the minimum level that gets emitted.
	Level slog.Level
	// JSON selects JSON-handler output over the default text handler, for
	// piping into a log aggregator.
	JSON bool
}

// New builds a *slog.Logger writing to stderr per Options.
func New(opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	return slog.New(handler)
}
