// Package logger builds the slog loggers shared by the racer binaries.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON logger on stdout tagged with the originating service
// (racerd, racer, migrate).
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
