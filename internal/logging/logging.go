package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog logger on stdout and returns it.
// format is "json" (default) or "text"; level is debug, info (default), warn
// or error. Every record carries the service name.
func Init(service, format, level string) *slog.Logger {
	logger := New(os.Stdout, service, format, level)
	slog.SetDefault(logger)
	return logger
}

func New(w io.Writer, service, format, level string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))

	var lvl slog.Level
	badLevel := lvl.UnmarshalText([]byte(strings.TrimSpace(level))) != nil && level != ""
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With("service", service)
	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	if badLevel {
		logger.Warn("unknown log level, defaulting to info", "level", level)
	}
	return logger
}
