// Package logging configures the process-wide slog logger.
//
// The server logs structured JSON to stderr so collectors can parse it.
// The interactive client stays on terse text output and keeps quiet below
// warn level unless verbose mode is requested, so log lines do not tear
// the chat prompt apart.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Config selects the output shape and verbosity.
type Config struct {
	JSON    bool // structured JSON output (server mode)
	Verbose bool // enable debug level
	Quiet   bool // warn and above only; Verbose wins when both are set
}

// Configure builds the logger, installs it as the slog default, and
// returns it.
func Configure(cfg Config) *slog.Logger {
	return ConfigureWriter(cfg, os.Stderr)
}

// ConfigureWriter is Configure with an explicit output, used by tests.
func ConfigureWriter(cfg Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level(cfg)}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func level(cfg Config) slog.Level {
	switch {
	case cfg.Verbose:
		return slog.LevelDebug
	case cfg.Quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
