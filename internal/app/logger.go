package app

import (
	"io"
	"log/slog"

	"github.com/skobkin/jobmon/internal/config"
)

// NewLogger builds the process logger. Logs never go to stdout, which
// belongs to the supervised job.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
