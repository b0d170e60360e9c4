package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses colourised text.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

func newLogger(env string, w io.Writer, color bool) *slog.Logger {
	var handler slog.Handler

	if env == "production" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !color,
		})
	}

	return slog.New(handler)
}

// Discard returns a logger that drops every record. Used by tests and by
// commands that print their own output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
