package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options selects the slog handler backing a ServiceLogger.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	AddSource  bool
	TimeFormat string
	NoColor    bool
}

// NewHandler builds a slog handler writing to w. Console output goes through
// tint; anything else is JSON.
func NewHandler(w io.Writer, opts Options) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	level := ParseLevel(opts.Level)

	switch strings.ToLower(opts.Format) {
	case "console", "text", "":
		timeFormat := opts.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  opts.AddSource,
			TimeFormat: timeFormat,
			NoColor:    opts.NoColor,
		})
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: opts.AddSource})
	}
}

// New is shorthand for NewSlogServiceLogger(slog.New(NewHandler(w, opts))).
func New(w io.Writer, opts Options) ServiceLogger {
	return NewSlogServiceLogger(slog.New(NewHandler(w, opts)))
}

// ParseLevel maps a level name onto slog; unknown names fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
