// Package logging builds the slog handlers shared by cr-client and cr-relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Formats accepted by NewHandler.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel maps a config string to a slog level. Unknown values yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler returns a handler writing to w in the given format.
//
// "auto" picks colored tint output when w is a terminal and JSON otherwise,
// so a detached daemon writing to its log file stays machine readable.
func NewHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case FormatText:
		return newTint(w, lvl, false)
	default:
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return newTint(colorable.NewColorable(f), lvl, true)
		}
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
}

func newTint(w io.Writer, lvl slog.Level, color bool) slog.Handler {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	return tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    !color,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			if d, ok := a.Value.Any().(time.Duration); ok {
				return slog.String(a.Key, d.String())
			}
			return a
		},
	})
}

// New is shorthand for slog.New(NewHandler(w, format, level)).
func New(w io.Writer, format, level string) *slog.Logger {
	return slog.New(NewHandler(w, format, level))
}
