package eventbus

import (
	"context"
	"log/slog"
)

// SlogHandler tees log records onto the bus as LogEntry events so attached
// dashboards can follow the daemon's log.
type SlogHandler struct {
	next  slog.Handler
	bus   *Bus
	attrs []slog.Attr
	group string
}

// NewSlogHandler wraps next.
func NewSlogHandler(next slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{next: next, bus: bus}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := make(map[string]any, 4+len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})
	entry["level"] = r.Level.String()
	entry["msg"] = r.Message
	entry["time"] = r.Time
	if h.group != "" {
		entry["group"] = h.group
	}
	h.bus.PublishType(LogEntry, entry)

	return h.next.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{next: h.next.WithAttrs(attrs), bus: h.bus, attrs: merged, group: h.group}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{next: h.next.WithGroup(name), bus: h.bus, attrs: h.attrs, group: group}
}
