// Package logger builds the process-wide slog logger and carries per-send
// attributes through context.Context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// ctxKey is the context key holding []slog.Attr.
type ctxKey struct{}

// ContextHandler appends attributes stored in the context to every record
// logged with a *Context method.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps handler.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: handler}
}

// Handle adds contextual attributes before calling the underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler, keeping the context wrapper in place.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler, keeping the context wrapper in place.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithAttrs returns a copy of parent carrying attrs in addition to any
// attributes it already holds.
func WithAttrs(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if v, ok := parent.Value(ctxKey{}).([]slog.Attr); ok {
		merged := make([]slog.Attr, 0, len(v)+len(attrs))
		merged = append(merged, v...)
		merged = append(merged, attrs...)
		return context.WithValue(parent, ctxKey{}, merged)
	}

	return context.WithValue(parent, ctxKey{}, attrs)
}

// ReplaceAttr renders error values as their message text.
func ReplaceAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindAny {
		if err, ok := attr.Value.Any().(error); ok {
			attr.Value = slog.StringValue(err.Error())
		}
	}
	return attr
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// New creates a logger writing to w. Format "text" produces human-readable
// console output; anything else produces JSON.
func New(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)

	var base slog.Handler
	switch strings.ToLower(format) {
	case "text", "console":
		base = charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(lvl),
			ReportTimestamp: true,
		})
	default:
		base = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       lvl,
			ReplaceAttr: ReplaceAttr,
		})
	}

	return slog.New(NewContextHandler(base))
}

// Setup installs a logger built by New as the slog default.
func Setup(w io.Writer, level, format string) *slog.Logger {
	l := New(w, level, format)
	slog.SetDefault(l)
	return l
}
