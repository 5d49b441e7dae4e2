// Package logging configures the process-wide slog logger. Package-level
// loggers obtained from L before Init still follow the handler Init
// installs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Field keys shared by every component.
const (
	KeyComponent   = "component"
	KeyHandle      = "transferHandle"
	KeyVersionCode = "versionCode"
	KeyVersionName = "versionName"
	KeyURI         = "uri"
	KeyPath        = "path"
	KeyDurationMs  = "durationMs"
	KeyError       = "error"
)

type contextKey struct{}

// root holds the handler installed by Init.
var root atomic.Pointer[slog.Handler]

// deferredHandler resolves the root handler on every call and replays the
// attrs and groups added through With/WithGroup on top of it.
type deferredHandler struct {
	derive []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := *root.Load()
	for _, fn := range h.derive {
		handler = fn(handler)
	}
	return handler
}

func (h *deferredHandler) with(fn func(slog.Handler) slog.Handler) *deferredHandler {
	derive := make([]func(slog.Handler) slog.Handler, 0, len(h.derive)+1)
	derive = append(derive, h.derive...)
	return &deferredHandler{derive: append(derive, fn)}
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	attrs = append([]slog.Attr(nil), attrs...)
	return h.with(func(base slog.Handler) slog.Handler { return base.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.with(func(base slog.Handler) slog.Handler { return base.WithGroup(name) })
}

var defaultLogger = slog.New(&deferredHandler{})

func init() {
	install(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func install(h slog.Handler) {
	root.Store(&h)
	slog.SetDefault(defaultLogger)
}

// Init installs the process handler. Call once after config is loaded.
// format is "json" or "text", level one of debug|info|warn|error. A nil
// output logs to stderr; stdout is reserved for command output.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if strings.EqualFold(format, "json") {
		install(slog.NewJSONHandler(output, opts))
		return
	}
	install(slog.NewTextHandler(output, opts))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithTransfer returns a child logger carrying the transfer correlation handle.
func WithTransfer(logger *slog.Logger, handle string) *slog.Logger {
	return logger.With(slog.String(KeyHandle, handle))
}

// NewContext returns a context carrying logger, so code called with it logs
// with the caller's correlation fields.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext, or fallback.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}

// ValidLevel reports whether s names a level Init understands.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
