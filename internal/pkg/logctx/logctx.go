// Package logctx carries slog attributes through context.Context so engine
// code can tag every record with the session, task and statement it serves.
package logctx

import (
	"context"
	"log/slog"
)

const (
	KeySession   = "session"
	KeyRole      = "role"
	KeyTask      = "task"
	KeyStatement = "statement"
	KeyLine      = "line"
	KeyResource  = "resource"
)

type ctxKey struct{}

// WithAttrs appends the provided attributes to the context.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	existing := Attrs(ctx)
	combined := make([]slog.Attr, 0, len(existing)+len(attrs))
	combined = append(combined, existing...)
	combined = append(combined, attrs...)
	return context.WithValue(ctx, ctxKey{}, combined)
}

// WithField adds a single key/value attribute to the context.
func WithField(ctx context.Context, key string, value any) context.Context {
	return WithAttrs(ctx, slog.Any(key, value))
}

// WithFields adds a set of key/value attributes to the context.
func WithFields(ctx context.Context, fields map[string]any) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for key, value := range fields {
		attrs = append(attrs, slog.Any(key, value))
	}
	return WithAttrs(ctx, attrs...)
}

// WithSession tags records with the logical editor session.
func WithSession(ctx context.Context, session string) context.Context {
	return WithAttrs(ctx, slog.String(KeySession, session))
}

// WithTask tags records with the dispatcher task id.
func WithTask(ctx context.Context, taskID string) context.Context {
	return WithAttrs(ctx, slog.String(KeyTask, taskID))
}

// WithStatement tags records with the statement index and its script line.
func WithStatement(ctx context.Context, index, line int) context.Context {
	return WithAttrs(ctx, slog.Int(KeyStatement, index), slog.Int(KeyLine, line))
}

// Attrs returns the attributes stored in the context.
func Attrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	return attrs
}

// Detach copies the attributes of ctx onto base. Work that outlives the
// request which scheduled it keeps the request's log fields this way.
func Detach(base, ctx context.Context) context.Context {
	return WithAttrs(base, Attrs(ctx)...)
}

// ContextHandler injects context attributes into every record it handles.
type ContextHandler struct {
	handler slog.Handler
}

func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{handler: handler}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := Attrs(ctx); len(attrs) > 0 {
		record.AddAttrs(attrs...)
	}
	return h.handler.Handle(ctx, record)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{handler: h.handler.WithGroup(name)}
}

// WrapLogger returns a logger that injects context attributes on every record.
func WrapLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	return slog.New(NewContextHandler(logger.Handler()))
}
