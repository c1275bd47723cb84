package secrets

import (
	"context"
	"log/slog"
	"strings"
)

// Placeholder replaces secret values in log output.
const Placeholder = "***REDACTED***"

// Redactor is a slog.Handler that scrubs known secret values from record
// messages and string, error and group attributes before passing them on.
type Redactor struct {
	inner    slog.Handler
	replacer *strings.Replacer
}

// NewRedactor wraps inner. Empty values are ignored; with no secrets left
// inner is returned as is.
func NewRedactor(inner slog.Handler, values ...string) slog.Handler {
	var pairs []string
	for _, v := range values {
		if v != "" {
			pairs = append(pairs, v, Placeholder)
		}
	}
	if len(pairs) == 0 {
		return inner
	}
	return &Redactor{inner: inner, replacer: strings.NewReplacer(pairs...)}
}

// Wrap returns a function that wraps a handler in a Redactor.
func Wrap(values ...string) func(slog.Handler) slog.Handler {
	return func(h slog.Handler) slog.Handler { return NewRedactor(h, values...) }
}

// Enabled delegates to the inner handler.
func (r *Redactor) Enabled(ctx context.Context, level slog.Level) bool {
	return r.inner.Enabled(ctx, level)
}

// Handle redacts the record and passes it to the inner handler.
func (r *Redactor) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, r.replacer.Replace(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(r.attr(a))
		return true
	})
	return r.inner.Handle(ctx, out)
}

// WithAttrs redacts attrs and delegates to the inner handler.
func (r *Redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = r.attr(a)
	}
	return &Redactor{inner: r.inner.WithAttrs(redacted), replacer: r.replacer}
}

// WithGroup delegates to the inner handler.
func (r *Redactor) WithGroup(name string) slog.Handler {
	return &Redactor{inner: r.inner.WithGroup(name), replacer: r.replacer}
}

func (r *Redactor) attr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.replacer.Replace(v.String()))
	case slog.KindGroup:
		group := v.Group()
		redacted := make([]any, len(group))
		for i, g := range group {
			redacted[i] = r.attr(g)
		}
		return slog.Group(a.Key, redacted...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, r.replacer.Replace(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
