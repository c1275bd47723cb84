package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Span times one stage of a build session ("build" is the root, its
// children are "resolve", "instantiate" and "run").
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string
	Stage    string
	Start    time.Time
	Elapsed  time.Duration
	Status   string
	Tags     map[string]string
}

// SpanSink receives finished spans.
type SpanSink func(span Span)

// Tracer hands finished spans to its sinks. A nil *Tracer is valid and
// records nothing.
type Tracer struct {
	sinks []SpanSink
}

// NewTracer creates a Tracer fanning out to sinks in order.
func NewTracer(sinks ...SpanSink) *Tracer {
	return &Tracer{sinks: sinks}
}

// LogSink writes finished spans to logger at debug level.
func LogSink(logger *slog.Logger) SpanSink {
	return func(span Span) {
		logger.Debug("build stage finished",
			"stage", span.Stage,
			"status", span.Status,
			"elapsed_ms", span.Elapsed.Milliseconds(),
			"trace_id", span.TraceID,
			"span_id", span.SpanID,
			"parent_id", span.ParentID,
			"tags", span.Tags,
		)
	}
}

type spanKey struct{}

// StartSpan opens a span for stage. A span nested under another inherits its
// trace id; a root span takes the request's correlation id when there is one.
func (t *Tracer) StartSpan(ctx context.Context, stage string, tags map[string]string) (context.Context, *Span) {
	if tags == nil {
		tags = map[string]string{}
	}
	span := &Span{SpanID: randomHex(8), Stage: stage, Start: time.Now(), Status: "ok", Tags: tags}
	switch parent, ok := ctx.Value(spanKey{}).(*Span); {
	case ok:
		span.TraceID, span.ParentID = parent.TraceID, parent.SpanID
	case CorrelationID(ctx) != "":
		span.TraceID = CorrelationID(ctx)
	default:
		span.TraceID = randomHex(16)
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

// EndSpan stamps the elapsed time and status ("" keeps "ok") and passes the
// span to every sink.
func (t *Tracer) EndSpan(span *Span, status string) {
	span.Elapsed = time.Since(span.Start)
	if status != "" {
		span.Status = status
	}
	if t == nil {
		return
	}
	for _, sink := range t.sinks {
		sink(*span)
	}
}
