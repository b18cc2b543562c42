package spans

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/flow-tracer/internal/event"
)

// StatusUpdater is applied to a span handle right before it ends.
type StatusUpdater func(span trace.Span)

// SpanFactory hands out span builders backed by a tracer.
type SpanFactory struct {
	tracer trace.Tracer
}

// NewSpanFactory creates a factory over tracer.
func NewSpanFactory(tracer trace.Tracer) *SpanFactory {
	return &SpanFactory{tracer: tracer}
}

// NewSpanBuilder returns a builder for a span called name.
func (f *SpanFactory) NewSpanBuilder(name string) *SpanBuilder {
	return &SpanBuilder{tracer: f.tracer, name: name}
}

// SpanBuilder accumulates span start options. A builder starts one span.
type SpanBuilder struct {
	tracer trace.Tracer
	name   string
	parent context.Context
	kind   trace.SpanKind
	start  time.Time
	attrs  []attribute.KeyValue
}

// Name returns the name the span will be started with.
func (b *SpanBuilder) Name() string {
	return b.name
}

// SetParent sets the context carrying the parent span.
func (b *SpanBuilder) SetParent(ctx context.Context) *SpanBuilder {
	b.parent = ctx
	return b
}

// SetKind sets the span kind.
func (b *SpanBuilder) SetKind(kind trace.SpanKind) *SpanBuilder {
	b.kind = kind
	return b
}

// SetStartTimestamp sets an explicit start time. A zero time lets the tracer
// pick the current time.
func (b *SpanBuilder) SetStartTimestamp(t time.Time) *SpanBuilder {
	b.start = t
	return b
}

// SetAttributes appends start attributes.
func (b *SpanBuilder) SetAttributes(attrs ...attribute.KeyValue) *SpanBuilder {
	b.attrs = append(b.attrs, attrs...)
	return b
}

// Fork returns a fresh builder on the same tracer, used when one event needs
// an extra span (for example a batch record container).
func (b *SpanBuilder) Fork(name string) *SpanBuilder {
	return &SpanBuilder{tracer: b.tracer, name: name}
}

// Start starts the span.
func (b *SpanBuilder) Start() trace.Span {
	ctx := b.parent
	if ctx == nil {
		ctx = context.Background()
	}

	opts := make([]trace.SpanStartOption, 0, 3)
	if b.kind != trace.SpanKindUnspecified {
		opts = append(opts, trace.WithSpanKind(b.kind))
	}
	if !b.start.IsZero() {
		opts = append(opts, trace.WithTimestamp(b.start))
	}
	if len(b.attrs) > 0 {
		opts = append(opts, trace.WithAttributes(b.attrs...))
	}

	_, span := b.tracer.Start(ctx, b.name, opts...)
	return span
}

// startFromEvent applies the event's kind, start time and tags to b and
// starts the span under parent.
func startFromEvent(b *SpanBuilder, parent context.Context, ev *event.TraceEvent) trace.Span {
	return b.SetParent(parent).
		SetKind(ev.SpanKind).
		SetStartTimestamp(ev.StartTime).
		SetAttributes(TagAttributes(ev.Tags)...).
		Start()
}

// TagAttributes converts tags to string attributes in key order.
func TagAttributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, tags[k]))
	}
	return attrs
}

// EventStatus builds the StatusUpdater for an end event: its tags become
// attributes and an error status carries the error message.
func EventStatus(ev *event.TraceEvent) StatusUpdater {
	return func(span trace.Span) {
		if attrs := TagAttributes(ev.Tags); len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
		switch ev.StatusCode {
		case codes.Error:
			span.SetStatus(codes.Error, ev.ErrorMessage)
		case codes.Ok:
			span.SetStatus(codes.Ok, "")
		}
	}
}
