package transaction

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/spans"
)

var (
	t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t1 = t0.Add(time.Second)
)

func newTestFactory(t *testing.T) (*spans.SpanFactory, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })
	return spans.NewSpanFactory(provider.Tracer("test")), recorder
}

func flowEvent(txID, ctxID, name, location string) *event.TraceEvent {
	return &event.TraceEvent{
		Name:           name,
		Location:       location,
		TransactionID:  txID,
		EventContextID: ctxID,
		StartTime:      t0,
		EndTime:        t1,
		Siblings:       event.UnknownSiblings,
	}
}

func endedNames(recorder *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func countNamed(recorder *tracetest.SpanRecorder, name string) int {
	n := 0
	for _, s := range recorder.Ended() {
		if s.Name() == name {
			n++
		}
	}
	return n
}

func TestRegistry_FlowLifecycle(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	start := flowEvent("T1", "c1", "F", "F")
	meta, err := r.StartTransaction(start, "F", factory.NewSpanBuilder("F"))
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "T1", meta.TransactionID)
	assert.False(t, meta.Child)
	assert.Equal(t, 1, r.Len())

	for i := range 3 {
		loc := fmt.Sprintf("F/processors/%d", i)
		sm, err := r.AddProcessorSpan("F", flowEvent("T1", "c1", "logger", loc), factory.NewSpanBuilder(loc))
		require.NoError(t, err)
		require.NotNil(t, sm)
		assert.Equal(t, meta.TraceID, sm.TraceID)
	}
	assert.Equal(t, 3, r.Get("T1").OpenSpans())

	for i := range 3 {
		ev := flowEvent("T1", "c1", "logger", fmt.Sprintf("F/processors/%d", i))
		sm, err := r.EndProcessorSpan("T1", ev, spans.EventStatus(ev), ev.EndTime)
		require.NoError(t, err)
		require.NotNil(t, sm)
	}
	assert.Equal(t, 0, r.Get("T1").OpenSpans())

	end := flowEvent("T1", "c1", "F", "F")
	meta, err = r.EndTransaction(end, spans.EventStatus(end), end.EndTime)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, end.EndTime, meta.EndTime)
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Get("T1"))

	meta, err = r.EndTransaction(end, nil, end.EndTime)
	require.NoError(t, err)
	assert.Nil(t, meta)

	ended := recorder.Ended()
	require.Len(t, ended, 4)
	root := ended[3]
	assert.Equal(t, "F", root.Name())
	for _, s := range ended[:3] {
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
	}
}

func TestRegistry_EndProcessorSpanIsIdempotent(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	_, err := r.StartTransaction(flowEvent("T1", "c1", "F", "F"), "F", factory.NewSpanBuilder("F"))
	require.NoError(t, err)
	ev := flowEvent("T1", "c1", "logger", "F/processors/0")
	_, err = r.AddProcessorSpan("F", ev, factory.NewSpanBuilder("logger"))
	require.NoError(t, err)

	first, err := r.EndProcessorSpan("T1", ev, nil, ev.EndTime)
	require.NoError(t, err)
	second, err := r.EndProcessorSpan("T1", ev, nil, ev.EndTime)
	require.NoError(t, err)

	assert.NotNil(t, first)
	assert.Nil(t, second)
	assert.Equal(t, 1, countNamed(recorder, "logger"))
}

func TestRegistry_SecondStartIsChild(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	root, err := r.StartTransaction(flowEvent("T1", "c1", "F", "F"), "F", factory.NewSpanBuilder("F"))
	require.NoError(t, err)

	child, err := r.StartTransaction(flowEvent("T1", "c1_1", "sub", "sub"), "sub", factory.NewSpanBuilder("sub"))
	require.NoError(t, err)
	require.NotNil(t, child)

	assert.True(t, child.Child)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, 1, r.Len())
	assert.Same(t, r.Get("T1"), r.Get("T1"))

	_, err = r.EndTransaction(flowEvent("T1", "c1_1", "sub", "sub"), nil, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len(), "nested end keeps the transaction")

	_, err = r.EndTransaction(flowEvent("T1", "c1", "F", "F"), nil, t1)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []string{"sub", "F"}, endedNames(recorder))
}

func TestRegistry_RecursiveFlowRef(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	_, err := r.StartTransaction(flowEvent("T1", "c1", "fact", "fact"), "fact", factory.NewSpanBuilder("fact"))
	require.NoError(t, err)
	first, err := r.StartTransaction(flowEvent("T1", "c1_1", "fact", "fact"), "fact", factory.NewSpanBuilder("fact"))
	require.NoError(t, err)
	second, err := r.StartTransaction(flowEvent("T1", "c1_1_1", "fact", "fact"), "fact", factory.NewSpanBuilder("fact"))
	require.NoError(t, err)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.SpanID, second.SpanID)

	tx := r.Get("T1")
	require.NotNil(t, tx)
	assert.NotNil(t, tx.FindSpan("c1_1/fact"))
	assert.NotNil(t, tx.FindSpan("c1_1_1/fact"))

	for _, ctxID := range []string{"c1_1_1", "c1_1", "c1"} {
		meta, err := r.EndTransaction(flowEvent("T1", ctxID, "fact", "fact"), nil, t1)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, ctxID != "c1", meta.Child, ctxID)
	}
	assert.Equal(t, 0, r.Len())
	assert.Len(t, recorder.Ended(), 3)
}

func TestRegistry_MissingChildIsInvariantError(t *testing.T) {
	factory, _ := newTestFactory(t)
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRegistry(zap.New(core))

	_, err := r.StartTransaction(flowEvent("T1", "c1", "F", "F"), "F", factory.NewSpanBuilder("F"))
	require.NoError(t, err)

	_, err = r.EndTransaction(flowEvent("T1", "c1_4", "sub", "sub"), nil, t1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, 1, r.Len())

	meta, err := r.AddProcessorSpan("X", flowEvent("unknown", "c9", "logger", "X/processors/0"), factory.NewSpanBuilder("logger"))
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, 1, logs.FilterMessage("No transaction for processor start").Len())
}

func TestRegistry_ConcurrentStartsKeepOneTransaction(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	const n = 32
	metas := make([]*TransactionMeta, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			ev := flowEvent("T1", fmt.Sprintf("c1_%d", i), "F", "F")
			meta, err := r.StartTransaction(ev, "F", factory.NewSpanBuilder("F"))
			metas[i] = meta
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, r.Len())
	require.NotNil(t, r.Get("T1"))

	rootCtx := ""
	for i, meta := range metas {
		require.NotNil(t, meta, "start %d placed", i)
		if !meta.Child {
			assert.Empty(t, rootCtx, "one root")
			rootCtx = fmt.Sprintf("c1_%d", i)
		}
	}
	require.NotEmpty(t, rootCtx)

	// Every nested start landed, so each nested end closes its own span and
	// leaves the root open.
	for i := range n {
		ctxID := fmt.Sprintf("c1_%d", i)
		if ctxID == rootCtx {
			continue
		}
		meta, err := r.EndTransaction(flowEvent("T1", ctxID, "F", "F"), nil, t1)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.True(t, meta.Child, ctxID)
	}
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Get("T1").HasEnded())

	meta, err := r.EndTransaction(flowEvent("T1", rootCtx, "F", "F"), nil, t1)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.False(t, meta.Child)
	assert.Equal(t, 0, r.Len())

	roots := 0
	for _, s := range recorder.Ended() {
		if !s.Parent().IsValid() {
			roots++
		}
	}
	assert.Equal(t, 1, roots)
	assert.Len(t, recorder.Ended(), n)
}

func TestRegistry_RepeatedRootEndReturnsNil(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	_, err := r.StartTransaction(flowEvent("T1", "c1", "F", "F"), "F", factory.NewSpanBuilder("F"))
	require.NoError(t, err)
	_, err = r.StartTransaction(flowEvent("T1", "c1_1", "sub", "sub"), "sub", factory.NewSpanBuilder("sub"))
	require.NoError(t, err)

	meta, err := r.EndTransaction(flowEvent("T1", "c1", "F", "F"), nil, t1)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 1, r.Len(), "open nested flow keeps the transaction")

	meta, err = r.EndTransaction(flowEvent("T1", "c1", "F", "F"), nil, t1.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, t1, r.Get("T1").EndTime(), "first end wins")

	meta, err = r.EndTransaction(flowEvent("T1", "c1_1", "sub", "sub"), nil, t1)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, countNamed(recorder, "F"))
}

func TestRegistry_PropagatesParentContext(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	upstream := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(trace.ContextWithRemoteSpanContext(t.Context(), upstream), carrier)

	start := flowEvent("T1", "c1", "F", "F")
	start.Context = carrier
	meta, err := r.StartTransaction(start, "F", factory.NewSpanBuilder("F"))
	require.NoError(t, err)
	assert.Equal(t, upstream.TraceID().String(), meta.TraceID)

	ev := flowEvent("T1", "c1", "http:request", "F/processors/0")
	_, err = r.AddProcessorSpan("F", ev, factory.NewSpanBuilder("http:request"))
	require.NoError(t, err)

	out := propagation.MapCarrier{}
	r.InjectTraceContext("T1", ev.ContextScopedLocation(), out)
	assert.Contains(t, out.Get("traceparent"), upstream.TraceID().String())

	ctx := r.TransactionContext(t.Context(), "T1", ev.ContextScopedLocation())
	processor := r.Get("T1").FindSpan(ev.ContextScopedLocation())
	require.NotNil(t, processor)
	assert.Equal(t, processor.Span().SpanContext(), trace.SpanContextFromContext(ctx))

	unknown := r.TransactionContext(t.Context(), "nope", "")
	assert.False(t, trace.SpanContextFromContext(unknown).IsValid())

	_, err = r.EndTransaction(flowEvent("T1", "c1", "F", "F"), nil, t1)
	require.NoError(t, err)
	require.NotEmpty(t, recorder.Ended())
	root := recorder.Ended()[0]
	assert.Equal(t, upstream.SpanID(), root.Parent().SpanID())
}

func TestRegistry_AddTransactionTags(t *testing.T) {
	factory, recorder := newTestFactory(t)
	r := NewRegistry(nil)

	_, err := r.StartTransaction(flowEvent("T1", "c1", "F", "F"), "F", factory.NewSpanBuilder("F"))
	require.NoError(t, err)
	r.AddTransactionTags("T1", "app.", map[string]string{"customer": "acme"})
	r.AddTransactionTags("missing", "app.", map[string]string{"customer": "acme"})

	meta, err := r.EndTransaction(flowEvent("T1", "c1", "F", "F"), nil, t1)
	require.NoError(t, err)
	assert.Equal(t, "acme", meta.Tags["app.customer"])

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	found := false
	for _, kv := range ended[0].Attributes() {
		if kv.Key == "app.customer" {
			found = kv.Value.AsString() == "acme"
		}
	}
	assert.True(t, found)
}
