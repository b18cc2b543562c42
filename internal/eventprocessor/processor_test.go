package eventprocessor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrzor/flow-tracer/internal/attributes"
	"github.com/mrzor/flow-tracer/internal/config"
	"github.com/mrzor/flow-tracer/internal/spans"
	"github.com/mrzor/flow-tracer/internal/timesync"
	"github.com/mrzor/flow-tracer/internal/transaction"
)

var now = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

type harness struct {
	processor *Processor
	registry  *transaction.Registry
	recorder  *tracetest.SpanRecorder
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, attrs ...config.CustomAttribute) *harness {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	evaluator, err := attributes.NewEvaluator(attrs, logger)
	require.NoError(t, err)

	registry := transaction.NewRegistry(logger)
	return &harness{
		processor: NewProcessor(
			registry,
			spans.NewSpanFactory(provider.Tracer("test")),
			timesync.NewConverter(clockz.NewFakeClockAt(now)),
			evaluator,
			logger,
		),
		registry: registry,
		recorder: recorder,
		logs:     logs,
	}
}

func (h *harness) send(t *testing.T, notifications ...*Notification) {
	t.Helper()
	for _, n := range notifications {
		require.NoError(t, h.processor.HandleNotification(n))
	}
}

func notification(typ, name, location, ctxID string) *Notification {
	return &Notification{
		Type: typ,
		Event: EventPayload{
			Name:           name,
			Location:       location,
			TransactionID:  "tx-1",
			EventContextID: ctxID,
			StartTime:      now.Add(-time.Second).UnixNano(),
			EndTime:        now.UnixNano(),
		},
	}
}

func attr(s sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestProcessor_FlowWithProcessors(t *testing.T) {
	h := newHarness(t)

	start := notification(TypeTransactionStart, "orders", "orders", "c1")
	start.Event.SpanName = "GET /orders"
	start.Event.Kind = "server"

	failing := notification(TypeProcessorEnd, "http:request", "orders/processors/0", "c1")
	failing.Event.Status = "error"
	failing.Event.ErrorMessage = "connection refused"
	failing.Event.Tags = map[string]string{"http.status_code": "502"}

	h.send(t,
		start,
		notification(TypeProcessorStart, "http:request", "orders/processors/0", "c1"),
		failing,
		notification(TypeTransactionEnd, "orders", "orders", "c1"),
	)

	assert.Equal(t, 0, h.registry.Len())
	ended := h.recorder.Ended()
	require.Len(t, ended, 2)

	proc, root := ended[0], ended[1]
	assert.Equal(t, "GET /orders", root.Name())
	assert.Equal(t, trace.SpanKindServer, root.SpanKind())
	assert.Equal(t, now, root.EndTime())

	assert.Equal(t, "http:request", proc.Name())
	assert.Equal(t, root.SpanContext().SpanID(), proc.Parent().SpanID())
	assert.Equal(t, codes.Error, proc.Status().Code)
	assert.Equal(t, "connection refused", proc.Status().Description)
	code, ok := attr(proc, "http.status_code")
	assert.True(t, ok)
	assert.Equal(t, "502", code)
}

func TestProcessor_DefaultContainerIsParentLocation(t *testing.T) {
	h := newHarness(t)

	h.send(t,
		notification(TypeTransactionStart, "orders", "orders", "c1"),
		notification(TypeProcessorStart, "foreach", "orders/processors/1", "c1"),
		notification(TypeProcessorStart, "logger", "orders/processors/1/processors/0", "c1"),
		notification(TypeProcessorEnd, "logger", "orders/processors/1/processors/0", "c1"),
		notification(TypeProcessorEnd, "foreach", "orders/processors/1", "c1"),
	)

	ended := h.recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "logger", ended[0].Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
}

func TestProcessor_CustomAttributes(t *testing.T) {
	h := newHarness(t, config.CustomAttribute{Name: "customer", Expression: `tags["customer.id"] ?? "anonymous"`})

	start := notification(TypeTransactionStart, "orders", "orders", "c1")
	start.Event.Tags = map[string]string{"customer.id": "c-7"}
	h.send(t,
		start,
		notification(TypeTransactionEnd, "orders", "orders", "c1"),
	)

	ended := h.recorder.Ended()
	require.Len(t, ended, 1)
	value, ok := attr(ended[0], "customer")
	assert.True(t, ok)
	assert.Equal(t, "c-7", value)
}

func TestProcessor_TransactionTags(t *testing.T) {
	h := newHarness(t)

	tags := notification(TypeTransactionTags, "", "", "c1")
	tags.Prefix = "app."
	tags.Event.Tags = map[string]string{"tenant": "acme"}

	h.send(t,
		notification(TypeTransactionStart, "orders", "orders", "c1"),
		tags,
		notification(TypeTransactionEnd, "orders", "orders", "c1"),
	)

	ended := h.recorder.Ended()
	require.Len(t, ended, 1)
	assert.Contains(t, ended[0].Attributes(), attribute.String("app.tenant", "acme"))
}

func TestProcessor_MissingTimestampsUseClock(t *testing.T) {
	h := newHarness(t)

	start := notification(TypeTransactionStart, "orders", "orders", "c1")
	start.Event.StartTime = 0
	end := notification(TypeTransactionEnd, "orders", "orders", "c1")
	end.Event.EndTime = 0
	h.send(t, start, end)

	ended := h.recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, now, ended[0].StartTime())
	assert.Equal(t, now, ended[0].EndTime())
}

func TestProcessor_InvariantViolationIsLoggedAndReturned(t *testing.T) {
	h := newHarness(t)
	h.send(t, notification(TypeTransactionStart, "orders", "orders", "c1"))

	err := h.processor.HandleNotification(notification(TypeTransactionEnd, "sub", "sub", "c1_3"))

	require.Error(t, err)
	assert.ErrorIs(t, err, transaction.ErrInvariant)
	assert.Equal(t, 1, h.logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestProcessor_UnknownTypeAndMissesAreNotErrors(t *testing.T) {
	h := newHarness(t)

	h.send(t,
		notification("processor.retry", "x", "x", "c1"),
		notification(TypeProcessorStart, "logger", "orders/processors/0", "c1"),
		notification(TypeProcessorEnd, "logger", "orders/processors/0", "c1"),
		notification(TypeTransactionEnd, "orders", "orders", "c1"),
	)

	assert.Equal(t, 1, h.logs.FilterMessage("Ignoring unknown notification type").Len())
	assert.Empty(t, h.recorder.Ended())
}

func TestProcessor_SiblingsTag(t *testing.T) {
	h := newHarness(t)

	parallel := notification(TypeProcessorStart, "parallel-foreach", "orders/processors/0", "c1")
	parallel.Event.Tags = map[string]string{"component.siblings": "3"}
	broken := notification(TypeProcessorStart, "scatter-gather", "orders/processors/1", "c1")
	broken.Event.Tags = map[string]string{"component.siblings": "three"}
	explicit := notification(TypeProcessorStart, "choice", "orders/processors/2", "c1")
	explicit.Event.Tags = map[string]string{"component.siblings": "9"}
	two := 2
	explicit.Event.Siblings = &two

	h.send(t, notification(TypeTransactionStart, "orders", "orders", "c1"), parallel, broken, explicit)

	tx := h.registry.Get("tx-1")
	require.NotNil(t, tx)
	assert.Equal(t, int64(3), tx.FindSpan("c1/orders/processors/0").SiblingCount())
	assert.Equal(t, int64(-1), tx.FindSpan("c1/orders/processors/1").SiblingCount(), "malformed tag skipped")
	assert.Equal(t, int64(2), tx.FindSpan("c1/orders/processors/2").SiblingCount(), "payload wins over tag")

	warnings := h.logs.FilterMessage("Skipping malformed numeric tag")
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, "three", warnings.All()[0].ContextMap()["value"])
}
