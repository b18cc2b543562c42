package transaction

import (
	"context"
	"time"

	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/spans"
)

// ErrInvariant is returned when span bookkeeping contradicts an earlier
// successful call, which points at a broken event sequence upstream.
var ErrInvariant = spans.ErrInvariant

// Transaction is one live unit of work and its span tree.
type Transaction interface {
	TransactionID() string
	TraceID() string
	RootSpanName() string
	StartTime() time.Time
	// EndTime is zero until the root span ends.
	EndTime() time.Time

	// AddChildTransaction places a nested flow invocation.
	AddChildTransaction(ev *event.TraceEvent, builder *spans.SpanBuilder) *spans.SpanMeta
	// IsChildTransaction reports whether ev ends an open nested invocation.
	IsChildTransaction(ev *event.TraceEvent) bool
	EndChildTransaction(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) (*spans.SpanMeta, error)

	AddProcessorSpan(containerName string, ev *event.TraceEvent, builder *spans.SpanBuilder) *spans.SpanMeta
	EndProcessorSpan(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) *spans.SpanMeta
	// EndRootSpan reports whether this call ended the root span.
	EndRootSpan(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) bool

	// HasEnded reports whether the root ended and every nested container closed.
	HasEnded() bool
	FindSpan(scopedLocation string) *spans.ProcessorSpan
	// Context returns a context carrying the span open at scopedLocation, or
	// the root span when there is none.
	Context(scopedLocation string) context.Context
	AddTags(prefix string, tags map[string]string)
	// OpenSpans counts processor spans still open across all containers.
	OpenSpans() int
	Meta() *TransactionMeta
}

// TransactionMeta is a snapshot of a transaction root, or of a nested flow
// invocation when Child is set.
type TransactionMeta struct {
	TransactionID string
	TraceID       string
	SpanID        string
	RootSpanName  string
	SpanName      string
	StartTime     time.Time
	EndTime       time.Time
	Tags          map[string]string
	Child         bool
}

func rootMeta(transactionID, rootName string, root *spans.ContainerSpan) *TransactionMeta {
	m := root.Meta()
	return &TransactionMeta{
		TransactionID: transactionID,
		TraceID:       m.TraceID,
		SpanID:        m.SpanID,
		RootSpanName:  rootName,
		SpanName:      root.SpanName(),
		StartTime:     m.StartTime,
		EndTime:       m.EndTime,
		Tags:          m.Tags,
	}
}

func childMeta(rootName, spanName string, m *spans.SpanMeta) *TransactionMeta {
	return &TransactionMeta{
		TransactionID: m.TransactionID,
		TraceID:       m.TraceID,
		SpanID:        m.SpanID,
		RootSpanName:  rootName,
		SpanName:      spanName,
		StartTime:     m.StartTime,
		EndTime:       m.EndTime,
		Tags:          m.Tags,
		Child:         true,
	}
}

func metaOf(ps *spans.ProcessorSpan) *spans.SpanMeta {
	if ps == nil {
		return nil
	}
	return ps.Meta()
}
