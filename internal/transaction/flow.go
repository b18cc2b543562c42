package transaction

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/spans"
)

// FlowTransaction is a transaction started by a flow.
type FlowTransaction struct {
	transactionID string
	rootName      string
	flow          *spans.FlowSpan
}

// NewFlowTransaction starts the root span for ev. parent carries an
// upstream span context and may be nil.
func NewFlowTransaction(ev *event.TraceEvent, rootName string, builder *spans.SpanBuilder, parent context.Context, logger *zap.Logger) *FlowTransaction {
	return &FlowTransaction{
		transactionID: ev.TransactionID,
		rootName:      rootName,
		flow:          spans.NewFlowSpan(rootName, ev, builder, parent, logger),
	}
}

func (t *FlowTransaction) TransactionID() string { return t.transactionID }
func (t *FlowTransaction) RootSpanName() string  { return t.rootName }
func (t *FlowTransaction) StartTime() time.Time  { return t.flow.StartTime() }
func (t *FlowTransaction) EndTime() time.Time    { return t.flow.EndTime() }

func (t *FlowTransaction) TraceID() string {
	return t.flow.Span().SpanContext().TraceID().String()
}

func (t *FlowTransaction) AddChildTransaction(ev *event.TraceEvent, builder *spans.SpanBuilder) *spans.SpanMeta {
	return metaOf(t.flow.AddChildContainer(ev, builder))
}

func (t *FlowTransaction) IsChildTransaction(ev *event.TraceEvent) bool {
	return t.flow.HasChildContainer(ev)
}

func (t *FlowTransaction) EndChildTransaction(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) (*spans.SpanMeta, error) {
	ps, err := t.flow.EndChildContainer(ev, updater, endTime)
	if err != nil {
		return nil, err
	}
	return ps.Meta(), nil
}

func (t *FlowTransaction) AddProcessorSpan(containerName string, ev *event.TraceEvent, builder *spans.SpanBuilder) *spans.SpanMeta {
	return metaOf(t.flow.AddProcessorSpan(containerName, ev, builder))
}

func (t *FlowTransaction) EndProcessorSpan(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) *spans.SpanMeta {
	return metaOf(t.flow.EndProcessorSpan(ev, updater, endTime))
}

func (t *FlowTransaction) EndRootSpan(_ *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) bool {
	return t.flow.End(updater, endTime)
}

func (t *FlowTransaction) HasEnded() bool {
	return t.flow.Ended() && t.flow.ChildFlowsEnded()
}

func (t *FlowTransaction) FindSpan(scopedLocation string) *spans.ProcessorSpan {
	return t.flow.FindSpan(scopedLocation)
}

func (t *FlowTransaction) Context(scopedLocation string) context.Context {
	if ps := t.flow.FindSpan(scopedLocation); ps != nil {
		return ps.Context()
	}
	return t.flow.Context()
}

func (t *FlowTransaction) AddTags(prefix string, tags map[string]string) {
	for k, v := range tags {
		t.flow.SetTag(prefix+k, v)
	}
}

func (t *FlowTransaction) OpenSpans() int { return t.flow.OpenSpans() }

func (t *FlowTransaction) Meta() *TransactionMeta {
	return rootMeta(t.transactionID, t.rootName, t.flow.ContainerSpan)
}
