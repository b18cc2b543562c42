package eventprocessor

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/attributes"
	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/spans"
	"github.com/mrzor/flow-tracer/internal/timesync"
	"github.com/mrzor/flow-tracer/internal/transaction"
)

// Processor coordinates notification processing.
// It converts notifications to trace events and routes them to the registry.
type Processor struct {
	registry  *transaction.Registry
	factory   *spans.SpanFactory
	converter *timesync.Converter
	evaluator *attributes.Evaluator
	logger    *zap.Logger
}

// NewProcessor creates a new notification processor. evaluator may be nil.
func NewProcessor(
	registry *transaction.Registry,
	factory *spans.SpanFactory,
	converter *timesync.Converter,
	evaluator *attributes.Evaluator,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		registry:  registry,
		factory:   factory,
		converter: converter,
		evaluator: evaluator,
		logger:    logger,
	}
}

func (p *Processor) siblingsFromTag(ev *event.TraceEvent) {
	raw := ev.Tag(event.TagSiblings)
	if raw == "" {
		return
	}
	n, ok := ev.IntTag(event.TagSiblings)
	if !ok || n < 0 {
		p.logger.Warn("Skipping malformed numeric tag",
			zap.String("tag", event.TagSiblings),
			zap.String("value", raw),
			zap.String("transactionID", ev.TransactionID),
			zap.String("location", ev.Location))
		return
	}
	ev.Siblings = n
}

// HandleNotification routes notifications by type.
func (p *Processor) HandleNotification(n *Notification) error {
	ev := n.Event.TraceEvent(p.converter)
	if n.Event.Siblings == nil {
		p.siblingsFromTag(ev)
	}

	var err error
	switch n.Type {
	case TypeTransactionStart:
		err = p.handleTransactionStart(ev)
	case TypeTransactionEnd:
		err = p.handleTransactionEnd(ev)
	case TypeProcessorStart:
		err = p.handleProcessorStart(n.Container, ev)
	case TypeProcessorEnd:
		err = p.handleProcessorEnd(ev)
	case TypeTransactionTags:
		p.registry.AddTransactionTags(ev.TransactionID, n.Prefix, ev.Tags)
	default:
		p.logger.Warn("Ignoring unknown notification type",
			zap.String("type", n.Type),
			zap.String("transactionID", ev.TransactionID))
		return nil
	}

	if err != nil {
		if errors.Is(err, transaction.ErrInvariant) {
			p.logger.Error("Span tree invariant violated",
				zap.String("type", n.Type),
				zap.String("transactionID", ev.TransactionID),
				zap.String("scopedLocation", ev.ContextScopedLocation()),
				zap.Error(err))
		}
		return fmt.Errorf("handling %s: %w", n.Type, err)
	}
	return nil
}

func (p *Processor) builder(ev *event.TraceEvent) *spans.SpanBuilder {
	name := ev.SpanName
	if name == "" {
		name = ev.Name
	}
	return p.factory.NewSpanBuilder(name)
}

// enrich merges custom attributes into the event tags.
func (p *Processor) enrich(ev *event.TraceEvent) {
	for _, kv := range p.evaluator.Evaluate(ev) {
		ev.Tags[string(kv.Key)] = kv.Value.Emit()
	}
}

func (p *Processor) handleTransactionStart(ev *event.TraceEvent) error {
	p.enrich(ev)
	meta, err := p.registry.StartTransaction(ev, ev.Name, p.builder(ev))
	if err != nil {
		return err
	}
	if meta != nil {
		p.logger.Debug("Transaction start placed",
			zap.String("transactionID", meta.TransactionID),
			zap.String("traceID", meta.TraceID),
			zap.Bool("child", meta.Child))
	}
	return nil
}

func (p *Processor) handleTransactionEnd(ev *event.TraceEvent) error {
	meta, err := p.registry.EndTransaction(ev, spans.EventStatus(ev), ev.EndTime)
	if err != nil {
		return err
	}
	if meta != nil && !meta.Child {
		p.logger.Debug("Transaction ended",
			zap.String("transactionID", meta.TransactionID),
			zap.String("spanName", meta.SpanName),
			zap.Duration("duration", meta.EndTime.Sub(meta.StartTime)))
	}
	return nil
}

func (p *Processor) handleProcessorStart(container string, ev *event.TraceEvent) error {
	if container == "" {
		container = event.ParentLocation(ev.Location)
	}
	p.enrich(ev)
	_, err := p.registry.AddProcessorSpan(container, ev, p.builder(ev))
	return err
}

func (p *Processor) handleProcessorEnd(ev *event.TraceEvent) error {
	_, err := p.registry.EndProcessorSpan(ev.TransactionID, ev, spans.EventStatus(ev), ev.EndTime)
	return err
}
