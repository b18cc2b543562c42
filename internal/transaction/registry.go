package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/spans"
)

// Registry maps transaction ids to live transactions.
type Registry struct {
	transactions sync.Map // transaction id -> Transaction
	aliases      sync.Map // batch job instance id -> transaction id
	propagator   propagation.TextMapPropagator
	logger       *zap.Logger
}

// NewRegistry returns an empty registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		propagator: propagation.TraceContext{},
		logger:     logger,
	}
}

// StartTransaction creates the transaction for ev, or places ev as a nested
// flow invocation when the id is already live.
func (r *Registry) StartTransaction(ev *event.TraceEvent, rootName string, builder *spans.SpanBuilder) (*TransactionMeta, error) {
	if ev.TransactionID == "" {
		return nil, fmt.Errorf("start of %q has no transaction id", rootName)
	}
	if tx := r.load(ev.TransactionID); tx != nil {
		return r.startChild(tx, ev, builder), nil
	}

	tx := r.newTransaction(ev, rootName, builder)
	if batch, ok := tx.(*BatchTransaction); ok && batch.InstanceID() != ev.TransactionID {
		r.aliases.Store(batch.InstanceID(), ev.TransactionID)
	}
	if actual, loaded := r.transactions.LoadOrStore(ev.TransactionID, tx); loaded {
		// Another start published first. This root handle is never ended,
		// so it is never exported.
		return r.startChild(actual.(Transaction), ev, builder), nil
	}

	r.logger.Debug("Started transaction",
		zap.String("transactionID", ev.TransactionID),
		zap.String("spanName", builder.Name()))
	return tx.Meta(), nil
}

func (r *Registry) newTransaction(ev *event.TraceEvent, rootName string, builder *spans.SpanBuilder) Transaction {
	parent := r.extractParent(ev)
	if ev.IsBatchJob() {
		return NewBatchTransaction(ev, rootName, builder, parent, r.logger)
	}
	return NewFlowTransaction(ev, rootName, builder, parent, r.logger)
}

func (r *Registry) startChild(tx Transaction, ev *event.TraceEvent, builder *spans.SpanBuilder) *TransactionMeta {
	meta := tx.AddChildTransaction(ev, builder)
	if meta == nil {
		return nil
	}
	return childMeta(tx.RootSpanName(), builder.Name(), meta)
}

func (r *Registry) extractParent(ev *event.TraceEvent) context.Context {
	if len(ev.Context) == 0 {
		return nil
	}
	ctx := r.propagator.Extract(context.Background(), propagation.MapCarrier(ev.Context))
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}
	return ctx
}

// lookup resolves the id, then the batch job instance alias carried by ev.
func (r *Registry) lookup(transactionID string, ev *event.TraceEvent) Transaction {
	if tx := r.load(transactionID); tx != nil {
		return tx
	}
	if ev == nil {
		return nil
	}
	if instance := ev.Tag(event.TagBatchJobInstanceID); instance != "" {
		if id, ok := r.aliases.Load(instance); ok {
			return r.load(id.(string))
		}
	}
	return nil
}

func (r *Registry) load(transactionID string) Transaction {
	if transactionID == "" {
		return nil
	}
	v, ok := r.transactions.Load(transactionID)
	if !ok {
		return nil
	}
	return v.(Transaction)
}

// AddProcessorSpan places a processor start in its transaction. It returns
// nil when the transaction is unknown.
func (r *Registry) AddProcessorSpan(containerName string, ev *event.TraceEvent, builder *spans.SpanBuilder) (*spans.SpanMeta, error) {
	tx := r.lookup(ev.TransactionID, ev)
	if tx == nil {
		r.logger.Debug("No transaction for processor start",
			zap.String("transactionID", ev.TransactionID),
			zap.String("location", ev.Location))
		return nil, nil
	}
	return tx.AddProcessorSpan(containerName, ev, builder), nil
}

// EndProcessorSpan ends a processor span of transactionID. It returns nil
// when the transaction or the span is unknown.
func (r *Registry) EndProcessorSpan(transactionID string, ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) (*spans.SpanMeta, error) {
	tx := r.lookup(transactionID, ev)
	if tx == nil {
		r.logger.Debug("No transaction for processor end",
			zap.String("transactionID", transactionID),
			zap.String("location", ev.Location))
		return nil, nil
	}
	return tx.EndProcessorSpan(ev, updater, endTime), nil
}

// EndTransaction ends the root span when ev names it and no nested
// invocation is open at the event's location, and a nested invocation
// otherwise. The transaction is removed once it has fully ended. A repeated
// root end returns nil.
func (r *Registry) EndTransaction(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) (*TransactionMeta, error) {
	tx := r.lookup(ev.TransactionID, ev)
	if tx == nil {
		r.logger.Debug("No transaction to end",
			zap.String("transactionID", ev.TransactionID),
			zap.String("location", ev.Location))
		return nil, nil
	}

	var meta *TransactionMeta
	if ev.Name == tx.RootSpanName() && !tx.IsChildTransaction(ev) {
		if !tx.EndRootSpan(ev, updater, endTime) {
			r.logger.Debug("Transaction root already ended",
				zap.String("transactionID", tx.TransactionID()))
			return nil, nil
		}
		meta = tx.Meta()
	} else {
		m, err := tx.EndChildTransaction(ev, updater, endTime)
		if err != nil {
			return nil, fmt.Errorf("end nested flow of %s: %w", tx.TransactionID(), err)
		}
		meta = childMeta(tx.RootSpanName(), ev.Name, m)
	}

	if tx.HasEnded() {
		r.remove(tx)
	}
	return meta, nil
}

func (r *Registry) remove(tx Transaction) {
	if !r.transactions.CompareAndDelete(tx.TransactionID(), tx) {
		return
	}
	if batch, ok := tx.(*BatchTransaction); ok {
		r.aliases.CompareAndDelete(batch.InstanceID(), tx.TransactionID())
	}
	r.logger.Debug("Removed transaction",
		zap.String("transactionID", tx.TransactionID()),
		zap.Int("openSpans", tx.OpenSpans()))
}

// TransactionContext returns ctx carrying the span open at scopedLocation in
// the transaction, or its root span. ctx is returned unchanged for an
// unknown transaction.
func (r *Registry) TransactionContext(ctx context.Context, transactionID, scopedLocation string) context.Context {
	tx := r.load(transactionID)
	if tx == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, trace.SpanFromContext(tx.Context(scopedLocation)))
}

// InjectTraceContext writes the W3C trace context of the span open at
// scopedLocation into carrier.
func (r *Registry) InjectTraceContext(transactionID, scopedLocation string, carrier propagation.TextMapCarrier) {
	r.propagator.Inject(r.TransactionContext(context.Background(), transactionID, scopedLocation), carrier)
}

// AddTransactionTags sets prefixed tags on the transaction root span.
func (r *Registry) AddTransactionTags(transactionID, prefix string, tags map[string]string) {
	tx := r.load(transactionID)
	if tx == nil {
		r.logger.Debug("No transaction for tags", zap.String("transactionID", transactionID))
		return
	}
	tx.AddTags(prefix, tags)
}

// Get returns the live transaction for id, or nil.
func (r *Registry) Get(transactionID string) Transaction {
	tx := r.load(transactionID)
	return tx
}

// Len returns the number of live transactions.
func (r *Registry) Len() int {
	n := 0
	r.transactions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
