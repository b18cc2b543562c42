package spans

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"go.opentelemetry.io/otel/trace"
)

// ProcessorSpan binds one component occurrence to its span handle.
type ProcessorSpan struct {
	span          trace.Span
	location      string
	transactionID string
	flowName      string
	startTime     time.Time

	mu      sync.Mutex
	endTime time.Time
	tags    map[string]string

	// parent is a lookup reference only; the owning container keeps spans alive.
	parent       atomic.Pointer[weak.Pointer[ProcessorSpan]]
	siblingCount atomic.Int64

	ctxOnce sync.Once
	ctx     context.Context
}

// NewProcessorSpan wraps span. siblings is the number of parallel branches
// expected under this span, or event.UnknownSiblings.
func NewProcessorSpan(span trace.Span, location, transactionID string, startTime time.Time, flowName string, siblings int) *ProcessorSpan {
	ps := &ProcessorSpan{
		span:          span,
		location:      location,
		transactionID: transactionID,
		flowName:      flowName,
		startTime:     startTime,
		tags:          make(map[string]string),
	}
	ps.siblingCount.Store(int64(siblings))
	return ps
}

// Span returns the span handle.
func (p *ProcessorSpan) Span() trace.Span { return p.span }

// Location returns the unscoped location.
func (p *ProcessorSpan) Location() string { return p.location }

// TransactionID returns the owning transaction id.
func (p *ProcessorSpan) TransactionID() string { return p.transactionID }

// FlowName returns the name of the owning container.
func (p *ProcessorSpan) FlowName() string { return p.flowName }

// StartTime returns the span start time.
func (p *ProcessorSpan) StartTime() time.Time { return p.startTime }

// Context returns a context carrying the span, derived on first use.
func (p *ProcessorSpan) Context() context.Context {
	p.ctxOnce.Do(func() {
		p.ctx = trace.ContextWithSpan(context.Background(), p.span)
	})
	return p.ctx
}

// SetEndTime records the end time.
func (p *ProcessorSpan) SetEndTime(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endTime = t
}

// EndTime returns the recorded end time, zero while open.
func (p *ProcessorSpan) EndTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endTime
}

// MergeTags copies tags into the span's tag set.
func (p *ProcessorSpan) MergeTags(tags map[string]string) {
	if len(tags) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	maps.Copy(p.tags, tags)
}

// Tags returns a copy of the tag set.
func (p *ProcessorSpan) Tags() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.tags)
}

// Parent returns the parent span if it is still reachable.
func (p *ProcessorSpan) Parent() *ProcessorSpan {
	wp := p.parent.Load()
	if wp == nil {
		return nil
	}
	return wp.Value()
}

// SetParent records parent as a weak back-reference. nil clears it.
func (p *ProcessorSpan) SetParent(parent *ProcessorSpan) {
	if parent == nil {
		p.parent.Store(nil)
		return
	}
	wp := weak.Make(parent)
	p.parent.Store(&wp)
}

// SiblingCount returns the remaining sibling count.
func (p *ProcessorSpan) SiblingCount() int64 {
	return p.siblingCount.Load()
}

// DecrementSiblingCount lowers a positive sibling count by one and reports
// whether this call brought it to zero.
func (p *ProcessorSpan) DecrementSiblingCount() bool {
	return decrementPositive(&p.siblingCount)
}

// Meta returns a read-only projection of the span.
func (p *ProcessorSpan) Meta() *SpanMeta {
	sc := p.span.SpanContext()
	return &SpanMeta{
		TransactionID: p.transactionID,
		TraceID:       sc.TraceID().String(),
		SpanID:        sc.SpanID().String(),
		Location:      p.location,
		FlowName:      p.flowName,
		StartTime:     p.startTime,
		EndTime:       p.EndTime(),
		Tags:          p.Tags(),
	}
}

func decrementPositive(n *atomic.Int64) bool {
	for {
		cur := n.Load()
		if cur <= 0 {
			return false
		}
		if n.CompareAndSwap(cur, cur-1) {
			return cur == 1
		}
	}
}
