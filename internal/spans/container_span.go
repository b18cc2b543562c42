package spans

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/event"
)

// ContainerSpan is a named grouping node owning the processor spans started
// inside it.
type ContainerSpan struct {
	name          string
	transactionID string
	location      string
	span          trace.Span
	rootCtx       context.Context
	startTime     time.Time
	logger        *zap.Logger

	spans sync.Map // scoped location -> *ProcessorSpan

	mu       sync.Mutex
	spanName string
	tags     map[string]string
	endTime  time.Time

	childContainers atomic.Int64
	siblings        atomic.Int64
	ended           atomic.Bool

	children  sync.Map // key -> *ContainerSpan
	parent    *ContainerSpan
	parentKey string
}

// NewContainerSpan starts the container's root span from ev under parent.
// parent may be nil for a transaction root.
func NewContainerSpan(name, transactionID string, ev *event.TraceEvent, builder *SpanBuilder, parent context.Context, logger *zap.Logger) *ContainerSpan {
	if logger == nil {
		logger = zap.NewNop()
	}
	span := startFromEvent(builder, parent, ev)
	c := &ContainerSpan{
		name:          name,
		transactionID: transactionID,
		location:      ev.Location,
		span:          span,
		rootCtx:       trace.ContextWithSpan(context.Background(), span),
		startTime:     ev.StartTime,
		logger:        logger,
		spanName:      builder.Name(),
		tags:          maps.Clone(ev.Tags),
	}
	if c.tags == nil {
		c.tags = make(map[string]string)
	}
	c.siblings.Store(int64(ev.Siblings))
	return c
}

// Name returns the container name.
func (c *ContainerSpan) Name() string { return c.name }

// Location returns the location the container was started at.
func (c *ContainerSpan) Location() string { return c.location }

// TransactionID returns the owning transaction id.
func (c *ContainerSpan) TransactionID() string { return c.transactionID }

// Span returns the root span handle.
func (c *ContainerSpan) Span() trace.Span { return c.span }

// Context returns a context carrying the root span.
func (c *ContainerSpan) Context() context.Context { return c.rootCtx }

// StartTime returns the root span start time.
func (c *ContainerSpan) StartTime() time.Time { return c.startTime }

// SpanName returns the current root span name.
func (c *ContainerSpan) SpanName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spanName
}

// Rename renames the root span in place. Spans may be renamed after start.
func (c *ContainerSpan) Rename(name string) {
	c.mu.Lock()
	c.spanName = name
	c.mu.Unlock()
	c.span.SetName(name)
}

// SetTag sets a tag on the container and as an attribute on its root span.
func (c *ContainerSpan) SetTag(key, value string) {
	c.mu.Lock()
	c.tags[key] = value
	c.mu.Unlock()
	c.span.SetAttributes(TagAttributes(map[string]string{key: value})...)
}

// Tags returns a copy of the container tags.
func (c *ContainerSpan) Tags() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.tags)
}

// EndTime returns the root span end time, zero while open.
func (c *ContainerSpan) EndTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTime
}

// Ended reports whether the root span has ended.
func (c *ContainerSpan) Ended() bool {
	return c.ended.Load()
}

// FindSpan returns the open span registered under scopedLocation.
func (c *ContainerSpan) FindSpan(scopedLocation string) *ProcessorSpan {
	v, ok := c.spans.Load(scopedLocation)
	if !ok {
		return nil
	}
	return v.(*ProcessorSpan)
}

// FindScopedSpan looks path up in the event's context and then in each
// enclosing context.
func (c *ContainerSpan) FindScopedSpan(ev *event.TraceEvent, path string) *ProcessorSpan {
	for _, key := range ev.ContextScopedPaths(path) {
		if ps := c.FindSpan(key); ps != nil {
			return ps
		}
	}
	return nil
}

// OpenSpans returns the number of processor spans still open.
func (c *ContainerSpan) OpenSpans() int {
	n := 0
	c.spans.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// AddProcessorSpan starts a span for ev and registers it under the event's
// scoped location. The parent is the open span at parentName in the event's
// context chain, falling back to the container root.
func (c *ContainerSpan) AddProcessorSpan(parentName string, ev *event.TraceEvent, builder *SpanBuilder) *ProcessorSpan {
	ps, _ := c.addProcessorSpan(parentName, ev, builder)
	return ps
}

// addProcessorSpan reports whether this call registered the returned span.
func (c *ContainerSpan) addProcessorSpan(parentName string, ev *event.TraceEvent, builder *SpanBuilder) (*ProcessorSpan, bool) {
	key := ev.ContextScopedLocation()
	if existing := c.FindSpan(key); existing != nil {
		c.logger.Debug("Span already registered, ignoring duplicate start",
			zap.String("transactionID", c.transactionID),
			zap.String("scopedLocation", key))
		return existing, false
	}

	parentCtx, parent := c.resolveParent(parentName, ev)
	span := startFromEvent(builder, parentCtx, ev)

	ps := NewProcessorSpan(span, ev.Location, c.transactionID, ev.StartTime, c.name, ev.Siblings)
	ps.SetParent(parent)
	ps.MergeTags(ev.Tags)

	if actual, loaded := c.spans.LoadOrStore(key, ps); loaded {
		// The losing handle is never ended, so it is never exported.
		return actual.(*ProcessorSpan), false
	}
	return ps, true
}

func (c *ContainerSpan) resolveParent(parentName string, ev *event.TraceEvent) (context.Context, *ProcessorSpan) {
	if parentName != "" {
		if parent := c.FindScopedSpan(ev, parentName); parent != nil {
			return parent.Context(), parent
		}
		if parentName != c.name {
			c.logger.Debug("Parent span not found, using container root",
				zap.String("transactionID", c.transactionID),
				zap.String("container", c.name),
				zap.String("parent", parentName),
				zap.String("location", ev.Location))
		}
	}
	return c.rootCtx, nil
}

// AddChildContainer registers a nested flow invocation as a child of the
// container root and counts it as open.
func (c *ContainerSpan) AddChildContainer(ev *event.TraceEvent, builder *SpanBuilder) *ProcessorSpan {
	ps, stored := c.addProcessorSpan("", ev, builder)
	if stored {
		c.childContainers.Add(1)
	}
	return ps
}

// HasChildContainer reports whether a nested invocation is open at the
// event's scoped location.
func (c *ContainerSpan) HasChildContainer(ev *event.TraceEvent) bool {
	return c.FindSpan(ev.ContextScopedLocation()) != nil
}

// EndChildContainer ends a nested flow invocation. A missing span is an
// invariant violation: the invocation was counted when it was added.
func (c *ContainerSpan) EndChildContainer(ev *event.TraceEvent, updater StatusUpdater, endTime time.Time) (*ProcessorSpan, error) {
	for _, key := range ev.ContextScopedPaths(ev.Location) {
		v, ok := c.spans.LoadAndDelete(key)
		if !ok {
			continue
		}
		ps := v.(*ProcessorSpan)
		endSpan(ps, ev, updater, endTime)
		c.childContainers.Add(-1)
		return ps, nil
	}
	return nil, fmt.Errorf("%w: no child container %q open in %q for transaction %s",
		ErrInvariant, ev.ContextScopedLocation(), c.name, c.transactionID)
}

// ChildContainersEnded reports whether every counted child container closed.
func (c *ContainerSpan) ChildContainersEnded() bool {
	return c.childContainers.Load() <= 0
}

// EndProcessorSpan ends the span registered at the event's scoped location.
// It returns nil when no such span is open. Ending a router also ends its
// route spans, which get no completion event of their own.
func (c *ContainerSpan) EndProcessorSpan(ev *event.TraceEvent, updater StatusUpdater, endTime time.Time) *ProcessorSpan {
	key := ev.ContextScopedLocation()
	v, ok := c.spans.LoadAndDelete(key)
	if !ok {
		c.logger.Debug("No open span to end",
			zap.String("transactionID", c.transactionID),
			zap.String("scopedLocation", key))
		return nil
	}
	ps := v.(*ProcessorSpan)

	if ev.IsRouter() {
		c.endRoutes(ev, endTime)
	}
	endSpan(ps, ev, updater, endTime)

	if parent := ps.Parent(); parent != nil && parent.SiblingCount() > 0 {
		parent.DecrementSiblingCount()
	}
	return ps
}

// endRoutes ends open route spans of the router at ev. Routes run in child
// contexts of the router's context, keyed "<ctx>[_suffix]/<router>/route/<n>".
func (c *ContainerSpan) endRoutes(ev *event.TraceEvent, endTime time.Time) {
	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(ev.EventContextID) + `(_[^/]*)?/` +
		regexp.QuoteMeta(ev.Location) + `/route/\d+$`)
	if err != nil {
		c.logger.Warn("Invalid route pattern", zap.String("location", ev.Location), zap.Error(err))
		return
	}

	c.spans.Range(func(k, _ any) bool {
		key := k.(string)
		if !pattern.MatchString(key) {
			return true
		}
		if v, ok := c.spans.LoadAndDelete(key); ok {
			route := v.(*ProcessorSpan)
			route.SetEndTime(endTime)
			route.Span().End(trace.WithTimestamp(endTime))
		}
		return true
	})
}

func endSpan(ps *ProcessorSpan, ev *event.TraceEvent, updater StatusUpdater, endTime time.Time) {
	ps.MergeTags(ev.Tags)
	ps.SetEndTime(endTime)
	if updater != nil {
		updater(ps.Span())
	}
	ps.Span().End(trace.WithTimestamp(endTime))
}

// NewNestedContainerSpan starts a container under parent's root span. The
// result is not visible from parent until AttachChild is called, so a caller
// losing a creation race can drop it.
func NewNestedContainerSpan(parent *ContainerSpan, key, name string, ev *event.TraceEvent, builder *SpanBuilder) *ContainerSpan {
	child := NewContainerSpan(name, parent.transactionID, ev, builder, parent.rootCtx, parent.logger)
	child.parent = parent
	child.parentKey = key
	return child
}

// AttachChild registers a nested container created by NewNestedContainerSpan
// and counts it as open.
func (c *ContainerSpan) AttachChild(child *ContainerSpan) {
	c.children.Store(child.parentKey, child)
	c.childContainers.Add(1)
}

// Child returns the nested container registered under key.
func (c *ContainerSpan) Child(key string) *ContainerSpan {
	v, ok := c.children.Load(key)
	if !ok {
		return nil
	}
	return v.(*ContainerSpan)
}

// DecrementSiblingCount lowers a positive expected-children count and reports
// whether this call brought it to zero.
func (c *ContainerSpan) DecrementSiblingCount() bool {
	return decrementPositive(&c.siblings)
}

// End ends open nested containers, then the root span. Only the first call
// has an effect; it reports whether this call ended the container.
func (c *ContainerSpan) End(updater StatusUpdater, endTime time.Time) bool {
	if !c.ended.CompareAndSwap(false, true) {
		return false
	}

	c.children.Range(func(_, v any) bool {
		v.(*ContainerSpan).End(nil, endTime)
		return true
	})

	c.mu.Lock()
	c.endTime = endTime
	c.mu.Unlock()

	if updater != nil {
		updater(c.span)
	}
	c.span.End(trace.WithTimestamp(endTime))

	if c.parent != nil {
		c.parent.detach(c.parentKey)
	}
	return true
}

func (c *ContainerSpan) detach(key string) {
	if _, ok := c.children.LoadAndDelete(key); ok {
		c.childContainers.Add(-1)
	}
}

// Meta returns a read-only projection of the root span.
func (c *ContainerSpan) Meta() *SpanMeta {
	sc := c.span.SpanContext()
	return &SpanMeta{
		TransactionID: c.transactionID,
		TraceID:       sc.TraceID().String(),
		SpanID:        sc.SpanID().String(),
		Location:      c.location,
		FlowName:      c.name,
		StartTime:     c.startTime,
		EndTime:       c.EndTime(),
		Tags:          c.Tags(),
	}
}
