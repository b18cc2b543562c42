package transaction

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/spans"
)

const (
	aggregatorSegment = "/aggregator"
	onCompleteSegment = "/on-complete"
)

type containerSlot = atomic.Pointer[spans.ContainerSpan]

// BatchTransaction is a transaction started by a batch job. The job is the
// root span; steps, records, aggregators and the on-complete phase each get
// a container created once and shared by concurrent record workers.
type BatchTransaction struct {
	transactionID string
	rootName      string
	instanceID    string
	jobLocation   string
	jobContextID  string
	root          *spans.ContainerSpan
	steps         map[string]string // step name -> step location
	logger        *zap.Logger

	slots     sync.Map // container key -> *containerSlot
	synthetic sync.Map // aggregator keys created without a start event
}

// NewBatchTransaction starts the job root span for ev. Steps are read from
// the batch.job.steps tag; malformed entries are skipped.
func NewBatchTransaction(ev *event.TraceEvent, rootName string, builder *spans.SpanBuilder, parent context.Context, logger *zap.Logger) *BatchTransaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	instanceID := ev.Tag(event.TagBatchJobInstanceID)
	if instanceID == "" {
		instanceID = ev.TransactionID
	}
	return &BatchTransaction{
		transactionID: ev.TransactionID,
		rootName:      rootName,
		instanceID:    instanceID,
		jobLocation:   ev.Location,
		jobContextID:  ev.EventContextID,
		root:          spans.NewContainerSpan(rootName, ev.TransactionID, ev, builder, parent, logger),
		steps:         parseSteps(ev.Tag(event.TagBatchJobSteps), logger),
		logger:        logger,
	}
}

func parseSteps(raw string, logger *zap.Logger) map[string]string {
	steps := make(map[string]string)
	if raw == "" {
		return steps
	}
	for _, pair := range strings.Split(raw, ",") {
		name, location, ok := strings.Cut(strings.TrimSpace(pair), "|")
		if !ok || name == "" || location == "" {
			logger.Warn("Skipping malformed batch step", zap.String("step", pair))
			continue
		}
		steps[name] = location
	}
	return steps
}

func (t *BatchTransaction) TransactionID() string { return t.transactionID }
func (t *BatchTransaction) RootSpanName() string  { return t.rootName }
func (t *BatchTransaction) StartTime() time.Time  { return t.root.StartTime() }
func (t *BatchTransaction) EndTime() time.Time    { return t.root.EndTime() }

// InstanceID returns the job instance id events may carry instead of the
// transaction id.
func (t *BatchTransaction) InstanceID() string { return t.instanceID }

func (t *BatchTransaction) TraceID() string {
	return t.root.Span().SpanContext().TraceID().String()
}

// Container returns the step, record, aggregator or on-complete container
// created under key, or nil.
func (t *BatchTransaction) Container(key string) *spans.ContainerSpan {
	v, ok := t.slots.Load(key)
	if !ok {
		return nil
	}
	return v.(*containerSlot).Load()
}

// addOrGetContainerSpan returns the container under key, creating it under
// parent when absent. Exactly one caller creates it; a losing candidate is
// never attached or ended, so it is never exported.
func (t *BatchTransaction) addOrGetContainerSpan(parent *spans.ContainerSpan, key, name string, ev *event.TraceEvent, builder *spans.SpanBuilder) *spans.ContainerSpan {
	v, _ := t.slots.LoadOrStore(key, new(containerSlot))
	slot := v.(*containerSlot)
	if c := slot.Load(); c != nil {
		return c
	}

	candidate := spans.NewNestedContainerSpan(parent, key, name, ev, builder)
	if slot.CompareAndSwap(nil, candidate) {
		parent.AttachChild(candidate)
		return candidate
	}
	return slot.Load()
}

// containerEvent describes a container implicitly opened at location by ev.
func containerEvent(ev *event.TraceEvent, location string) *event.TraceEvent {
	if ev.Location == location {
		return ev
	}
	return &event.TraceEvent{
		Name:           ev.Name,
		Location:       location,
		TransactionID:  ev.TransactionID,
		EventContextID: ev.EventContextID,
		StartTime:      ev.StartTime,
		Siblings:       event.UnknownSiblings,
	}
}

// containerBuilder reuses the event's builder when ev is the container's own
// start event, and forks a builder named after the container otherwise.
func containerBuilder(ev *event.TraceEvent, location, name string, builder *spans.SpanBuilder) *spans.SpanBuilder {
	if ev.Location == location {
		return builder
	}
	return builder.Fork(name)
}

// stepOf returns the step an event belongs to, by tag first and by location
// prefix otherwise.
func (t *BatchTransaction) stepOf(ev *event.TraceEvent) (string, string, bool) {
	if name := ev.Tag(event.TagBatchStepName); name != "" {
		if path, ok := t.steps[name]; ok {
			return name, path, true
		}
	}
	for name, path := range t.steps {
		if within(ev.Location, path) {
			return name, path, true
		}
	}
	return "", "", false
}

func within(location, path string) bool {
	return location == path || strings.HasPrefix(location, path+"/")
}

func (t *BatchTransaction) onCompletePath() string {
	return t.jobLocation + onCompleteSegment
}

func (t *BatchTransaction) stepContainer(ev *event.TraceEvent, name, path string, builder *spans.SpanBuilder) *spans.ContainerSpan {
	return t.addOrGetContainerSpan(t.root, path, name, containerEvent(ev, path), containerBuilder(ev, path, name, builder))
}

// recordKey returns the key of the record container the event belongs to.
// Step-level events run in the job's own context and have none.
func (t *BatchTransaction) recordKey(ev *event.TraceEvent, stepPath string) (string, bool) {
	if ev.EventContextID == t.jobContextID {
		return "", false
	}
	return ev.ContextScopedPath(stepPath), true
}

// findRecord returns the record container open in the event's context chain.
func (t *BatchTransaction) findRecord(ev *event.TraceEvent, stepPath string) *spans.ContainerSpan {
	for _, key := range ev.ContextScopedPaths(stepPath) {
		if c := t.Container(key); c != nil {
			return c
		}
	}
	return nil
}

func (t *BatchTransaction) record(step *spans.ContainerSpan, ev *event.TraceEvent, stepPath string, builder *spans.SpanBuilder) *spans.ContainerSpan {
	if c := t.findRecord(ev, stepPath); c != nil {
		return c
	}
	key, ok := t.recordKey(ev, stepPath)
	if !ok {
		return nil
	}
	opens := ev.Location == stepPath ||
		(event.ParentLocation(ev.Location) == stepPath && event.ProcessorIndex(ev.Location) == 0)
	if !opens {
		return nil
	}
	return t.addOrGetContainerSpan(step, key, "record", containerEvent(ev, stepPath), containerBuilder(ev, stepPath, "record", builder))
}

// aggregator returns the step's aggregator, creating it on first use. The
// aggregator of a step runs on a single thread, so an existence check is
// enough.
func (t *BatchTransaction) aggregator(step *spans.ContainerSpan, ev *event.TraceEvent, path string, builder *spans.SpanBuilder) *spans.ContainerSpan {
	if c := t.Container(path); c != nil {
		return c
	}
	cev := containerEvent(ev, path)
	if ev.Location != path {
		cev.Siblings = ev.Siblings
		t.synthetic.Store(path, struct{}{})
	}
	agg := spans.NewNestedContainerSpan(step, path, "aggregator", cev, containerBuilder(ev, path, "aggregator", builder))
	slot := new(containerSlot)
	slot.Store(agg)
	t.slots.Store(path, slot)
	step.AttachChild(agg)
	return agg
}

func (t *BatchTransaction) AddProcessorSpan(containerName string, ev *event.TraceEvent, builder *spans.SpanBuilder) *spans.SpanMeta {
	loc := ev.Location
	if loc == t.jobLocation {
		return t.root.Meta()
	}

	if onComplete := t.onCompletePath(); within(loc, onComplete) {
		c := t.addOrGetContainerSpan(t.root, onComplete, "on-complete", containerEvent(ev, onComplete), containerBuilder(ev, onComplete, "on-complete", builder))
		if loc == onComplete {
			return c.Meta()
		}
		return metaOf(c.AddProcessorSpan(containerName, ev, builder))
	}

	name, stepPath, ok := t.stepOf(ev)
	if !ok {
		return metaOf(t.root.AddProcessorSpan(containerName, ev, builder))
	}
	if loc == stepPath && ev.EventContextID == t.jobContextID {
		return t.stepContainer(ev, name, stepPath, builder).Meta()
	}
	step := t.stepContainer(ev, name, stepPath, builder)

	if aggPath := stepPath + aggregatorSegment; within(loc, aggPath) {
		agg := t.aggregator(step, ev, aggPath, builder)
		if loc == aggPath {
			return agg.Meta()
		}
		return metaOf(agg.AddProcessorSpan(containerName, ev, builder))
	}

	rec := t.record(step, ev, stepPath, builder)
	if rec == nil {
		t.logger.Debug("No record container, placing span under step",
			zap.String("transactionID", t.transactionID),
			zap.String("scopedLocation", ev.ContextScopedLocation()))
		return metaOf(step.AddProcessorSpan(containerName, ev, builder))
	}
	if loc == stepPath {
		return rec.Meta()
	}
	return metaOf(rec.AddProcessorSpan(containerName, ev, builder))
}

func (t *BatchTransaction) EndProcessorSpan(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) *spans.SpanMeta {
	loc := ev.Location
	if loc == t.jobLocation {
		return nil
	}

	if onComplete := t.onCompletePath(); within(loc, onComplete) {
		c := t.Container(onComplete)
		if c == nil {
			return t.miss(ev, onComplete)
		}
		if loc == onComplete {
			return endContainer(c, updater, endTime)
		}
		return metaOf(c.EndProcessorSpan(ev, updater, endTime))
	}

	_, stepPath, ok := t.stepOf(ev)
	if !ok {
		return metaOf(t.root.EndProcessorSpan(ev, updater, endTime))
	}
	step := t.Container(stepPath)
	if step == nil {
		return t.miss(ev, stepPath)
	}

	if loc == stepPath {
		if ev.EventContextID == t.jobContextID {
			return endContainer(step, updater, endTime)
		}
		rec := t.findRecord(ev, stepPath)
		if rec == nil {
			return t.miss(ev, ev.ContextScopedPath(stepPath))
		}
		return endContainer(rec, updater, endTime)
	}

	if aggPath := stepPath + aggregatorSegment; within(loc, aggPath) {
		agg := t.Container(aggPath)
		if agg == nil {
			return t.miss(ev, aggPath)
		}
		if loc == aggPath {
			return endContainer(agg, updater, endTime)
		}
		meta := metaOf(agg.EndProcessorSpan(ev, updater, endTime))
		if _, ok := t.synthetic.Load(aggPath); ok && meta != nil && event.ParentLocation(loc) == aggPath {
			if agg.DecrementSiblingCount() && agg.End(nil, endTime) {
				t.logger.Debug("Ended aggregator after its last processor",
					zap.String("transactionID", t.transactionID),
					zap.String("location", aggPath))
			}
		}
		return meta
	}

	if rec := t.findRecord(ev, stepPath); rec != nil {
		return metaOf(rec.EndProcessorSpan(ev, updater, endTime))
	}
	return metaOf(step.EndProcessorSpan(ev, updater, endTime))
}

func endContainer(c *spans.ContainerSpan, updater spans.StatusUpdater, endTime time.Time) *spans.SpanMeta {
	if !c.End(updater, endTime) {
		return nil
	}
	return c.Meta()
}

func (t *BatchTransaction) miss(ev *event.TraceEvent, key string) *spans.SpanMeta {
	t.logger.Debug("No open batch container",
		zap.String("transactionID", t.transactionID),
		zap.String("container", key),
		zap.String("location", ev.Location))
	return nil
}

// AddChildTransaction places a flow referenced from a step or the job.
func (t *BatchTransaction) AddChildTransaction(ev *event.TraceEvent, builder *spans.SpanBuilder) *spans.SpanMeta {
	return metaOf(t.root.AddChildContainer(ev, builder))
}

func (t *BatchTransaction) IsChildTransaction(ev *event.TraceEvent) bool {
	return t.root.HasChildContainer(ev)
}

func (t *BatchTransaction) EndChildTransaction(ev *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) (*spans.SpanMeta, error) {
	ps, err := t.root.EndChildContainer(ev, updater, endTime)
	if err != nil {
		return nil, err
	}
	return ps.Meta(), nil
}

// EndRootSpan ends every open step and on-complete container, then the job.
func (t *BatchTransaction) EndRootSpan(_ *event.TraceEvent, updater spans.StatusUpdater, endTime time.Time) bool {
	return t.root.End(updater, endTime)
}

func (t *BatchTransaction) HasEnded() bool {
	return t.root.Ended() && t.root.ChildContainersEnded()
}

func (t *BatchTransaction) FindSpan(scopedLocation string) *spans.ProcessorSpan {
	if ps := t.root.FindSpan(scopedLocation); ps != nil {
		return ps
	}
	var found *spans.ProcessorSpan
	t.containers(func(c *spans.ContainerSpan) bool {
		found = c.FindSpan(scopedLocation)
		return found == nil
	})
	return found
}

func (t *BatchTransaction) Context(scopedLocation string) context.Context {
	if ps := t.FindSpan(scopedLocation); ps != nil {
		return ps.Context()
	}
	return t.root.Context()
}

func (t *BatchTransaction) AddTags(prefix string, tags map[string]string) {
	for k, v := range tags {
		t.root.SetTag(prefix+k, v)
	}
}

func (t *BatchTransaction) OpenSpans() int {
	n := t.root.OpenSpans()
	t.containers(func(c *spans.ContainerSpan) bool {
		n += c.OpenSpans()
		return true
	})
	return n
}

func (t *BatchTransaction) containers(fn func(*spans.ContainerSpan) bool) {
	t.slots.Range(func(_, v any) bool {
		if c := v.(*containerSlot).Load(); c != nil {
			return fn(c)
		}
		return true
	})
}

func (t *BatchTransaction) Meta() *TransactionMeta {
	return rootMeta(t.transactionID, t.rootName, t.root)
}
