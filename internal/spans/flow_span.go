package spans

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/event"
)

// FlowSpan is the root container of one flow execution.
type FlowSpan struct {
	*ContainerSpan

	apiConfig atomic.Pointer[string]
	renamed   atomic.Bool
}

// NewFlowSpan starts the root span of flowName from ev.
func NewFlowSpan(flowName string, ev *event.TraceEvent, builder *SpanBuilder, parent context.Context, logger *zap.Logger) *FlowSpan {
	return &FlowSpan{
		ContainerSpan: NewContainerSpan(flowName, ev.TransactionID, ev, builder, parent, logger),
	}
}

// AddProcessorSpan inspects ev for routing information, then places it.
func (f *FlowSpan) AddProcessorSpan(parentName string, ev *event.TraceEvent, builder *SpanBuilder) *ProcessorSpan {
	f.inspect(ev)
	return f.ContainerSpan.AddProcessorSpan(parentName, ev, builder)
}

// AddChildContainer inspects ev for routing information, then places the
// nested flow invocation.
func (f *FlowSpan) AddChildContainer(ev *event.TraceEvent, builder *SpanBuilder) *ProcessorSpan {
	f.inspect(ev)
	return f.ContainerSpan.AddChildContainer(ev, builder)
}

// ChildFlowsEnded reports whether every nested flow invocation closed.
func (f *FlowSpan) ChildFlowsEnded() bool {
	return f.ChildContainersEnded()
}

// inspect remembers the API router configuration and, once a routed flow
// shows up, replaces a wildcard listener name with the concrete route.
func (f *FlowSpan) inspect(ev *event.TraceEvent) {
	if ev.IsAPIRouter() {
		if ref := ev.Tag(event.TagComponentConfigRef); ref != "" {
			f.apiConfig.Store(&ref)
		}
		return
	}

	cfg := f.apiConfig.Load()
	if cfg == nil || f.renamed.Load() {
		return
	}
	name := f.SpanName()
	base, ok := wildcardBase(name)
	if !ok {
		return
	}
	method, route, ok := apiRoute(ev.FlowName(), *cfg)
	if !ok {
		return
	}
	if !f.renamed.CompareAndSwap(false, true) {
		return
	}

	full := base + route
	if i := strings.IndexByte(name, ' '); i > 0 {
		method = name[:i]
	}
	f.Rename(method + " " + full)
	f.SetTag(event.TagHTTPRoute, full)
	f.logger.Debug("Renamed wildcard root span",
		zap.String("transactionID", f.transactionID),
		zap.String("from", name),
		zap.String("spanName", method+" "+full))
}

// wildcardBase returns the listener path of a span name such as "GET /api/*"
// without its wildcard suffix.
func wildcardBase(spanName string) (string, bool) {
	path := spanName
	if i := strings.LastIndexByte(spanName, ' '); i >= 0 {
		path = spanName[i+1:]
	}
	for _, suffix := range []string{"/**", "/*"} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix), true
		}
	}
	return "", false
}

// apiRoute parses routed flow names of the form
// "<method>:<path>[:<content-type>]:<config>", with "\" as path separator and
// "(param)" placeholders, into an upper-case method and a "/a/{param}" route.
func apiRoute(flowName, config string) (string, string, bool) {
	rest, ok := strings.CutSuffix(flowName, ":"+config)
	if !ok {
		return "", "", false
	}
	method, path, ok := strings.Cut(rest, ":")
	if !ok || method == "" || !strings.HasPrefix(path, `\`) {
		return "", "", false
	}
	if i := strings.IndexByte(path, ':'); i >= 0 {
		path = path[:i]
	}
	path = strings.NewReplacer(`\`, "/", "(", "{", ")", "}").Replace(path)
	return strings.ToUpper(method), path, true
}
