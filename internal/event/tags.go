package event

import "strings"

// Tag keys understood by the engine. Collaborators extracting domain
// attributes may add any other keys.
const (
	TagComponentName      = "component.name"
	TagComponentNamespace = "component.namespace"
	TagComponentConfigRef = "component.config.ref"
	TagFlowName           = "flow.name"
	TagHTTPRoute          = "http.route"
	TagHTTPMethod         = "http.method"
	TagBatchJobName       = "batch.job.name"
	TagBatchJobInstanceID = "batch.job.instance.id"
	TagBatchStepName      = "batch.step.name"
	// TagBatchJobSteps lists "name|location" pairs separated by commas.
	TagBatchJobSteps = "batch.job.steps"
	// TagSiblings carries the parallel branch count when the payload omits it.
	TagSiblings = "component.siblings"
)

var routerComponents = map[string]struct{}{
	"scatter-gather":   {},
	"parallel-foreach": {},
	"round-robin":      {},
	"first-successful": {},
	"choice":           {},
}

// IsRouter reports whether the event's component completes its routes
// implicitly when it ends.
func (e *TraceEvent) IsRouter() bool {
	_, ok := routerComponents[e.Tag(TagComponentName)]
	return ok
}

// IsAPIRouter reports whether the event is an APIkit style router.
func (e *TraceEvent) IsAPIRouter() bool {
	return e.Tag(TagComponentNamespace) == "apikit" && e.Tag(TagComponentName) == "router"
}

// IsBatchJob reports whether the event starts a batch job.
func (e *TraceEvent) IsBatchJob() bool {
	return e.Tag(TagBatchJobName) != "" || e.Tag(TagComponentName) == "batch-job"
}

// FlowName returns the flow the event belongs to: the flow.name tag when
// present, otherwise the first location segment.
func (e *TraceEvent) FlowName() string {
	if v := e.Tag(TagFlowName); v != "" {
		return v
	}
	if i := strings.IndexByte(e.Location, '/'); i >= 0 {
		return e.Location[:i]
	}
	return e.Location
}
