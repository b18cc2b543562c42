package event

import (
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UnknownSiblings marks an event whose parallel branch count is not known.
const UnknownSiblings = -1

// TraceEvent describes one lifecycle occurrence of a host component.
// It is treated as immutable once handed to the engine.
type TraceEvent struct {
	Name           string            `json:"name"`
	SpanName       string            `json:"spanName"`
	Location       string            `json:"location"`
	TransactionID  string            `json:"transactionId"`
	EventContextID string            `json:"eventContextId"`
	Tags           map[string]string `json:"tags,omitempty"`
	StartTime      time.Time         `json:"-"`
	EndTime        time.Time         `json:"-"`
	SpanKind       trace.SpanKind    `json:"-"`
	StatusCode     codes.Code        `json:"-"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	// Context is a W3C trace-context carrier for a propagated parent.
	Context  map[string]string `json:"context,omitempty"`
	Siblings int               `json:"siblings"`
}

// Tag returns the tag value for key, or "" when absent.
func (e *TraceEvent) Tag(key string) string {
	if e.Tags == nil {
		return ""
	}
	return e.Tags[key]
}

// ContextScopedLocation returns the span key for the event's own location.
func (e *TraceEvent) ContextScopedLocation() string {
	return e.ContextScopedPath(e.Location)
}

// ContextScopedPath scopes an arbitrary path with the event's context id.
func (e *TraceEvent) ContextScopedPath(path string) string {
	return e.EventContextID + "/" + path
}

// ContextNestingLevel is the number of child-context suffixes carried by the
// event context id. A primary context has level 0.
func (e *TraceEvent) ContextNestingLevel() int {
	return strings.Count(e.EventContextID, "_")
}

// ContextScopedPaths returns the candidate keys for path, from the event's
// own context up through each enclosing context to the primary one.
func (e *TraceEvent) ContextScopedPaths(path string) []string {
	keys := make([]string, 0, e.ContextNestingLevel()+1)
	id := e.EventContextID
	for {
		keys = append(keys, id+"/"+path)
		i := strings.LastIndexByte(id, '_')
		if i < 0 {
			return keys
		}
		id = id[:i]
	}
}

// IntTag parses a numeric tag. ok is false when the tag is absent or not a
// number.
func (e *TraceEvent) IntTag(key string) (int, bool) {
	v := e.Tag(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParentLocation returns the location of the component enclosing loc.
// "f/processors/1/route/0" has parent "f/processors/1", "f/processors/0" has
// parent "f" and a bare flow name has none.
func ParentLocation(loc string) string {
	i := strings.LastIndexByte(loc, '/')
	if i < 0 {
		return ""
	}
	if _, err := strconv.Atoi(loc[i+1:]); err != nil {
		return loc[:i]
	}
	parent := loc[:i]
	if j := strings.LastIndexByte(parent, '/'); j >= 0 {
		return parent[:j]
	}
	return parent
}

// ProcessorIndex returns the trailing numeric index of loc, or -1.
func ProcessorIndex(loc string) int {
	i := strings.LastIndexByte(loc, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(loc[i+1:])
	if err != nil {
		return -1
	}
	return n
}
