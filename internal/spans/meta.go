package spans

import (
	"errors"
	"time"
)

// ErrInvariant reports span bookkeeping that contradicts an earlier
// successful operation, which means the upstream event sequence is broken.
var ErrInvariant = errors.New("span bookkeeping invariant violated")

// SpanMeta is a snapshot of a span handed back to collaborators, typically
// for metrics. It shares no state with the engine.
type SpanMeta struct {
	TransactionID string
	TraceID       string
	SpanID        string
	Location      string
	FlowName      string
	StartTime     time.Time
	EndTime       time.Time
	Tags          map[string]string
}
