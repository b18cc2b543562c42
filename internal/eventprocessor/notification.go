package eventprocessor

import (
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/flow-tracer/internal/event"
	"github.com/mrzor/flow-tracer/internal/timesync"
)

// Notification types.
const (
	TypeTransactionStart = "transaction.start"
	TypeTransactionEnd   = "transaction.end"
	TypeProcessorStart   = "processor.start"
	TypeProcessorEnd     = "processor.end"
	TypeTransactionTags  = "transaction.tags"
)

// Notification is one line of the host notification stream.
type Notification struct {
	Type string `json:"type"`
	// Container names the parent location of a processor start. Empty means
	// the parent of the event location.
	Container string `json:"container,omitempty"`
	// Prefix is prepended to tag keys of a transaction.tags notification.
	Prefix string       `json:"prefix,omitempty"`
	Event  EventPayload `json:"event"`
}

// EventPayload is the wire form of a lifecycle event. Times are Unix epoch
// nanoseconds.
type EventPayload struct {
	Name           string            `json:"name"`
	SpanName       string            `json:"spanName,omitempty"`
	Location       string            `json:"location"`
	TransactionID  string            `json:"transactionId"`
	EventContextID string            `json:"eventContextId"`
	Tags           map[string]string `json:"tags,omitempty"`
	StartTime      int64             `json:"startTime,omitempty"`
	EndTime        int64             `json:"endTime,omitempty"`
	Kind           string            `json:"kind,omitempty"`
	Status         string            `json:"status,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	Siblings       *int              `json:"siblings,omitempty"`
}

// PartitionKey returns the key events of one transaction share: the
// transaction id, or the batch job instance id when the event carries only
// that.
func (n *Notification) PartitionKey() string {
	if n.Event.TransactionID != "" {
		return n.Event.TransactionID
	}
	return n.Event.Tags[event.TagBatchJobInstanceID]
}

// StartsBatchJob reports whether n opens a batch job transaction.
func (n *Notification) StartsBatchJob() bool {
	if n.Type != TypeTransactionStart || n.Event.TransactionID == "" {
		return false
	}
	return (&event.TraceEvent{Tags: n.Event.Tags}).IsBatchJob()
}
