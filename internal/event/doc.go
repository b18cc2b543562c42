// Package event defines the TraceEvent value handed to the span engine for
// every component lifecycle notification, plus the location and event-context
// helpers used to key spans.
//
// Locations are slash-delimited paths into the host's execution structure:
//
//	order-flow                                  (a flow)
//	order-flow/processors/1                     (a processor inside it)
//	order-flow/processors/1/route/0             (a router branch)
//	order-flow/processors/1/route/0/processors/2
//
// The same location can be active more than once at a time (parallel routes,
// recursive flow references, batch records), so spans are keyed by the
// context-scoped location "<eventContextId>/<location>". Child executions carry
// event context ids of the form "<parentId>_<suffix>".
package event
