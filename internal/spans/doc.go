// Package spans holds the span hierarchy managed by the transaction engine.
//
//	ContainerSpan (flow, batch step, record, aggregator, on-complete)
//	 ├── root span handle
//	 ├── scoped location → ProcessorSpan   (sync.Map)
//	 └── scoped key → nested ContainerSpan (batch only)
//
// FlowSpan is the ContainerSpan used as the root of a flow execution; it also
// renames wildcard listener spans once API routing information is known.
//
// Span handles are OpenTelemetry trace.Span values produced by a SpanFactory
// wrapping any trace.Tracer. The engine never constructs SDK objects itself.
package spans
