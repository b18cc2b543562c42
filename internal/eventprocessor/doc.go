// Package eventprocessor routes host notifications to the transaction registry.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      Notification stream (JSON lines)   │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Notification routing
//	│   - Converts payloads to TraceEvents    │
//	│   - Routes by notification type         │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ transaction.start ──→ Registry.StartTransaction
//	          │                          - custom attributes evaluated
//	          │
//	          ├──→ processor.start ────→ Registry.AddProcessorSpan
//	          │                          - container defaults to the
//	          │                            parent location
//	          │
//	          ├──→ processor.end ──────→ Registry.EndProcessorSpan
//	          ├──→ transaction.end ────→ Registry.EndTransaction
//	          └──→ transaction.tags ───→ Registry.AddTransactionTags
//
// Lookup misses are absorbed by the registry. Invariant violations are
// logged at error level and returned.
package eventprocessor
