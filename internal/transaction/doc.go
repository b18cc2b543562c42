// Package transaction tracks live transactions and places every lifecycle
// event in the span tree of the transaction it belongs to.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│  Registry (transaction id → Transaction) │  ← single entry point
//	└───────────────┬──────────────────────────┘
//	                │
//	     ┌──────────┴───────────┐
//	     ▼                      ▼
//	FlowTransaction       BatchTransaction
//	 └── FlowSpan          ├── root ContainerSpan (job)
//	                       └── location → slot → ContainerSpan
//	                            (step, record, aggregator, on-complete)
//
// A transaction is created by the first start event for its id, later start
// events for the same id become nested flow invocations, and it is removed by
// the end event after which HasEnded reports true. There is no other removal
// path: a transaction whose end event never arrives stays in the registry.
package transaction
