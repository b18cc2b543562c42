// Package attributes evaluates custom span attributes from expressions.
//
// Expressions use the expr language and see the processor event as:
//
//	tags          map[string]string  event tags
//	name          string             event name
//	location      string             component location
//	flow          string             flow name
//	transactionId string             transaction id
//
// A map result expands into one attribute per key, "<name>.<key>".
package attributes
