package attributes

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/config"
	"github.com/mrzor/flow-tracer/internal/event"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
	logger        *zap.Logger
}

func environment(ev *event.TraceEvent) map[string]any {
	tags := ev.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return map[string]any{
		"tags":          tags,
		"name":          ev.Name,
		"location":      ev.Location,
		"flow":          ev.FlowName(),
		"transactionId": ev.TransactionID,
	}
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exprEnv := environment(&event.TraceEvent{})

	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(exprEnv))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
		logger:        logger,
	}, nil
}

// Len returns the number of configured attributes.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.customAttrs)
}

// Evaluate evaluates custom attribute expressions against ev. Expressions
// failing at runtime are skipped with a warning.
func (e *Evaluator) Evaluate(ev *event.TraceEvent) []attribute.KeyValue {
	if e.Len() == 0 || ev == nil {
		return nil
	}

	env := environment(ev)
	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.logger.Warn("Failed to evaluate custom attribute",
				zap.String("attribute", customAttr.Name),
				zap.String("location", ev.Location),
				zap.Error(err))
			continue
		}
		if output == nil {
			continue
		}

		// Maps expand into one attribute per key.
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() != reflect.Map {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
			continue
		}
		for _, key := range outputValue.MapKeys() {
			attrName := customAttr.Name + "." + sanitizeAttributeName(fmt.Sprintf("%v", key.Interface()))
			value := outputValue.MapIndex(key).Interface()
			attrs = append(attrs, attribute.String(attrName, fmt.Sprintf("%v", value)))
		}
	}

	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
