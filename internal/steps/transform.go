package steps

import (
	"context"
	"fmt"

	"github.com/hookflow/hookflow/internal/expr"
	"github.com/hookflow/hookflow/internal/faults"
	"github.com/hookflow/hookflow/internal/models"
)

// TransformHandler evaluates an expression against the run context and
// stores the result under the configured output key.
type TransformHandler struct {
	evaluator *expr.Evaluator
}

// NewTransformHandler builds the handler over a shared evaluator.
func NewTransformHandler(evaluator *expr.Evaluator) *TransformHandler {
	return &TransformHandler{evaluator: evaluator}
}

// Execute evaluates config.expression. Unlike placeholder resolution, a
// broken expression fails the step explicitly.
func (h *TransformHandler) Execute(_ context.Context, step models.Step, input map[string]any, runCtx models.ExecutionContext) (any, error) {
	// The expression is read from the raw step config, not the resolved
	// input: resolving would already have evaluated any {{...}} in it.
	expression := configString(step.Config, "expression")
	if expression == "" {
		expression = configString(input, "expression")
	}
	if expression == "" {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", "transform step: missing \"expression\" in config")
	}
	outputKey, err := requireString(step.Config, "outputKey", models.StepTransform)
	if err != nil {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", err.Error())
	}

	result, evalErr := h.evaluator.EvaluateTransform(expression, runCtx)
	if evalErr != nil {
		return nil, faults.New(faults.Validation, "TRANSFORM_ERROR",
			fmt.Sprintf("transform step: %v", evalErr)).WithDetails(map[string]any{
			"expression": expression,
		})
	}
	return map[string]any{outputKey: result}, nil
}
