package steps

import (
	"github.com/hookflow/hookflow/internal/expr"
	"github.com/hookflow/hookflow/internal/models"
)

// DefaultRegistry wires the four canonical handlers.
func DefaultRegistry(evaluator *expr.Evaluator, lmStudioURL string) *Registry {
	r := NewRegistry()
	r.Register(models.StepHTTP, NewHTTPHandler())
	r.Register(models.StepTransform, NewTransformHandler(evaluator))
	r.Register(models.StepAI, NewAIHandler(lmStudioURL))
	r.Register(models.StepDelay, NewDelayHandler())
	return r
}
