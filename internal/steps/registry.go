// Package steps contains the pluggable step handlers and the registry the
// processor resolves them from. A handler is a thin adapter from resolved
// step config to one unit of work; everything stateful lives in the
// processor.
package steps

import (
	"context"
	"fmt"

	"github.com/hookflow/hookflow/internal/models"
)

// Handler executes one step attempt against its resolved input.
type Handler interface {
	Execute(ctx context.Context, step models.Step, input map[string]any, runCtx models.ExecutionContext) (any, error)
}

// Registry maps step types to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a step type, replacing any previous binding.
func (r *Registry) Register(stepType string, h Handler) {
	r.handlers[stepType] = h
}

// Get returns the handler for a step type.
func (r *Registry) Get(stepType string) (Handler, bool) {
	h, ok := r.handlers[stepType]
	return h, ok
}

// config accessors shared by the handlers; step config arrives as the
// JSON-shaped map the resolver produced.

func configString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func configNumber(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func requireString(cfg map[string]any, key, stepType string) (string, error) {
	v := configString(cfg, key)
	if v == "" {
		return "", fmt.Errorf("%s step: missing %q in config", stepType, key)
	}
	return v, nil
}
