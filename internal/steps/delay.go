package steps

import (
	"context"
	"time"

	"github.com/hookflow/hookflow/internal/faults"
	"github.com/hookflow/hookflow/internal/models"
)

// DelayHandler returns immediately; the processor expresses the wait as
// the next message's queue delay so workers stay free.
type DelayHandler struct{}

// NewDelayHandler builds the handler.
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{}
}

// Execute validates the duration and reports when the delay will elapse.
func (h *DelayHandler) Execute(_ context.Context, step models.Step, input map[string]any, _ models.ExecutionContext) (any, error) {
	ms, ok := configNumber(input, "durationMs")
	if !ok || ms <= 0 {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", "delay step: \"durationMs\" must be a positive number")
	}
	delay := time.Duration(ms) * time.Millisecond
	return map[string]any{
		"delayMs":      int64(ms),
		"delayedUntil": time.Now().UTC().Add(delay).Format(time.RFC3339Nano),
	}, nil
}

// DelayMs extracts the configured wait for scheduling the next message.
func DelayMs(cfg map[string]any) int64 {
	if ms, ok := configNumber(cfg, "durationMs"); ok && ms > 0 {
		return int64(ms)
	}
	return 0
}
