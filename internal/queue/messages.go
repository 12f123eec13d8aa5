// Package queue implements the two named FIFO queues the engine schedules
// work on, backed by Redis lists with a sorted set for delayed delivery.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Queue names. AI steps run on their own queue with lower concurrency.
const (
	Execute = "execute"
	AI      = "ai"
)

// Message kinds.
const (
	TypeStartRun    = "start_run"
	TypeExecuteStep = "execute_step"
	TypeCompleteRun = "complete_run"
)

// Message is the envelope for everything that crosses a queue. StepIndex,
// StepID and Attempt make every ExecuteStep delivery self-describing, so
// duplicates are detected by state checks instead of broker guarantees.
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId"`
	StepIndex  int       `json:"stepIndex,omitempty"`
	StepID     string    `json:"stepId,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Status     string    `json:"status,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewStartRun builds a StartRun message.
func NewStartRun(runID, workflowID string) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       TypeStartRun,
		RunID:      runID,
		WorkflowID: workflowID,
	}
}

// NewExecuteStep builds an ExecuteStep message for one attempt at one step.
func NewExecuteStep(runID, workflowID string, stepIndex int, stepID string, attempt int) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       TypeExecuteStep,
		RunID:      runID,
		WorkflowID: workflowID,
		StepIndex:  stepIndex,
		StepID:     stepID,
		Attempt:    attempt,
	}
}
