package models

import (
	"encoding/json"
	"time"
)

// Run lifecycle states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Step execution states.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// Step types understood by the handler registry.
const (
	StepHTTP      = "http"
	StepTransform = "transform"
	StepAI        = "ai"
	StepDelay     = "delay"
)

// Workflow is the stable authoring entity. Steps are ordered by Order and
// the processor only ever sees the enabled subset.
type Workflow struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	WebhookSecret string    `json:"webhookSecret,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Steps         []Step    `json:"steps,omitempty"`
}

// EnabledSteps returns the enabled steps in execution order. Steps are
// stored ordered by "order", so no re-sort is needed here.
func (w *Workflow) EnabledSteps() []Step {
	out := make([]Step, 0, len(w.Steps))
	for _, s := range w.Steps {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Step is one stage in a workflow. Config is discriminated by Type.
type Step struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflowId"`
	Order       int            `json:"order"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	RetryPolicy *RetryPolicy   `json:"retryPolicy,omitempty"`
	TimeoutMs   *int64         `json:"timeoutMs,omitempty"`
	Enabled     bool           `json:"enabled"`
}

// RetryPolicy bounds step-level retries. Zero-valued fields are filled by
// Normalize; the processor always works with a normalized copy.
type RetryPolicy struct {
	MaxAttempts    int    `json:"maxAttempts"`
	BackoffType    string `json:"backoffType"`
	InitialDelayMs int64  `json:"initialDelayMs"`
	MaxDelayMs     int64  `json:"maxDelayMs"`
}

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// DefaultRetryPolicy is applied when a step carries no policy of its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BackoffType:    BackoffExponential,
		InitialDelayMs: 1000,
		MaxDelayMs:     60000,
	}
}

// Normalize clamps the policy into its documented ranges and fills defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	} else if p.MaxAttempts > 10 {
		p.MaxAttempts = 10
	}
	switch p.BackoffType {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		p.BackoffType = BackoffExponential
	}
	if p.InitialDelayMs < 100 {
		p.InitialDelayMs = 1000
	} else if p.InitialDelayMs > 60000 {
		p.InitialDelayMs = 60000
	}
	if p.MaxDelayMs < 1000 {
		p.MaxDelayMs = 60000
	} else if p.MaxDelayMs > 3600000 {
		p.MaxDelayMs = 3600000
	}
	return p
}

// TriggerData captures the inbound webhook request that created a run.
type TriggerData struct {
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	Query      map[string]string `json:"query"`
	ReceivedAt time.Time         `json:"receivedAt"`
	SourceIP   string            `json:"sourceIp,omitempty"`
}

// ExecutionContext is the accumulated record handlers read from. It grows
// only by adding the output of the just-completed step under its name.
type ExecutionContext struct {
	Trigger   TriggerData    `json:"trigger"`
	Steps     map[string]any `json:"steps"`
	Variables map[string]any `json:"variables"`
}

// NewExecutionContext seeds a context from trigger data.
func NewExecutionContext(trigger TriggerData) ExecutionContext {
	return ExecutionContext{
		Trigger:   trigger,
		Steps:     map[string]any{},
		Variables: map[string]any{},
	}
}

// WithStepOutput returns a copy of the context extended by one step output.
// The receiver is not mutated; the processor writes the copy back under the
// run lock.
func (c ExecutionContext) WithStepOutput(stepName string, output any) ExecutionContext {
	steps := make(map[string]any, len(c.Steps)+1)
	for k, v := range c.Steps {
		steps[k] = v
	}
	steps[stepName] = output
	c.Steps = steps
	return c
}

// AsMap renders the context the way expression code sees it. The trigger is
// round-tripped through JSON so expressions address its wire field names
// rather than engine struct types.
func (c ExecutionContext) AsMap() map[string]any {
	raw, _ := json.Marshal(c.Trigger)
	var trigger map[string]any
	_ = json.Unmarshal(raw, &trigger)
	return map[string]any{
		"trigger":   trigger,
		"steps":     c.Steps,
		"variables": c.Variables,
	}
}

// Run is one execution attempt of a workflow.
type Run struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflowId"`
	Status           string           `json:"status"`
	TriggerData      TriggerData      `json:"triggerData"`
	Context          ExecutionContext `json:"context"`
	CurrentStepIndex int              `json:"currentStepIndex"`
	StartedAt        time.Time        `json:"startedAt"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	Error            *RunError        `json:"error,omitempty"`
}

// RunError is persisted on terminal failure.
type RunError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	StepID   string `json:"stepId,omitempty"`
	StepName string `json:"stepName,omitempty"`
	Details  any    `json:"details,omitempty"`
}

// StepExecution records one attempt at one step within a run.
type StepExecution struct {
	ID          string     `json:"id"`
	RunID       string     `json:"runId"`
	StepID      string     `json:"stepId"`
	StepName    string     `json:"stepName"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	Input       any        `json:"input"`
	Output      any        `json:"output,omitempty"`
	Error       any        `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
}

// IdempotencyKey binds a webhook submission to its run for 24 hours.
type IdempotencyKey struct {
	Key       string    `json:"key"`
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IdempotencyTTL is how long a key stays bound to its run.
const IdempotencyTTL = 24 * time.Hour
