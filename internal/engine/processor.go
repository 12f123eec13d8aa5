// Package engine contains the run processor: the state machine that
// advances a run through its enabled steps, applies retry policy, persists
// progress and schedules follow-up queue messages.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hookflow/hookflow/internal/expr"
	"github.com/hookflow/hookflow/internal/faults"
	"github.com/hookflow/hookflow/internal/lock"
	"github.com/hookflow/hookflow/internal/metrics"
	"github.com/hookflow/hookflow/internal/models"
	"github.com/hookflow/hookflow/internal/queue"
	"github.com/hookflow/hookflow/internal/repo"
	"github.com/hookflow/hookflow/internal/steps"
)

// lockRetryDelay is how long a message waits before redelivery when the
// run lock is held by another worker.
const lockRetryDelay = time.Second

// Store is the persistence surface the processor needs. *repo.Store
// satisfies it; tests may substitute fakes.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	MarkRunRunning(ctx context.Context, id string) error
	AdvanceRun(ctx context.Context, id string, newIndex int, newCtx models.ExecutionContext) error
	CompleteRun(ctx context.Context, id string) error
	FailRun(ctx context.Context, id string, runErr models.RunError) error
	CreateStepExecution(ctx context.Context, runID, stepID, stepName string, attempt int, input any) (*models.StepExecution, error)
	MarkExecutionRunning(ctx context.Context, id string) error
	CompleteExecution(ctx context.Context, id string, output any, durationMs int64) error
	FailExecution(ctx context.Context, id string, execErr any, durationMs int64) error
}

// Limits are the size and timeout bounds applied to every step.
type Limits struct {
	MaxStepOutputBytes   int64
	MaxContextSizeBytes  int64
	DefaultStepTimeoutMs int64
	MaxStepTimeoutMs     int64
}

// DefaultLimits mirrors the documented environment defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxStepOutputBytes:   262_144,
		MaxContextSizeBytes:  1_048_576,
		DefaultStepTimeoutMs: 300_000,
		MaxStepTimeoutMs:     1_800_000,
	}
}

// Processor advances runs. All methods are idempotent against duplicate
// deliveries: correctness rests on the run lock plus the
// (status, currentStepIndex, stepId, attempt) guards, not on queue order.
type Processor struct {
	store     Store
	broker    queue.Broker
	locks     *lock.Manager
	registry  *steps.Registry
	evaluator *expr.Evaluator
	limits    Limits
}

// NewProcessor wires the processor's collaborators.
func NewProcessor(store Store, broker queue.Broker, locks *lock.Manager, registry *steps.Registry, evaluator *expr.Evaluator, limits Limits) *Processor {
	return &Processor{
		store:     store,
		broker:    broker,
		locks:     locks,
		registry:  registry,
		evaluator: evaluator,
		limits:    limits,
	}
}

// Handler returns the HandlerFunc for one named queue. The source queue is
// captured so a lock-busy message is re-enqueued where it came from.
func (p *Processor) Handler(queueName string) queue.HandlerFunc {
	return func(ctx context.Context, msg *queue.Message) error {
		return p.HandleMessage(ctx, queueName, msg)
	}
}

// HandleMessage dispatches a dequeued message.
func (p *Processor) HandleMessage(ctx context.Context, sourceQueue string, msg *queue.Message) error {
	switch msg.Type {
	case queue.TypeStartRun:
		return p.StartRun(ctx, msg)
	case queue.TypeExecuteStep:
		return p.ExecuteStep(ctx, sourceQueue, msg)
	case queue.TypeCompleteRun:
		// Reserved message type; run completion is written directly by
		// the processor today.
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// StartRun transitions a freshly admitted run to running and schedules its
// first enabled step.
func (p *Processor) StartRun(ctx context.Context, msg *queue.Message) error {
	workflow, err := p.store.GetWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		return fmt.Errorf("start run %s: load workflow: %w", msg.RunID, err)
	}
	if _, err := p.store.GetRun(ctx, msg.RunID); err != nil {
		return fmt.Errorf("start run %s: load run: %w", msg.RunID, err)
	}

	if err := p.store.MarkRunRunning(ctx, msg.RunID); err != nil {
		if err == repo.ErrNotFound {
			// Already terminal (a duplicate StartRun, or cancelled before
			// the first step); nothing to do.
			return nil
		}
		return fmt.Errorf("start run %s: mark running: %w", msg.RunID, err)
	}

	enabled := workflow.EnabledSteps()
	if len(enabled) == 0 {
		if err := p.store.CompleteRun(ctx, msg.RunID); err != nil && err != repo.ErrNotFound {
			return err
		}
		return nil
	}

	first := enabled[0]
	next := queue.NewExecuteStep(msg.RunID, msg.WorkflowID, 0, first.ID, 1)
	return p.broker.Enqueue(ctx, queueFor(first.Type), next, 0)
}

// ExecuteStep performs one attempt at one step under the run lock.
func (p *Processor) ExecuteStep(ctx context.Context, sourceQueue string, msg *queue.Message) error {
	lease, acquired, err := p.locks.Acquire(ctx, lock.RunKey(msg.RunID), lock.DefaultTTL)
	if err != nil {
		return fmt.Errorf("execute step: acquire lock for run %s: %w", msg.RunID, err)
	}
	if !acquired {
		// Another worker holds the run; hand the message back with a
		// short delay rather than blocking this worker.
		metrics.LockAcquireRetries.Inc()
		return p.broker.Enqueue(ctx, sourceQueue, *msg, lockRetryDelay)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			log.Printf("engine: release lock for run %s: %v", msg.RunID, err)
		}
	}()

	return p.executeLocked(ctx, msg, lease)
}

func (p *Processor) executeLocked(ctx context.Context, msg *queue.Message, lease *lock.Lease) error {
	workflow, err := p.store.GetWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		return fmt.Errorf("execute step: load workflow %s: %w", msg.WorkflowID, err)
	}
	run, err := p.store.GetRun(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("execute step: load run %s: %w", msg.RunID, err)
	}

	// Cancelled or already terminal: stop without writing anything.
	if run.Status != models.RunRunning {
		return nil
	}
	// An older duplicate delivery; the run has moved past this step.
	if run.CurrentStepIndex != msg.StepIndex {
		return nil
	}

	enabled := workflow.EnabledSteps()
	step, found := findStep(enabled, msg.StepID)
	if !found {
		return p.failRun(ctx, run, models.Step{ID: msg.StepID},
			faults.New(faults.Fatal, "STEP_NOT_FOUND",
				fmt.Sprintf("step %s is no longer an enabled step of workflow %s", msg.StepID, workflow.ID)))
	}

	handler, ok := p.registry.Get(step.Type)
	if !ok {
		return p.failRun(ctx, run, step,
			faults.New(faults.Fatal, "NO_HANDLER", fmt.Sprintf("no handler registered for step type %q", step.Type)))
	}

	resolvedInput := p.resolveInput(step, run.Context)

	exec, err := p.store.CreateStepExecution(ctx, run.ID, step.ID, step.Name, msg.Attempt, resolvedInput)
	if err != nil {
		// A duplicate delivery of the same attempt lost the race after
		// the index check; the row it collides with is authoritative.
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique") {
			log.Printf("engine: duplicate attempt %d for run %s step %s, skipping", msg.Attempt, run.ID, step.ID)
			return nil
		}
		return fmt.Errorf("execute step: create execution row: %w", err)
	}
	if err := p.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		return fmt.Errorf("execute step: mark execution running: %w", err)
	}

	// Keep the lease alive while the handler runs; long steps outlive the
	// base TTL.
	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go lease.KeepAlive(keepAliveCtx, lock.DefaultTTL)

	started := time.Now()
	output, execErr := p.runWithTimeout(ctx, handler, step, resolvedInput, run.Context)
	durationMs := time.Since(started).Milliseconds()

	if execErr == nil {
		if size := jsonSize(output); size > p.limits.MaxStepOutputBytes {
			execErr = faults.New(faults.Validation, "OUTPUT_TOO_LARGE",
				fmt.Sprintf("step output is %d bytes, limit %d", size, p.limits.MaxStepOutputBytes))
		}
	}

	var newCtx models.ExecutionContext
	if execErr == nil {
		if err := p.store.CompleteExecution(ctx, exec.ID, output, durationMs); err != nil {
			return fmt.Errorf("execute step: complete execution row: %w", err)
		}
		newCtx = run.Context.WithStepOutput(step.Name, output)
		if size := jsonSize(newCtx); size > p.limits.MaxContextSizeBytes {
			execErr = faults.New(faults.Validation, "CONTEXT_TOO_LARGE",
				fmt.Sprintf("run context would be %d bytes, limit %d", size, p.limits.MaxContextSizeBytes))
		}
	}

	if execErr != nil {
		return p.handleFailure(ctx, msg, run, step, exec.ID, execErr, durationMs)
	}

	metrics.StepsExecuted.WithLabelValues(step.Type, "completed").Inc()

	nextIndex := msg.StepIndex + 1
	if err := p.store.AdvanceRun(ctx, run.ID, nextIndex, newCtx); err != nil {
		if err == repo.ErrNotFound {
			// Cancelled while the handler ran; the step's work stands but
			// the run schedules nothing further.
			return nil
		}
		return fmt.Errorf("execute step: advance run %s: %w", run.ID, err)
	}

	if nextIndex < len(enabled) {
		// A delay step expresses its wait as the next message's delivery
		// delay, so no worker sleeps through it.
		var delay time.Duration
		if step.Type == models.StepDelay {
			delay = time.Duration(steps.DelayMs(resolvedInput)) * time.Millisecond
		}
		nextStep := enabled[nextIndex]
		nextMsg := queue.NewExecuteStep(run.ID, workflow.ID, nextIndex, nextStep.ID, 1)
		return p.broker.Enqueue(ctx, queueFor(nextStep.Type), nextMsg, delay)
	}

	if err := p.store.CompleteRun(ctx, run.ID); err != nil && err != repo.ErrNotFound {
		return fmt.Errorf("execute step: complete run %s: %w", run.ID, err)
	}
	return nil
}

// handleFailure records a failed attempt and either schedules a retry or
// fails the run terminally.
func (p *Processor) handleFailure(ctx context.Context, msg *queue.Message, run *models.Run, step models.Step, execID string, execErr error, durationMs int64) error {
	fe := faults.Classify(execErr)
	metrics.StepsExecuted.WithLabelValues(step.Type, "failed").Inc()

	execRecord := map[string]any{
		"code":      fe.Code,
		"message":   fe.Message,
		"category":  string(fe.Category),
		"retryable": fe.Retryable(),
	}
	if fe.Details != nil {
		execRecord["details"] = fe.Details
	}
	if err := p.store.FailExecution(ctx, execID, execRecord, durationMs); err != nil {
		return fmt.Errorf("execute step: fail execution row: %w", err)
	}

	policy := models.DefaultRetryPolicy()
	if step.RetryPolicy != nil {
		policy = step.RetryPolicy.Normalize()
	}

	if fe.Retryable() && msg.Attempt < policy.MaxAttempts {
		delay := faults.Backoff(policy.BackoffType, msg.Attempt, policy.InitialDelayMs, policy.MaxDelayMs)
		retry := queue.NewExecuteStep(run.ID, run.WorkflowID, msg.StepIndex, step.ID, msg.Attempt+1)
		log.Printf("engine: run %s step %q attempt %d failed (%s), retrying in %v",
			run.ID, step.Name, msg.Attempt, fe.Code, delay)
		return p.broker.Enqueue(ctx, queueFor(step.Type), retry, delay)
	}

	return p.failRun(ctx, run, step, fe)
}

func (p *Processor) failRun(ctx context.Context, run *models.Run, step models.Step, fe *faults.Error) error {
	log.Printf("engine: run %s failed at step %q: %s", run.ID, step.Name, fe.Code)
	err := p.store.FailRun(ctx, run.ID, models.RunError{
		Code:     fe.Code,
		Message:  fe.Message,
		StepID:   step.ID,
		StepName: step.Name,
		Details:  fe.Details,
	})
	if err == repo.ErrNotFound {
		// Cancelled first; the cancel wins.
		return nil
	}
	return err
}

// runWithTimeout races the handler against the step's effective deadline.
func (p *Processor) runWithTimeout(ctx context.Context, handler steps.Handler, step models.Step, input map[string]any, runCtx models.ExecutionContext) (any, error) {
	timeoutMs := p.limits.DefaultStepTimeoutMs
	if step.TimeoutMs != nil && *step.TimeoutMs > 0 {
		timeoutMs = *step.TimeoutMs
	}
	if p.limits.MaxStepTimeoutMs > 0 && timeoutMs > p.limits.MaxStepTimeoutMs {
		timeoutMs = p.limits.MaxStepTimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := handler.Execute(handlerCtx, step, input, runCtx)
		done <- result{output, err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-handlerCtx.Done():
		return nil, faults.New(faults.Transient, "TIMEOUT",
			fmt.Sprintf("step %q exceeded its %v deadline", step.Name, timeout))
	}
}

// resolveInput resolves {{...}} placeholders in the step config. Handlers
// always receive a map, even for malformed configs.
func (p *Processor) resolveInput(step models.Step, runCtx models.ExecutionContext) map[string]any {
	cfg := step.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	resolved := p.evaluator.Resolve(cfg, runCtx)
	if m, ok := resolved.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func findStep(enabled []models.Step, stepID string) (models.Step, bool) {
	for _, s := range enabled {
		if s.ID == stepID {
			return s, true
		}
	}
	return models.Step{}, false
}

func queueFor(stepType string) string {
	if stepType == models.StepAI {
		return queue.AI
	}
	return queue.Execute
}

func jsonSize(v any) int64 {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
