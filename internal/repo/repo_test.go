package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/internal/models"
	"github.com/hookflow/hookflow/internal/testutil"
)

func setupStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	db, cleanup := testutil.SetupPostgres(ctx, t)
	t.Cleanup(cleanup)
	return NewStore(db), ctx
}

func sampleTrigger() models.TriggerData {
	return models.TriggerData{
		Method:     "POST",
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       map[string]any{"hello": "world"},
		Query:      map[string]string{},
		ReceivedAt: time.Now().UTC(),
		SourceIP:   "127.0.0.1",
	}
}

func TestWorkflowCRUD(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "Order sync", "order-sync", "s3cret", true)
	require.NoError(t, err)
	require.NotEmpty(t, wf.ID)
	require.Equal(t, "order-sync", wf.Slug)
	require.Equal(t, "s3cret", wf.WebhookSecret)

	got, err := store.FindWorkflowBySlug(ctx, "order-sync")
	require.NoError(t, err)
	require.Equal(t, wf.ID, got.ID)

	require.NoError(t, store.UpdateWorkflow(ctx, wf.ID, "Order sync v2", "", false))
	got, err = store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, "Order sync v2", got.Name)
	require.False(t, got.Enabled)
	require.Empty(t, got.WebhookSecret)

	require.NoError(t, store.DeleteWorkflow(ctx, wf.ID))
	_, err = store.GetWorkflow(ctx, wf.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateWorkflowRejectsBadSlug(t *testing.T) {
	store, ctx := setupStore(t)

	_, err := store.CreateWorkflow(ctx, "x", "Bad Slug!", "", true)
	require.Error(t, err)
}

func TestDuplicateSlugRejected(t *testing.T) {
	store, ctx := setupStore(t)

	_, err := store.CreateWorkflow(ctx, "a", "dup", "", true)
	require.NoError(t, err)
	_, err = store.CreateWorkflow(ctx, "b", "dup", "", true)
	require.Error(t, err)
}

func TestStepOrderDensificationAfterDelete(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "steps-wf", "", true)
	require.NoError(t, err)

	var ids []string
	for _, name := range []string{"first", "second", "third", "fourth"} {
		st, err := store.AddStep(ctx, wf.ID, models.Step{
			Name:    name,
			Type:    models.StepHTTP,
			Config:  map[string]any{"method": "GET", "url": "https://example.com"},
			Enabled: true,
		})
		require.NoError(t, err)
		ids = append(ids, st.ID)
	}

	got, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 4)
	for i, st := range got.Steps {
		require.Equal(t, i, st.Order)
	}

	// delete the middle step; survivors must re-densify to [0..n)
	require.NoError(t, store.DeleteStep(ctx, wf.ID, ids[1]))
	got, err = store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	names := []string{}
	for i, st := range got.Steps {
		require.Equal(t, i, st.Order)
		names = append(names, st.Name)
	}
	require.Equal(t, []string{"first", "third", "fourth"}, names)
}

func TestStepRetryPolicyRoundTrip(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "policy-wf", "", true)
	require.NoError(t, err)

	timeout := int64(15000)
	st, err := store.AddStep(ctx, wf.ID, models.Step{
		Name:   "call",
		Type:   models.StepHTTP,
		Config: map[string]any{"method": "GET", "url": "https://example.com"},
		RetryPolicy: &models.RetryPolicy{
			MaxAttempts:    5,
			BackoffType:    models.BackoffLinear,
			InitialDelayMs: 200,
			MaxDelayMs:     5000,
		},
		TimeoutMs: &timeout,
		Enabled:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, st.ID)

	got, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	require.NotNil(t, got.Steps[0].RetryPolicy)
	require.Equal(t, 5, got.Steps[0].RetryPolicy.MaxAttempts)
	require.Equal(t, models.BackoffLinear, got.Steps[0].RetryPolicy.BackoffType)
	require.NotNil(t, got.Steps[0].TimeoutMs)
	require.Equal(t, int64(15000), *got.Steps[0].TimeoutMs)
}

func TestRunLifecycle(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "run-wf", "", true)
	require.NoError(t, err)

	run, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)
	require.Equal(t, models.RunPending, run.Status)
	require.Equal(t, 0, run.CurrentStepIndex)
	// context.trigger mirrors triggerData at creation
	require.Equal(t, run.TriggerData.Method, run.Context.Trigger.Method)

	require.NoError(t, store.MarkRunRunning(ctx, run.ID))
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunRunning, got.Status)
	require.Nil(t, got.CompletedAt)

	newCtx := got.Context.WithStepOutput("fetch", map[string]any{"status": 200})
	require.NoError(t, store.AdvanceRun(ctx, run.ID, 1, newCtx))
	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentStepIndex)
	require.Contains(t, got.Context.Steps, "fetch")

	require.NoError(t, store.CompleteRun(ctx, run.ID))
	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Nil(t, got.Error)
}

func TestFailRunRecordsError(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "fail-wf", "", true)
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)

	require.NoError(t, store.FailRun(ctx, run.ID, models.RunError{
		Code:     "HTTP_404",
		Message:  "request failed with status 404",
		StepName: "fetch",
	}))
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Error)
	require.Equal(t, "HTTP_404", got.Error.Code)
}

func TestCancelRunOnlyWhileActive(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "cancel-wf", "", true)
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)

	require.NoError(t, store.CancelRun(ctx, run.ID))
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCancelled, got.Status)

	// a second cancel hits no cancellable row
	require.ErrorIs(t, store.CancelRun(ctx, run.ID), ErrNotFound)

	run2, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)
	require.NoError(t, store.CompleteRun(ctx, run2.ID))
	require.ErrorIs(t, store.CancelRun(ctx, run2.ID), ErrNotFound)
}

func TestStepExecutionAttemptUniqueness(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "exec-wf", "", true)
	require.NoError(t, err)
	st, err := store.AddStep(ctx, wf.ID, models.Step{
		Name: "call", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": "https://example.com"},
		Enabled: true,
	})
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)

	exec, err := store.CreateStepExecution(ctx, run.ID, st.ID, "call", 1, map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, models.ExecPending, exec.Status)

	// same (run, step, attempt) must violate the unique constraint
	_, err = store.CreateStepExecution(ctx, run.ID, st.ID, "call", 1, nil)
	require.Error(t, err)

	// but the next attempt is fine
	_, err = store.CreateStepExecution(ctx, run.ID, st.ID, "call", 2, nil)
	require.NoError(t, err)
}

func TestStepExecutionStatusTransitions(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "exec2-wf", "", true)
	require.NoError(t, err)
	st, err := store.AddStep(ctx, wf.ID, models.Step{
		Name: "call", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": "https://example.com"},
		Enabled: true,
	})
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)

	exec, err := store.CreateStepExecution(ctx, run.ID, st.ID, "call", 1, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkExecutionRunning(ctx, exec.ID))
	require.NoError(t, store.CompleteExecution(ctx, exec.ID, map[string]any{"status": 200}, 42))

	execs, err := store.ListExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, models.ExecCompleted, execs[0].Status)
	require.NotNil(t, execs[0].CompletedAt)
	require.NotNil(t, execs[0].DurationMs)
	require.Equal(t, int64(42), *execs[0].DurationMs)

	exec2, err := store.CreateStepExecution(ctx, run.ID, st.ID, "call", 2, nil)
	require.NoError(t, err)
	require.NoError(t, store.FailExecution(ctx, exec2.ID, map[string]any{"code": "TIMEOUT"}, 30000))
	execs, err = store.ListExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	require.Equal(t, models.ExecFailed, execs[1].Status)
}

func TestIdempotencyKeys(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "idem-wf", "", true)
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)
	run2, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)

	inserted, err := store.BindIdempotencyKey(ctx, "k-1", run.ID)
	require.NoError(t, err)
	require.True(t, inserted)

	// binding again maps to the original run
	inserted, err = store.BindIdempotencyKey(ctx, "k-1", run2.ID)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := store.LookupIdempotencyKey(ctx, "k-1")
	require.NoError(t, err)
	require.Equal(t, run.ID, got)

	_, err = store.LookupIdempotencyKey(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotencyKeyExpiry(t *testing.T) {
	store, ctx := setupStore(t)

	wf, err := store.CreateWorkflow(ctx, "wf", "idem-exp-wf", "", true)
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, wf.ID, sampleTrigger())
	require.NoError(t, err)

	_, err = store.BindIdempotencyKey(ctx, "k-old", run.ID)
	require.NoError(t, err)

	// force the key past its TTL, then sweep
	_, err = store.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET expires_at = now() - interval '1 hour' WHERE key = 'k-old'`)
	require.NoError(t, err)

	_, err = store.LookupIdempotencyKey(ctx, "k-old")
	require.ErrorIs(t, err, ErrNotFound)

	n, err := store.DeleteExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
