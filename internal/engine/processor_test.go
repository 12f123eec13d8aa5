package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/internal/engine"
	"github.com/hookflow/hookflow/internal/expr"
	"github.com/hookflow/hookflow/internal/lock"
	"github.com/hookflow/hookflow/internal/models"
	"github.com/hookflow/hookflow/internal/queue"
	"github.com/hookflow/hookflow/internal/repo"
	"github.com/hookflow/hookflow/internal/steps"
	"github.com/hookflow/hookflow/internal/testutil"
)

type env struct {
	store      *repo.Store
	q          *queue.RedisQueue
	processor  *engine.Processor
	execWorker *queue.Worker
	aiWorker   *queue.Worker
	ctx        context.Context
}

func setupEnv(t *testing.T, limits engine.Limits) *env {
	t.Helper()
	ctx := context.Background()

	db, cleanup := testutil.SetupPostgres(ctx, t)
	t.Cleanup(cleanup)
	_, client := testutil.SetupRedis(t)

	store := repo.NewStore(db)
	q := queue.NewRedisQueue(client)
	locks := lock.NewManager(client)
	evaluator := expr.New()
	registry := steps.DefaultRegistry(evaluator, "http://127.0.0.1:1/v1")
	processor := engine.NewProcessor(store, q, locks, registry, evaluator, limits)

	e := &env{store: store, q: q, processor: processor, ctx: ctx}

	workerCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	e.execWorker = queue.NewWorker(q, queue.Execute, 5, processor.Handler(queue.Execute))
	e.aiWorker = queue.NewWorker(q, queue.AI, 2, processor.Handler(queue.AI))
	go e.execWorker.Start(workerCtx)
	go e.aiWorker.Start(workerCtx)

	return e
}

func (e *env) startRun(t *testing.T, wf *models.Workflow) *models.Run {
	t.Helper()
	run, err := e.store.CreateRun(e.ctx, wf.ID, models.TriggerData{
		Method:     "POST",
		Headers:    map[string]string{},
		Body:       map[string]any{"value": float64(1)},
		Query:      map[string]string{},
		ReceivedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, e.q.Enqueue(e.ctx, queue.Execute, queue.NewStartRun(run.ID, wf.ID), 0))
	return run
}

func (e *env) waitForStatus(t *testing.T, runID, status string, within time.Duration) *models.Run {
	t.Helper()
	var got *models.Run
	require.Eventually(t, func() bool {
		run, err := e.store.GetRun(e.ctx, runID)
		if err != nil {
			return false
		}
		got = run
		return run.Status == status
	}, within, 25*time.Millisecond, "run %s never reached %s (last: %+v)", runID, status, got)
	return got
}

func TestLinearSuccess(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"value": 7})
	}))
	defer srv.Close()

	wf, err := e.store.CreateWorkflow(e.ctx, "linear", "linear", "", true)
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "fetch", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": srv.URL},
		Enabled: true,
	})
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "transform", Type: models.StepTransform,
		Config:  map[string]any{"expression": "steps.fetch.body.value", "outputKey": "v"},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)
	final := e.waitForStatus(t, run.ID, models.RunCompleted, 15*time.Second)

	require.Equal(t, 2, final.CurrentStepIndex)
	require.Nil(t, final.Error)
	require.NotNil(t, final.CompletedAt)

	transformOut, ok := final.Context.Steps["transform"].(map[string]any)
	require.True(t, ok, "transform output missing: %#v", final.Context.Steps)
	require.Equal(t, float64(7), transformOut["v"])

	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, ex := range execs {
		require.Equal(t, models.ExecCompleted, ex.Status)
		require.NotNil(t, ex.DurationMs)
	}
	// completed-run invariant, checked on the transform step: its recorded
	// output equals its context entry
	require.Equal(t, final.Context.Steps["transform"], execs[1].Output)
}

func TestExponentialRetryThenSuccess(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	wf, err := e.store.CreateWorkflow(e.ctx, "retry", "retry", "", true)
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "flaky", Type: models.StepHTTP,
		Config: map[string]any{"method": "GET", "url": srv.URL},
		RetryPolicy: &models.RetryPolicy{
			MaxAttempts:    3,
			BackoffType:    models.BackoffExponential,
			InitialDelayMs: 100,
			MaxDelayMs:     10000,
		},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)
	e.waitForStatus(t, run.ID, models.RunCompleted, 20*time.Second)

	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	require.Equal(t, models.ExecFailed, execs[0].Status)
	require.Equal(t, models.ExecFailed, execs[1].Status)
	require.Equal(t, models.ExecCompleted, execs[2].Status)
	require.Equal(t, 1, execs[0].Attempt)
	require.Equal(t, 2, execs[1].Attempt)
	require.Equal(t, 3, execs[2].Attempt)

	// backoff lower bounds: base*(1+0.10); upper bounds are loose to
	// absorb queue promotion granularity
	gap1 := execs[1].StartedAt.Sub(*execs[0].CompletedAt)
	gap2 := execs[2].StartedAt.Sub(*execs[1].CompletedAt)
	require.GreaterOrEqual(t, gap1, 110*time.Millisecond, "first retry fired early")
	require.Less(t, gap1, 800*time.Millisecond)
	require.GreaterOrEqual(t, gap2, 220*time.Millisecond, "second retry fired early")
	require.Less(t, gap2, 1200*time.Millisecond)
}

func TestNonRetryableFailure(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	wf, err := e.store.CreateWorkflow(e.ctx, "notfound", "notfound", "", true)
	require.NoError(t, err)
	st, err := e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "fetch", Type: models.StepHTTP,
		Config: map[string]any{"method": "GET", "url": srv.URL},
		RetryPolicy: &models.RetryPolicy{
			MaxAttempts:    5,
			BackoffType:    models.BackoffExponential,
			InitialDelayMs: 100,
			MaxDelayMs:     10000,
		},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)
	final := e.waitForStatus(t, run.ID, models.RunFailed, 15*time.Second)

	require.NotNil(t, final.Error)
	require.Equal(t, "HTTP_404", final.Error.Code)
	require.Equal(t, st.ID, final.Error.StepID)
	require.Equal(t, "fetch", final.Error.StepName)

	// exactly one attempt despite maxAttempts=5
	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, models.ExecFailed, execs[0].Status)
}

func TestDuplicateDeliveryTolerated(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	wf, err := e.store.CreateWorkflow(e.ctx, "dup", "dup", "", true)
	require.NoError(t, err)
	st, err := e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "once", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": srv.URL},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)
	e.waitForStatus(t, run.ID, models.RunCompleted, 15*time.Second)

	// redeliver the already-processed message; the index/status guards
	// must swallow it without writing anything
	dup := queue.NewExecuteStep(run.ID, wf.ID, 0, st.ID, 1)
	require.NoError(t, e.processor.ExecuteStep(e.ctx, queue.Execute, &dup))

	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	final, err := e.store.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, final.Status)
}

func TestDelayDoesNotOccupyWorkers(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	const delayMs = 700

	wf, err := e.store.CreateWorkflow(e.ctx, "delayed", "delayed", "", true)
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "wait", Type: models.StepDelay,
		Config:  map[string]any{"durationMs": float64(delayMs)},
		Enabled: true,
	})
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "after", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": srv.URL},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)

	// sample worker occupancy mid-delay: the pool must be idle
	time.Sleep(350 * time.Millisecond)
	require.Equal(t, int64(0), e.execWorker.ActiveJobs(), "worker occupied during delay")

	e.waitForStatus(t, run.ID, models.RunCompleted, 15*time.Second)

	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	gap := execs[1].StartedAt.Sub(*execs[0].CompletedAt)
	require.GreaterOrEqual(t, gap, time.Duration(delayMs)*time.Millisecond,
		"second step started before the delay elapsed")
}

func TestEmptyWorkflowCompletesImmediately(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	wf, err := e.store.CreateWorkflow(e.ctx, "empty", "empty", "", true)
	require.NoError(t, err)

	run := e.startRun(t, wf)
	final := e.waitForStatus(t, run.ID, models.RunCompleted, 10*time.Second)
	require.Equal(t, 0, final.CurrentStepIndex)
	require.NotNil(t, final.CompletedAt)
}

func TestDisabledStepsAreSkipped(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	wf, err := e.store.CreateWorkflow(e.ctx, "skips", "skips", "", true)
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "disabled", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": "http://127.0.0.1:1"},
		Enabled: false,
	})
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "live", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": srv.URL},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)
	final := e.waitForStatus(t, run.ID, models.RunCompleted, 15*time.Second)

	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, "live", execs[0].StepName)
	require.NotContains(t, final.Context.Steps, "disabled")
}

func TestCancelledRunStopsQuietly(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	wf, err := e.store.CreateWorkflow(e.ctx, "cancelled", "cancelled", "", true)
	require.NoError(t, err)
	st, err := e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "never", Type: models.StepHTTP,
		Config:  map[string]any{"method": "GET", "url": "http://127.0.0.1:1"},
		Enabled: true,
	})
	require.NoError(t, err)

	run, err := e.store.CreateRun(e.ctx, wf.ID, models.TriggerData{Method: "POST"})
	require.NoError(t, err)
	require.NoError(t, e.store.MarkRunRunning(e.ctx, run.ID))
	require.NoError(t, e.store.CancelRun(e.ctx, run.ID))

	msg := queue.NewExecuteStep(run.ID, wf.ID, 0, st.ID, 1)
	require.NoError(t, e.processor.ExecuteStep(e.ctx, queue.Execute, &msg))

	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, execs, "cancelled run must not execute steps")

	final, err := e.store.GetRun(e.ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunCancelled, final.Status)
}

func TestOutputSizeLimitFailsRun(t *testing.T) {
	limits := engine.DefaultLimits()
	limits.MaxStepOutputBytes = 64
	e := setupEnv(t, limits)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"blob": make([]int, 64)})
	}))
	defer srv.Close()

	wf, err := e.store.CreateWorkflow(e.ctx, "too-big", "too-big", "", true)
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "fat", Type: models.StepHTTP,
		Config: map[string]any{"method": "GET", "url": srv.URL},
		RetryPolicy: &models.RetryPolicy{
			MaxAttempts:    5,
			BackoffType:    models.BackoffFixed,
			InitialDelayMs: 100,
			MaxDelayMs:     1000,
		},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)
	final := e.waitForStatus(t, run.ID, models.RunFailed, 15*time.Second)

	require.Equal(t, "OUTPUT_TOO_LARGE", final.Error.Code)

	// a size overrun is VALIDATION: no retries despite the policy
	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestStepTimeoutIsTransient(t *testing.T) {
	e := setupEnv(t, engine.DefaultLimits())

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(400 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	timeout := int64(150)
	wf, err := e.store.CreateWorkflow(e.ctx, "slow", "slow", "", true)
	require.NoError(t, err)
	_, err = e.store.AddStep(e.ctx, wf.ID, models.Step{
		Name: "slow", Type: models.StepHTTP,
		Config:    map[string]any{"method": "GET", "url": srv.URL},
		TimeoutMs: &timeout,
		RetryPolicy: &models.RetryPolicy{
			MaxAttempts:    2,
			BackoffType:    models.BackoffFixed,
			InitialDelayMs: 100,
			MaxDelayMs:     1000,
		},
		Enabled: true,
	})
	require.NoError(t, err)

	run := e.startRun(t, wf)
	e.waitForStatus(t, run.ID, models.RunCompleted, 15*time.Second)

	execs, err := e.store.ListExecutions(e.ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2, "timeout must be retryable")
	require.Equal(t, models.ExecFailed, execs[0].Status)
	require.Equal(t, models.ExecCompleted, execs[1].Status)
}
