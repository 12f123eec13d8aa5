package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hookflow/hookflow/internal/models"
)

// CreateRun inserts a pending run whose context is seeded from the trigger.
func (s *Store) CreateRun(ctx context.Context, workflowID string, trigger models.TriggerData) (*models.Run, error) {
	runCtx := models.NewExecutionContext(trigger)
	triggerRaw, err := marshalJSON(trigger)
	if err != nil {
		return nil, err
	}
	ctxRaw, err := marshalJSON(runCtx)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		WorkflowID:  workflowID,
		Status:      models.RunPending,
		TriggerData: trigger,
		Context:     runCtx,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO runs (workflow_id, status, trigger_data, context)
		VALUES ($1, $2, $3, $4)
		RETURNING id, started_at`,
		workflowID, models.RunPending, triggerRaw, ctxRaw,
	).Scan(&run.ID, &run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, trigger_data, context, current_step_index,
		       started_at, completed_at, error
		FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// ListRuns returns runs newest first, optionally filtered.
func (s *Store) ListRuns(ctx context.Context, workflowID, status string, limit, offset int) ([]models.Run, error) {
	query := `
		SELECT id, workflow_id, status, trigger_data, context, current_step_index,
		       started_at, completed_at, error
		FROM runs`
	var conditions []string
	var args []any
	if workflowID != "" {
		args = append(args, workflowID)
		conditions = append(conditions, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// MarkRunRunning flips a run to running without touching any other field.
// Terminal runs are left alone so a duplicate StartRun cannot resurrect a
// cancelled or finished run.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2 WHERE id = $1 AND status IN ($2, $3)`,
		id, models.RunRunning, models.RunPending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AdvanceRun persists progress after a successful step: the new step index
// and the context extended with that step's output. Guarded on the running
// status so a concurrent cancel is never overwritten; returns ErrNotFound
// when the run is no longer running.
func (s *Store) AdvanceRun(ctx context.Context, id string, newIndex int, newCtx models.ExecutionContext) error {
	ctxRaw, err := marshalJSON(newCtx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET current_step_index = $2, context = $3
		WHERE id = $1 AND status = $4`, id, newIndex, ctxRaw, models.RunRunning)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteRun marks a run completed. Only a live run can complete.
func (s *Store) CompleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, completed_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, models.RunCompleted, models.RunRunning, models.RunPending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailRun marks a run failed with its terminal error. Only a live run can
// fail.
func (s *Store) FailRun(ctx context.Context, id string, runErr models.RunError) error {
	errRaw, err := marshalJSON(runErr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, completed_at = now(), error = $3
		WHERE id = $1 AND status IN ($4, $5)`,
		id, models.RunFailed, errRaw, models.RunRunning, models.RunPending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CancelRun cancels a run only while it is still pending or running.
// Returns ErrNotFound when the run is already terminal or missing.
func (s *Store) CancelRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, completed_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, models.RunCancelled, models.RunPending, models.RunRunning)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var triggerRaw, ctxRaw, errRaw []byte
	var completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.Status, &triggerRaw, &ctxRaw,
		&run.CurrentStepIndex, &run.StartedAt, &completedAt, &errRaw); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(triggerRaw, &run.TriggerData); err != nil {
		return nil, fmt.Errorf("run %s trigger_data: %w", run.ID, err)
	}
	if err := unmarshalJSON(ctxRaw, &run.Context); err != nil {
		return nil, fmt.Errorf("run %s context: %w", run.ID, err)
	}
	if len(errRaw) > 0 {
		var re models.RunError
		if err := unmarshalJSON(errRaw, &re); err != nil {
			return nil, fmt.Errorf("run %s error: %w", run.ID, err)
		}
		run.Error = &re
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}
