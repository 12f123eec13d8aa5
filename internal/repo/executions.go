package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hookflow/hookflow/internal/models"
)

// CreateStepExecution inserts a pending attempt row. The unique constraint
// on (run_id, step_id, attempt) makes duplicate inserts explicit errors.
func (s *Store) CreateStepExecution(ctx context.Context, runID, stepID, stepName string, attempt int, input any) (*models.StepExecution, error) {
	inputRaw, err := marshalJSON(input)
	if err != nil {
		return nil, err
	}
	exec := &models.StepExecution{
		RunID:    runID,
		StepID:   stepID,
		StepName: stepName,
		Status:   models.ExecPending,
		Attempt:  attempt,
		Input:    input,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO step_executions (run_id, step_id, step_name, status, attempt, input)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, started_at`,
		runID, stepID, stepName, models.ExecPending, attempt, inputRaw,
	).Scan(&exec.ID, &exec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create step execution: %w", err)
	}
	return exec, nil
}

// MarkExecutionRunning flips an attempt row to running.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = $2 WHERE id = $1`, id, models.ExecRunning)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteExecution records a successful attempt.
func (s *Store) CompleteExecution(ctx context.Context, id string, output any, durationMs int64) error {
	outputRaw, err := marshalJSON(output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions
		SET status = $2, output = $3, completed_at = now(), duration_ms = $4
		WHERE id = $1`, id, models.ExecCompleted, outputRaw, durationMs)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailExecution records a failed attempt.
func (s *Store) FailExecution(ctx context.Context, id string, execErr any, durationMs int64) error {
	errRaw, err := marshalJSON(execErr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions
		SET status = $2, error = $3, completed_at = now(), duration_ms = $4
		WHERE id = $1`, id, models.ExecFailed, errRaw, durationMs)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListExecutions returns every attempt for a run in creation order.
func (s *Store) ListExecutions(ctx context.Context, runID string) ([]models.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, step_name, status, attempt, input, output, error,
		       started_at, completed_at, duration_ms
		FROM step_executions WHERE run_id = $1 ORDER BY started_at, attempt`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StepExecution
	for rows.Next() {
		var exec models.StepExecution
		var inputRaw, outputRaw, errRaw []byte
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&exec.ID, &exec.RunID, &exec.StepID, &exec.StepName, &exec.Status,
			&exec.Attempt, &inputRaw, &outputRaw, &errRaw,
			&exec.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(inputRaw, &exec.Input); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(outputRaw, &exec.Output); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(errRaw, &exec.Error); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t := completedAt.Time
			exec.CompletedAt = &t
		}
		if durationMs.Valid {
			exec.DurationMs = &durationMs.Int64
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
