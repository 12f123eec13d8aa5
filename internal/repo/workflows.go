package repo

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/hookflow/hookflow/internal/db"
	"github.com/hookflow/hookflow/internal/models"
)

var slugRe = regexp.MustCompile(`^[a-z0-9-]{1,100}$`)

// CreateWorkflow inserts a workflow without steps.
func (s *Store) CreateWorkflow(ctx context.Context, name, slug, webhookSecret string, enabled bool) (*models.Workflow, error) {
	if !slugRe.MatchString(slug) {
		return nil, fmt.Errorf("invalid slug %q", slug)
	}
	var wf models.Workflow
	var secret sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (name, slug, webhook_secret, enabled)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING id, name, slug, COALESCE(webhook_secret, ''), enabled, created_at, updated_at`,
		name, slug, webhookSecret, enabled,
	).Scan(&wf.ID, &wf.Name, &wf.Slug, &secret.String, &wf.Enabled, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	wf.WebhookSecret = secret.String
	return &wf, nil
}

// GetWorkflow loads a workflow with its steps ordered by "order".
func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := s.scanWorkflow(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, COALESCE(webhook_secret, ''), enabled, created_at, updated_at
		FROM workflows WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if wf.Steps, err = s.loadSteps(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

// FindWorkflowBySlug loads a workflow (with steps) by its webhook slug.
func (s *Store) FindWorkflowBySlug(ctx context.Context, slug string) (*models.Workflow, error) {
	wf, err := s.scanWorkflow(s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, COALESCE(webhook_secret, ''), enabled, created_at, updated_at
		FROM workflows WHERE slug = $1`, slug))
	if err != nil {
		return nil, err
	}
	if wf.Steps, err = s.loadSteps(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns workflows without steps, newest first.
func (s *Store) ListWorkflows(ctx context.Context, limit, offset int) ([]models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, COALESCE(webhook_secret, ''), enabled, created_at, updated_at
		FROM workflows ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

// UpdateWorkflow updates mutable workflow fields.
func (s *Store) UpdateWorkflow(ctx context.Context, id, name, webhookSecret string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET name = $2, webhook_secret = NULLIF($3, ''), enabled = $4, updated_at = now()
		WHERE id = $1`, id, name, webhookSecret, enabled)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteWorkflow removes a workflow; steps, runs and executions cascade.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AddStep appends a step at the end of a workflow's order sequence.
func (s *Store) AddStep(ctx context.Context, workflowID string, step models.Step) (*models.Step, error) {
	cfg, err := marshalJSON(step.Config)
	if err != nil {
		return nil, err
	}
	policy, err := marshalJSON(step.RetryPolicy)
	if err != nil {
		return nil, err
	}
	out := step
	out.WorkflowID = workflowID
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO steps (workflow_id, "order", name, type, config, retry_policy, timeout_ms, enabled)
		SELECT $1, COALESCE(MAX("order") + 1, 0), $2, $3, $4, $5, $6, $7
		FROM steps WHERE workflow_id = $1
		RETURNING id, "order"`,
		workflowID, step.Name, step.Type, cfg, policy, step.TimeoutMs, step.Enabled,
	).Scan(&out.ID, &out.Order)
	if err != nil {
		return nil, fmt.Errorf("add step: %w", err)
	}
	return &out, nil
}

// UpdateStep rewrites a step's configuration. Order is not changed here.
func (s *Store) UpdateStep(ctx context.Context, stepID string, step models.Step) error {
	cfg, err := marshalJSON(step.Config)
	if err != nil {
		return err
	}
	policy, err := marshalJSON(step.RetryPolicy)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET name = $2, type = $3, config = $4, retry_policy = $5, timeout_ms = $6, enabled = $7
		WHERE id = $1`,
		stepID, step.Name, step.Type, cfg, policy, step.TimeoutMs, step.Enabled)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteStep removes a step and re-densifies the surviving orders to [0..n).
// The shift through a high offset keeps UNIQUE(workflow_id, "order") and the
// order >= 0 check satisfied mid-transaction.
func (s *Store) DeleteStep(ctx context.Context, workflowID, stepID string) error {
	return db.Tx(s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE id = $1 AND workflow_id = $2`, stepID, workflowID)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE steps SET "order" = "order" + 1000000 WHERE workflow_id = $1`, workflowID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE steps SET "order" = ranked.new_order
			FROM (
				SELECT id, row_number() OVER (ORDER BY "order") - 1 AS new_order
				FROM steps WHERE workflow_id = $1
			) ranked
			WHERE steps.id = ranked.id`, workflowID)
		return err
	})
}

// CountSteps returns the number of steps in a workflow.
func (s *Store) CountSteps(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE workflow_id = $1`, workflowID).Scan(&n)
	return n, err
}

func (s *Store) loadSteps(ctx context.Context, workflowID string) ([]models.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, "order", name, type, config, retry_policy, timeout_ms, enabled
		FROM steps WHERE workflow_id = $1 ORDER BY "order"`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		var st models.Step
		var cfgRaw, policyRaw []byte
		var timeoutMs sql.NullInt64
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Order, &st.Name, &st.Type,
			&cfgRaw, &policyRaw, &timeoutMs, &st.Enabled); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(cfgRaw, &st.Config); err != nil {
			return nil, fmt.Errorf("step %s config: %w", st.ID, err)
		}
		if len(policyRaw) > 0 {
			var p models.RetryPolicy
			if err := unmarshalJSON(policyRaw, &p); err != nil {
				return nil, fmt.Errorf("step %s retry policy: %w", st.ID, err)
			}
			st.RetryPolicy = &p
		}
		if timeoutMs.Valid {
			st.TimeoutMs = &timeoutMs.Int64
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var wf models.Workflow
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Slug, &wf.WebhookSecret,
		&wf.Enabled, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	return &wf, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
