package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// WorkflowRepository stores workflow state as a JSONB document with
// extracted columns for the indexed queries.
type WorkflowRepository struct {
	db *sql.DB
}

// Find loads a workflow by ID.
func (wr *WorkflowRepository) Find(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var data []byte

	err := wr.db.QueryRowContext(ctx, `
		SELECT
			data
		FROM workflows
		WHERE id = $1
	`, workflowID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("Find", workflowID, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("Find", workflowID, err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, persistence.NewWorkflowError("Find", workflowID, err)
	}

	workflow.EnsureContext()

	return &workflow, nil
}

// Save upserts the full workflow state.
func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow, userID string) error {
	if workflow == nil || workflow.ID == "" {
		return persistence.NewWorkflowError("Save", "", persistence.ErrWorkflowNotFound)
	}

	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now
	if userID != "" {
		workflow.Owner = userID
	}

	data, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	_, err = wr.db.ExecContext(ctx, `
		INSERT INTO workflows (id, status, current_step, owner, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , current_step = EXCLUDED.current_step
		  , owner = EXCLUDED.owner
		  , data = EXCLUDED.data
		  , updated_at = EXCLUDED.updated_at
	`, workflow.ID, string(workflow.Status), workflow.CurrentStep, workflow.Owner, data, workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// SaveStatus performs a partial, status-only update, keeping the JSONB
// document in step with the column.
func (wr *WorkflowRepository) SaveStatus(ctx context.Context, workflowID string, status models.WorkflowStatus, _ string) error {
	result, err := wr.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $2
		  , updated_at = $3
		  , data = jsonb_set(jsonb_set(data, '{status}', to_jsonb($2::text)), '{updated_at}', to_jsonb($3::timestamptz))
		WHERE id = $1
	`, workflowID, string(status), time.Now().UTC())
	if err != nil {
		return persistence.NewWorkflowError("SaveStatus", workflowID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("SaveStatus", workflowID, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("SaveStatus", workflowID, persistence.ErrWorkflowNotFound)
	}

	return nil
}

// ListActive returns every workflow whose status is not terminal.
func (wr *WorkflowRepository) ListActive(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := wr.db.QueryContext(ctx, `
		SELECT
			data
		FROM workflows
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at DESC
	`, string(models.WorkflowStatusCompleted), string(models.WorkflowStatusError), string(models.WorkflowStatusCancelled))
	if err != nil {
		return nil, persistence.NewWorkflowError("ListActive", "", err)
	}
	defer rows.Close()

	active := make([]*models.Workflow, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.NewWorkflowError("ListActive", "", err)
		}

		var workflow models.Workflow
		if err := json.Unmarshal(data, &workflow); err != nil {
			return nil, persistence.NewWorkflowError("ListActive", "", err)
		}

		workflow.EnsureContext()
		active = append(active, &workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewWorkflowError("ListActive", "", err)
	}

	return active, nil
}

// Delete removes the workflow row.
func (wr *WorkflowRepository) Delete(ctx context.Context, workflowID string) error {
	result, err := wr.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = $1", workflowID)
	if err != nil {
		return persistence.NewWorkflowError("Delete", workflowID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Delete", workflowID, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", workflowID, persistence.ErrWorkflowNotFound)
	}

	return nil
}
