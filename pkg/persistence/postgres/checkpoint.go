package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// CheckpointRepository stores rollback snapshots.
type CheckpointRepository struct {
	db *sql.DB
}

// Save inserts a checkpoint row.
func (cr *CheckpointRepository) Save(ctx context.Context, checkpoint *models.Checkpoint) error {
	_, err := cr.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, workflow_id, checkpoint_type, description, step_index, current_agent, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, checkpoint.ID, checkpoint.WorkflowID, checkpoint.Type, checkpoint.Description,
		checkpoint.StepIndex, checkpoint.CurrentAgent, checkpoint.State, checkpoint.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", checkpoint.ID, err)
	}

	return nil
}

// ByWorkflow returns the workflow's checkpoints newest first.
func (cr *CheckpointRepository) ByWorkflow(ctx context.Context, workflowID string) ([]*models.Checkpoint, error) {
	rows, err := cr.db.QueryContext(ctx, `
		SELECT
			id
		  , workflow_id
		  , checkpoint_type
		  , description
		  , step_index
		  , current_agent
		  , state
		  , created_at
		FROM checkpoints
		WHERE workflow_id = $1
		ORDER BY created_at DESC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	checkpoints := make([]*models.Checkpoint, 0)

	for rows.Next() {
		var checkpoint models.Checkpoint
		err := rows.Scan(&checkpoint.ID, &checkpoint.WorkflowID, &checkpoint.Type, &checkpoint.Description,
			&checkpoint.StepIndex, &checkpoint.CurrentAgent, &checkpoint.State, &checkpoint.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}

		checkpoints = append(checkpoints, &checkpoint)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoints: %w", err)
	}

	return checkpoints, nil
}

// Cleanup removes checkpoints older than the cutoff and reports how many
// were removed.
func (cr *CheckpointRepository) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := cr.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE created_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleaning up checkpoints: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleaning up checkpoints: %w", err)
	}

	return int(removed), nil
}
