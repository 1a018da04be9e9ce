// Package persistence provides the storage abstraction layer for workflows,
// checkpoints and the brokered message log.
package persistence

import (
	"context"
	"time"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// Persistence is the workflow store collaborator. Implementations must be
// safe for concurrent use across distinct workflow IDs; the engine
// guarantees at most one mutator per workflow ID.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	CheckpointRepository() CheckpointRepository
	MessageRepository() MessageRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow run state between steps.
type WorkflowRepository interface {
	Find(ctx context.Context, workflowID string) (*models.Workflow, error)

	// Save persists the full workflow state on behalf of userID.
	Save(ctx context.Context, workflow *models.Workflow, userID string) error

	// SaveStatus performs a partial, status-only update without rewriting
	// the rest of the persisted state.
	SaveStatus(ctx context.Context, workflowID string, status models.WorkflowStatus, userID string) error

	// ListActive returns every workflow whose status is not terminal.
	ListActive(ctx context.Context) ([]*models.Workflow, error)

	Delete(ctx context.Context, workflowID string) error
}

// CheckpointRepository stores rollback snapshots.
type CheckpointRepository interface {
	Save(ctx context.Context, checkpoint *models.Checkpoint) error

	// ByWorkflow returns the workflow's checkpoints newest first.
	ByWorkflow(ctx context.Context, workflowID string) ([]*models.Checkpoint, error)

	// Cleanup removes checkpoints older than the cutoff and reports how
	// many were removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
}

// MessageRepository is the append-only message log.
type MessageRepository interface {
	Append(ctx context.Context, message *models.Message) error

	// ByWorkflow returns a workflow's messages oldest first.
	ByWorkflow(ctx context.Context, workflowID string) ([]*models.Message, error)
}
