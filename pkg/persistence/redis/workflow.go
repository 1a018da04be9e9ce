package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// WorkflowRepository stores workflow state as JSON strings, with a set
// tracking the non-terminal workflow IDs.
type WorkflowRepository struct {
	client *goredis.Client
}

// Find loads a workflow by ID.
func (wr *WorkflowRepository) Find(ctx context.Context, workflowID string) (*models.Workflow, error) {
	data, err := wr.client.Get(ctx, workflowKeyPrefix+workflowID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
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

// Save persists the full workflow state and maintains the active-set index.
func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow, userID string) error {
	if workflow == nil || workflow.ID == "" {
		return persistence.NewWorkflowError("Save", "", persistence.ErrWorkflowNotFound)
	}

	workflow.UpdatedAt = time.Now().UTC()
	if userID != "" {
		workflow.Owner = userID
	}

	data, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	pipe := wr.client.TxPipeline()
	pipe.Set(ctx, workflowKeyPrefix+workflow.ID, data, 0)

	if workflow.Status.IsTerminal() {
		pipe.SRem(ctx, activeSetKey, workflow.ID)
	} else {
		pipe.SAdd(ctx, activeSetKey, workflow.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// SaveStatus updates only the status field of the persisted workflow.
func (wr *WorkflowRepository) SaveStatus(ctx context.Context, workflowID string, status models.WorkflowStatus, userID string) error {
	workflow, err := wr.Find(ctx, workflowID)
	if err != nil {
		return err
	}

	workflow.Status = status

	return wr.Save(ctx, workflow, userID)
}

// ListActive returns every workflow in the active set.
func (wr *WorkflowRepository) ListActive(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := wr.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, persistence.NewWorkflowError("ListActive", "", err)
	}

	active := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := wr.Find(ctx, id)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				// Stale index entry; drop it and move on.
				wr.client.SRem(ctx, activeSetKey, id)

				continue
			}

			return nil, err
		}

		active = append(active, workflow)
	}

	return active, nil
}

// Delete removes the workflow and its index entry.
func (wr *WorkflowRepository) Delete(ctx context.Context, workflowID string) error {
	removed, err := wr.client.Del(ctx, workflowKeyPrefix+workflowID).Result()
	if err != nil {
		return persistence.NewWorkflowError("Delete", workflowID, err)
	}

	if removed == 0 {
		return persistence.NewWorkflowError("Delete", workflowID, persistence.ErrWorkflowNotFound)
	}

	wr.client.SRem(ctx, activeSetKey, workflowID)

	return nil
}
