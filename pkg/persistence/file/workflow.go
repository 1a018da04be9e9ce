package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// WorkflowRepository handles workflow state documents on disk.
type WorkflowRepository struct {
	root string
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

func (wr *WorkflowRepository) dir() string {
	return filepath.Join(wr.root, "workflows")
}

func (wr *WorkflowRepository) path(workflowID string) string {
	return filepath.Join(wr.dir(), workflowID+".json")
}

// Find loads a workflow by ID.
func (wr *WorkflowRepository) Find(_ context.Context, workflowID string) (*models.Workflow, error) {
	data, err := os.ReadFile(wr.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewWorkflowError("Find", workflowID, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("Find", workflowID, err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, persistence.NewWorkflowError("Find", workflowID, fmt.Errorf("corrupt workflow document: %w", err))
	}

	workflow.EnsureContext()

	return &workflow, nil
}

// Save writes the full workflow state atomically.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow, userID string) error {
	if workflow == nil || workflow.ID == "" {
		return persistence.NewWorkflowError("Save", "", persistence.ErrWorkflowNotFound)
	}

	if err := os.MkdirAll(wr.dir(), 0o755); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	workflow.UpdatedAt = time.Now().UTC()
	if userID != "" {
		workflow.Owner = userID
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	if err := renameio.WriteFile(wr.path(workflow.ID), data, 0o644); err != nil {
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

// ListActive returns every workflow whose status is not terminal.
func (wr *WorkflowRepository) ListActive(ctx context.Context) ([]*models.Workflow, error) {
	entries, err := fs.Glob(os.DirFS(wr.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	active := make([]*models.Workflow, 0, len(entries))

	for _, entry := range entries {
		workflowID := entry[:len(entry)-len(".json")]

		workflow, err := wr.Find(ctx, workflowID)
		if err != nil {
			return nil, err
		}

		if !workflow.Status.IsTerminal() {
			active = append(active, workflow)
		}
	}

	return active, nil
}

// Delete removes the workflow document.
func (wr *WorkflowRepository) Delete(_ context.Context, workflowID string) error {
	if err := os.Remove(wr.path(workflowID)); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewWorkflowError("Delete", workflowID, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewWorkflowError("Delete", workflowID, err)
	}

	return nil
}
