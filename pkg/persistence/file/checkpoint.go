package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// CheckpointRepository stores rollback snapshots as one JSON document per
// checkpoint, grouped by workflow.
type CheckpointRepository struct {
	root string
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(root string) *CheckpointRepository {
	return &CheckpointRepository{root: root}
}

func (cr *CheckpointRepository) dir(workflowID string) string {
	return filepath.Join(cr.root, "checkpoints", workflowID)
}

// Save persists a checkpoint, assigning an ID and timestamp when absent.
func (cr *CheckpointRepository) Save(_ context.Context, checkpoint *models.Checkpoint) error {
	if checkpoint.WorkflowID == "" {
		return fmt.Errorf("checkpoint requires a workflow id")
	}

	if checkpoint.ID == "" {
		checkpoint.ID = uuid.New().String()
	}

	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	dir := cr.dir(checkpoint.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", checkpoint.ID, err)
	}

	path := filepath.Join(dir, checkpoint.ID+".json")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", checkpoint.ID, err)
	}

	return nil
}

// ByWorkflow returns the workflow's checkpoints newest first.
func (cr *CheckpointRepository) ByWorkflow(_ context.Context, workflowID string) ([]*models.Checkpoint, error) {
	entries, err := fs.Glob(os.DirFS(cr.dir(workflowID)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", workflowID, err)
	}

	checkpoints := make([]*models.Checkpoint, 0, len(entries))

	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(cr.dir(workflowID), entry))
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", entry, err)
		}

		var checkpoint models.Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint %s: %w", entry, err)
		}

		checkpoints = append(checkpoints, &checkpoint)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})

	return checkpoints, nil
}

// Cleanup removes checkpoints created before the cutoff across all workflows.
func (cr *CheckpointRepository) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	base := filepath.Join(cr.root, "checkpoints")

	workflows, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to list checkpoint directories: %w", err)
	}

	removed := 0

	for _, workflowDir := range workflows {
		if !workflowDir.IsDir() {
			continue
		}

		checkpoints, err := cr.ByWorkflow(ctx, workflowDir.Name())
		if err != nil {
			return removed, err
		}

		for _, checkpoint := range checkpoints {
			if checkpoint.CreatedAt.After(olderThan) {
				continue
			}

			path := filepath.Join(base, workflowDir.Name(), checkpoint.ID+".json")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to remove checkpoint %s: %w", checkpoint.ID, err)
			}

			removed++
		}
	}

	return removed, nil
}
