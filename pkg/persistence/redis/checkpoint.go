package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// CheckpointRepository stores rollback snapshots in per-workflow sorted sets
// scored by creation time, plus a set of workflow IDs for cleanup sweeps.
type CheckpointRepository struct {
	client *goredis.Client
}

// Save persists a checkpoint, assigning an ID and timestamp when absent.
func (cr *CheckpointRepository) Save(ctx context.Context, checkpoint *models.Checkpoint) error {
	if checkpoint.WorkflowID == "" {
		return fmt.Errorf("checkpoint requires a workflow id")
	}

	if checkpoint.ID == "" {
		checkpoint.ID = uuid.New().String()
	}

	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", checkpoint.ID, err)
	}

	pipe := cr.client.TxPipeline()
	pipe.ZAdd(ctx, checkpointKeyPrefix+checkpoint.WorkflowID, goredis.Z{
		Score:  float64(checkpoint.CreatedAt.UnixNano()),
		Member: data,
	})
	pipe.SAdd(ctx, checkpointIndexKey, checkpoint.WorkflowID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", checkpoint.ID, err)
	}

	return nil
}

// ByWorkflow returns the workflow's checkpoints newest first.
func (cr *CheckpointRepository) ByWorkflow(ctx context.Context, workflowID string) ([]*models.Checkpoint, error) {
	members, err := cr.client.ZRevRange(ctx, checkpointKeyPrefix+workflowID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", workflowID, err)
	}

	checkpoints := make([]*models.Checkpoint, 0, len(members))

	for _, member := range members {
		var checkpoint models.Checkpoint
		if err := json.Unmarshal([]byte(member), &checkpoint); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint for %s: %w", workflowID, err)
		}

		checkpoints = append(checkpoints, &checkpoint)
	}

	return checkpoints, nil
}

// Cleanup removes checkpoints created before the cutoff across all workflows.
func (cr *CheckpointRepository) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	workflowIDs, err := cr.client.SMembers(ctx, checkpointIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoint workflows: %w", err)
	}

	cutoff := strconv.FormatInt(olderThan.UnixNano(), 10)
	removed := 0

	for _, workflowID := range workflowIDs {
		count, err := cr.client.ZRemRangeByScore(ctx, checkpointKeyPrefix+workflowID, "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to clean checkpoints for %s: %w", workflowID, err)
		}

		removed += int(count)

		remaining, err := cr.client.ZCard(ctx, checkpointKeyPrefix+workflowID).Result()
		if err == nil && remaining == 0 {
			cr.client.SRem(ctx, checkpointIndexKey, workflowID)
		}
	}

	return removed, nil
}
