// Package checkpoint snapshots workflow state before risky steps and rolls
// a workflow back to the most recent safe snapshot after an unhandled
// failure.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scriptorhq/scriptor/pkg/log"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// TypeBeforeAgent prefixes the checkpoint type written immediately before
// an agent step executes.
const TypeBeforeAgent = "before_agent"

// BeforeAgentType builds the checkpoint type tag for an agent step.
func BeforeAgentType(agentID string) string {
	return TypeBeforeAgent + "_" + agentID
}

// Messenger is the slice of the communicator used for rollback notices.
type Messenger interface {
	SendMessage(ctx context.Context, message *models.Message) (*models.Message, error)
}

// Manager creates checkpoints and performs automatic rollbacks.
type Manager struct {
	checkpoints persistence.CheckpointRepository
	workflows   persistence.WorkflowRepository
	messenger   Messenger
	enabled     bool
	logger      *slog.Logger
}

// NewManager wires a checkpoint manager. When enabled is false, Create is
// a no-op and rollback finds nothing to restore.
func NewManager(checkpoints persistence.CheckpointRepository, workflows persistence.WorkflowRepository, messenger Messenger, enabled bool, logger *slog.Logger) *Manager {
	return &Manager{
		checkpoints: checkpoints,
		workflows:   workflows,
		messenger:   messenger,
		enabled:     enabled,
		logger:      log.WithModule(logger, "checkpoint"),
	}
}

// Create snapshots the workflow under the given type tag. The snapshot
// captures the full workflow state so rollback can restore it wholesale.
func (m *Manager) Create(ctx context.Context, workflow *models.Workflow, checkpointType, description string) (*models.Checkpoint, error) {
	if !m.enabled {
		return nil, nil
	}

	state, err := json.Marshal(workflow)
	if err != nil {
		return nil, fmt.Errorf("snapshotting workflow %s: %w", workflow.ID, err)
	}

	currentAgent := ""
	if step := workflow.StepAt(workflow.CurrentStep); step != nil {
		currentAgent = step.AgentID
	}

	cp := &models.Checkpoint{
		ID:           uuid.NewString(),
		WorkflowID:   workflow.ID,
		Type:         checkpointType,
		Description:  description,
		StepIndex:    workflow.CurrentStep,
		CurrentAgent: currentAgent,
		State:        state,
		CreatedAt:    time.Now().UTC(),
	}

	if err := m.checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("saving checkpoint for workflow %s: %w", workflow.ID, err)
	}

	m.logger.DebugContext(ctx, "checkpoint created",
		"workflow_id", workflow.ID, "type", checkpointType, "step_index", cp.StepIndex)

	return cp, nil
}

// Rollback restores the workflow to the newest checkpoint that is safe to
// use after failingAgent crashed mid-step. The checkpoint tagged for the
// failing agent is excluded: it may already reflect the corrupted state.
// When no eligible checkpoint exists the error is returned and the caller
// must propagate the original failure.
func (m *Manager) Rollback(ctx context.Context, workflow *models.Workflow, failingAgent, userID string) (*models.Checkpoint, error) {
	history, err := m.checkpoints.ByWorkflow(ctx, workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint history for workflow %s: %w", workflow.ID, err)
	}

	excluded := BeforeAgentType(failingAgent)

	var chosen *models.Checkpoint
	for _, cp := range history {
		if cp.Type == excluded {
			continue
		}

		chosen = cp

		break
	}

	if chosen == nil {
		return nil, &persistence.WorkflowError{
			Op:         "rollback",
			WorkflowID: workflow.ID,
			Err:        persistence.ErrCheckpointNotFound,
			Message:    "no safe checkpoint to roll back to",
		}
	}

	var restored models.Workflow
	if err := json.Unmarshal(chosen.State, &restored); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", chosen.ID, err)
	}

	restored.EnsureContext()
	restored.Status = models.WorkflowStatusRunning
	restored.UpdatedAt = time.Now().UTC()

	// Rollback mutates the caller's workflow in place so the engine keeps
	// operating on the same instance.
	*workflow = restored

	if err := m.workflows.Save(ctx, workflow, userID); err != nil {
		return nil, fmt.Errorf("persisting rolled-back workflow %s: %w", workflow.ID, err)
	}

	m.notify(ctx, workflow, chosen)

	m.logger.InfoContext(ctx, "workflow rolled back",
		"workflow_id", workflow.ID, "checkpoint_id", chosen.ID, "step_index", chosen.StepIndex)

	return chosen, nil
}

func (m *Manager) notify(ctx context.Context, workflow *models.Workflow, cp *models.Checkpoint) {
	_, err := m.messenger.SendMessage(ctx, &models.Message{
		WorkflowID: workflow.ID,
		From:       "checkpoint-manager",
		To:         "user",
		Type:       models.MessageTypeProgress,
		Content: map[string]any{
			"text":          fmt.Sprintf("The workflow was rolled back to checkpoint %s (step %d) after a failure. You can resume from there.", cp.ID, cp.StepIndex+1),
			"checkpoint_id": cp.ID,
			"step_index":    cp.StepIndex,
			"can_resume":    true,
		},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "rollback notice failed",
			"workflow_id", workflow.ID, "checkpoint_id", cp.ID, "error", err)
	}
}

// Cleanup removes checkpoints older than maxAge across all workflows.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, err := m.checkpoints.Cleanup(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("cleaning up checkpoints: %w", err)
	}

	if removed > 0 {
		m.logger.InfoContext(ctx, "old checkpoints removed", "count", removed, "max_age", maxAge)
	}

	return removed, nil
}
