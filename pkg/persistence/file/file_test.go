package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

func testWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:     id,
		Title:  "Greenfield Service",
		Status: models.WorkflowStatusRunning,
		Sequence: []*models.Step{
			{Type: models.StepTypeAgent, AgentID: "analyst", Action: "gather project requirements", Creates: "project_brief"},
		},
		Context:   models.NewWorkflowContext(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestWorkflowRepository_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence(t.TempDir())
	repo := store.WorkflowRepository()

	workflow := testWorkflow("wf-1")
	workflow.Context.RoutingDecisions["documentation_check"] = "inadequate"

	require.NoError(t, repo.Save(ctx, workflow, "user-1"))

	loaded, err := repo.Find(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Greenfield Service", loaded.Title)
	assert.Equal(t, "user-1", loaded.Owner)
	assert.Equal(t, "inadequate", loaded.Context.RoutingDecisions["documentation_check"])
}

func TestWorkflowRepository_FindMissing(t *testing.T) {
	store := NewPersistence(t.TempDir())

	_, err := store.WorkflowRepository().Find(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflowRepository_SaveStatusIsPartial(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence(t.TempDir())
	repo := store.WorkflowRepository()

	workflow := testWorkflow("wf-2")
	workflow.CurrentStep = 3
	require.NoError(t, repo.Save(ctx, workflow, ""))

	require.NoError(t, repo.SaveStatus(ctx, "wf-2", models.WorkflowStatusPaused, ""))

	loaded, err := repo.Find(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPaused, loaded.Status)
	assert.Equal(t, 3, loaded.CurrentStep)
}

func TestWorkflowRepository_ListActive(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence(t.TempDir())
	repo := store.WorkflowRepository()

	running := testWorkflow("wf-running")
	done := testWorkflow("wf-done")
	done.Status = models.WorkflowStatusCompleted

	require.NoError(t, repo.Save(ctx, running, ""))
	require.NoError(t, repo.Save(ctx, done, ""))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "wf-running", active[0].ID)
}

func TestCheckpointRepository_NewestFirstAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence(t.TempDir())
	repo := store.CheckpointRepository()

	old := &models.Checkpoint{
		WorkflowID: "wf-1",
		Type:       "before_agent_analyst",
		StepIndex:  0,
		CreatedAt:  time.Now().UTC().Add(-48 * time.Hour),
	}
	recent := &models.Checkpoint{
		WorkflowID: "wf-1",
		Type:       "before_agent_pm",
		StepIndex:  1,
		CreatedAt:  time.Now().UTC(),
	}

	require.NoError(t, repo.Save(ctx, old))
	require.NoError(t, repo.Save(ctx, recent))

	checkpoints, err := repo.ByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, "before_agent_pm", checkpoints[0].Type)

	removed, err := repo.Cleanup(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	checkpoints, err = repo.ByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, "before_agent_pm", checkpoints[0].Type)
}

func TestMessageRepository_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence(t.TempDir())
	repo := store.MessageRepository()

	first := &models.Message{
		ID:         "msg-1",
		WorkflowID: "wf-1",
		From:       "engine",
		To:         "analyst",
		Type:       models.MessageTypeActivation,
		Content:    map[string]any{"action": "gather project requirements"},
		Timestamp:  time.Now().UTC(),
	}
	second := &models.Message{
		ID:         "msg-2",
		WorkflowID: "wf-1",
		From:       "analyst",
		To:         "engine",
		Type:       models.MessageTypeCompletion,
		Content:    map[string]any{"artifact": "project_brief"},
		Timestamp:  time.Now().UTC(),
	}

	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))

	messages, err := repo.ByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "msg-1", messages[0].ID)
	assert.Equal(t, models.MessageTypeCompletion, messages[1].Type)

	empty, err := repo.ByWorkflow(ctx, "wf-other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
