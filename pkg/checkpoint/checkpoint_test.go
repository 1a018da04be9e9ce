package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

type memoryCheckpoints struct {
	saved []*models.Checkpoint
}

func (m *memoryCheckpoints) Save(_ context.Context, cp *models.Checkpoint) error {
	m.saved = append(m.saved, cp)

	return nil
}

func (m *memoryCheckpoints) ByWorkflow(_ context.Context, workflowID string) ([]*models.Checkpoint, error) {
	var out []*models.Checkpoint
	for _, cp := range m.saved {
		if cp.WorkflowID == workflowID {
			out = append(out, cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	return out, nil
}

func (m *memoryCheckpoints) Cleanup(_ context.Context, olderThan time.Time) (int, error) {
	var kept []*models.Checkpoint

	removed := 0
	for _, cp := range m.saved {
		if cp.CreatedAt.Before(olderThan) {
			removed++

			continue
		}

		kept = append(kept, cp)
	}

	m.saved = kept

	return removed, nil
}

type memoryWorkflows struct {
	saved *models.Workflow
}

func (m *memoryWorkflows) Find(context.Context, string) (*models.Workflow, error) { return nil, nil }

func (m *memoryWorkflows) Save(_ context.Context, workflow *models.Workflow, _ string) error {
	m.saved = workflow

	return nil
}

func (m *memoryWorkflows) SaveStatus(context.Context, string, models.WorkflowStatus, string) error {
	return nil
}

func (m *memoryWorkflows) ListActive(context.Context) ([]*models.Workflow, error) { return nil, nil }

func (m *memoryWorkflows) Delete(context.Context, string) error { return nil }

type recordingMessenger struct {
	sent []*models.Message
}

func (r *recordingMessenger) SendMessage(_ context.Context, message *models.Message) (*models.Message, error) {
	r.sent = append(r.sent, message)

	return message, nil
}

func testWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:     "wf-1",
		Title:  "Brownfield documentation",
		Status: models.WorkflowStatusRunning,
		Sequence: []*models.Step{
			{AgentID: "analyst", Action: "create project brief", Creates: "project-brief"},
			{AgentID: "architect", Action: "draft architecture", Creates: "architecture"},
		},
		Context: models.NewWorkflowContext(),
	}
}

func TestCreate_SnapshotsCurrentState(t *testing.T) {
	checkpoints := &memoryCheckpoints{}
	manager := NewManager(checkpoints, &memoryWorkflows{}, &recordingMessenger{}, true, slog.Default())

	workflow := testWorkflow()
	workflow.CurrentStep = 1

	cp, err := manager.Create(context.Background(), workflow, BeforeAgentType("architect"), "before architecture draft")
	require.NoError(t, err)
	require.NotNil(t, cp)

	assert.Equal(t, "before_agent_architect", cp.Type)
	assert.Equal(t, 1, cp.StepIndex)
	assert.Equal(t, "architect", cp.CurrentAgent)
	assert.NotEmpty(t, cp.ID)
	assert.NotEmpty(t, cp.State)
	require.Len(t, checkpoints.saved, 1)
}

func TestCreate_DisabledIsNoOp(t *testing.T) {
	checkpoints := &memoryCheckpoints{}
	manager := NewManager(checkpoints, &memoryWorkflows{}, &recordingMessenger{}, false, slog.Default())

	cp, err := manager.Create(context.Background(), testWorkflow(), TypeBeforeAgent, "ignored")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Empty(t, checkpoints.saved)
}

func TestRollback_SkipsCheckpointTaggedForFailingAgent(t *testing.T) {
	checkpoints := &memoryCheckpoints{}
	workflows := &memoryWorkflows{}
	messenger := &recordingMessenger{}
	manager := NewManager(checkpoints, workflows, messenger, true, slog.Default())

	workflow := testWorkflow()

	older, err := manager.Create(context.Background(), workflow, BeforeAgentType("analyst"), "before analyst")
	require.NoError(t, err)

	// Make ordering unambiguous.
	older.CreatedAt = older.CreatedAt.Add(-time.Minute)

	workflow.CurrentStep = 1
	workflow.Context.Artifacts["project-brief"] = &models.Artifact{Name: "project-brief"}

	tagged, err := manager.Create(context.Background(), workflow, BeforeAgentType("architect"), "before architect")
	require.NoError(t, err)

	chosen, err := manager.Rollback(context.Background(), workflow, "architect", "user-1")
	require.NoError(t, err)

	assert.Equal(t, older.ID, chosen.ID, "the checkpoint tagged for the failing agent must be excluded")
	assert.NotEqual(t, tagged.ID, chosen.ID)
	assert.Equal(t, 0, workflow.CurrentStep, "workflow restored to the older snapshot")
	assert.Equal(t, models.WorkflowStatusRunning, workflow.Status)
	assert.NotContains(t, workflow.Context.Artifacts, "project-brief")

	require.NotNil(t, workflows.saved)

	require.Len(t, messenger.sent, 1)
	assert.Equal(t, true, messenger.sent[0].Content["can_resume"])
	assert.Equal(t, older.ID, messenger.sent[0].Content["checkpoint_id"])
}

func TestRollback_NoEligibleCheckpoint(t *testing.T) {
	checkpoints := &memoryCheckpoints{}
	manager := NewManager(checkpoints, &memoryWorkflows{}, &recordingMessenger{}, true, slog.Default())

	workflow := testWorkflow()

	_, err := manager.Create(context.Background(), workflow, BeforeAgentType("analyst"), "before analyst")
	require.NoError(t, err)

	_, err = manager.Rollback(context.Background(), workflow, "analyst", "user-1")
	require.Error(t, err)
	assert.True(t, persistence.IsCheckpointNotFound(err))
}

func TestCleanup_RemovesOldCheckpoints(t *testing.T) {
	checkpoints := &memoryCheckpoints{}
	manager := NewManager(checkpoints, &memoryWorkflows{}, &recordingMessenger{}, true, slog.Default())

	workflow := testWorkflow()

	old, err := manager.Create(context.Background(), workflow, BeforeAgentType("analyst"), "old")
	require.NoError(t, err)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)

	_, err = manager.Create(context.Background(), workflow, BeforeAgentType("architect"), "fresh")
	require.NoError(t, err)

	removed, err := manager.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.Len(t, checkpoints.saved, 1)
	assert.Equal(t, "fresh", checkpoints.saved[0].Description)
}
