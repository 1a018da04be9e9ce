package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptorhq/scriptor/pkg/communicator"
	"github.com/scriptorhq/scriptor/pkg/config"
	"github.com/scriptorhq/scriptor/pkg/events"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence/file"
)

func testWorker(t *testing.T) *Worker {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.WorkflowsDir = t.TempDir()

	store := file.NewPersistence(t.TempDir())
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	waits := communicator.NewWaitRegistry(time.Minute, 2*time.Minute)

	return NewWorker("worker-test", cfg, store, nil, nil, nil, waits, logger)
}

func TestAcquire_SingleFlightPerWorkflow(t *testing.T) {
	w := testWorker(t)

	release, runCtx, ok := w.acquire(context.Background(), "wf-1")
	require.True(t, ok)
	require.NotNil(t, runCtx)

	_, _, ok = w.acquire(context.Background(), "wf-1")
	assert.False(t, ok, "second acquisition of the same workflow must fail")

	_, otherCtx, ok := w.acquire(context.Background(), "wf-2")
	assert.True(t, ok, "a different workflow must not be blocked")
	assert.NotNil(t, otherCtx)

	release()

	release2, _, ok := w.acquire(context.Background(), "wf-1")
	require.True(t, ok, "slot must be free again after release")
	release2()
}

func TestAcquire_ReleaseCancelsRunContext(t *testing.T) {
	w := testWorker(t)

	release, runCtx, ok := w.acquire(context.Background(), "wf-1")
	require.True(t, ok)

	release()

	assert.ErrorIs(t, runCtx.Err(), context.Canceled)
}

func TestInterrupt_CancelsInFlightRun(t *testing.T) {
	w := testWorker(t)

	release, runCtx, ok := w.acquire(context.Background(), "wf-1")
	require.True(t, ok)
	defer release()

	w.interrupt("wf-1")

	assert.ErrorIs(t, runCtx.Err(), context.Canceled)
}

func TestAcquireWait_TimesOutWhileHeld(t *testing.T) {
	w := testWorker(t)

	release, _, ok := w.acquire(context.Background(), "wf-1")
	require.True(t, ok)
	defer release()

	start := time.Now()
	_, _, ok = w.acquireWait(context.Background(), "wf-1", 120*time.Millisecond)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestEnsureWorkflow_InstantiatesFromDefinition(t *testing.T) {
	w := testWorker(t)
	ctx := context.Background()

	definition := `
id: onboarding-doc
title: Onboarding documentation
sequence:
  - agent_id: analyst
    creates: project-brief
  - agent_id: writer
    requires: [project-brief]
`
	path := filepath.Join(w.cfg.Paths.WorkflowsDir, "onboarding-doc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definition), 0o644))

	event := &events.WorkflowStartRequested{
		UserID:      "user-1",
		UserRequest: "document the onboarding flow",
	}
	event.WorkflowID = "onboarding-doc"

	require.NoError(t, w.ensureWorkflow(ctx, event))

	workflow, err := w.store.WorkflowRepository().Find(ctx, "onboarding-doc")
	require.NoError(t, err)

	assert.Equal(t, "Onboarding documentation", workflow.Title)
	assert.Equal(t, "user-1", workflow.Owner)
	assert.Equal(t, "document the onboarding flow", workflow.Context.UserRequest)
	assert.Equal(t, models.WorkflowStatusInitializing, workflow.Status)
	require.Len(t, workflow.Sequence, 2)
	assert.Equal(t, models.StepTypeAgent, workflow.Sequence[0].Type)
}

func TestEnsureWorkflow_ExistingWorkflowIsLeftAlone(t *testing.T) {
	w := testWorker(t)
	ctx := context.Background()

	existing := &models.Workflow{
		ID:     "wf-existing",
		Title:  "Already here",
		Status: models.WorkflowStatusPaused,
		Sequence: []*models.Step{
			{Type: models.StepTypeAgent, AgentID: "analyst"},
		},
		Context:   models.NewWorkflowContext(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, w.store.WorkflowRepository().Save(ctx, existing, "user-1"))

	event := &events.WorkflowStartRequested{UserID: "someone-else"}
	event.WorkflowID = "wf-existing"

	require.NoError(t, w.ensureWorkflow(ctx, event))

	workflow, err := w.store.WorkflowRepository().Find(ctx, "wf-existing")
	require.NoError(t, err)
	assert.Equal(t, "Already here", workflow.Title)
	assert.Equal(t, models.WorkflowStatusPaused, workflow.Status)
}

func TestWatchElicitation_RegistersWaitForPausedWorkflow(t *testing.T) {
	w := testWorker(t)
	ctx := context.Background()

	paused := &models.Workflow{
		ID:     "wf-paused",
		Title:  "Paused workflow",
		Status: models.WorkflowStatusPaused,
		Sequence: []*models.Step{
			{Type: models.StepTypeAgent, AgentID: "analyst", Action: "gather requirements"},
		},
		Context: models.NewWorkflowContext(),
		ElicitationDetails: &models.ElicitationDetails{
			Instruction: "Step 1 (gather requirements) needs your input to continue.",
			MessageID:   "msg-paused",
		},
	}
	require.NoError(t, w.store.WorkflowRepository().Save(ctx, paused, "user-1"))

	w.watchElicitation(ctx, "wf-paused", "user-1")

	require.Eventually(t, func() bool { return w.waits.Pending() == 1 }, time.Second, 5*time.Millisecond)

	// Reject the wait so the watcher goroutine exits without an engine.
	cancelled := w.waits.CancelWorkflow("wf-paused", "test teardown")
	assert.Equal(t, 1, cancelled)
	assert.Eventually(t, func() bool { return w.waits.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatchElicitation_IgnoresRunningWorkflow(t *testing.T) {
	w := testWorker(t)
	ctx := context.Background()

	running := &models.Workflow{
		ID:     "wf-running",
		Title:  "Running workflow",
		Status: models.WorkflowStatusRunning,
		Sequence: []*models.Step{
			{Type: models.StepTypeAgent, AgentID: "analyst"},
		},
		Context: models.NewWorkflowContext(),
	}
	require.NoError(t, w.store.WorkflowRepository().Save(ctx, running, "user-1"))

	w.watchElicitation(ctx, "wf-running", "user-1")

	assert.Equal(t, 0, w.waits.Pending())
}

func TestHandleResumeRequested_ResolvesLocalWaitFirst(t *testing.T) {
	w := testWorker(t)
	ctx := context.Background()

	responses := make(chan any, 1)

	go func() {
		response, err := w.waits.Wait(ctx, "msg-local", "wf-local")
		if err == nil {
			responses <- response
		}
	}()

	require.Eventually(t, func() bool { return w.waits.Pending() == 1 }, time.Second, 5*time.Millisecond)

	event := &events.WorkflowResumeRequested{
		MessageID: "msg-local",
		Response:  "proceed as planned",
		UserID:    "user-1",
	}
	event.WorkflowID = "wf-local"

	require.NoError(t, w.handleResumeRequested(ctx, event))

	select {
	case response := <-responses:
		assert.Equal(t, "proceed as planned", response)
	case <-time.After(time.Second):
		t.Fatal("local waiter never received the resume response")
	}
}

func TestEnsureWorkflow_MissingDefinitionFileFails(t *testing.T) {
	w := testWorker(t)

	event := &events.WorkflowStartRequested{UserID: "user-1"}
	event.WorkflowID = "does-not-exist"

	err := w.ensureWorkflow(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}
