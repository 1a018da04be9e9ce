package communicator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptorhq/scriptor/pkg/eventbus"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence/file"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testCommunicator(t *testing.T) (*Communicator, *file.Persistence) {
	t.Helper()
	store := file.NewPersistence(t.TempDir())

	waits := NewWaitRegistry(time.Minute, 2*time.Minute)

	return New(store, NoopBroadcaster{}, waits, testLogger()), store
}

func seedWorkflow(t *testing.T, store *file.Persistence, id string) {
	t.Helper()
	workflow := &models.Workflow{
		ID:     id,
		Title:  "Test Workflow",
		Status: models.WorkflowStatusRunning,
		Sequence: []*models.Step{
			{Type: models.StepTypeAgent, AgentID: "analyst"},
		},
		Context: models.NewWorkflowContext(),
	}
	require.NoError(t, store.WorkflowRepository().Save(context.Background(), workflow, ""))
}

func TestSendMessage_RejectsUnknownType(t *testing.T) {
	comm, _ := testCommunicator(t)

	_, err := comm.SendMessage(context.Background(), &models.Message{
		WorkflowID: "wf-1",
		From:       "engine",
		To:         "analyst",
		Type:       "broadcast",
		Content:    map[string]any{},
	})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	// Nothing was persisted for the rejected message.
	messages, err := comm.History(context.Background(), "wf-1", HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendMessage_RejectsIncomplete(t *testing.T) {
	comm, _ := testCommunicator(t)

	_, err := comm.SendMessage(context.Background(), &models.Message{
		WorkflowID: "wf-1",
		From:       "engine",
		Type:       models.MessageTypeActivation,
	})
	assert.ErrorIs(t, err, ErrIncompleteMessage)
}

func TestSendMessage_StampsAndPersists(t *testing.T) {
	comm, _ := testCommunicator(t)

	sent, err := comm.SendMessage(context.Background(), &models.Message{
		WorkflowID: "wf-1",
		From:       "engine",
		To:         "analyst",
		Type:       models.MessageTypeActivation,
		Content:    map[string]any{"action": "gather requirements"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.Timestamp.IsZero())
	assert.Equal(t, models.MessageStatusDelivered, sent.Status)

	agent, ok := comm.ActiveAgent("wf-1")
	require.True(t, ok)
	assert.Equal(t, "analyst", agent)

	messages, err := comm.History(context.Background(), "wf-1", HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, sent.ID, messages[0].ID)
}

func TestSendMessage_CompletionClearsActiveAgent(t *testing.T) {
	comm, _ := testCommunicator(t)
	ctx := context.Background()

	_, err := comm.SendMessage(ctx, &models.Message{
		WorkflowID: "wf-1", From: "engine", To: "analyst",
		Type: models.MessageTypeActivation, Content: map[string]any{},
	})
	require.NoError(t, err)

	_, err = comm.SendMessage(ctx, &models.Message{
		WorkflowID: "wf-1", From: "analyst", To: "engine",
		Type:    models.MessageTypeCompletion,
		Content: map[string]any{"artifact": "project_brief"},
	})
	require.NoError(t, err)

	_, ok := comm.ActiveAgent("wf-1")
	assert.False(t, ok)

	result, ok := comm.LastResult("wf-1")
	require.True(t, ok)
	assert.Equal(t, "project_brief", result["artifact"])
}

func TestSendMessage_ElicitationRequestPausesWorkflow(t *testing.T) {
	comm, store := testCommunicator(t)
	seedWorkflow(t, store, "wf-1")

	sent, err := comm.SendMessage(context.Background(), &models.Message{
		WorkflowID: "wf-1",
		From:       "pm",
		To:         "user",
		Type:       models.MessageTypeElicitationRequest,
		Content: map[string]any{
			"title":       "PRD Review",
			"instruction": "Select 1-9 or type your feedback",
			"section_id":  "requirements",
		},
	})
	require.NoError(t, err)

	workflow, err := store.WorkflowRepository().Find(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPaused, workflow.Status)
	require.NotNil(t, workflow.ElicitationDetails)
	assert.Equal(t, "PRD Review", workflow.ElicitationDetails.Title)
	assert.Equal(t, sent.ID, workflow.ElicitationDetails.MessageID)
}

func TestSendMessage_ErrorUpdatesWorkflowErrors(t *testing.T) {
	comm, store := testCommunicator(t)
	seedWorkflow(t, store, "wf-1")

	_, err := comm.SendMessage(context.Background(), &models.Message{
		WorkflowID: "wf-1",
		From:       "analyst",
		To:         "engine",
		Type:       models.MessageTypeError,
		Content:    map[string]any{"error": "completion call failed", "error_type": "timeout"},
	})
	require.NoError(t, err)

	workflow, err := store.WorkflowRepository().Find(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, workflow.Errors, 1)
	assert.Equal(t, "timeout", workflow.Errors[0].Type)
	assert.Equal(t, "completion call failed", workflow.Errors[0].Message)
}

func TestSendMessage_FansOutToSubscribers(t *testing.T) {
	comm, _ := testCommunicator(t)

	var received []*models.Message

	comm.Subscribe(func(_ context.Context, message *models.Message) {
		received = append(received, message)
	})

	_, err := comm.SendMessage(context.Background(), &models.Message{
		WorkflowID: "wf-1", From: "engine", To: "user",
		Type: models.MessageTypeProgress, Content: map[string]any{"summary": "step 2 of 5"},
	})
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, models.MessageTypeProgress, received[0].Type)
}

func TestHistory_Filters(t *testing.T) {
	comm, _ := testCommunicator(t)
	ctx := context.Background()

	for _, m := range []*models.Message{
		{WorkflowID: "wf-1", From: "engine", To: "analyst", Type: models.MessageTypeActivation, Content: map[string]any{}},
		{WorkflowID: "wf-1", From: "analyst", To: "engine", Type: models.MessageTypeCompletion, Content: map[string]any{}},
		{WorkflowID: "wf-1", From: "engine", To: "pm", Type: models.MessageTypeActivation, Content: map[string]any{}},
	} {
		_, err := comm.SendMessage(ctx, m)
		require.NoError(t, err)
	}

	activations, err := comm.History(ctx, "wf-1", HistoryFilter{Type: models.MessageTypeActivation})
	require.NoError(t, err)
	assert.Len(t, activations, 2)

	analyst, err := comm.History(ctx, "wf-1", HistoryFilter{Agent: "analyst"})
	require.NoError(t, err)
	assert.Len(t, analyst, 2)
}

func TestTimeline(t *testing.T) {
	comm, _ := testCommunicator(t)

	_, err := comm.SendMessage(context.Background(), &models.Message{
		WorkflowID: "wf-1", From: "engine", To: "user",
		Type: models.MessageTypeProgress, Content: map[string]any{"summary": "Workflow started"},
	})
	require.NoError(t, err)

	timeline, err := comm.Timeline(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Contains(t, timeline, "workflow_progress")
	assert.Contains(t, timeline, "engine → user")
	assert.Contains(t, timeline, "Workflow started")
}

func TestSendMessageAndWait_DeliversResolvedResponse(t *testing.T) {
	comm, store := testCommunicator(t)
	seedWorkflow(t, store, "wf-1")

	go func() {
		for comm.waits.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = comm.waits.Resolve("msg-1", map[string]any{"selection": 2})
	}()

	response, err := comm.SendMessageAndWait(context.Background(), &models.Message{
		ID:         "msg-1",
		WorkflowID: "wf-1",
		From:       "pm",
		To:         "user",
		Type:       models.MessageTypeElicitationRequest,
		Content: map[string]any{
			"title":       "PRD Review",
			"instruction": "Select 1-9 or type your feedback",
		},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"selection": 2}, response)

	// The message went through the normal send path.
	messages, err := comm.History(context.Background(), "wf-1", HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "msg-1", messages[0].ID)
}

func TestSendMessageAndWait_TimesOut(t *testing.T) {
	comm, store := testCommunicator(t)
	seedWorkflow(t, store, "wf-1")

	_, err := comm.SendMessageAndWait(context.Background(), &models.Message{
		WorkflowID: "wf-1",
		From:       "pm",
		To:         "user",
		Type:       models.MessageTypeElicitationRequest,
		Content:    map[string]any{"instruction": "confirm scope"},
	}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, 0, comm.waits.Pending())
}

func TestSendMessageAndWait_RequiresRegistry(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	comm := New(store, NoopBroadcaster{}, nil, testLogger())

	_, err := comm.SendMessageAndWait(context.Background(), &models.Message{
		WorkflowID: "wf-1",
		From:       "pm",
		To:         "user",
		Type:       models.MessageTypeElicitationRequest,
		Content:    map[string]any{"instruction": "confirm scope"},
	}, time.Second)
	assert.ErrorIs(t, err, ErrNoWaitRegistry)
}

func TestWaitRegistry_ResolveDeliversResponse(t *testing.T) {
	registry := NewWaitRegistry(time.Second, time.Minute)

	done := make(chan struct{})

	var (
		response any
		waitErr  error
	)

	go func() {
		defer close(done)
		response, waitErr = registry.Wait(context.Background(), "msg-1", "wf-1")
	}()

	// Give the waiter time to register its slot.
	require.Eventually(t, func() bool { return registry.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, registry.Resolve("msg-1", "2"))
	<-done

	require.NoError(t, waitErr)
	assert.Equal(t, "2", response)
	assert.Equal(t, 0, registry.Pending())
}

func TestWaitRegistry_TimeoutRejectsAndClears(t *testing.T) {
	registry := NewWaitRegistry(time.Minute, time.Minute)

	_, err := registry.WaitWithTimeout(context.Background(), "msg-1", "wf-1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, 0, registry.Pending())
}

func TestWaitRegistry_DuplicateRegistrationFails(t *testing.T) {
	registry := NewWaitRegistry(time.Minute, time.Minute)

	go func() {
		_, _ = registry.Wait(context.Background(), "msg-1", "wf-1")
	}()

	require.Eventually(t, func() bool { return registry.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := registry.WaitWithTimeout(context.Background(), "msg-1", "wf-1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrDuplicateWait)

	registry.CancelWorkflow("wf-1", "test cleanup")
}

func TestWaitRegistry_CancelWorkflowRejectsAllPending(t *testing.T) {
	registry := NewWaitRegistry(time.Minute, time.Minute)

	errs := make(chan error, 2)

	for _, messageID := range []string{"msg-1", "msg-2"} {
		go func(id string) {
			_, err := registry.Wait(context.Background(), id, "wf-1")
			errs <- err
		}(messageID)
	}

	require.Eventually(t, func() bool { return registry.Pending() == 2 }, time.Second, 5*time.Millisecond)

	cancelled := registry.CancelWorkflow("wf-1", "user cancelled")
	assert.Equal(t, 2, cancelled)

	for i := 0; i < 2; i++ {
		err := <-errs
		assert.ErrorIs(t, err, ErrWaitCancelled)
	}

	assert.Equal(t, 0, registry.Pending())
}

func TestWaitRegistry_SweepRemovesStaleSlots(t *testing.T) {
	registry := NewWaitRegistry(time.Minute, 20*time.Millisecond)

	errs := make(chan error, 1)

	go func() {
		_, err := registry.Wait(context.Background(), "msg-1", "wf-1")
		errs <- err
	}()

	require.Eventually(t, func() bool { return registry.Pending() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	swept := registry.Sweep()
	assert.Equal(t, 1, swept)
	assert.ErrorIs(t, <-errs, ErrWaitTimeout)
	assert.Equal(t, 0, registry.Pending())
}

func TestBusBroadcaster_IgnoresNonMessagePayloads(t *testing.T) {
	broadcaster := NewBusBroadcaster(publisherFunc(func(context.Context, string, eventbus.Event) error {
		return errors.New("should not be called")
	}))

	err := broadcaster.Trigger(context.Background(), "wf-1", "x", 42)
	assert.NoError(t, err)
}

type publisherFunc func(ctx context.Context, key string, event eventbus.Event) error

func (f publisherFunc) Publish(ctx context.Context, key string, event eventbus.Event) error {
	return f(ctx, key, event)
}
