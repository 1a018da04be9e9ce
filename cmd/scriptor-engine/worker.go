package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scriptorhq/scriptor/pkg/checkpoint"
	"github.com/scriptorhq/scriptor/pkg/communicator"
	"github.com/scriptorhq/scriptor/pkg/config"
	"github.com/scriptorhq/scriptor/pkg/engine"
	"github.com/scriptorhq/scriptor/pkg/eventbus"
	"github.com/scriptorhq/scriptor/pkg/events"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// acquireTimeout bounds how long a cancel command waits for an in-flight
// run to yield the workflow.
const acquireTimeout = 5 * time.Second

// Worker consumes workflow commands and drives the engine. It enforces the
// single-mutator rule locally: at most one goroutine drives a workflow ID
// at a time.
type Worker struct {
	id          string
	cfg         *config.Config
	store       persistence.Persistence
	engine      *engine.Engine
	commands    eventbus.EventBus
	checkpoints *checkpoint.Manager
	waits       *communicator.WaitRegistry
	logger      *slog.Logger
	cron        *cron.Cron

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewWorker(
	id string,
	cfg *config.Config,
	store persistence.Persistence,
	eng *engine.Engine,
	commands eventbus.EventBus,
	checkpoints *checkpoint.Manager,
	waits *communicator.WaitRegistry,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		id:          id,
		cfg:         cfg,
		store:       store,
		engine:      eng,
		commands:    commands,
		checkpoints: checkpoints,
		waits:       waits,
		logger:      logger.With("module", "worker"),
		cron:        cron.New(),
		active:      make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the command topic, resumes interrupted workflows and
// blocks until SIGINT/SIGTERM.
func (w *Worker) Start(ctx context.Context) error {
	w.commands.Handle(events.WorkflowStartRequestedEvent, w.handleStartRequested)
	w.commands.Handle(events.WorkflowResumeRequestedEvent, w.handleResumeRequested)
	w.commands.Handle(events.WorkflowCancelRequestedEvent, w.handleCancelRequested)

	if err := w.commands.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribing to command topic: %w", err)
	}

	w.resumeInterrupted(ctx)
	w.startMaintenance(ctx)

	w.logger.InfoContext(ctx, "Engine worker started", "worker_id", w.id)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down engine worker")
	w.cron.Stop()
	w.interruptAll()

	return nil
}

// resumeInterrupted re-drives workflows left RUNNING by a previous process,
// a bounded batch at a time.
func (w *Worker) resumeInterrupted(ctx context.Context) {
	workflows, err := w.store.WorkflowRepository().ListActive(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to list active workflows", "error", err)

		return
	}

	var interrupted []string

	for _, workflow := range workflows {
		if workflow.Status == models.WorkflowStatusRunning {
			interrupted = append(interrupted, workflow.ID)
		}
	}

	if len(interrupted) == 0 {
		return
	}

	w.logger.InfoContext(ctx, "Resuming interrupted workflows", "count", len(interrupted))

	results := engine.RunBatches(ctx, interrupted, w.cfg.Engine.BatchWidth, func(ctx context.Context, workflowID string) error {
		return w.drive(ctx, workflowID, "")
	})

	for _, result := range results {
		if result.Err != nil {
			w.logger.ErrorContext(ctx, "Failed to resume workflow",
				"workflow_id", result.Item, "error", result.Err)
		}
	}
}

func (w *Worker) startMaintenance(ctx context.Context) {
	maxAge := time.Duration(w.cfg.Engine.CheckpointMaxAge) * 24 * time.Hour

	_, err := w.cron.AddFunc("@hourly", func() {
		removed, err := w.checkpoints.Cleanup(ctx, maxAge)
		if err != nil {
			w.logger.ErrorContext(ctx, "Checkpoint cleanup failed", "error", err)
		} else if removed > 0 {
			w.logger.InfoContext(ctx, "Checkpoint cleanup done", "removed", removed)
		}

		if swept := w.waits.Sweep(); swept > 0 {
			w.logger.InfoContext(ctx, "Swept stale elicitation waits", "count", swept)
		}
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to schedule maintenance", "error", err)

		return
	}

	w.cron.Start()
}

func (w *Worker) handleStartRequested(ctx context.Context, event any) error {
	startEvent, ok := event.(*events.WorkflowStartRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for WorkflowStartRequested")

		return nil
	}

	if err := w.ensureWorkflow(ctx, startEvent); err != nil {
		w.logger.ErrorContext(ctx, "Failed to prepare workflow",
			"workflow_id", startEvent.WorkflowID, "error", err)

		return err
	}

	go func() {
		if err := w.drive(ctx, startEvent.WorkflowID, startEvent.UserID); err != nil {
			w.logger.ErrorContext(ctx, "Workflow run ended with error",
				"workflow_id", startEvent.WorkflowID, "error", err)
		}
	}()

	return nil
}

func (w *Worker) handleResumeRequested(ctx context.Context, event any) error {
	resumeEvent, ok := event.(*events.WorkflowResumeRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for WorkflowResumeRequested")

		return nil
	}

	// A waiter in this process resolves directly; the slot owner applies the
	// response and re-runs, so the command is done here.
	if err := w.waits.Resolve(resumeEvent.MessageID, resumeEvent.Response); err == nil {
		return nil
	}

	go func() {
		release, runCtx, ok := w.acquire(ctx, resumeEvent.WorkflowID)
		if !ok {
			w.logger.WarnContext(ctx, "Workflow already being driven, dropping resume",
				"workflow_id", resumeEvent.WorkflowID, "message_id", resumeEvent.MessageID)

			return
		}
		defer release()

		err := w.engine.ResumeWithResponse(runCtx,
			resumeEvent.WorkflowID, resumeEvent.MessageID, resumeEvent.Response, resumeEvent.UserID)
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to apply elicitation response",
				"workflow_id", resumeEvent.WorkflowID, "message_id", resumeEvent.MessageID, "error", err)

			return
		}

		if err := w.engine.Run(runCtx, resumeEvent.WorkflowID, resumeEvent.UserID); err != nil {
			w.logger.ErrorContext(ctx, "Workflow run ended with error",
				"workflow_id", resumeEvent.WorkflowID, "error", err)
		}

		w.watchElicitation(ctx, resumeEvent.WorkflowID, resumeEvent.UserID)
	}()

	return nil
}

func (w *Worker) handleCancelRequested(ctx context.Context, event any) error {
	cancelEvent, ok := event.(*events.WorkflowCancelRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for WorkflowCancelRequested")

		return nil
	}

	// Stop any in-flight run first, then take the slot to flip the status.
	w.interrupt(cancelEvent.WorkflowID)

	release, runCtx, ok := w.acquireWait(ctx, cancelEvent.WorkflowID, acquireTimeout)
	if !ok {
		w.logger.WarnContext(ctx, "Could not take ownership to cancel workflow",
			"workflow_id", cancelEvent.WorkflowID)

		return nil
	}
	defer release()

	err := w.engine.CancelWorkflow(runCtx, cancelEvent.WorkflowID, cancelEvent.Reason, cancelEvent.UserID)
	if err != nil {
		w.logger.WarnContext(ctx, "Cancel rejected",
			"workflow_id", cancelEvent.WorkflowID, "error", err)
	}

	return nil
}

// ensureWorkflow instantiates the workflow from its definition file when it
// does not exist in the store yet.
func (w *Worker) ensureWorkflow(ctx context.Context, event *events.WorkflowStartRequested) error {
	repo := w.store.WorkflowRepository()

	_, err := repo.Find(ctx, event.WorkflowID)
	if err == nil {
		return nil
	}

	if !persistence.IsWorkflowNotFound(err) {
		return err
	}

	data, err := os.ReadFile(filepath.Join(w.cfg.Paths.WorkflowsDir, event.WorkflowID+".yaml"))
	if err != nil {
		return fmt.Errorf("loading workflow definition %s: %w", event.WorkflowID, err)
	}

	workflow, err := models.ParseDefinition(data)
	if err != nil {
		return err
	}

	workflow.ID = event.WorkflowID
	workflow.Owner = event.UserID
	workflow.Context.UserRequest = event.UserRequest

	return repo.Save(ctx, workflow, event.UserID)
}

// drive runs one workflow under the single-flight lock.
func (w *Worker) drive(ctx context.Context, workflowID, userID string) error {
	release, runCtx, ok := w.acquire(ctx, workflowID)
	if !ok {
		w.logger.WarnContext(ctx, "Workflow already being driven, skipping",
			"workflow_id", workflowID)

		return nil
	}
	defer release()

	if err := w.engine.Run(runCtx, workflowID, userID); err != nil {
		return err
	}

	w.watchElicitation(ctx, workflowID, userID)

	return nil
}

// watchElicitation registers a local wait when a run left the workflow
// paused, so a response arriving in this process resumes it without going
// back over the command bus.
func (w *Worker) watchElicitation(ctx context.Context, workflowID, userID string) {
	workflow, err := w.store.WorkflowRepository().Find(ctx, workflowID)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to reload workflow after run",
			"workflow_id", workflowID, "error", err)

		return
	}

	if workflow.Status != models.WorkflowStatusPaused ||
		workflow.ElicitationDetails == nil || workflow.ElicitationDetails.MessageID == "" {
		return
	}

	go w.awaitResponse(ctx, workflowID, workflow.ElicitationDetails.MessageID, userID)
}

func (w *Worker) awaitResponse(ctx context.Context, workflowID, messageID, userID string) {
	response, err := w.waits.Wait(ctx, messageID, workflowID)
	if err != nil {
		// Timed-out or cancelled waits fall back to the command bus path.
		w.logger.InfoContext(ctx, "Elicitation wait ended without response",
			"workflow_id", workflowID, "message_id", messageID, "reason", err)

		return
	}

	release, runCtx, ok := w.acquireWait(ctx, workflowID, acquireTimeout)
	if !ok {
		w.logger.WarnContext(ctx, "Could not take ownership to apply response",
			"workflow_id", workflowID, "message_id", messageID)

		return
	}
	defer release()

	err = w.engine.ResumeWithResponse(runCtx, workflowID, messageID, response, userID)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to apply elicitation response",
			"workflow_id", workflowID, "message_id", messageID, "error", err)

		return
	}

	if err := w.engine.Run(runCtx, workflowID, userID); err != nil {
		w.logger.ErrorContext(ctx, "Workflow run ended with error",
			"workflow_id", workflowID, "error", err)

		return
	}

	w.watchElicitation(ctx, workflowID, userID)
}

// acquire takes the single-flight slot for a workflow ID. The returned
// context is cancelled when another command interrupts the run.
func (w *Worker) acquire(ctx context.Context, workflowID string) (func(), context.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, busy := w.active[workflowID]; busy {
		return nil, nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.active[workflowID] = cancel

	release := func() {
		w.mu.Lock()
		delete(w.active, workflowID)
		w.mu.Unlock()
		cancel()
	}

	return release, runCtx, true
}

// acquireWait polls for the slot until the timeout elapses.
func (w *Worker) acquireWait(ctx context.Context, workflowID string, timeout time.Duration) (func(), context.Context, bool) {
	deadline := time.Now().Add(timeout)

	for {
		if release, runCtx, ok := w.acquire(ctx, workflowID); ok {
			return release, runCtx, true
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, nil, false
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// interrupt cancels the in-flight run for a workflow, if any.
func (w *Worker) interrupt(workflowID string) {
	w.mu.Lock()
	cancel, ok := w.active[workflowID]
	w.mu.Unlock()

	if ok {
		cancel()
	}
}

func (w *Worker) interruptAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, cancel := range w.active {
		cancel()
	}
}
