// Package engine drives workflow step execution: an explicit loop that
// dispatches each step by type, pauses for elicitation, recovers from
// failures and persists state between steps. The engine owns a workflow
// exclusively while driving it; callers guarantee at most one active
// mutator per workflow ID.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scriptorhq/scriptor/pkg/communicator"
	"github.com/scriptorhq/scriptor/pkg/completion"
	"github.com/scriptorhq/scriptor/pkg/config"
	"github.com/scriptorhq/scriptor/pkg/eventbus"
	"github.com/scriptorhq/scriptor/pkg/events"
	"github.com/scriptorhq/scriptor/pkg/log"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/otelhelper"
	"github.com/scriptorhq/scriptor/pkg/persistence"
	"github.com/scriptorhq/scriptor/pkg/recovery"
)

// Messenger is the communicator slice the engine sends through.
type Messenger interface {
	SendMessage(ctx context.Context, message *models.Message) (*models.Message, error)
}

// AgentLoader resolves persona definitions.
type AgentLoader interface {
	LoadAgent(ctx context.Context, agentID string) (*models.Agent, error)
}

// DecisionHandler resolves decision steps.
type DecisionHandler interface {
	HandleDecisionStep(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string) error
}

// Checkpointer snapshots and restores workflow state.
type Checkpointer interface {
	Create(ctx context.Context, workflow *models.Workflow, checkpointType, description string) (*models.Checkpoint, error)
	Rollback(ctx context.Context, workflow *models.Workflow, failingAgent, userID string) (*models.Checkpoint, error)
}

// Recoverer classifies failures and runs recovery strategies.
type Recoverer interface {
	Recover(ctx context.Context, attempt recovery.Attempt, retry func(ctx context.Context) error) (*recovery.Outcome, error)
}

// Deps wires the engine's collaborators.
type Deps struct {
	Config      config.Config
	Workflows   persistence.WorkflowRepository
	Messenger   Messenger
	Catalog     AgentLoader
	Completions completion.Service
	Decisions   DecisionHandler
	Checkpoints Checkpointer
	Recovery    Recoverer
	Waits       *communicator.WaitRegistry
	Publisher   eventbus.EventPublisher
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Engine executes workflow sequences step by step.
type Engine struct {
	cfg         config.Engine
	methods     []string
	workflows   persistence.WorkflowRepository
	comm        Messenger
	catalog     AgentLoader
	completions completion.Service
	decisions   DecisionHandler
	checkpoints Checkpointer
	recovery    Recoverer
	waits       *communicator.WaitRegistry
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
}

// New builds an engine from its collaborators. Publisher, Waits and Tracer
// may be nil; the engine degrades to local-only operation without them.
func New(deps Deps) *Engine {
	return &Engine{
		cfg:         deps.Config.Engine,
		methods:     deps.Config.Elicitation.Methods,
		workflows:   deps.Workflows,
		comm:        deps.Messenger,
		catalog:     deps.Catalog,
		completions: deps.Completions,
		decisions:   deps.Decisions,
		checkpoints: deps.Checkpoints,
		recovery:    deps.Recovery,
		waits:       deps.Waits,
		publisher:   deps.Publisher,
		tracer:      deps.Tracer,
		logger:      log.WithModule(deps.Logger, "engine"),
	}
}

// Run drives the workflow until it pauses, completes, fails or the context
// is cancelled. The loop is explicit: step count never grows the call stack.
func (e *Engine) Run(ctx context.Context, workflowID, userID string) error {
	workflow, err := e.workflows.Find(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}

	workflow.EnsureContext()

	switch workflow.Status {
	case models.WorkflowStatusInitializing:
		if err := e.start(ctx, workflow, userID); err != nil {
			return err
		}
	case models.WorkflowStatusRunning:
		// Re-entry after a resume or a worker restart.
	default:
		return fmt.Errorf("workflow %s is %s and cannot be driven", workflowID, workflow.Status)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if workflow.Finished() {
			return e.complete(ctx, workflow, "", userID)
		}

		if err := e.executeNextStep(ctx, workflow, userID); err != nil {
			return err
		}

		if workflow.Status != models.WorkflowStatusRunning {
			return nil
		}
	}
}

func (e *Engine) start(ctx context.Context, workflow *models.Workflow, userID string) error {
	workflow.Status = models.WorkflowStatusRunning
	workflow.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("starting workflow %s: %w", workflow.ID, err)
	}

	e.publish(ctx, workflow.ID, events.WorkflowStarted{
		BaseEvent: events.NewBaseEvent(events.WorkflowStartedEvent, workflow.ID),
		Title:     workflow.Title,
	})

	e.logger.InfoContext(ctx, "workflow started", "workflow_id", workflow.ID, "steps", len(workflow.Sequence))

	return nil
}

// ResumeWithResponse re-enters a paused workflow with the user's answer to
// the outstanding elicitation. The caller drives Run afterwards.
func (e *Engine) ResumeWithResponse(ctx context.Context, workflowID, messageID string, response any, userID string) error {
	workflow, err := e.workflows.Find(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}

	workflow.EnsureContext()

	if workflow.Status != models.WorkflowStatusPaused {
		return fmt.Errorf("workflow %s is %s, not awaiting input", workflowID, workflow.Status)
	}

	details := workflow.ElicitationDetails
	if details == nil || details.MessageID != messageID {
		return fmt.Errorf("workflow %s has no pending elicitation for message %s", workflowID, messageID)
	}

	processed, err := e.applyResponse(workflow, details, response)
	if err != nil {
		return err
	}

	workflow.Status = models.WorkflowStatusRunning
	workflow.ElicitationDetails = nil
	workflow.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("resuming workflow %s: %w", workflowID, err)
	}

	e.publish(ctx, workflow.ID, events.WorkflowResumed{
		BaseEvent: events.NewBaseEvent(events.WorkflowResumedEvent, workflow.ID),
		MessageID: messageID,
	})

	e.logger.InfoContext(ctx, "workflow resumed",
		"workflow_id", workflowID, "message_id", messageID, "mode", string(processed.mode))

	return nil
}

// CancelWorkflow marks the workflow cancelled and rejects every pending
// elicitation wait registered under its ID.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID, reason, userID string) error {
	workflow, err := e.workflows.Find(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}

	if workflow.Status.IsTerminal() {
		return fmt.Errorf("workflow %s is already %s", workflowID, workflow.Status)
	}

	workflow.Status = models.WorkflowStatusCancelled
	workflow.ElicitationDetails = nil
	workflow.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("cancelling workflow %s: %w", workflowID, err)
	}

	rejected := 0
	if e.waits != nil {
		rejected = e.waits.CancelWorkflow(workflowID, reason)
	}

	e.publish(ctx, workflow.ID, events.WorkflowCancelled{
		BaseEvent: events.NewBaseEvent(events.WorkflowCancelledEvent, workflow.ID),
		Reason:    reason,
	})

	e.logger.InfoContext(ctx, "workflow cancelled",
		"workflow_id", workflowID, "reason", reason, "waits_rejected", rejected)

	return nil
}

// complete flips the workflow to COMPLETED. route is non-empty when a
// terminal routing step ended the run early.
func (e *Engine) complete(ctx context.Context, workflow *models.Workflow, route, userID string) error {
	workflow.Status = models.WorkflowStatusCompleted
	workflow.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("completing workflow %s: %w", workflow.ID, err)
	}

	text := fmt.Sprintf("Workflow %q completed after %d steps.", workflow.Title, workflow.CurrentStep)
	if route != "" {
		text = fmt.Sprintf("Workflow %q completed via route %q at step %d.", workflow.Title, route, workflow.CurrentStep+1)
	}

	e.sendInfo(ctx, workflow.ID, models.MessageTypeProgress, text)

	e.publish(ctx, workflow.ID, events.WorkflowCompleted{
		BaseEvent:     events.NewBaseEvent(events.WorkflowCompletedEvent, workflow.ID),
		StepsExecuted: workflow.CurrentStep,
		Route:         route,
	})

	e.logger.InfoContext(ctx, "workflow completed", "workflow_id", workflow.ID, "route", route)

	return nil
}

// fail flips the workflow to ERROR with a structured record. The cause is
// recorded, not returned: the run itself ended in an orderly way.
func (e *Engine) fail(ctx context.Context, workflow *models.Workflow, step *models.Step, cause error, errorType, userID string) error {
	workflow.Status = models.WorkflowStatusError
	workflow.Errors = append(workflow.Errors, models.ErrorRecord{
		Timestamp: time.Now().UTC(),
		Message:   cause.Error(),
		StepIndex: workflow.CurrentStep,
		AgentID:   step.AgentID,
		Type:      errorType,
	})
	workflow.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("recording failure for workflow %s: %w", workflow.ID, err)
	}

	e.publish(ctx, workflow.ID, events.WorkflowFailed{
		BaseEvent: events.NewBaseEvent(events.WorkflowFailedEvent, workflow.ID),
		StepIndex: workflow.CurrentStep,
		AgentID:   step.AgentID,
		Error:     cause.Error(),
		ErrorType: errorType,
	})

	e.logger.ErrorContext(ctx, "workflow failed",
		"workflow_id", workflow.ID, "step_index", workflow.CurrentStep, "error", cause)

	return nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			"event_type", string(event.GetType()), "workflow_id", key, "error", err)
	}
}

// sendInfo emits a best-effort informational message on the user channel.
func (e *Engine) sendInfo(ctx context.Context, workflowID string, messageType models.MessageType, text string) {
	_, err := e.comm.SendMessage(ctx, &models.Message{
		WorkflowID: workflowID,
		From:       "engine",
		To:         "user",
		Type:       messageType,
		Content:    map[string]any{"text": text},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "informational message failed",
			"workflow_id", workflowID, "type", string(messageType), "error", err)
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, workflow *models.Workflow, step *models.Step) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}

	return otelhelper.StartSpan(ctx, e.tracer, name,
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.Int(otelhelper.StepIndexKey, workflow.CurrentStep),
		attribute.String(otelhelper.StepActionKey, step.Action),
		attribute.String(otelhelper.AgentIDKey, step.AgentID),
	)
}
