package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/scriptorhq/scriptor/pkg/communicator"
	"github.com/scriptorhq/scriptor/pkg/eventbus"
	"github.com/scriptorhq/scriptor/pkg/events"
	"github.com/scriptorhq/scriptor/pkg/log"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// Handlers serves the gateway endpoints. The gateway never drives workflow
// execution itself: responses and cancellations are published as commands
// and the owning engine worker acts on them.
type Handlers struct {
	store     persistence.Persistence
	waits     *communicator.WaitRegistry
	publisher eventbus.EventPublisher
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewHandlers wires the gateway collaborators. waits may be nil when the
// gateway runs in a separate process from the engine workers.
func NewHandlers(store persistence.Persistence, waits *communicator.WaitRegistry, publisher eventbus.EventPublisher, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:     store,
		waits:     waits,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    log.WithModule(logger, "gateway"),
	}
}

// HandleUserResponse accepts the user's answer to a pending elicitation,
// resolves any local wait slot and hands the resume command to the owning
// worker.
func (h *Handlers) HandleUserResponse(c fiber.Ctx) error {
	messageID := c.Params("messageID")
	if messageID == "" {
		return badRequest(c, "Message ID is required")
	}

	var req UserResponseRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.store.WorkflowRepository().Find(c.Context(), req.WorkflowID)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	if workflow.Status != models.WorkflowStatusPaused {
		return conflict(c, "Workflow is not awaiting input")
	}

	if workflow.ElicitationDetails == nil || workflow.ElicitationDetails.MessageID != messageID {
		return conflict(c, "Workflow has no pending elicitation for this message")
	}

	// Same-process waiters resolve immediately; the unknown-slot case just
	// means the owning worker lives elsewhere.
	if h.waits != nil {
		if err := h.waits.Resolve(messageID, req.Response); err != nil {
			h.logger.DebugContext(c.Context(), "no local wait slot, deferring to worker",
				"message_id", messageID, "error", err)
		}
	}

	event := events.WorkflowResumeRequested{
		BaseEvent: events.NewBaseEvent(events.WorkflowResumeRequestedEvent, req.WorkflowID),
		MessageID: messageID,
		Response:  req.Response,
		UserID:    req.UserID,
	}
	if err := h.publisher.Publish(c.Context(), req.WorkflowID, event); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":      "accepted",
		"workflow_id": req.WorkflowID,
		"message_id":  messageID,
	})
}

func (h *Handlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	workflow, err := h.store.WorkflowRepository().Find(c.Context(), id)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(workflow)
}

func (h *Handlers) ListWorkflows(c fiber.Ctx) error {
	workflows, err := h.store.WorkflowRepository().ListActive(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	summaries := make([]WorkflowSummary, 0, len(workflows))
	for _, workflow := range workflows {
		summaries = append(summaries, Summarize(workflow))
	}

	return c.JSON(fiber.Map{
		"workflows":   summaries,
		"total_count": len(summaries),
	})
}

func (h *Handlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	workflow, err := h.store.WorkflowRepository().Find(c.Context(), id)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	if workflow.Status.IsTerminal() {
		return conflict(c, "Workflow is already "+string(workflow.Status))
	}

	event := events.WorkflowCancelRequested{
		BaseEvent: events.NewBaseEvent(events.WorkflowCancelRequestedEvent, id),
		Reason:    req.Reason,
		UserID:    req.UserID,
	}
	if err := h.publisher.Publish(c.Context(), id, event); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":      "accepted",
		"workflow_id": id,
	})
}

func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	storeErr := h.store.HealthCheck(c.Context())
	if storeErr != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	pending := 0
	if h.waits != nil {
		pending = h.waits.Pending()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":        status,
		"pending_waits": pending,
		"timestamp":     time.Now().UTC(),
	})
}
