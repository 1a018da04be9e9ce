// Package communicator brokers typed messages between the engine, agents
// and the user-facing channel, and tracks pending elicitation waits.
package communicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// ErrUnknownMessageType indicates a message carried a type outside the
// known set. Such messages are rejected before anything is sent.
var ErrUnknownMessageType = errors.New("unknown message type")

// ErrIncompleteMessage indicates a message was missing from, to or content.
var ErrIncompleteMessage = errors.New("message requires from, to and content")

// ErrNoWaitRegistry indicates a synchronous send was attempted on a
// communicator built without a wait registry.
var ErrNoWaitRegistry = errors.New("no wait registry configured")

// Subscriber receives every message after internal dispatch. Subscriber
// failures are logged, never propagated.
type Subscriber func(ctx context.Context, message *models.Message)

// Communicator is the agent message bus. Messages are append-only: stamped,
// logged, dispatched to a type-specific handler, then fanned out to local
// subscribers and the external broadcaster, both best-effort.
type Communicator struct {
	store       persistence.Persistence
	broadcaster Broadcaster
	waits       *WaitRegistry
	logger      *slog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
	activeAgent map[string]string         // workflow ID → currently active agent
	lastResult  map[string]map[string]any // workflow ID → last completion content
}

// New creates a communicator over the given store and broadcaster. waits
// may be nil for callers that never send synchronously.
func New(store persistence.Persistence, broadcaster Broadcaster, waits *WaitRegistry, logger *slog.Logger) *Communicator {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}

	return &Communicator{
		store:       store,
		broadcaster: broadcaster,
		waits:       waits,
		logger:      logger.With("module", "communicator"),
		activeAgent: make(map[string]string),
		lastResult:  make(map[string]map[string]any),
	}
}

// Subscribe registers a local subscriber for all delivered messages.
func (c *Communicator) Subscribe(subscriber Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribers = append(c.subscribers, subscriber)
}

// SendMessage validates, stamps, logs, dispatches and fans out one message.
// Persistence and broadcast failures are logged but do not abort the send;
// validation failures reject the message before any side effect.
func (c *Communicator) SendMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	if message.From == "" || message.To == "" || message.Content == nil {
		return nil, ErrIncompleteMessage
	}

	if !models.ValidMessageType(message.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, message.Type)
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}

	message.Timestamp = time.Now().UTC()
	message.Status = models.MessageStatusPending

	if err := c.store.MessageRepository().Append(ctx, message); err != nil {
		c.logger.WarnContext(ctx, "Failed to persist message, continuing",
			"message_id", message.ID, "error", err)
	}

	if err := c.dispatch(ctx, message); err != nil {
		message.Status = models.MessageStatusFailed

		return message, err
	}

	c.fanOut(ctx, message)

	message.Status = models.MessageStatusDelivered

	return message, nil
}

// SendMessageAndWait sends one message and blocks until the addressee's
// response is resolved against the message ID, or the timeout elapses.
// This is the synchronous outbound transport: local responders resolve the
// wait directly, remote ones reach it through the resume command path.
func (c *Communicator) SendMessageAndWait(ctx context.Context, message *models.Message, timeout time.Duration) (any, error) {
	if c.waits == nil {
		return nil, ErrNoWaitRegistry
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}

	sent, err := c.SendMessage(ctx, message)
	if err != nil {
		return nil, err
	}

	return c.waits.WaitWithTimeout(ctx, sent.ID, message.WorkflowID, timeout)
}

// dispatch runs the type-specific internal handler.
func (c *Communicator) dispatch(ctx context.Context, message *models.Message) error {
	switch message.Type {
	case models.MessageTypeActivation:
		c.mu.Lock()
		c.activeAgent[message.WorkflowID] = message.To
		c.mu.Unlock()

	case models.MessageTypeCompletion:
		c.mu.Lock()
		c.lastResult[message.WorkflowID] = message.Content
		delete(c.activeAgent, message.WorkflowID)
		c.mu.Unlock()

	case models.MessageTypeError:
		return c.recordError(ctx, message)

	case models.MessageTypeElicitationRequest:
		return c.recordElicitation(ctx, message)

	case models.MessageTypeInterAgent, models.MessageTypeStepUpdate, models.MessageTypeProgress:
		c.logger.DebugContext(ctx, "Informational message",
			"type", string(message.Type),
			"workflow_id", message.WorkflowID,
			"from", message.From,
			"to", message.To,
		)
	}

	return nil
}

func (c *Communicator) recordError(ctx context.Context, message *models.Message) error {
	if message.WorkflowID == "" {
		return nil
	}

	repo := c.store.WorkflowRepository()

	workflow, err := repo.Find(ctx, message.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to update error state: %w", err)
	}

	record := models.ErrorRecord{
		Timestamp: message.Timestamp,
		StepIndex: workflow.CurrentStep,
		AgentID:   message.From,
		Type:      stringContent(message.Content, "error_type", "execution_error"),
		Message:   stringContent(message.Content, "error", "unknown error"),
	}
	workflow.Errors = append(workflow.Errors, record)

	return repo.Save(ctx, workflow, "")
}

func (c *Communicator) recordElicitation(ctx context.Context, message *models.Message) error {
	if message.WorkflowID == "" {
		return nil
	}

	repo := c.store.WorkflowRepository()

	workflow, err := repo.Find(ctx, message.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to pause workflow for elicitation: %w", err)
	}

	workflow.Status = models.WorkflowStatusPaused
	workflow.ElicitationDetails = &models.ElicitationDetails{
		Title:       stringContent(message.Content, "title", ""),
		Instruction: stringContent(message.Content, "instruction", ""),
		SectionID:   stringContent(message.Content, "section_id", ""),
		AgentID:     stringContent(message.Content, "agent_id", message.From),
		MessageID:   message.ID,
	}

	return repo.Save(ctx, workflow, "")
}

// fanOut delivers to local subscribers and the external broadcaster.
// Both are best-effort.
func (c *Communicator) fanOut(ctx context.Context, message *models.Message) {
	c.mu.RLock()
	subscribers := make([]Subscriber, len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.RUnlock()

	for _, subscriber := range subscribers {
		subscriber(ctx, message)
	}

	if err := c.broadcaster.Trigger(ctx, message.WorkflowID, string(message.Type), message); err != nil {
		c.logger.WarnContext(ctx, "Broadcast failed, continuing",
			"message_id", message.ID, "error", err)
	}
}

// ActiveAgent returns the agent currently activated for a workflow.
func (c *Communicator) ActiveAgent(workflowID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.activeAgent[workflowID]

	return agent, ok
}

// LastResult returns the content of the last completion message for a workflow.
func (c *Communicator) LastResult(workflowID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result, ok := c.lastResult[workflowID]

	return result, ok
}

// HistoryFilter narrows History results; zero values match everything.
type HistoryFilter struct {
	Type  models.MessageType
	Agent string
}

// History returns a workflow's messages oldest first, optionally filtered
// by type or agent.
func (c *Communicator) History(ctx context.Context, workflowID string, filter HistoryFilter) ([]*models.Message, error) {
	messages, err := c.store.MessageRepository().ByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message history: %w", err)
	}

	if filter.Type == "" && filter.Agent == "" {
		return messages, nil
	}

	filtered := make([]*models.Message, 0, len(messages))

	for _, message := range messages {
		if filter.Type != "" && message.Type != filter.Type {
			continue
		}

		if filter.Agent != "" && message.From != filter.Agent && message.To != filter.Agent {
			continue
		}

		filtered = append(filtered, message)
	}

	return filtered, nil
}

// Timeline renders a workflow's communication history as a human-readable log.
func (c *Communicator) Timeline(ctx context.Context, workflowID string) (string, error) {
	messages, err := c.History(ctx, workflowID, HistoryFilter{})
	if err != nil {
		return "", err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	var b strings.Builder

	for _, message := range messages {
		fmt.Fprintf(&b, "%s  %-22s %s → %s",
			message.Timestamp.Format(time.RFC3339),
			string(message.Type),
			message.From,
			message.To,
		)

		if summary := stringContent(message.Content, "summary", ""); summary != "" {
			fmt.Fprintf(&b, "  %s", summary)
		}

		b.WriteByte('\n')
	}

	return b.String(), nil
}

func stringContent(content map[string]any, key, fallback string) string {
	if content == nil {
		return fallback
	}

	if value, ok := content[key].(string); ok && value != "" {
		return value
	}

	return fallback
}
