// Package events defines the typed payloads broadcast between scriptor
// services: workflow lifecycle notifications, brokered agent messages and
// the commands the engine worker consumes.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/scriptorhq/scriptor/pkg/models"
)

type EventType string

// Topic is the broadcast topic shared by all scriptor services.
const Topic = "scriptor.events"

// CommandTopic carries workflow commands consumed by engine workers.
const CommandTopic = "scriptor.commands"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Commands consumed by engine workers.
	WorkflowStartRequestedEvent  EventType = "workflow.start.requested"
	WorkflowResumeRequestedEvent EventType = "workflow.resume.requested"
	WorkflowCancelRequestedEvent EventType = "workflow.cancel.requested"

	// Lifecycle broadcasts.
	WorkflowStartedEvent    EventType = "workflow.started"
	WorkflowPausedEvent     EventType = "workflow.paused"
	WorkflowResumedEvent    EventType = "workflow.resumed"
	WorkflowCompletedEvent  EventType = "workflow.completed"
	WorkflowFailedEvent     EventType = "workflow.failed"
	WorkflowCancelledEvent  EventType = "workflow.cancelled"
	WorkflowRolledBackEvent EventType = "workflow.rolled_back"

	// Brokered agent message fan-out.
	AgentMessageEvent EventType = "agent.message"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a fresh event envelope.
func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// WorkflowStartRequested asks a worker to begin driving a workflow.
type WorkflowStartRequested struct {
	BaseEvent

	UserID      string `json:"user_id,omitempty"`
	UserRequest string `json:"user_request,omitempty"`
}

func (e WorkflowStartRequested) GetType() EventType { return WorkflowStartRequestedEvent }

// WorkflowResumeRequested delivers a user's elicitation response so the
// owning worker can resume the paused workflow.
type WorkflowResumeRequested struct {
	BaseEvent

	MessageID string `json:"message_id"`
	Response  any    `json:"response"`
	UserID    string `json:"user_id,omitempty"`
}

func (e WorkflowResumeRequested) GetType() EventType { return WorkflowResumeRequestedEvent }

// WorkflowCancelRequested asks the owning worker to cancel a workflow.
type WorkflowCancelRequested struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

func (e WorkflowCancelRequested) GetType() EventType { return WorkflowCancelRequestedEvent }

// WorkflowStarted announces a workflow began executing.
type WorkflowStarted struct {
	BaseEvent

	Title string `json:"title"`
}

func (e WorkflowStarted) GetType() EventType { return WorkflowStartedEvent }

// WorkflowPaused announces a workflow is waiting for user input.
type WorkflowPaused struct {
	BaseEvent

	MessageID   string `json:"message_id"`
	Title       string `json:"title,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	SectionID   string `json:"section_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
}

func (e WorkflowPaused) GetType() EventType { return WorkflowPausedEvent }

// WorkflowResumed announces a paused workflow continued.
type WorkflowResumed struct {
	BaseEvent

	MessageID string `json:"message_id"`
}

func (e WorkflowResumed) GetType() EventType { return WorkflowResumedEvent }

// WorkflowCompleted announces a workflow reached the end of its sequence or
// a terminal route.
type WorkflowCompleted struct {
	BaseEvent

	StepsExecuted int    `json:"steps_executed"`
	Route         string `json:"route,omitempty"`
}

func (e WorkflowCompleted) GetType() EventType { return WorkflowCompletedEvent }

// WorkflowFailed announces a workflow entered the error state.
type WorkflowFailed struct {
	BaseEvent

	StepIndex int    `json:"step_index"`
	AgentID   string `json:"agent_id,omitempty"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

func (e WorkflowFailed) GetType() EventType { return WorkflowFailedEvent }

// WorkflowCancelled announces a workflow was cancelled.
type WorkflowCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e WorkflowCancelled) GetType() EventType { return WorkflowCancelledEvent }

// WorkflowRolledBack announces an automatic rollback to a checkpoint.
type WorkflowRolledBack struct {
	BaseEvent

	CheckpointID string `json:"checkpoint_id"`
	StepIndex    int    `json:"step_index"`
	CanResume    bool   `json:"can_resume"`
}

func (e WorkflowRolledBack) GetType() EventType { return WorkflowRolledBackEvent }

// AgentMessage fans a brokered message out to external listeners.
type AgentMessage struct {
	BaseEvent

	Message *models.Message `json:"message"`
}

func (e AgentMessage) GetType() EventType { return AgentMessageEvent }
