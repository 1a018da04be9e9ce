package models

import "time"

// MessageType classifies messages brokered between the engine, agents and
// the user channel.
type MessageType string

const (
	MessageTypeActivation         MessageType = "activation"
	MessageTypeCompletion         MessageType = "completion"
	MessageTypeError              MessageType = "error"
	MessageTypeInterAgent         MessageType = "inter_agent"
	MessageTypeElicitationRequest MessageType = "elicitation_request"
	MessageTypeStepUpdate         MessageType = "workflow_step_update"
	MessageTypeProgress           MessageType = "workflow_progress"
)

// ValidMessageType reports whether t is one of the known message types.
// Unknown types are rejected before anything is sent or persisted.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeActivation,
		MessageTypeCompletion,
		MessageTypeError,
		MessageTypeInterAgent,
		MessageTypeElicitationRequest,
		MessageTypeStepUpdate,
		MessageTypeProgress:
		return true
	default:
		return false
	}
}

// MessageStatus tracks delivery state of a brokered message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message is an append-only record brokered through the communicator.
// Messages are never mutated after being sent.
type Message struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	From       string         `json:"from"    validate:"required"`
	To         string         `json:"to"      validate:"required"`
	Type       MessageType    `json:"type"    validate:"required"`
	Content    map[string]any `json:"content" validate:"required"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     MessageStatus  `json:"status"`
}
