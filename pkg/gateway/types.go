// Package gateway exposes the elicitation transport and the operational
// inspection surface over HTTP. It is deliberately narrow: responses come
// in, workflow state can be read and cancelled, nothing else.
package gateway

import (
	"time"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// UserResponseRequest is the body of POST /responses/:messageID.
type UserResponseRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	Response   any    `json:"response"    validate:"required"`
	UserID     string `json:"user_id,omitempty"`
}

// CancelRequest is the optional body of POST /workflows/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// WorkflowSummary is the list-view projection of a workflow run.
type WorkflowSummary struct {
	ID          string                `json:"id"`
	Title       string                `json:"title"`
	Status      models.WorkflowStatus `json:"status"`
	CurrentStep int                   `json:"current_step"`
	TotalSteps  int                   `json:"total_steps"`
	Paused      bool                  `json:"paused_for_elicitation"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Summarize projects a workflow into its list view.
func Summarize(workflow *models.Workflow) WorkflowSummary {
	return WorkflowSummary{
		ID:          workflow.ID,
		Title:       workflow.Title,
		Status:      workflow.Status,
		CurrentStep: workflow.CurrentStep,
		TotalSteps:  len(workflow.Sequence),
		Paused:      workflow.Status == models.WorkflowStatusPaused,
		UpdatedAt:   workflow.UpdatedAt,
	}
}
