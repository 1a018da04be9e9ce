package models

import "time"

// Checkpoint is an ordered, named snapshot of workflow state usable for
// rollback. Checkpoints for a workflow are monotonically ordered by step
// index; rollback reads them back newest first.
type Checkpoint struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflow_id"  validate:"required"`
	Type         string    `json:"type"         validate:"required"`
	Description  string    `json:"description"`
	StepIndex    int       `json:"step_index"`
	CurrentAgent string    `json:"current_agent,omitempty"`
	State        []byte    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}
