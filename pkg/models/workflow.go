// Package models defines the core domain models for agent-driven document workflows.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusInitializing WorkflowStatus = "initializing"
	WorkflowStatusRunning      WorkflowStatus = "running"
	WorkflowStatusPaused       WorkflowStatus = "paused_for_elicitation"
	WorkflowStatusCompleted    WorkflowStatus = "completed"
	WorkflowStatusError        WorkflowStatus = "error"
	WorkflowStatusCancelled    WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further steps may execute in this status.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusError || s == WorkflowStatusCancelled
}

// Workflow represents one stateful run of a declarative step sequence.
// The engine owns the in-memory representation exclusively while executing;
// callers must guarantee at most one active mutator per workflow ID.
type Workflow struct {
	ID                 string              `json:"id"                            validate:"required"`
	Title              string              `json:"title"                         validate:"required,min=3"`
	Sequence           []*Step             `json:"sequence"                      validate:"required,min=1,dive"`
	CurrentStep        int                 `json:"current_step"                  validate:"gte=0"`
	Status             WorkflowStatus      `json:"status"                        validate:"required"`
	Context            *WorkflowContext    `json:"context"`
	Errors             []ErrorRecord       `json:"errors,omitempty"`
	ElicitationDetails *ElicitationDetails `json:"elicitation_details,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	Owner              string              `json:"owner,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// WorkflowContext carries everything steps produce and later steps consume.
type WorkflowContext struct {
	Artifacts          map[string]*Artifact `json:"artifacts"`
	RoutingDecisions   map[string]string    `json:"routing_decisions"`
	ElicitationHistory []ElicitationRecord  `json:"elicitation_history"`
	UserRequest        string               `json:"user_request,omitempty"`
}

// NewWorkflowContext returns an empty, fully initialized context.
func NewWorkflowContext() *WorkflowContext {
	return &WorkflowContext{
		Artifacts:        make(map[string]*Artifact),
		RoutingDecisions: make(map[string]string),
	}
}

// EnsureContext initializes nil context maps after deserialization.
func (w *Workflow) EnsureContext() {
	if w.Context == nil {
		w.Context = NewWorkflowContext()

		return
	}

	if w.Context.Artifacts == nil {
		w.Context.Artifacts = make(map[string]*Artifact)
	}

	if w.Context.RoutingDecisions == nil {
		w.Context.RoutingDecisions = make(map[string]string)
	}
}

// HasArtifacts reports whether every named artifact exists in the context.
// Missing names are returned so callers can report them.
func (w *Workflow) HasArtifacts(names []string) (bool, []string) {
	var missing []string

	for _, name := range names {
		if w.Context == nil {
			missing = append(missing, name)

			continue
		}

		if _, ok := w.Context.Artifacts[name]; !ok {
			missing = append(missing, name)
		}
	}

	return len(missing) == 0, missing
}

// StepAt returns the step at the given index, or nil when out of range.
func (w *Workflow) StepAt(index int) *Step {
	if index < 0 || index >= len(w.Sequence) {
		return nil
	}

	return w.Sequence[index]
}

// Finished reports whether the current step index is past the end of the sequence.
func (w *Workflow) Finished() bool {
	return w.CurrentStep >= len(w.Sequence)
}

// Artifact is a named content object produced by a successful agent step.
// Artifacts are never mutated after creation, only superseded by a new
// artifact stored under the same name.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"       validate:"required"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	StepIndex int       `json:"step_index"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorRecord is an append-only record of a failure during workflow execution.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	StepIndex int       `json:"step_index"`
	AgentID   string    `json:"agent_id,omitempty"`
	Type      string    `json:"type"`
}

// ElicitationRecord is one entry of a workflow's elicitation history.
type ElicitationRecord struct {
	MessageID string    `json:"message_id"`
	StepIndex int       `json:"step_index"`
	AgentID   string    `json:"agent_id,omitempty"`
	Question  string    `json:"question"`
	Response  string    `json:"response,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ElicitationDetails describes the single outstanding elicitation of a
// paused workflow. A workflow never carries more than one at a time.
type ElicitationDetails struct {
	Title        string `json:"title,omitempty"`
	Instruction  string `json:"instruction,omitempty"`
	SectionID    string `json:"section_id,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Command      string `json:"command,omitempty"`
	TemplateType string `json:"template_type,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	// UseMethodSelection, when set, overrides the mode detection chain.
	UseMethodSelection *bool `json:"use_method_selection,omitempty"`
}
