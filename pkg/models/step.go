package models

// StepType governs how the engine dispatches a step.
type StepType string

const (
	StepTypeAgent           StepType = "agent"
	StepTypeRouting         StepType = "routing"
	StepTypeDecision        StepType = "decision"
	StepTypeCycle           StepType = "cycle"
	StepTypeWorkflowControl StepType = "workflow_control"
)

// AgentVarious is the sentinel agent ID meaning "ask the user which agent".
const AgentVarious = "various"

// Route maps one classification value to its destination.
type Route struct {
	Goto string `json:"goto" validate:"required"`
}

// Step is one unit of a workflow sequence. Steps are immutable once parsed
// from the workflow definition; the Type field is always populated after
// parsing (see InferType).
type Step struct {
	Type      StepType         `json:"type,omitempty"`
	AgentID   string           `json:"agent_id"            validate:"required"`
	Action    string           `json:"action,omitempty"`
	Condition string           `json:"condition,omitempty"`
	Requires  []string         `json:"requires,omitempty"`
	Creates   string           `json:"creates,omitempty"`
	Routes    map[string]Route `json:"routes,omitempty"`
	Uses      string           `json:"uses,omitempty"`
	Notes     string           `json:"notes,omitempty"`
	TimeoutMS int              `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// InferType resolves the effective type of a step whose definition omitted
// one: a step with routes is a routing step, a step with a condition is
// decision-eligible, anything else is an agent step.
func (s *Step) InferType() StepType {
	if s.Type != "" {
		return s.Type
	}

	if len(s.Routes) > 0 {
		return StepTypeRouting
	}

	if s.Condition != "" {
		return StepTypeDecision
	}

	return StepTypeAgent
}

// IsTerminalRoute reports whether the route for the given value ends the
// workflow rather than jumping to another step.
func (s *Step) IsTerminalRoute(value string) bool {
	route, ok := s.Routes[value]
	if !ok {
		return false
	}

	return route.Goto == "end" || route.Goto == "complete"
}
