package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the declarative source format of a workflow: an
// ordered list of step records. Loosely-typed on disk, it is validated and
// normalized exactly once, at parse time.
type WorkflowDefinition struct {
	ID       string         `json:"id"       yaml:"id"`
	Title    string         `json:"title"    yaml:"title"`
	Sequence []StepRecord   `json:"sequence" yaml:"sequence"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepRecord mirrors one raw step entry of a workflow definition file.
type StepRecord struct {
	Type      string            `json:"type,omitempty"      yaml:"type,omitempty"`
	AgentID   string            `json:"agent_id"            yaml:"agent_id"`
	Action    string            `json:"action,omitempty"    yaml:"action,omitempty"`
	Condition string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Requires  []string          `json:"requires,omitempty"  yaml:"requires,omitempty"`
	Creates   string            `json:"creates,omitempty"   yaml:"creates,omitempty"`
	Routes    map[string]string `json:"routes,omitempty"    yaml:"routes,omitempty"`
	Uses      string            `json:"uses,omitempty"      yaml:"uses,omitempty"`
	Notes     string            `json:"notes,omitempty"     yaml:"notes,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// definitionSchema is the JSON Schema every workflow definition document must
// satisfy before the typed decode runs.
const definitionSchema = `{
	"type": "object",
	"required": ["title", "sequence"],
	"properties": {
		"id": {"type": "string"},
		"title": {"type": "string", "minLength": 3},
		"sequence": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["agent_id"],
				"properties": {
					"type": {"enum": ["agent", "routing", "decision", "cycle", "workflow_control"]},
					"agent_id": {"type": "string", "minLength": 1},
					"action": {"type": "string"},
					"condition": {"type": "string"},
					"requires": {"type": "array", "items": {"type": "string"}},
					"creates": {"type": "string"},
					"routes": {
						"type": "object",
						"additionalProperties": {"type": "string"}
					},
					"uses": {"type": "string"},
					"notes": {"type": "string"},
					"timeout_ms": {"type": "integer", "minimum": 0}
				}
			}
		},
		"metadata": {"type": "object"}
	}
}`

var validate = validator.New()

// ParseDefinition validates a YAML workflow definition document and builds a
// fresh Workflow ready for execution. The document is checked against the
// JSON Schema first, then decoded into the typed model, step types inferred,
// and struct-level validation applied.
func ParseDefinition(data []byte) (*Workflow, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	document, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to normalize workflow definition: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate workflow definition: %w", err)
	}

	if !result.Valid() {
		return nil, fmt.Errorf("invalid workflow definition: %s", schemaErrors(result))
	}

	var def WorkflowDefinition
	if err := json.Unmarshal(document, &def); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}

	return def.Build()
}

// Build turns a validated definition into an executable workflow with all
// step types resolved and artifact name uniqueness enforced.
func (d *WorkflowDefinition) Build() (*Workflow, error) {
	workflow := &Workflow{
		ID:          d.ID,
		Title:       d.Title,
		CurrentStep: 0,
		Status:      WorkflowStatusInitializing,
		Context:     NewWorkflowContext(),
		Metadata:    d.Metadata,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	created := make(map[string]int)

	for i, record := range d.Sequence {
		step := &Step{
			Type:      StepType(record.Type),
			AgentID:   record.AgentID,
			Action:    record.Action,
			Condition: record.Condition,
			Requires:  record.Requires,
			Creates:   record.Creates,
			Uses:      record.Uses,
			Notes:     record.Notes,
			TimeoutMS: record.TimeoutMS,
		}

		if len(record.Routes) > 0 {
			step.Routes = make(map[string]Route, len(record.Routes))
			for value, target := range record.Routes {
				step.Routes[value] = Route{Goto: target}
			}
		}

		step.Type = step.InferType()

		if step.Creates != "" {
			if prev, ok := created[step.Creates]; ok {
				return nil, fmt.Errorf(
					"invalid workflow definition: steps %d and %d both create artifact %q",
					prev, i, step.Creates)
			}

			created[step.Creates] = i
		}

		workflow.Sequence = append(workflow.Sequence, step)
	}

	if err := validate.Struct(workflow); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	return workflow, nil
}

func schemaErrors(result *gojsonschema.Result) string {
	message := ""
	for i, err := range result.Errors() {
		if i > 0 {
			message += "; "
		}

		message += err.String()
	}

	return message
}

// normalizeYAML converts map[any]any trees produced by the YAML decoder
// into map[string]any trees acceptable to encoding/json.
func normalizeYAML(value any) any {
	switch v := value.(type) {
	case map[any]any:
		normalized := make(map[string]any, len(v))
		for key, item := range v {
			normalized[fmt.Sprintf("%v", key)] = normalizeYAML(item)
		}

		return normalized
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for key, item := range v {
			normalized[key] = normalizeYAML(item)
		}

		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, item := range v {
			normalized[i] = normalizeYAML(item)
		}

		return normalized
	default:
		return v
	}
}
