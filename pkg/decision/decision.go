// Package decision resolves steps that need an autonomous classification
// rather than human input. Decision steps never block a workflow: any
// failure along the path records an error, stores a deterministic fallback
// and still advances.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/scriptorhq/scriptor/pkg/completion"
	"github.com/scriptorhq/scriptor/pkg/log"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/persistence"
)

// decisionActions are the actions handled as decisions when matched exactly.
var decisionActions = []string{
	"check existing documentation",
	"determine if architecture document needed",
	"assess documentation quality",
	"evaluate existing resources",
	"analyze current state",
}

// decisionPrefixes are checked in order after the exact list; first match wins.
var decisionPrefixes = []string{
	"check existing",
	"determine if",
	"determine whether",
	"assess",
	"evaluate",
	"analyze current",
}

// IsDecisionStep reports whether the step's action calls for an autonomous
// classification instead of an agent invocation.
func IsDecisionStep(step *models.Step) bool {
	action := strings.ToLower(strings.TrimSpace(step.Action))
	if action == "" {
		return false
	}

	for _, known := range decisionActions {
		if action == known {
			return true
		}
	}

	for _, prefix := range decisionPrefixes {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}

	return false
}

// instructions maps known actions to their prompt instruction. Unknown
// actions get the generic instruction.
var instructions = map[string]string{
	"check existing documentation":              "Review the listed artifacts and judge whether the existing documentation covers the request. Answer with exactly one word: adequate or inadequate.",
	"determine if architecture document needed": "Judge whether this project needs a dedicated architecture document. Answer with exactly one word: needed or skip.",
	"assess documentation quality":              "Rate the quality of the documentation produced so far. Answer with exactly one word: good, acceptable or poor.",
	"evaluate existing resources":               "Judge whether the resources already gathered are enough to continue. Answer with exactly one word: sufficient or insufficient.",
	"analyze current state":                     "Summarize the workflow state as a single decision value describing how to proceed.",
}

const genericInstruction = "Analyze the current workflow state and respond with a single short decision value."

// decisionKeys maps known actions to the routing-decision key the result is
// stored under. Unrecognized actions fall back to a key derived from the
// action text itself.
var decisionKeys = map[string]string{
	"check existing documentation":              "documentation_check",
	"determine if architecture document needed": "architecture_decision",
	"assess documentation quality":              "documentation_quality",
	"evaluate existing resources":               "resource_evaluation",
	"analyze current state":                     "state_analysis",
}

// DecisionKey resolves the routing-decision key for an action.
func DecisionKey(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	if key, ok := decisionKeys[normalized]; ok {
		return key
	}

	return strings.ReplaceAll(normalized, " ", "_")
}

// fallbackDecisions are stored when the completion path fails. The values
// are deliberately conservative for this domain.
var fallbackDecisions = map[string]string{
	"documentation_check":   "inadequate",
	"architecture_decision": "needed",
}

const fallbackDefault = "continue"

// FallbackDecision returns the deterministic fallback for a decision key.
func FallbackDecision(key string) string {
	if value, ok := fallbackDecisions[key]; ok {
		return value
	}

	return fallbackDefault
}

// Messenger is the slice of the communicator the decision engine needs.
type Messenger interface {
	SendMessage(ctx context.Context, message *models.Message) (*models.Message, error)
}

// Engine resolves decision steps against the completion service.
type Engine struct {
	completions completion.Service
	messenger   Messenger
	workflows   persistence.WorkflowRepository
	logger      *slog.Logger
}

// NewEngine wires a decision engine from its collaborators.
func NewEngine(completions completion.Service, messenger Messenger, workflows persistence.WorkflowRepository, logger *slog.Logger) *Engine {
	return &Engine{
		completions: completions,
		messenger:   messenger,
		workflows:   workflows,
		logger:      log.WithModule(logger, "decision"),
	}
}

// HandleDecisionStep resolves the given step for the workflow: it prompts
// the completion service with a compact context, normalizes the reply into
// a routing decision, stores it, reports progress on the user channel and
// advances the workflow. Whatever fails, the workflow still advances.
func (e *Engine) HandleDecisionStep(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string) error {
	workflow.EnsureContext()

	action := strings.ToLower(strings.TrimSpace(step.Action))
	key := DecisionKey(action)

	value, callErr := e.resolve(ctx, workflow, step, userID, action)
	if callErr != nil {
		value = FallbackDecision(key)

		workflow.Errors = append(workflow.Errors, models.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   callErr.Error(),
			StepIndex: workflow.CurrentStep,
			AgentID:   step.AgentID,
			Type:      "decision_failure",
		})

		e.logger.WarnContext(ctx, "decision call failed, using fallback",
			"workflow_id", workflow.ID, "action", action, "fallback", value, "error", callErr)
	}

	workflow.Context.RoutingDecisions[key] = value

	e.notify(ctx, workflow, key, value)

	workflow.CurrentStep++
	workflow.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("persisting decision for workflow %s: %w", workflow.ID, err)
	}

	return nil
}

func (e *Engine) resolve(ctx context.Context, workflow *models.Workflow, step *models.Step, userID, action string) (string, error) {
	instruction, ok := instructions[action]
	if !ok {
		instruction = genericInstruction
	}

	prompt := buildPrompt(workflow, instruction)

	result, err := e.completions.Call(ctx, prompt, completion.Request{
		AgentID:    step.AgentID,
		Complexity: completion.ComplexitySimple,
		UserID:     userID,
	})
	if err != nil {
		return "", fmt.Errorf("completion call for action %q: %w", action, err)
	}

	value := Normalize(result.Content)
	if value == "" {
		return "", fmt.Errorf("completion returned no usable decision for action %q", action)
	}

	return value, nil
}

// buildPrompt assembles the compact decision context: the user's request,
// position in the sequence, prior decisions, artifact names and the last
// three elicitation entries.
func buildPrompt(workflow *models.Workflow, instruction string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Request: %s\n", workflow.Context.UserRequest)
	fmt.Fprintf(&b, "Step %d of %d\n", workflow.CurrentStep+1, len(workflow.Sequence))

	if len(workflow.Context.RoutingDecisions) > 0 {
		keys := make([]string, 0, len(workflow.Context.RoutingDecisions))
		for key := range workflow.Context.RoutingDecisions {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		b.WriteString("Decisions so far:\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", key, workflow.Context.RoutingDecisions[key])
		}
	}

	if len(workflow.Context.Artifacts) > 0 {
		names := make([]string, 0, len(workflow.Context.Artifacts))
		for name := range workflow.Context.Artifacts {
			names = append(names, name)
		}

		sort.Strings(names)

		fmt.Fprintf(&b, "Artifacts: %s\n", strings.Join(names, ", "))
	}

	history := workflow.Context.ElicitationHistory
	if len(history) > 3 {
		history = history[len(history)-3:]
	}

	for _, entry := range history {
		fmt.Fprintf(&b, "Earlier answer: %s -> %s\n", entry.Question, entry.Response)
	}

	b.WriteString("\n")
	b.WriteString(instruction)

	return b.String()
}

// statusPhrases gives the fixed wording of the progress message per decision
// key. Unknown keys use the generic phrasing.
var statusPhrases = map[string]string{
	"documentation_check":   "Documentation check complete: existing documentation assessed as %q.",
	"architecture_decision": "Architecture decision made: architecture document is %q.",
	"documentation_quality": "Documentation quality assessed as %q.",
	"resource_evaluation":   "Existing resources evaluated as %q.",
	"state_analysis":        "Current state analyzed: %q.",
}

func (e *Engine) notify(ctx context.Context, workflow *models.Workflow, key, value string) {
	phrase, ok := statusPhrases[key]
	if !ok {
		phrase = "Decision " + key + " resolved to %q."
	}

	_, err := e.messenger.SendMessage(ctx, &models.Message{
		WorkflowID: workflow.ID,
		From:       "decision-engine",
		To:         "user",
		Type:       models.MessageTypeStepUpdate,
		Content: map[string]any{
			"text":     fmt.Sprintf(phrase, value),
			"decision": key,
			"value":    value,
		},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "decision status message failed",
			"workflow_id", workflow.ID, "decision", key, "error", err)
	}
}

// Normalize reduces a raw completion reply to a decision value: trimmed,
// lower-cased, with lead-in phrases, quoting and trailing punctuation
// stripped.
func Normalize(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))

	for _, prefix := range []string{
		"the decision is:",
		"the decision is",
		"decision:",
		"answer:",
		"result:",
	} {
		if strings.HasPrefix(value, prefix) {
			value = strings.TrimSpace(value[len(prefix):])

			break
		}
	}

	value = strings.Trim(value, "\"'`")
	value = strings.TrimRight(value, ".!,;:")

	return strings.TrimSpace(value)
}

// adequacyKeywords and inadequacyKeywords classify a free-text answer about
// documentation adequacy. When both or neither set matches, the conservative
// answer for this domain is "inadequate".
var (
	adequacyKeywords   = []string{"adequate", "sufficient", "complete", "good enough", "covers"}
	inadequacyKeywords = []string{"inadequate", "insufficient", "incomplete", "missing", "outdated", "poor"}
)

// ClassifyAdequacyResponse maps a free-text user answer to an adequacy
// decision value.
func ClassifyAdequacyResponse(text string) string {
	lowered := strings.ToLower(text)

	adequate := containsAny(lowered, adequacyKeywords)
	inadequate := containsAny(lowered, inadequacyKeywords)

	if adequate && !inadequate {
		return "adequate"
	}

	return "inadequate"
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}

	return false
}
