package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scriptorhq/scriptor/pkg/decision"
	"github.com/scriptorhq/scriptor/pkg/elicitation"
	"github.com/scriptorhq/scriptor/pkg/events"
	"github.com/scriptorhq/scriptor/pkg/models"
)

// resultTypeElicitation is the result type agents use to request input.
const resultTypeElicitation = "elicitation_required"

// outcomeFacts are the inputs to the elicitation decision table.
type outcomeFacts struct {
	resuming         bool
	explicitFlag     bool
	resultType       string
	failed           bool
	humanInput       bool
	responseRecorded bool
	templateMissing  bool
	usesTemplate     bool
}

// pauseRules is the elicitation decision table, checked in order. Rules
// with resumingToo=false only apply to first executions: a workflow that
// just resumed never re-elicits except on an explicit signal carried by a
// failure.
var pauseRules = []struct {
	name        string
	resumingToo bool
	applies     func(f outcomeFacts) bool
}{
	{
		name:        "explicit_flag",
		resumingToo: true,
		applies:     func(f outcomeFacts) bool { return f.explicitFlag },
	},
	{
		name:        "elicitation_result_type",
		resumingToo: true,
		applies:     func(f outcomeFacts) bool { return f.resultType == resultTypeElicitation },
	},
	{
		name:        "failed_human_input_action",
		resumingToo: false,
		applies:     func(f outcomeFacts) bool { return f.failed && f.humanInput && !f.responseRecorded },
	},
	{
		name:        "template_missing_on_uses_step",
		resumingToo: false,
		applies:     func(f outcomeFacts) bool { return f.failed && f.templateMissing && f.usesTemplate },
	},
}

// needsElicitation applies the decision table. A successful resumed
// execution always advances; a resumed failure pauses only on the explicit
// signals.
func needsElicitation(f outcomeFacts) bool {
	if f.resuming && !f.failed {
		return false
	}

	for _, rule := range pauseRules {
		if f.resuming && !rule.resumingToo {
			continue
		}

		if rule.applies(f) {
			return true
		}
	}

	return false
}

// humanInputActions are step actions that inherently need a person when
// the agent cannot complete them on its own.
var humanInputActions = map[string]struct{}{
	"gather requirements": {},
	"elicit requirements": {},
	"collect user input":  {},
	"confirm with user":   {},
	"review with user":    {},
}

func isHumanInputAction(action string) bool {
	_, ok := humanInputActions[strings.ToLower(strings.TrimSpace(action))]

	return ok
}

// hasResponseForStep reports whether the user already answered an
// elicitation raised by the current step.
func hasResponseForStep(workflow *models.Workflow) bool {
	for _, record := range workflow.Context.ElicitationHistory {
		if record.StepIndex == workflow.CurrentStep && record.Response != "" {
			return true
		}
	}

	return false
}

func isTemplateNotFound(err error) bool {
	if err == nil {
		return false
	}

	message := strings.ToLower(err.Error())

	return strings.Contains(message, "template") &&
		(strings.Contains(message, "not found") || strings.Contains(message, "no such file"))
}

// agentResult is the structured shape an agent reply may carry. Plain text
// replies stay plain: Content holds the raw reply.
type agentResult struct {
	Content             string
	Type                string
	ElicitationRequired bool
	Details             *models.ElicitationDetails
}

// parseAgentResult inspects a completion reply for the structured
// elicitation envelope; anything that is not valid JSON of that shape is
// treated as plain content.
func parseAgentResult(content string) agentResult {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return agentResult{Content: content}
	}

	var envelope struct {
		Type                string `json:"type"`
		ElicitationRequired bool   `json:"elicitation_required"`
		Content             string `json:"content"`
		Title               string `json:"title"`
		Instruction         string `json:"instruction"`
		SectionID           string `json:"section_id"`
		SectionTitle        string `json:"section_title"`
		Command             string `json:"command"`
		TemplateType        string `json:"template_type"`
	}

	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return agentResult{Content: content}
	}

	result := agentResult{
		Content:             envelope.Content,
		Type:                envelope.Type,
		ElicitationRequired: envelope.ElicitationRequired,
	}

	if result.Content == "" {
		result.Content = content
	}

	if envelope.ElicitationRequired || envelope.Type == resultTypeElicitation {
		result.Details = &models.ElicitationDetails{
			Title:        envelope.Title,
			Instruction:  envelope.Instruction,
			SectionID:    envelope.SectionID,
			SectionTitle: envelope.SectionTitle,
			Command:      envelope.Command,
			TemplateType: envelope.TemplateType,
		}
	}

	return result
}

// pause suspends the workflow for user input: an elicitation message goes
// out, the pause is recorded in history and the workflow persists in
// PAUSED_FOR_ELICITATION with the full details.
func (e *Engine) pause(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string, details *models.ElicitationDetails) error {
	messageID := uuid.NewString()

	details.MessageID = messageID
	if details.AgentID == "" {
		details.AgentID = step.AgentID
	}

	request := elicitation.PrepareRequest(details, e.methods)

	content := map[string]any{
		"title":             details.Title,
		"instruction":       details.Instruction,
		"section_id":        details.SectionID,
		"agent_id":          details.AgentID,
		"mode":              string(request.Mode),
		"question":          request.Question,
		"accepts_free_text": request.AcceptsFreeText,
	}
	if len(request.Options) > 0 {
		content["options"] = request.Options
	}

	_, err := e.comm.SendMessage(ctx, &models.Message{
		ID:         messageID,
		WorkflowID: workflow.ID,
		From:       details.AgentID,
		To:         "user",
		Type:       models.MessageTypeElicitationRequest,
		Content:    content,
	})
	if err != nil {
		return fmt.Errorf("sending elicitation request for workflow %s: %w", workflow.ID, err)
	}

	question := details.Instruction
	if question == "" {
		question = details.Title
	}

	workflow.Context.ElicitationHistory = append(workflow.Context.ElicitationHistory, models.ElicitationRecord{
		MessageID: messageID,
		StepIndex: workflow.CurrentStep,
		AgentID:   details.AgentID,
		Question:  question,
		CreatedAt: time.Now().UTC(),
	})

	workflow.Status = models.WorkflowStatusPaused
	workflow.ElicitationDetails = details
	workflow.UpdatedAt = time.Now().UTC()

	// Saved after the message so the store ends up with the full details,
	// not just what the communicator derived from the message content.
	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("pausing workflow %s: %w", workflow.ID, err)
	}

	e.publish(ctx, workflow.ID, events.WorkflowPaused{
		BaseEvent:   events.NewBaseEvent(events.WorkflowPausedEvent, workflow.ID),
		MessageID:   messageID,
		Title:       details.Title,
		Instruction: details.Instruction,
		SectionID:   details.SectionID,
		AgentID:     details.AgentID,
	})

	e.logger.InfoContext(ctx, "workflow paused for elicitation",
		"workflow_id", workflow.ID, "message_id", messageID, "step_index", workflow.CurrentStep)

	return nil
}

type appliedResponse struct {
	mode     elicitation.ResponseMode
	guidance string
}

// applyResponse normalizes the user's answer, records it in the history
// and stages the resume state consumed by the step's re-execution.
func (e *Engine) applyResponse(workflow *models.Workflow, details *models.ElicitationDetails, response any) (*appliedResponse, error) {
	processed, err := elicitation.ProcessResponse(response, e.methods)
	if err != nil {
		return nil, err
	}

	responseText := processed.Text
	switch {
	case processed.Proceed:
		responseText = "proceed"
	case processed.Method != "":
		responseText = processed.Method
	}

	recordResponse(workflow, details.MessageID, responseText, string(processed.Mode))

	if workflow.Metadata == nil {
		workflow.Metadata = make(map[string]any)
	}

	if details.Command == commandSelectAgent {
		chosen := strings.TrimSpace(processed.Text)
		if chosen == "" {
			return nil, fmt.Errorf("an agent id is required to continue this step")
		}

		workflow.Metadata[agentKey(workflow.CurrentStep)] = chosen

		return &appliedResponse{mode: processed.Mode}, nil
	}

	guidance := ""
	switch {
	case processed.Proceed:
		// Proceed as instructed: no extra guidance.
	case processed.Method != "":
		guidance = fmt.Sprintf("Apply the elicitation method %q before finalizing.", processed.Method)
	default:
		guidance = processed.Text
	}

	// Free-text answers to documentation-adequacy questions also feed the
	// routing decision so a later routing step can act on them.
	if processed.Mode == elicitation.ModeFreeText &&
		strings.Contains(strings.ToLower(details.Instruction), "documentation") {
		workflow.Context.RoutingDecisions["documentation_check"] = decision.ClassifyAdequacyResponse(processed.Text)
	}

	workflow.Metadata[metaResumedStep] = workflow.CurrentStep
	if guidance != "" {
		workflow.Metadata[metaResumeGuidance] = guidance
	}

	return &appliedResponse{mode: processed.Mode, guidance: guidance}, nil
}

func recordResponse(workflow *models.Workflow, messageID, response, mode string) {
	for i := range workflow.Context.ElicitationHistory {
		record := &workflow.Context.ElicitationHistory[i]
		if record.MessageID == messageID {
			record.Response = response
			record.Mode = mode

			return
		}
	}

	workflow.Context.ElicitationHistory = append(workflow.Context.ElicitationHistory, models.ElicitationRecord{
		MessageID: messageID,
		StepIndex: workflow.CurrentStep,
		Response:  response,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	})
}

// takeResumeState reads and clears the staged resume state for the current
// step. Metadata survives JSON round-trips as float64, so both numeric
// shapes are accepted.
func (e *Engine) takeResumeState(workflow *models.Workflow) (bool, string) {
	if workflow.Metadata == nil {
		return false, ""
	}

	raw, ok := workflow.Metadata[metaResumedStep]
	if !ok {
		return false, ""
	}

	resumedStep := -1
	switch v := raw.(type) {
	case int:
		resumedStep = v
	case float64:
		resumedStep = int(v)
	}

	if resumedStep != workflow.CurrentStep {
		return false, ""
	}

	guidance, _ := workflow.Metadata[metaResumeGuidance].(string)

	delete(workflow.Metadata, metaResumedStep)
	delete(workflow.Metadata, metaResumeGuidance)

	return true, guidance
}
