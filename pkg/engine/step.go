package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/scriptorhq/scriptor/pkg/checkpoint"
	"github.com/scriptorhq/scriptor/pkg/completion"
	"github.com/scriptorhq/scriptor/pkg/decision"
	"github.com/scriptorhq/scriptor/pkg/events"
	"github.com/scriptorhq/scriptor/pkg/models"
	"github.com/scriptorhq/scriptor/pkg/recovery"
)

// Metadata keys the engine uses to carry resume state across the pause.
const (
	metaResumedStep    = "resumed_step"
	metaResumeGuidance = "resume_guidance"
	metaAgentPrefix    = "agent_for_step_"
)

// commandSelectAgent marks an elicitation raised to resolve the "various"
// agent sentinel.
const commandSelectAgent = "select-agent"

// executeNextStep dispatches exactly one step by its effective type.
func (e *Engine) executeNextStep(ctx context.Context, workflow *models.Workflow, userID string) error {
	step := workflow.StepAt(workflow.CurrentStep)
	if step == nil {
		return e.complete(ctx, workflow, "", userID)
	}

	stepType := step.InferType()
	switch {
	case stepType == models.StepTypeAgent && decision.IsDecisionStep(step):
		stepType = models.StepTypeDecision
	case stepType == models.StepTypeDecision && step.Type == "" && !decision.IsDecisionStep(step):
		// An untyped step with a bare condition is a gated agent step;
		// the agent path evaluates the condition before executing.
		stepType = models.StepTypeAgent
	}

	switch stepType {
	case models.StepTypeRouting:
		return e.executeRoutingStep(ctx, workflow, step, userID)

	case models.StepTypeDecision:
		return e.decisions.HandleDecisionStep(ctx, workflow, step, userID)

	case models.StepTypeCycle, models.StepTypeWorkflowControl:
		e.sendInfo(ctx, workflow.ID, models.MessageTypeStepUpdate,
			fmt.Sprintf("Passing %s step %d (%s).", stepType, workflow.CurrentStep+1, step.Action))

		return e.advance(ctx, workflow, userID)

	default:
		return e.executeAgentStep(ctx, workflow, step, userID)
	}
}

func (e *Engine) advance(ctx context.Context, workflow *models.Workflow, userID string) error {
	workflow.CurrentStep++
	workflow.UpdatedAt = time.Now().UTC()

	if err := e.workflows.Save(ctx, workflow, userID); err != nil {
		return fmt.Errorf("persisting workflow %s after step: %w", workflow.ID, err)
	}

	return nil
}

// executeAgentStep runs one agent step end to end: condition, requires,
// agent resolution, checkpoint, completion call, outcome classification.
func (e *Engine) executeAgentStep(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string) error {
	ctx, span := e.startSpan(ctx, "engine.agent_step", workflow, step)
	if span != nil {
		defer span.End()
	}

	resuming, guidance := e.takeResumeState(workflow)

	if step.Condition != "" {
		met, err := evalCondition(step.Condition, workflow)
		if err != nil {
			// A broken condition must not silently drop the step.
			e.logger.WarnContext(ctx, "condition evaluation failed, executing step",
				"workflow_id", workflow.ID, "condition", step.Condition, "error", err)
		} else if !met {
			e.sendInfo(ctx, workflow.ID, models.MessageTypeStepUpdate,
				fmt.Sprintf("Skipping step %d (%s): condition not met.", workflow.CurrentStep+1, step.Action))

			return e.advance(ctx, workflow, userID)
		}
	}

	if ok, missing := workflow.HasArtifacts(step.Requires); !ok {
		return e.handleStepFailure(ctx, workflow, step, userID, resuming, nil, nil,
			fmt.Errorf("required artifacts missing for step %d: %s", workflow.CurrentStep+1, strings.Join(missing, ", ")))
	}

	agentID, resolved := e.resolveAgent(workflow, step)
	if !resolved {
		return e.pause(ctx, workflow, step, userID, &models.ElicitationDetails{
			Title:       "Select an agent",
			Instruction: fmt.Sprintf("Step %d (%s) does not name an agent. Reply with the agent that should run it.", workflow.CurrentStep+1, step.Action),
			Command:     commandSelectAgent,
		})
	}

	if _, err := e.checkpoints.Create(ctx, workflow, checkpoint.BeforeAgentType(agentID),
		fmt.Sprintf("before %s runs step %d", agentID, workflow.CurrentStep+1)); err != nil {
		e.logger.WarnContext(ctx, "checkpoint creation failed, continuing",
			"workflow_id", workflow.ID, "agent_id", agentID, "error", err)
	}

	agent, err := e.catalog.LoadAgent(ctx, agentID)
	if err != nil {
		return e.handleStepFailure(ctx, workflow, step, userID, resuming, nil, nil,
			fmt.Errorf("loading agent %s: %w", agentID, err))
	}

	e.sendActivation(ctx, workflow, agentID)

	prompt := buildAgentPrompt(workflow, step, agent, guidance)
	timeout := e.clampTimeout(step.TimeoutMS)

	var result *completion.Result

	invoke := func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, err := e.completions.Call(callCtx, prompt, completion.Request{
			AgentID:    agentID,
			Persona:    agent.Persona,
			Complexity: completion.ComplexityDefault,
			UserID:     userID,
			Context:    map[string]any{"step_index": workflow.CurrentStep, "action": step.Action},
		})
		if err != nil {
			return err
		}

		result = res

		return nil
	}

	commit := func(ctx context.Context, attempts int) error {
		return e.classifySuccess(ctx, workflow, step, userID, resuming, agentID, result, attempts)
	}

	callErr := invoke(ctx)

	// A timeout is its own terminal outcome, distinct from an error, and
	// the workflow still advances rather than looping on the step.
	if isTimeout(ctx, callErr) {
		workflow.Errors = append(workflow.Errors, models.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   fmt.Sprintf("step %d timed out after %s", workflow.CurrentStep+1, timeout),
			StepIndex: workflow.CurrentStep,
			AgentID:   agentID,
			Type:      "timed_out",
		})

		e.sendInfo(ctx, workflow.ID, models.MessageTypeStepUpdate,
			fmt.Sprintf("Step %d (%s) timed out after %s; continuing with the next step.", workflow.CurrentStep+1, step.Action, timeout))

		return e.advance(ctx, workflow, userID)
	}

	if callErr != nil {
		return e.handleStepFailure(ctx, workflow, step, userID, resuming, invoke, commit, callErr)
	}

	return commit(ctx, 1)
}

// classifySuccess decides whether a successful completion call pauses for
// elicitation or commits the result.
func (e *Engine) classifySuccess(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string, resuming bool, agentID string, result *completion.Result, attempts int) error {
	parsed := parseAgentResult(result.Content)

	facts := outcomeFacts{
		resuming:     resuming,
		explicitFlag: parsed.ElicitationRequired,
		resultType:   parsed.Type,
	}

	if needsElicitation(facts) {
		details := parsed.Details
		if details == nil {
			details = &models.ElicitationDetails{}
		}

		if details.Title == "" {
			details.Title = step.Action
		}

		return e.pause(ctx, workflow, step, userID, details)
	}

	return e.commitSuccess(ctx, workflow, step, userID, agentID, parsed.Content, attempts)
}

// commitSuccess persists the artifact, reports completion and advances.
func (e *Engine) commitSuccess(ctx context.Context, workflow *models.Workflow, step *models.Step, userID, agentID, content string, attempts int) error {
	if step.Creates != "" {
		workflow.Context.Artifacts[step.Creates] = &models.Artifact{
			ID:        uuid.NewString(),
			Name:      step.Creates,
			Type:      "document",
			Content:   content,
			CreatedBy: agentID,
			StepIndex: workflow.CurrentStep,
			CreatedAt: time.Now().UTC(),
		}
	}

	_, err := e.comm.SendMessage(ctx, &models.Message{
		WorkflowID: workflow.ID,
		From:       agentID,
		To:         "engine",
		Type:       models.MessageTypeCompletion,
		Content: map[string]any{
			"step_index": workflow.CurrentStep,
			"action":     step.Action,
			"creates":    step.Creates,
			"attempts":   attempts,
		},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "completion message failed",
			"workflow_id", workflow.ID, "agent_id", agentID, "error", err)
	}

	return e.advance(ctx, workflow, userID)
}

// handleStepFailure routes a failed step through the elicitation decision
// table first and the recovery manager second. commit finishes the step
// when a retry eventually succeeds; it is nil for failures no retry can
// repair (missing artifacts, unloadable agents).
func (e *Engine) handleStepFailure(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string, resuming bool, retry func(ctx context.Context) error, commit func(ctx context.Context, attempts int) error, cause error) error {
	facts := outcomeFacts{
		resuming:         resuming,
		failed:           true,
		humanInput:       isHumanInputAction(step.Action),
		responseRecorded: hasResponseForStep(workflow),
		templateMissing:  isTemplateNotFound(cause),
		usesTemplate:     step.Uses != "",
	}

	if needsElicitation(facts) {
		return e.pause(ctx, workflow, step, userID, &models.ElicitationDetails{
			Title:       step.Action,
			Instruction: fmt.Sprintf("Step %d (%s) needs your input to continue.", workflow.CurrentStep+1, step.Action),
		})
	}

	if retry == nil {
		// Nothing to re-run: requires/agent failures go straight to the
		// fallback handling below.
		retry = func(context.Context) error { return cause }
	}

	outcome, recErr := e.recovery.Recover(ctx, recovery.Attempt{
		WorkflowID: workflow.ID,
		AgentID:    step.AgentID,
		StepIndex:  workflow.CurrentStep,
		Err:        cause,
	}, retry)

	if recErr != nil {
		var failFast *recovery.FailFastError
		if errors.As(recErr, &failFast) {
			e.sendError(ctx, workflow.ID, failFast.UserMessage, string(failFast.Category))

			if err := e.fail(ctx, workflow, step, recErr, string(failFast.Category), userID); err != nil {
				return err
			}

			return recErr
		}

		return recErr
	}

	if outcome.Success {
		if commit == nil {
			return e.advance(ctx, workflow, userID)
		}

		// The retry callback repopulated the step result; classify it the
		// same way a first-attempt success is classified.
		return commit(ctx, outcome.Attempts)
	}

	switch outcome.Strategy {
	case recovery.StrategyRollback:
		return e.rollback(ctx, workflow, step, userID, cause)

	case recovery.StrategySkipStep:
		workflow.Errors = append(workflow.Errors, models.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   cause.Error(),
			StepIndex: workflow.CurrentStep,
			AgentID:   step.AgentID,
			Type:      string(outcome.Category),
		})

		e.sendInfo(ctx, workflow.ID, models.MessageTypeStepUpdate,
			fmt.Sprintf("Step %d (%s) was skipped after an unrecoverable %s failure.", workflow.CurrentStep+1, step.Action, outcome.Category))

		return e.advance(ctx, workflow, userID)

	default:
		e.sendError(ctx, workflow.ID, outcome.UserMessage, string(outcome.Category))

		return e.fail(ctx, workflow, step, cause, string(outcome.Category), userID)
	}
}

func (e *Engine) rollback(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string, cause error) error {
	cp, err := e.checkpoints.Rollback(ctx, workflow, step.AgentID, userID)
	if err != nil {
		// No safe checkpoint: propagate the original failure.
		e.logger.WarnContext(ctx, "rollback unavailable",
			"workflow_id", workflow.ID, "error", err)

		return e.fail(ctx, workflow, step, cause, string(recovery.CategoryWorkflowLogic), userID)
	}

	e.publish(ctx, workflow.ID, events.WorkflowRolledBack{
		BaseEvent:    events.NewBaseEvent(events.WorkflowRolledBackEvent, workflow.ID),
		CheckpointID: cp.ID,
		StepIndex:    cp.StepIndex,
		CanResume:    true,
	})

	return nil
}

// executeRoutingStep resolves a routing decision and either completes the
// workflow on a terminal route or advances.
func (e *Engine) executeRoutingStep(ctx context.Context, workflow *models.Workflow, step *models.Step, userID string) error {
	value := resolveRoutingValue(workflow, step)

	if value != "" && step.IsTerminalRoute(value) {
		e.sendInfo(ctx, workflow.ID, models.MessageTypeProgress,
			fmt.Sprintf("Routing decision %q ends the workflow at step %d.", value, workflow.CurrentStep+1))

		return e.complete(ctx, workflow, value, userID)
	}

	if value != "" {
		e.sendInfo(ctx, workflow.ID, models.MessageTypeStepUpdate,
			fmt.Sprintf("Routing decision %q at step %d; continuing.", value, workflow.CurrentStep+1))
	}

	return e.advance(ctx, workflow, userID)
}

// resolveRoutingValue finds the routing decision for a routing step: the
// recorded decision, a prior classification artifact under the same key, or
// a conservative default.
func resolveRoutingValue(workflow *models.Workflow, step *models.Step) string {
	key := decision.DecisionKey(step.Action)

	if value, ok := workflow.Context.RoutingDecisions[key]; ok {
		return value
	}

	if artifact, ok := workflow.Context.Artifacts[key]; ok {
		return decision.Normalize(artifact.Content)
	}

	// No recorded decision: the conservative default for documentation
	// routes is "inadequate", otherwise the first non-terminal route.
	if _, ok := step.Routes["inadequate"]; ok {
		return "inadequate"
	}

	values := make([]string, 0, len(step.Routes))
	for value := range step.Routes {
		values = append(values, value)
	}

	sort.Strings(values)

	for _, value := range values {
		if !step.IsTerminalRoute(value) {
			return value
		}
	}

	return ""
}

// resolveAgent maps the "various" sentinel through the user's recorded
// selection; resolved is false when the user still has to pick.
func (e *Engine) resolveAgent(workflow *models.Workflow, step *models.Step) (string, bool) {
	if step.AgentID != models.AgentVarious {
		return step.AgentID, true
	}

	if workflow.Metadata == nil {
		return "", false
	}

	if chosen, ok := workflow.Metadata[agentKey(workflow.CurrentStep)].(string); ok && chosen != "" {
		return chosen, true
	}

	return "", false
}

func agentKey(stepIndex int) string {
	return fmt.Sprintf("%s%d", metaAgentPrefix, stepIndex)
}

func (e *Engine) sendActivation(ctx context.Context, workflow *models.Workflow, agentID string) {
	_, err := e.comm.SendMessage(ctx, &models.Message{
		WorkflowID: workflow.ID,
		From:       "engine",
		To:         agentID,
		Type:       models.MessageTypeActivation,
		Content:    map[string]any{"step_index": workflow.CurrentStep},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "activation message failed",
			"workflow_id", workflow.ID, "agent_id", agentID, "error", err)
	}
}

func (e *Engine) sendError(ctx context.Context, workflowID, text, errorType string) {
	_, err := e.comm.SendMessage(ctx, &models.Message{
		WorkflowID: workflowID,
		From:       "engine",
		To:         "user",
		Type:       models.MessageTypeError,
		Content: map[string]any{
			"error":      text,
			"error_type": errorType,
		},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "error message failed",
			"workflow_id", workflowID, "error", err)
	}
}

// clampTimeout bounds a step's completion timeout to the configured window.
func (e *Engine) clampTimeout(timeoutMS int) time.Duration {
	timeout := e.cfg.DefaultTimeout.Std()
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	if floor := e.cfg.MinTimeout.Std(); timeout < floor {
		timeout = floor
	}

	if ceiling := e.cfg.MaxTimeout.Std(); timeout > ceiling {
		timeout = ceiling
	}

	return timeout
}

// isTimeout distinguishes a step deadline from caller cancellation.
func isTimeout(ctx context.Context, err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

// evalCondition evaluates a step condition against the workflow context.
func evalCondition(condition string, workflow *models.Workflow) (bool, error) {
	artifacts := make(map[string]bool, len(workflow.Context.Artifacts))
	for name := range workflow.Context.Artifacts {
		artifacts[name] = true
	}

	env := map[string]any{
		"artifacts":    artifacts,
		"decisions":    workflow.Context.RoutingDecisions,
		"current_step": workflow.CurrentStep,
		"user_request": workflow.Context.UserRequest,
	}

	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compiling condition %q: %w", condition, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", condition, err)
	}

	met, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", condition)
	}

	return met, nil
}

// buildAgentPrompt assembles the completion prompt for an agent step.
func buildAgentPrompt(workflow *models.Workflow, step *models.Step, agent *models.Agent, guidance string) string {
	var b strings.Builder

	if agent.Persona != "" {
		b.WriteString(agent.Persona)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Task: %s\n", step.Action)

	if step.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", step.Notes)
	}

	if workflow.Context.UserRequest != "" {
		fmt.Fprintf(&b, "Request: %s\n", workflow.Context.UserRequest)
	}

	for _, name := range step.Requires {
		if artifact, ok := workflow.Context.Artifacts[name]; ok {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", name, artifact.Content)
		}
	}

	if step.Creates != "" {
		fmt.Fprintf(&b, "\nProduce the %q artifact.\n", step.Creates)
	}

	if guidance != "" {
		fmt.Fprintf(&b, "\nUser guidance: %s\n", guidance)
	}

	return b.String()
}
