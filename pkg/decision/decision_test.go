package decision

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptorhq/scriptor/pkg/completion"
	"github.com/scriptorhq/scriptor/pkg/models"
)

type stubCompletion struct {
	result *completion.Result
	err    error
	calls  int
	prompt string
}

func (s *stubCompletion) Call(_ context.Context, prompt string, _ completion.Request) (*completion.Result, error) {
	s.calls++
	s.prompt = prompt

	if s.err != nil {
		return nil, s.err
	}

	return s.result, nil
}

type recordingMessenger struct {
	sent []*models.Message
}

func (r *recordingMessenger) SendMessage(_ context.Context, message *models.Message) (*models.Message, error) {
	r.sent = append(r.sent, message)

	return message, nil
}

type memoryWorkflows struct {
	saved  *models.Workflow
	userID string
	err    error
}

func (m *memoryWorkflows) Find(context.Context, string) (*models.Workflow, error) { return nil, nil }

func (m *memoryWorkflows) Save(_ context.Context, workflow *models.Workflow, userID string) error {
	m.saved = workflow
	m.userID = userID

	return m.err
}

func (m *memoryWorkflows) SaveStatus(context.Context, string, models.WorkflowStatus, string) error {
	return nil
}

func (m *memoryWorkflows) ListActive(context.Context) ([]*models.Workflow, error) { return nil, nil }

func (m *memoryWorkflows) Delete(context.Context, string) error { return nil }

func decisionWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:     "wf-1",
		Title:  "Brownfield documentation",
		Status: models.WorkflowStatusRunning,
		Sequence: []*models.Step{
			{AgentID: "analyst", Action: "check existing documentation"},
			{AgentID: "architect", Action: "draft architecture"},
		},
		Context: &models.WorkflowContext{
			Artifacts:        map[string]*models.Artifact{"project-brief": {Name: "project-brief"}},
			RoutingDecisions: map[string]string{},
			UserRequest:      "document the billing service",
		},
	}
}

func TestIsDecisionStep(t *testing.T) {
	tests := []struct {
		action string
		want   bool
	}{
		{"check existing documentation", true},
		{"determine if architecture document needed", true},
		{"assess documentation quality", true},
		{"evaluate existing resources", true},
		{"analyze current state", true},
		{"Check Existing Documentation", true},
		{"check existing test coverage", true},
		{"determine if a migration is required", true},
		{"determine whether to split the doc", true},
		{"assess the team's velocity", true},
		{"evaluate the vendor options", true},
		{"analyze current deployment topology", true},
		{"draft architecture", false},
		{"create project brief", false},
		{"analyze competitors", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			step := &models.Step{AgentID: "analyst", Action: tt.action}
			assert.Equal(t, tt.want, IsDecisionStep(step))
		})
	}
}

func TestDecisionKey(t *testing.T) {
	assert.Equal(t, "documentation_check", DecisionKey("check existing documentation"))
	assert.Equal(t, "architecture_decision", DecisionKey("determine if architecture document needed"))
	assert.Equal(t, "check_existing_test_coverage", DecisionKey("check existing test coverage"))
}

func TestHandleDecisionStep_StoresNormalizedDecisionAndAdvances(t *testing.T) {
	completions := &stubCompletion{result: &completion.Result{Content: "Adequate."}}
	messenger := &recordingMessenger{}
	workflows := &memoryWorkflows{}
	engine := NewEngine(completions, messenger, workflows, slog.Default())

	workflow := decisionWorkflow()

	err := engine.HandleDecisionStep(context.Background(), workflow, workflow.Sequence[0], "user-1")
	require.NoError(t, err)

	assert.Equal(t, "adequate", workflow.Context.RoutingDecisions["documentation_check"])
	assert.Equal(t, 1, workflow.CurrentStep)
	assert.Empty(t, workflow.Errors)

	require.Len(t, messenger.sent, 1)
	assert.Equal(t, models.MessageTypeStepUpdate, messenger.sent[0].Type)
	assert.Equal(t, "documentation_check", messenger.sent[0].Content["decision"])

	require.NotNil(t, workflows.saved)
	assert.Equal(t, "user-1", workflows.userID)

	assert.Contains(t, completions.prompt, "document the billing service")
	assert.Contains(t, completions.prompt, "project-brief")
}

func TestHandleDecisionStep_FallbackOnCompletionFailure(t *testing.T) {
	completions := &stubCompletion{err: errors.New("provider unreachable")}
	messenger := &recordingMessenger{}
	workflows := &memoryWorkflows{}
	engine := NewEngine(completions, messenger, workflows, slog.Default())

	workflow := decisionWorkflow()

	err := engine.HandleDecisionStep(context.Background(), workflow, workflow.Sequence[0], "user-1")
	require.NoError(t, err)

	assert.Equal(t, "inadequate", workflow.Context.RoutingDecisions["documentation_check"])
	assert.Equal(t, 1, workflow.CurrentStep, "decision steps advance even on failure")

	require.Len(t, workflow.Errors, 1)
	assert.Equal(t, "decision_failure", workflow.Errors[0].Type)
}

func TestHandleDecisionStep_FallbackOnEmptyReply(t *testing.T) {
	completions := &stubCompletion{result: &completion.Result{Content: "  \"\"  "}}
	engine := NewEngine(completions, &recordingMessenger{}, &memoryWorkflows{}, slog.Default())

	workflow := decisionWorkflow()
	step := &models.Step{AgentID: "architect", Action: "determine if architecture document needed"}

	err := engine.HandleDecisionStep(context.Background(), workflow, step, "user-1")
	require.NoError(t, err)

	assert.Equal(t, "needed", workflow.Context.RoutingDecisions["architecture_decision"])
	assert.Equal(t, 1, workflow.CurrentStep)
}

func TestHandleDecisionStep_UnknownActionUsesGenericKeyAndFallback(t *testing.T) {
	completions := &stubCompletion{err: errors.New("boom")}
	engine := NewEngine(completions, &recordingMessenger{}, &memoryWorkflows{}, slog.Default())

	workflow := decisionWorkflow()
	step := &models.Step{AgentID: "analyst", Action: "evaluate the vendor options"}

	err := engine.HandleDecisionStep(context.Background(), workflow, step, "user-1")
	require.NoError(t, err)

	assert.Equal(t, "continue", workflow.Context.RoutingDecisions["evaluate_the_vendor_options"])
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Adequate.", "adequate"},
		{"  ADEQUATE  ", "adequate"},
		{"The decision is: inadequate", "inadequate"},
		{"Decision: needed!", "needed"},
		{"Answer: \"skip\"", "skip"},
		{"'continue';", "continue"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.raw), "raw=%q", tt.raw)
	}
}

func TestClassifyAdequacyResponse(t *testing.T) {
	assert.Equal(t, "adequate", ClassifyAdequacyResponse("The docs look adequate to me"))
	assert.Equal(t, "inadequate", ClassifyAdequacyResponse("Coverage is insufficient and outdated"))
	assert.Equal(t, "inadequate", ClassifyAdequacyResponse("adequate in parts, missing in others"))
	assert.Equal(t, "inadequate", ClassifyAdequacyResponse("no strong opinion"))
}
