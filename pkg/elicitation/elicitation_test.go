package elicitation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptorhq/scriptor/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func TestShouldUseMethodSelection_RuleOrder(t *testing.T) {
	tests := []struct {
		name    string
		details *models.ElicitationDetails
		want    bool
	}{
		{
			name:    "nil details defaults to free text",
			details: nil,
			want:    false,
		},
		{
			name: "explicit override true wins over everything",
			details: &models.ElicitationDetails{
				UseMethodSelection: boolPtr(true),
				TemplateType:       "markdown",
			},
			want: true,
		},
		{
			name: "explicit override false wins over create-doc",
			details: &models.ElicitationDetails{
				UseMethodSelection: boolPtr(false),
				Command:            "create-doc",
				SectionID:          "sec-1",
				Instruction:        "draft it",
			},
			want: false,
		},
		{
			name: "create-doc with section and instruction",
			details: &models.ElicitationDetails{
				Command:     "create-doc architecture",
				SectionID:   "sec-1",
				Instruction: "draft the overview",
			},
			want: true,
		},
		{
			name: "create-doc without section falls through",
			details: &models.ElicitationDetails{
				Command: "create-doc architecture",
			},
			want: false,
		},
		{
			name:    "structured template",
			details: &models.ElicitationDetails{TemplateType: "structured"},
			want:    true,
		},
		{
			name:    "elicitation command",
			details: &models.ElicitationDetails{Command: "advanced-elicitation"},
			want:    true,
		},
		{
			name: "markdown template stays free text even with section context",
			details: &models.ElicitationDetails{
				TemplateType: "markdown",
				SectionID:    "sec-2",
				AgentID:      "analyst",
			},
			want: false,
		},
		{
			name:    "document-project command is free text",
			details: &models.ElicitationDetails{Command: "document-project"},
			want:    false,
		},
		{
			name:    "instruction asking to select 1-9",
			details: &models.ElicitationDetails{Instruction: "Please Select 1-9 to continue"},
			want:    true,
		},
		{
			name: "section and agent both present",
			details: &models.ElicitationDetails{
				SectionID: "sec-3",
				AgentID:   "pm",
			},
			want: true,
		},
		{
			name:    "nothing matches defaults to free text",
			details: &models.ElicitationDetails{Instruction: "tell me more"},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldUseMethodSelection(tt.details))
		})
	}
}

func TestPrepareRequest_Numbered(t *testing.T) {
	details := &models.ElicitationDetails{
		TemplateType: "structured",
		Instruction:  "Refine the risks section",
	}
	methods := []string{
		"Expand for Audience", "Critique and Refine", "Identify Risks",
		"Challenge Perspective", "Tree of Thoughts", "Red Team",
		"Meta-Prompting", "Self-Consistency", "Ninth Method Is Dropped",
	}

	req := PrepareRequest(details, methods)

	assert.Equal(t, ModeNumbered, req.Mode)
	assert.Equal(t, "Refine the risks section", req.Question)
	assert.True(t, req.AcceptsFreeText)
	require.Len(t, req.Options, 9)
	assert.Equal(t, Option{Number: 1, Label: "Proceed as instructed"}, req.Options[0])
	assert.Equal(t, Option{Number: 2, Label: "Expand for Audience"}, req.Options[1])
	assert.Equal(t, Option{Number: 9, Label: "Self-Consistency"}, req.Options[8])
}

func TestPrepareRequest_FewerMethodsThanSlots(t *testing.T) {
	details := &models.ElicitationDetails{TemplateType: "structured"}

	req := PrepareRequest(details, []string{"Critique and Refine"})

	require.Len(t, req.Options, 2)
	assert.Equal(t, Option{Number: 2, Label: "Critique and Refine"}, req.Options[1])
}

func TestPrepareRequest_FreeText(t *testing.T) {
	details := &models.ElicitationDetails{
		TemplateType: "markdown",
		SectionTitle: "Executive Summary",
	}

	req := PrepareRequest(details, []string{"Critique and Refine"})

	assert.Equal(t, ModeFreeText, req.Mode)
	assert.Empty(t, req.Options)
	assert.Equal(t, "Executive Summary", req.Question)
	assert.True(t, req.AcceptsFreeText)
}

func TestProcessResponse(t *testing.T) {
	methods := []string{"Expand for Audience", "Critique and Refine", "Identify Risks"}

	t.Run("one means proceed", func(t *testing.T) {
		resp, err := ProcessResponse(1, methods)
		require.NoError(t, err)
		assert.True(t, resp.Proceed)
		assert.Equal(t, ModeNumbered, resp.Mode)
	})

	t.Run("numeric string selects a method", func(t *testing.T) {
		resp, err := ProcessResponse(" 3 ", methods)
		require.NoError(t, err)
		assert.Equal(t, "Critique and Refine", resp.Method)
		assert.Equal(t, 3, resp.Selection)
	})

	t.Run("json number selects a method", func(t *testing.T) {
		resp, err := ProcessResponse(float64(2), methods)
		require.NoError(t, err)
		assert.Equal(t, "Expand for Audience", resp.Method)
	})

	t.Run("selection past loaded methods errors", func(t *testing.T) {
		_, err := ProcessResponse(9, methods)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of range")
	})

	t.Run("out of band number is free text", func(t *testing.T) {
		resp, err := ProcessResponse(42, methods)
		require.NoError(t, err)
		assert.Equal(t, ModeFreeText, resp.Mode)
		assert.Equal(t, "42", resp.Text)
	})

	t.Run("plain text passes through", func(t *testing.T) {
		resp, err := ProcessResponse("make it shorter", methods)
		require.NoError(t, err)
		assert.Equal(t, ModeFreeText, resp.Mode)
		assert.Equal(t, "make it shorter", resp.Text)
	})

	t.Run("structured selection", func(t *testing.T) {
		resp, err := ProcessResponse(map[string]any{"selection": float64(1)}, methods)
		require.NoError(t, err)
		assert.True(t, resp.Proceed)
	})

	t.Run("structured text", func(t *testing.T) {
		resp, err := ProcessResponse(map[string]any{"text": "focus on costs"}, methods)
		require.NoError(t, err)
		assert.Equal(t, "focus on costs", resp.Text)
	})

	t.Run("empty structured object errors", func(t *testing.T) {
		_, err := ProcessResponse(map[string]any{}, methods)
		require.Error(t, err)
	})

	t.Run("unsupported type errors", func(t *testing.T) {
		_, err := ProcessResponse([]string{"1"}, methods)
		require.Error(t, err)
	})
}
