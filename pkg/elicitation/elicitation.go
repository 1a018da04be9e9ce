// Package elicitation decides how a workflow pause collects human input,
// numbered method selection or free text, and normalizes whichever
// response arrives.
package elicitation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scriptorhq/scriptor/pkg/models"
)

// ResponseMode tags how a response was collected.
type ResponseMode string

const (
	ModeNumbered ResponseMode = "numbered"
	ModeFreeText ResponseMode = "free_text"
)

// modeRule is one entry of the ordered detection chain. The first matching
// rule decides the mode; order is a contract, not an implementation detail.
type modeRule struct {
	name     string
	matches  func(d *models.ElicitationDetails) bool
	numbered func(d *models.ElicitationDetails) bool
}

// modeRules is evaluated top to bottom. Do not reorder.
var modeRules = []modeRule{
	{
		name:     "explicit_override",
		matches:  func(d *models.ElicitationDetails) bool { return d.UseMethodSelection != nil },
		numbered: func(d *models.ElicitationDetails) bool { return *d.UseMethodSelection },
	},
	{
		name: "create_doc_with_section",
		matches: func(d *models.ElicitationDetails) bool {
			return strings.Contains(d.Command, "create-doc") && d.SectionID != "" && d.Instruction != ""
		},
		numbered: always,
	},
	{
		name: "structured_template_command",
		matches: func(d *models.ElicitationDetails) bool {
			return d.TemplateType == "structured" || strings.Contains(d.Command, "elicitation")
		},
		numbered: always,
	},
	{
		name: "plain_markdown_template",
		matches: func(d *models.ElicitationDetails) bool {
			return d.TemplateType == "markdown" || strings.Contains(d.Command, "document-project")
		},
		numbered: never,
	},
	{
		name: "select_1_9_instruction",
		matches: func(d *models.ElicitationDetails) bool {
			return strings.Contains(strings.ToLower(d.Instruction), "select 1-9")
		},
		numbered: always,
	},
	{
		name: "structured_context",
		matches: func(d *models.ElicitationDetails) bool {
			return d.SectionID != "" && d.AgentID != ""
		},
		numbered: always,
	},
}

func always(*models.ElicitationDetails) bool { return true }
func never(*models.ElicitationDetails) bool  { return false }

// ShouldUseMethodSelection reports whether the pause needs a numbered menu.
// The default, when no rule matches, is free text.
func ShouldUseMethodSelection(details *models.ElicitationDetails) bool {
	if details == nil {
		return false
	}

	for _, rule := range modeRules {
		if rule.matches(details) {
			return rule.numbered(details)
		}
	}

	return false
}

// Option is one numbered choice offered to the user.
type Option struct {
	Number int    `json:"number"`
	Label  string `json:"label"`
}

// Request is the prepared prompt sent to the user channel.
type Request struct {
	Mode            ResponseMode `json:"mode"`
	Question        string       `json:"question"`
	Options         []Option     `json:"options,omitempty"`
	AcceptsFreeText bool         `json:"accepts_free_text"`
}

// maxMethodOptions caps the menu at options 2-9.
const maxMethodOptions = 8

// PrepareRequest builds the user-facing request for a pause. Numbered mode
// always offers option 1 "proceed as instructed" plus up to eight loaded
// methods as options 2-9; free text stays accepted as a fallback channel.
func PrepareRequest(details *models.ElicitationDetails, methods []string) *Request {
	if !ShouldUseMethodSelection(details) {
		question := ""
		if details != nil {
			question = details.Instruction
			if question == "" {
				question = details.SectionTitle
			}
		}

		return &Request{
			Mode:            ModeFreeText,
			Question:        question,
			AcceptsFreeText: true,
		}
	}

	options := []Option{{Number: 1, Label: "Proceed as instructed"}}

	for i, method := range methods {
		if i >= maxMethodOptions {
			break
		}

		options = append(options, Option{Number: i + 2, Label: method})
	}

	question := details.Instruction
	if question == "" {
		question = fmt.Sprintf("How should we refine %q?", details.SectionTitle)
	}

	return &Request{
		Mode:            ModeNumbered,
		Question:        question,
		Options:         options,
		AcceptsFreeText: true,
	}
}

// Response is a normalized user answer.
type Response struct {
	Mode      ResponseMode `json:"mode"`
	Selection int          `json:"selection,omitempty"`
	Proceed   bool         `json:"proceed,omitempty"`
	Method    string       `json:"method,omitempty"`
	Text      string       `json:"text,omitempty"`
}

// ProcessResponse normalizes whatever the transport delivered: a number, a
// numeric string, or a structured object with "selection" or "text".
// Values 1-9 resolve as numbered selections; anything else passes through
// as free text tagged with its mode.
func ProcessResponse(raw any, methods []string) (*Response, error) {
	switch value := raw.(type) {
	case int:
		return resolveNumbered(value, methods)
	case float64:
		if value == float64(int(value)) {
			return resolveNumbered(int(value), methods)
		}

		return freeText(fmt.Sprintf("%v", value)), nil
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return resolveNumbered(n, methods)
		}

		return freeText(value), nil
	case map[string]any:
		if selection, ok := value["selection"]; ok {
			return ProcessResponse(selection, methods)
		}

		if text, ok := value["text"].(string); ok {
			return freeText(text), nil
		}

		return nil, fmt.Errorf("structured response requires selection or text")
	default:
		return nil, fmt.Errorf("unsupported response type %T", raw)
	}
}

func resolveNumbered(n int, methods []string) (*Response, error) {
	if n < 1 || n > 9 {
		// Out-of-band numbers are free text, not menu picks.
		return freeText(strconv.Itoa(n)), nil
	}

	if n == 1 {
		return &Response{Mode: ModeNumbered, Selection: 1, Proceed: true}, nil
	}

	index := n - 2
	if index >= len(methods) {
		return nil, fmt.Errorf("selection %d is out of range: %d methods loaded", n, len(methods))
	}

	return &Response{Mode: ModeNumbered, Selection: n, Method: methods[index]}, nil
}

func freeText(text string) *Response {
	return &Response{Mode: ModeFreeText, Text: text}
}
