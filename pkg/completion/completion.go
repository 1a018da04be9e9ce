// Package completion defines the text-generation service collaborator and
// its HTTP adapter. The service is treated as slow, rate-limited and
// occasionally malformed; callers classify failures through the exported
// sentinels.
package completion

import (
	"context"
	"errors"
)

// Sentinel errors used by the recovery manager to classify failures.
var (
	// ErrCredentials indicates missing or rejected provider credentials.
	// Never retried.
	ErrCredentials = errors.New("completion credentials missing or rejected")

	// ErrQuota indicates the provider refused the call on quota/rate grounds.
	ErrQuota = errors.New("completion quota exceeded")

	// ErrMalformed indicates the provider answered with an unusable payload.
	ErrMalformed = errors.New("malformed completion response")

	// ErrEmpty indicates the provider answered with no content at all.
	ErrEmpty = errors.New("empty completion response")
)

// Complexity hints let providers pick a cheaper model for simple calls.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityDefault Complexity = "default"
	ComplexityComplex Complexity = "complex"
)

// Request parameterizes one completion call.
type Request struct {
	AgentID    string         `json:"agent_id,omitempty"`
	Persona    string         `json:"persona,omitempty"`
	Complexity Complexity     `json:"complexity,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
}

// Result is the provider's answer to a completion call.
type Result struct {
	Content  string         `json:"content"`
	Provider string         `json:"provider,omitempty"`
	Usage    map[string]int `json:"usage,omitempty"`
}

// Service turns a prompt plus agent context into generated text.
type Service interface {
	Call(ctx context.Context, prompt string, req Request) (*Result, error)
}
