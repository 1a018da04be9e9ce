package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPClient is a completion service adapter posting JSON to a single
// configured endpoint.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPClient creates an adapter for the given endpoint with a default
// request timeout.
func NewHTTPClient(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("module", "completion_client"),
	}
}

type callPayload struct {
	Prompt string `json:"prompt"`
	Request
}

// Call posts the prompt and request parameters to the endpoint and decodes
// the result, mapping provider failures onto the package sentinels.
func (h *HTTPClient) Call(ctx context.Context, prompt string, req Request) (*Result, error) {
	body, err := json.Marshal(callPayload{Prompt: prompt, Request: req})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion call failed: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			h.logger.WarnContext(ctx, "Failed to close completion response body", "error", closeErr)
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrCredentials, resp.StatusCode)
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrQuota, resp.StatusCode)
	default:
		return nil, fmt.Errorf("completion provider error: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if result.Content == "" {
		return nil, ErrEmpty
	}

	h.logger.DebugContext(ctx, "Completion call finished",
		"agent_id", req.AgentID,
		"complexity", string(req.Complexity),
		"provider", result.Provider,
		"duration", time.Since(started),
	)

	return &result, nil
}
