package premium

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// ErrNotEntitled marks a model the account cannot invoke (wrong region,
// missing access grant). The enhancer advances to the next candidate rather
// than retrying.
var ErrNotEntitled = errors.New("model not entitled")

// Reply is one model invocation's output plus reported token usage.
type Reply struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// ModelClient invokes a model by id. Implementations classify failures:
// ErrNotEntitled for entitlement, domain.ETransient for throttling and
// 5xx-class errors.
type ModelClient interface {
	Invoke(ctx context.Context, model, prompt string) (*Reply, error)
}

// HTTPClient talks to the model gateway over HTTP. Per-call deadlines come
// from the caller's context; the underlying client carries no timeout of its
// own.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type invokeRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type invokeResponse struct {
	Completion string `json:"completion"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *HTTPClient) Invoke(ctx context.Context, model, prompt string) (*Reply, error) {
	body, err := json.Marshal(invokeRequest{Prompt: prompt, MaxTokens: 1024})
	if err != nil {
		return nil, domain.EFatal("premium.invoke", err)
	}

	url := fmt.Sprintf("%s/v1/models/%s/invoke", c.BaseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.EFatal("premium.invoke", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.ETransient("premium.invoke", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("model %s: %w", model, ErrNotEntitled)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, domain.ETransient("premium.invoke",
			fmt.Errorf("model %s: status %d", model, resp.StatusCode))
	default:
		return nil, domain.EFatal("premium.invoke",
			fmt.Errorf("model %s: unexpected status %d", model, resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.ETransient("premium.invoke", err)
	}
	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.EParse("premium.invoke", err)
	}
	return &Reply{
		Text:         out.Completion,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}
