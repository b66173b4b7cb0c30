// Package enhance wraps the prompt-enhancement collaborator. Enhancement is
// best-effort: callers fall back to the raw prompt whenever it fails.
package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Enhancer rewrites a raw prompt for better generation quality.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string, durationSeconds int, plan string) (string, error)
}

// Noop returns the prompt unchanged. Used when no enhancement endpoint is
// configured.
type Noop struct{}

func (Noop) Enhance(_ context.Context, prompt string, _ int, _ string) (string, error) {
	return prompt, nil
}

// HTTP calls an external enhancement service.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP builds an HTTP enhancer with a bounded timeout.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTP{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type enhanceRequest struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	UserPlan        string `json:"user_plan"`
}

type enhanceResponse struct {
	EnhancedPrompt string `json:"enhanced_prompt"`
}

func (h *HTTP) Enhance(ctx context.Context, prompt string, durationSeconds int, plan string) (string, error) {
	body, err := json.Marshal(enhanceRequest{
		Prompt:          prompt,
		DurationSeconds: durationSeconds,
		UserPlan:        plan,
	})
	if err != nil {
		return "", fmt.Errorf("marshal enhance request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build enhance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call enhancer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("enhancer returned http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read enhancer response: %w", err)
	}
	var out enhanceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode enhancer response: %w", err)
	}
	if out.EnhancedPrompt == "" {
		return "", fmt.Errorf("enhancer returned empty prompt")
	}
	return out.EnhancedPrompt, nil
}
