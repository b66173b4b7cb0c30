package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// restClient is the shared HTTP plumbing for provider adapters: bearer auth,
// bounded timeout, JSON bodies, and error classification by status code.
type restClient struct {
	name   string
	apiKey string
	client *http.Client
}

func newRESTClient(name, apiKey string, timeout time.Duration) restClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return restClient{
		name:   name,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (c restClient) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return permanentErr(c.name, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(c.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientErr(c.name, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyHTTP(c.name, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return transientErr(c.name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c restClient) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return permanentErr(c.name, fmt.Errorf("marshal request: %w", err))
	}
	return c.do(ctx, http.MethodPost, url, body, out)
}

func (c restClient) getJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

// normalizeState maps provider status strings onto the shared task states.
func normalizeState(s string) string {
	switch s {
	case "queued", "pending":
		return TaskQueued
	case "processing", "running", "in_progress":
		return TaskProcessing
	case "completed", "succeeded", "complete":
		return TaskCompleted
	case "failed", "error", "cancelled":
		return TaskFailed
	default:
		return TaskProcessing
	}
}
