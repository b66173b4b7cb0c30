// Package provider defines the uniform client surface for external media
// generation services and the adapters that implement it.
package provider

import (
	"context"
	"fmt"
	"sort"
)

// Task states reported by providers, normalized across adapters.
const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Request carries the generation parameters an adapter needs.
type Request struct {
	Prompt          string
	DurationSeconds int
	Resolution      string
}

// Status is a normalized poll result.
type Status struct {
	TaskID    string
	State     string
	ResultURL string
	PosterURL string
	Progress  int
	Error     string
}

// Terminal reports whether the task reached a final state.
func (s Status) Terminal() bool {
	return s.State == TaskCompleted || s.State == TaskFailed
}

// Client is implemented by each provider adapter. Submit returns the
// provider's task id once the job is accepted; Poll reports progress until a
// terminal state; Cancel is best-effort.
type Client interface {
	Name() string
	Submit(ctx context.Context, req Request) (string, error)
	Poll(ctx context.Context, taskID string) (Status, error)
	Cancel(ctx context.Context, taskID string) error
}

// ErrUnknownProvider is returned when a job names a provider that is not
// registered. This is a configuration error, rejected at submit time.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// Registry maps provider names to clients. Adding a provider means
// registering one more client; the router and orchestrator stay unchanged.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry over the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get resolves a client by name.
func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return c, nil
}

// Has reports whether a provider name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.clients[name]
	return ok
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
