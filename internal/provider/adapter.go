// Package provider defines the adapter boundary between the reconciliation
// core and external video-generation providers. Adapters translate
// provider-specific webhook payloads and poll responses into normalized
// TaskUpdates; everything past this boundary speaks one vocabulary.
package provider

import (
	"context"
	"sync"

	"github.com/adloom/go-adloom/internal/domain"
)

// Adapter normalizes one provider's wire formats. Implementations are
// stateless; any caching in front of them is a performance optimization,
// never a system of record.
type Adapter interface {
	// Name is the provider identifier used in task rows and webhook URLs.
	Name() string

	// QueryStatus asks the provider for the current status of taskID.
	// A pending/in-progress response yields (nil, nil): the caller leaves
	// the task untouched and retries next sweep.
	QueryStatus(ctx context.Context, taskID string) (*domain.TaskUpdate, error)

	// ParseWebhook normalizes a pushed notification body. A payload with
	// no extractable task id returns PayloadParseError; a non-terminal
	// notification yields (nil, nil).
	ParseWebhook(payload []byte) (*domain.TaskUpdate, error)
}

// Registry maps provider names to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Safe to call concurrently.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for the given provider.
// Returns UnknownProviderError if not registered.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, &domain.UnknownProviderError{Provider: provider}
	}
	return a, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
