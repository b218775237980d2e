package llm

import (
	"fmt"
	"sync"
)

// Registry holds the live completion client. Admin reconfiguration swaps the
// client under the lock while in-flight requests keep the snapshot they
// already took, so a swap never tears a request.
type Registry struct {
	mu     sync.RWMutex
	client Client
}

// NewRegistry creates a registry, optionally seeded with a client.
func NewRegistry(client Client) *Registry {
	return &Registry{client: client}
}

// Client returns the current client snapshot.
func (r *Registry) Client() (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, fmt.Errorf("llm: no provider configured")
	}
	return r.client, nil
}

// Swap replaces the live client and returns the previous one, which the
// caller may close once in-flight requests drain.
func (r *Registry) Swap(client Client) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.client
	r.client = client
	return old
}

// ProviderName reports the current provider, or empty when unset.
func (r *Registry) ProviderName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return ""
	}
	return r.client.Name()
}
