// ABOUTME: Factory that routes tenants to one of several network backends
// ABOUTME: Tenants without an explicit backend use the default

package chat

import (
	"context"
	"fmt"
	"sync"
)

// MultiFactory selects a backend factory per tenant.
type MultiFactory struct {
	mu         sync.RWMutex
	backends   map[string]Factory
	assignment map[string]string // tenant -> backend name
	fallback   string
}

// NewMultiFactory creates a MultiFactory whose unassigned tenants use fallback.
func NewMultiFactory(fallback string) *MultiFactory {
	return &MultiFactory{
		backends:   make(map[string]Factory),
		assignment: make(map[string]string),
		fallback:   fallback,
	}
}

// Register adds a named backend.
func (m *MultiFactory) Register(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[name] = f
}

// Assign pins a tenant to a backend.
func (m *MultiFactory) Assign(tenantID, backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignment[tenantID] = backend
}

// Backends returns the registered backend names.
func (m *MultiFactory) Backends() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	return names
}

// NewClient builds a client with the tenant's backend.
func (m *MultiFactory) NewClient(ctx context.Context, tenantID string) (Client, error) {
	m.mu.RLock()
	name, ok := m.assignment[tenantID]
	if !ok {
		name = m.fallback
	}
	f, ok := m.backends[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no chat backend %q for tenant %s", name, tenantID)
	}
	return f.NewClient(ctx, tenantID)
}
