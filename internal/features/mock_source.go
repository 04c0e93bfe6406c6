package features

import (
	"context"
	"fmt"
	"sync"
)

// MockSource is an in-memory Source implementation for testing.
type MockSource struct {
	mu      sync.RWMutex
	batches map[string]Batch
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{
		batches: make(map[string]Batch),
	}
}

// Put stores a batch under a target name.
func (m *MockSource) Put(name string, batch Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[name] = batch
}

// Fetch returns the batch stored under name.
func (m *MockSource) Fetch(ctx context.Context, name string) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batch, ok := m.batches[name]
	if !ok {
		return nil, fmt.Errorf("feature server returned no features for %s", name)
	}
	return batch, nil
}

// Close is a no-op.
func (m *MockSource) Close() error {
	return nil
}
