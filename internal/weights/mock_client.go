package weights

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is an in-memory Fetcher for tests and offline tooling.
type MockClient struct {
	mu      sync.RWMutex
	tensors map[string][]float32
}

func NewMockClient() *MockClient {
	return &MockClient{tensors: make(map[string][]float32)}
}

// Put stores a tensor under a name.
func (m *MockClient) Put(name string, data []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tensors[name] = data
}

func (m *MockClient) Fetch(_ context.Context, name string) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

func (m *MockClient) Close() error {
	return nil
}

// Reset clears all stored tensors.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tensors = make(map[string][]float32)
}
