package crypto

import (
	"sync"
	"time"
)

// MockTimeProvider is a test double that allows controlling time.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

// Now returns the mock current time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// Since returns the duration since the given time.
func (m *MockTimeProvider) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

// NewMockTimeProvider creates a new MockTimeProvider initialized to the given time.
func NewMockTimeProvider(t time.Time) *MockTimeProvider {
	return &MockTimeProvider{currentTime: t}
}
