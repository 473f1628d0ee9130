package flightsink

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-diffusion/internal/trajectory"
)

// MockPublisher keeps published trajectories in memory, keyed by run ID.
type MockPublisher struct {
	mu        sync.RWMutex
	connected bool
	data      map[string]trajectory.Trajectory
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{data: make(map[string]trajectory.Trajectory)}
}

func (m *MockPublisher) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockPublisher) Publish(ctx context.Context, t trajectory.Trajectory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	m.data[t.RunID] = t
	return nil
}

// Stored returns the trajectory published for runID.
func (m *MockPublisher) Stored(runID string) (trajectory.Trajectory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.data[runID]
	return t, ok
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]trajectory.Trajectory)
}
