// Package slots tracks which features currently hold a pipeline slot,
// enforcing per-project concurrency caps.
package slots

import (
	"fmt"
	"sync"
	"time"
)

// Slot records an active pipeline execution.
type Slot struct {
	ProjectID  string    `json:"project_id"`
	FeatureID  string    `json:"feature_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager is an in-memory registry of active pipeline slots. All methods
// are safe for concurrent use.
type Manager struct {
	mu sync.Mutex
	// projects: project_id → feature_id → slot
	projects map[string]map[string]*Slot
}

// NewManager creates an empty slot manager.
func NewManager() *Manager {
	return &Manager{
		projects: make(map[string]map[string]*Slot),
	}
}

// CanStart reports whether the project is below its concurrency cap.
// A cap of zero or less admits nothing.
func (m *Manager) CanStart(projectID string, cap int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.projects[projectID]) < cap
}

// Acquire registers a slot for the feature. Acquiring a feature that
// already holds a slot is an error: it means two dispatch paths raced,
// and the caller must not start a second pipeline.
func (m *Manager) Acquire(projectID, featureID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	features, ok := m.projects[projectID]
	if !ok {
		features = make(map[string]*Slot)
		m.projects[projectID] = features
	}
	if _, exists := features[featureID]; exists {
		return fmt.Errorf("slot already acquired for feature %s", featureID)
	}

	features[featureID] = &Slot{
		ProjectID:  projectID,
		FeatureID:  featureID,
		AcquiredAt: time.Now(),
	}
	return nil
}

// Release frees the feature's slot. Releasing a slot that is not held is a
// no-op, so callers can release unconditionally in deferred cleanup.
func (m *Manager) Release(projectID, featureID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	features, ok := m.projects[projectID]
	if !ok {
		return
	}
	delete(features, featureID)
	if len(features) == 0 {
		delete(m.projects, projectID)
	}
}

// IsActive reports whether the feature holds a slot in any project.
func (m *Manager) IsActive(featureID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, features := range m.projects {
		if _, ok := features[featureID]; ok {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of slots held for the project.
func (m *Manager) ActiveCount(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.projects[projectID])
}

// ListActive returns a snapshot of all held slots.
func (m *Manager) ListActive() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Slot, 0)
	for _, features := range m.projects {
		for _, s := range features {
			out = append(out, *s)
		}
	}
	return out
}
