package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// CreateAgentRun records a new worker execution in status started.
func (s *MemStore) CreateAgentRun(_ context.Context, req models.CreateAgentRunRequest) (*models.AgentRun, error) {
	if req.ProjectID == "" {
		return nil, store.NewValidationError("project_id", "required")
	}
	if req.Role == "" {
		return nil, store.NewValidationError("role", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[req.ProjectID]; !ok {
		return nil, fmt.Errorf("%w: unknown project %q", store.ErrInvalidInput, req.ProjectID)
	}
	if req.FeatureID != "" {
		if _, ok := s.features[req.FeatureID]; !ok {
			return nil, fmt.Errorf("%w: unknown feature %q", store.ErrInvalidInput, req.FeatureID)
		}
	}

	r := &models.AgentRun{
		ID:        newID(),
		ProjectID: req.ProjectID,
		FeatureID: req.FeatureID,
		AgentID:   req.AgentID,
		Role:      req.Role,
		Status:    models.RunStatusStarted,
		StartedAt: time.Now(),
	}
	s.runs[r.ID] = r
	s.track(r.ID)
	return cloneRun(r), nil
}

// GetAgentRun returns a run by id.
func (s *MemStore) GetAgentRun(_ context.Context, id string) (*models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(r), nil
}

// ListRunsByFeature returns a feature's runs in start order.
func (s *MemStore) ListRunsByFeature(_ context.Context, featureID string) ([]*models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listRunsLocked(func(r *models.AgentRun) bool { return r.FeatureID == featureID }), nil
}

// ListUnfinishedRuns returns all runs not yet in a terminal status.
func (s *MemStore) ListUnfinishedRuns(_ context.Context) ([]*models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listRunsLocked(func(r *models.AgentRun) bool { return !r.Status.Terminal() }), nil
}

func (s *MemStore) listRunsLocked(keep func(*models.AgentRun) bool) []*models.AgentRun {
	out := make([]*models.AgentRun, 0)
	for _, r := range s.runs {
		if keep(r) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.earlier(out[i].ID, out[i].StartedAt, out[j].ID, out[j].StartedAt)
	})
	return out
}

// UpdateAgentRunStatus records a progress update. A late progress write
// never overwrites a terminal status; it is silently dropped.
func (s *MemStore) UpdateAgentRunStatus(_ context.Context, runID string, status models.AgentRunStatus) error {
	if status.Terminal() {
		return store.NewValidationError("status", "terminal status requires CompleteAgentRun")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status.Terminal() {
		// Already terminal: drop the late progress write.
		return nil
	}
	r.Status = status
	return nil
}

// CompleteAgentRun records the terminal status, exit code and error message,
// setting the finish time exactly once. Completing an already finished run
// is a no-op so retried terminal writes stay idempotent.
func (s *MemStore) CompleteAgentRun(_ context.Context, runID string, status models.AgentRunStatus, exitCode *int, errorMessage string) error {
	if !status.Terminal() {
		return store.NewValidationError("status", "must be a terminal status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.FinishedAt != nil {
		// First terminal write wins; later ones are dropped.
		return nil
	}
	r.Status = status
	r.FinishedAt = timePtr(time.Now())
	if exitCode != nil {
		r.ExitCode = intPtr(*exitCode)
	}
	if errorMessage != "" {
		r.ErrorMessage = errorMessage
	}
	return nil
}

// PurgeTerminalRunsBefore deletes terminal runs finished before the cutoff
// (unix seconds), along with their messages.
func (s *MemStore) PurgeTerminalRunsBefore(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := time.Unix(cutoff, 0)
	n := 0
	for id, r := range s.runs {
		if !r.Status.Terminal() || r.FinishedAt == nil || !r.FinishedAt.Before(limit) {
			continue
		}
		s.deleteRunLocked(id)
		n++
	}
	return n, nil
}

// deleteRunLocked removes a run and its messages. Callers must hold the
// mutex.
func (s *MemStore) deleteRunLocked(id string) {
	delete(s.runs, id)
	s.untrack(id)
	for mid, m := range s.messages {
		if m.RunID == id {
			delete(s.messages, mid)
			s.untrack(mid)
		}
	}
}
