package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// CreateFeature creates a feature under a project. Dependencies must
// reference existing features of the same project.
func (s *MemStore) CreateFeature(_ context.Context, projectID string, req models.CreateFeatureRequest) (*models.Feature, error) {
	if req.Name == "" {
		return nil, store.NewValidationError("name", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, store.ErrNotFound
	}
	if err := s.verifyDependenciesLocked(projectID, req.DependsOn); err != nil {
		return nil, err
	}

	f := s.newFeatureLocked(projectID, req)
	s.features[f.ID] = f
	s.track(f.ID)
	return cloneFeature(f), nil
}

// CreateFeaturesBulk creates several features atomically; either all are
// created or none.
func (s *MemStore) CreateFeaturesBulk(_ context.Context, projectID string, reqs []models.CreateFeatureRequest) ([]*models.Feature, error) {
	if len(reqs) == 0 {
		return nil, store.NewValidationError("features", "required")
	}
	for _, req := range reqs {
		if req.Name == "" {
			return nil, store.NewValidationError("name", "required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, req := range reqs {
		if err := s.verifyDependenciesLocked(projectID, req.DependsOn); err != nil {
			return nil, err
		}
	}

	out := make([]*models.Feature, 0, len(reqs))
	for _, req := range reqs {
		f := s.newFeatureLocked(projectID, req)
		s.features[f.ID] = f
		s.track(f.ID)
		out = append(out, cloneFeature(f))
	}
	return out, nil
}

func (s *MemStore) newFeatureLocked(projectID string, req models.CreateFeatureRequest) *models.Feature {
	now := time.Now()
	f := &models.Feature{
		ID:             newID(),
		ProjectID:      projectID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         models.FeatureStatusPending,
		Priority:       models.DefaultFeaturePriority,
		DependsOn:      slices.Clone(req.DependsOn),
		TrackerIssueID: req.TrackerIssueID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Priority != nil {
		f.Priority = *req.Priority
	}
	return f
}

// GetFeature returns a feature by id.
func (s *MemStore) GetFeature(_ context.Context, id string) (*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneFeature(f), nil
}

// UpdateFeature applies the non-nil fields of req.
func (s *MemStore) UpdateFeature(_ context.Context, id string, req models.UpdateFeatureRequest) (*models.Feature, error) {
	if req.Name != nil && *req.Name == "" {
		return nil, store.NewValidationError("name", "required")
	}
	// Operator escape hatch: a stuck feature may be reset to pending,
	// nothing else. All other transitions go through the CAS methods.
	if req.Status != nil && *req.Status != models.FeatureStatusPending {
		return nil, store.NewValidationError("status", "only a reset to pending is allowed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Name != nil {
		f.Name = *req.Name
	}
	if req.Description != nil {
		f.Description = *req.Description
	}
	if req.Priority != nil {
		f.Priority = *req.Priority
	}
	if req.Status != nil {
		f.Status = *req.Status
	}
	f.UpdatedAt = time.Now()
	return cloneFeature(f), nil
}

// DeleteFeature removes a feature, strips its id from sibling dependency
// lists, and cascades to its runs and their messages.
func (s *MemStore) DeleteFeature(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return store.ErrNotFound
	}

	for _, sib := range s.features {
		if sib.ID == id || sib.ProjectID != f.ProjectID {
			continue
		}
		if !slices.Contains(sib.DependsOn, id) {
			continue
		}
		sib.DependsOn = slices.DeleteFunc(slices.Clone(sib.DependsOn), func(dep string) bool {
			return dep == id
		})
		if len(sib.DependsOn) == 0 {
			sib.DependsOn = nil
		}
	}

	delete(s.features, id)
	s.untrack(id)
	for rid, r := range s.runs {
		if r.FeatureID == id {
			s.deleteRunLocked(rid)
		}
	}
	return nil
}

// ListFeaturesByProject returns a project's features, oldest first.
func (s *MemStore) ListFeaturesByProject(_ context.Context, projectID string) ([]*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Feature, 0)
	for _, f := range s.features {
		if f.ProjectID == projectID {
			out = append(out, cloneFeature(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.earlier(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out, nil
}

// ListReadyFeatures returns pending features whose dependencies are all
// passing, in dispatch order: priority ascending, then oldest first.
func (s *MemStore) ListReadyFeatures(_ context.Context, projectID string) ([]*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]models.FeatureStatus)
	for _, f := range s.features {
		if f.ProjectID == projectID {
			statuses[f.ID] = f.Status
		}
	}

	ready := make([]*models.Feature, 0)
	for _, f := range s.features {
		if f.ProjectID != projectID || f.Status != models.FeatureStatusPending {
			continue
		}
		if dependenciesSatisfied(f.DependsOn, statuses) {
			ready = append(ready, cloneFeature(f))
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return s.earlier(ready[i].ID, ready[i].CreatedAt, ready[j].ID, ready[j].CreatedAt)
	})
	return ready, nil
}

func dependenciesSatisfied(dependsOn []string, statuses map[string]models.FeatureStatus) bool {
	for _, dep := range dependsOn {
		if statuses[dep] != models.FeatureStatusPassing {
			return false
		}
	}
	return true
}

// ClaimFeature transitions pending → in_progress. Losing the
// compare-and-set race returns ErrAlreadyClaimed.
func (s *MemStore) ClaimFeature(_ context.Context, featureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID]
	if !ok {
		return store.ErrNotFound
	}
	if f.Status != models.FeatureStatusPending {
		return store.ErrAlreadyClaimed
	}

	// Clear any stale failure message from a previous attempt.
	f.Status = models.FeatureStatusInProgress
	f.ErrorMessage = ""
	f.UpdatedAt = time.Now()
	return nil
}

// ReleaseFeature returns an in_progress feature to pending. Any other
// source state is an invalid transition.
func (s *MemStore) ReleaseFeature(_ context.Context, featureID string) error {
	return s.transition(featureID, models.FeatureStatusInProgress, models.FeatureStatusPending, false)
}

// MarkFeatureReviewReady transitions in_progress → review_ready.
func (s *MemStore) MarkFeatureReviewReady(_ context.Context, featureID string) error {
	return s.transition(featureID, models.FeatureStatusInProgress, models.FeatureStatusReviewReady, true)
}

// MarkFeatureFailing records a pipeline failure.
func (s *MemStore) MarkFeatureFailing(_ context.Context, featureID string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID]
	if !ok {
		return store.ErrNotFound
	}
	f.Status = models.FeatureStatusFailing
	if errorMessage != "" {
		f.ErrorMessage = errorMessage
	}
	f.UpdatedAt = time.Now()
	return nil
}

// TransitionReviewReadyToPassing moves review_ready → passing; any other
// source state returns ErrInvalidTransition.
func (s *MemStore) TransitionReviewReadyToPassing(_ context.Context, featureID string) error {
	return s.transition(featureID, models.FeatureStatusReviewReady, models.FeatureStatusPassing, false)
}

// transition applies a compare-and-set status move, distinguishing
// "feature gone" from "wrong source state".
func (s *MemStore) transition(featureID string, from, to models.FeatureStatus, clearError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID]
	if !ok {
		return store.ErrNotFound
	}
	if f.Status != from {
		return store.ErrInvalidTransition
	}
	f.Status = to
	if clearError {
		f.ErrorMessage = ""
	}
	f.UpdatedAt = time.Now()
	return nil
}

// SetFeatureDependencies replaces the dependency list after checking every
// referenced feature exists in the project and the new graph stays acyclic.
func (s *MemStore) SetFeatureDependencies(_ context.Context, featureID string, dependsOn []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID]
	if !ok {
		return store.ErrNotFound
	}

	graph := make(map[string][]string)
	for _, sib := range s.features {
		if sib.ProjectID == f.ProjectID {
			graph[sib.ID] = sib.DependsOn
		}
	}
	for _, dep := range dependsOn {
		if _, ok := graph[dep]; !ok {
			return fmt.Errorf("%w: unknown dependency %q", store.ErrInvalidInput, dep)
		}
	}

	graph[featureID] = dependsOn
	if reachesSelf(graph, featureID) {
		return fmt.Errorf("%w: %w", store.ErrInvalidInput, store.ErrDependencyCycle)
	}

	if len(dependsOn) == 0 {
		f.DependsOn = nil
	} else {
		f.DependsOn = slices.Clone(dependsOn)
	}
	f.UpdatedAt = time.Now()
	return nil
}

// reachesSelf reports whether start is reachable from its own dependencies,
// which includes self-dependencies.
func reachesSelf(graph map[string][]string, start string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), graph[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == start {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, graph[id]...)
	}
	return false
}

// verifyDependenciesLocked checks every dep id against the project's
// features. Callers must hold the mutex.
func (s *MemStore) verifyDependenciesLocked(projectID string, deps []string) error {
	for _, dep := range deps {
		f, ok := s.features[dep]
		if !ok || f.ProjectID != projectID {
			return fmt.Errorf("%w: dependency references unknown feature", store.ErrInvalidInput)
		}
	}
	return nil
}
