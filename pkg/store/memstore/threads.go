package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// CreateThread opens a new conversation thread for an agent.
func (s *MemStore) CreateThread(_ context.Context, req models.CreateThreadRequest) (*models.AgentThread, error) {
	if req.ProjectID == "" {
		return nil, store.NewValidationError("project_id", "required")
	}
	if req.AgentID == "" {
		return nil, store.NewValidationError("agent_id", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[req.ProjectID]; !ok {
		return nil, fmt.Errorf("%w: unknown project %q", store.ErrInvalidInput, req.ProjectID)
	}

	now := time.Now()
	t := &models.AgentThread{
		ID:        newID(),
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Title:     req.Title,
		Mode:      models.ThreadModeChat,
		Status:    models.ThreadStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Mode != "" {
		t.Mode = req.Mode
	}
	s.threads[t.ID] = t
	s.track(t.ID)
	return cloneThread(t), nil
}

// GetThread returns a thread by id.
func (s *MemStore) GetThread(_ context.Context, id string) (*models.AgentThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneThread(t), nil
}

// FindThread returns the most recently touched active thread for an agent
// in the given mode, or ErrNotFound.
func (s *MemStore) FindThread(_ context.Context, agentID string, mode models.ThreadMode) (*models.AgentThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.AgentThread
	for _, t := range s.threads {
		if t.AgentID != agentID || t.Mode != mode || t.Status != models.ThreadStatusActive {
			continue
		}
		if found == nil || s.earlier(found.ID, found.UpdatedAt, t.ID, t.UpdatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return cloneThread(found), nil
}

// UpdateThreadTitle renames a thread.
func (s *MemStore) UpdateThreadTitle(_ context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Title = title
	t.UpdatedAt = time.Now()
	return nil
}

// ArchiveThread marks a thread archived; FindThread skips it afterwards.
func (s *MemStore) ArchiveThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = models.ThreadStatusArchived
	t.UpdatedAt = time.Now()
	return nil
}

// ListThreads returns a project's threads, newest first.
func (s *MemStore) ListThreads(_ context.Context, projectID string) ([]*models.AgentThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.AgentThread, 0)
	for _, t := range s.threads {
		if t.ProjectID == projectID {
			out = append(out, cloneThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.earlier(out[j].ID, out[j].CreatedAt, out[i].ID, out[i].CreatedAt)
	})
	return out, nil
}
