package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// EnqueuePrompt inserts a queued entry with a sparse position: highest
// existing position plus the spacing, or the spacing value for a fresh
// queue.
func (s *MemStore) EnqueuePrompt(_ context.Context, req models.EnqueueRequest) (*models.QueueEntry, error) {
	if req.AgentID == "" {
		return nil, store.NewValidationError("agent_id", "required")
	}
	if req.ProjectID == "" {
		return nil, store.NewValidationError("project_id", "required")
	}
	if req.Prompt == "" {
		return nil, store.NewValidationError("prompt", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[req.ProjectID]; !ok {
		return nil, fmt.Errorf("%w: unknown project %q", store.ErrInvalidInput, req.ProjectID)
	}

	position := models.QueuePositionSpacing
	for _, e := range s.queue {
		if e.AgentID == req.AgentID && e.Position+models.QueuePositionSpacing > position {
			position = e.Position + models.QueuePositionSpacing
		}
	}

	now := time.Now()
	entry := &models.QueueEntry{
		ID:        newID(),
		AgentID:   req.AgentID,
		ProjectID: req.ProjectID,
		Prompt:    req.Prompt,
		Status:    models.QueueStatusQueued,
		Position:  position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.queue[entry.ID] = entry
	s.track(entry.ID)
	return cloneQueueEntry(entry), nil
}

// GetQueueEntry returns one entry by id.
func (s *MemStore) GetQueueEntry(_ context.Context, id string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneQueueEntry(entry), nil
}

// DequeueNext claims the lowest-position queued entry for the agent,
// transitioning it to processing. ErrNotFound means the queue has nothing
// to process.
func (s *MemStore) DequeueNext(_ context.Context, agentID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.nextQueuedLocked(agentID)
	if entry == nil {
		return nil, store.ErrNotFound
	}
	entry.Status = models.QueueStatusProcessing
	entry.UpdatedAt = time.Now()
	return cloneQueueEntry(entry), nil
}

// PeekQueue returns the next queued entry without claiming it.
func (s *MemStore) PeekQueue(_ context.Context, agentID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.nextQueuedLocked(agentID)
	if entry == nil {
		return nil, store.ErrNotFound
	}
	return cloneQueueEntry(entry), nil
}

// nextQueuedLocked returns the agent's queued entry with the lowest
// position. Callers must hold the mutex.
func (s *MemStore) nextQueuedLocked(agentID string) *models.QueueEntry {
	var next *models.QueueEntry
	for _, e := range s.queue {
		if e.AgentID != agentID || e.Status != models.QueueStatusQueued {
			continue
		}
		if next == nil || s.queueBefore(e, next) {
			next = e
		}
	}
	return next
}

func (s *MemStore) queueBefore(a, b *models.QueueEntry) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return s.earlier(a.ID, a.CreatedAt, b.ID, b.CreatedAt)
}

// RemoveQueueEntry deletes an entry that has not started processing.
func (s *MemStore) RemoveQueueEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[id]
	if !ok {
		return store.ErrNotFound
	}
	if entry.Status != models.QueueStatusQueued {
		return store.ErrInvalidTransition
	}
	delete(s.queue, id)
	s.untrack(id)
	return nil
}

// ReorderQueueEntry moves an entry to the given position.
func (s *MemStore) ReorderQueueEntry(_ context.Context, id string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Position = position
	entry.UpdatedAt = time.Now()
	return nil
}

// AttachQueueEntryThread records which thread the entry executes under.
func (s *MemStore) AttachQueueEntryThread(_ context.Context, id string, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.ThreadID = threadID
	entry.UpdatedAt = time.Now()
	return nil
}

// ListQueue returns all of an agent's entries in position order.
func (s *MemStore) ListQueue(_ context.Context, agentID string) ([]*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.QueueEntry, 0)
	for _, e := range s.queue {
		if e.AgentID == agentID {
			out = append(out, cloneQueueEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.queueBefore(out[i], out[j])
	})
	return out, nil
}

// HasProcessingEntry reports whether the agent is mid-prompt.
func (s *MemStore) HasProcessingEntry(_ context.Context, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.queue {
		if e.AgentID == agentID && e.Status == models.QueueStatusProcessing {
			return true, nil
		}
	}
	return false, nil
}

// MarkJobCompleted finishes a processing entry.
func (s *MemStore) MarkJobCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Status = models.QueueStatusCompleted
	entry.UpdatedAt = time.Now()
	return nil
}

// MarkJobFailed finishes a processing entry with an error.
func (s *MemStore) MarkJobFailed(_ context.Context, id string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Status = models.QueueStatusFailed
	if errorMessage != "" {
		entry.Error = errorMessage
	}
	entry.UpdatedAt = time.Now()
	return nil
}
