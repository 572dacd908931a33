package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// CreateMessage appends a message to a run's conversation log.
func (s *MemStore) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*models.AgentMessage, error) {
	if req.RunID == "" {
		return nil, store.NewValidationError("run_id", "required")
	}
	if req.Sender == "" {
		return nil, store.NewValidationError("sender", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[req.RunID]; !ok {
		return nil, fmt.Errorf("%w: unknown run %q", store.ErrInvalidInput, req.RunID)
	}

	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageTypeMessage
	}

	m := &models.AgentMessage{
		ID:        newID(),
		RunID:     req.RunID,
		ThreadID:  req.ThreadID,
		Sender:    req.Sender,
		Type:      msgType,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	s.messages[m.ID] = m
	s.track(m.ID)
	return cloneMessage(m), nil
}

// ListMessagesByRun returns a run's messages in creation order. A non-empty
// afterID anchors the listing strictly after that message, for stream
// reconnects; an unknown anchor returns the full list.
func (s *MemStore) ListMessagesByRun(_ context.Context, runID string, afterID string) ([]*models.AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.listMessagesLocked(func(m *models.AgentMessage) bool { return m.RunID == runID })
	if afterID == "" {
		return msgs, nil
	}
	for i, m := range msgs {
		if m.ID == afterID {
			return msgs[i+1:], nil
		}
	}
	return msgs, nil
}

// ListMessagesByThread returns a thread's messages in creation order.
func (s *MemStore) ListMessagesByThread(_ context.Context, threadID string) ([]*models.AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listMessagesLocked(func(m *models.AgentMessage) bool { return m.ThreadID == threadID }), nil
}

// ListNewUserMessages returns unconsumed user messages across all of a
// feature's runs, oldest first. The pipeline collects these between stages.
func (s *MemStore) ListNewUserMessages(_ context.Context, featureID string) ([]*models.AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listMessagesLocked(func(m *models.AgentMessage) bool {
		if m.Sender != models.SenderUser || m.Consumed {
			return false
		}
		r, ok := s.runs[m.RunID]
		return ok && r.FeatureID == featureID
	}), nil
}

// MarkMessagesConsumed flags the given messages as collected.
func (s *MemStore) MarkMessagesConsumed(_ context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range messageIDs {
		if m, ok := s.messages[id]; ok {
			m.Consumed = true
		}
	}
	return nil
}

func (s *MemStore) listMessagesLocked(keep func(*models.AgentMessage) bool) []*models.AgentMessage {
	out := make([]*models.AgentMessage, 0)
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.earlier(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out
}
