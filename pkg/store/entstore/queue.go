package entstore

import (
	"context"

	"entgo.io/ent/dialect/sql"
	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/ent/queueentry"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/google/uuid"
)

// EnqueuePrompt inserts a queued entry with a sparse position: highest
// existing position plus the spacing, or the spacing value for a fresh
// queue. The highest entry is locked so concurrent enqueues serialize.
func (s *EntStore) EnqueuePrompt(ctx context.Context, req models.EnqueueRequest) (*models.QueueEntry, error) {
	if req.AgentID == "" {
		return nil, store.NewValidationError("agent_id", "required")
	}
	if req.ProjectID == "" {
		return nil, store.NewValidationError("project_id", "required")
	}
	if req.Prompt == "" {
		return nil, store.NewValidationError("prompt", "required")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, wrapErr("failed to start transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	position := models.QueuePositionSpacing
	top, err := tx.QueueEntry.Query().
		Where(queueentry.AgentIDEQ(req.AgentID)).
		Order(ent.Desc(queueentry.FieldPosition)).
		Limit(1).
		ForUpdate().
		First(ctx)
	if err != nil && !ent.IsNotFound(err) {
		return nil, wrapErr("failed to query queue tail", err)
	}
	if err == nil {
		position = top.Position + models.QueuePositionSpacing
	}

	entry, err := tx.QueueEntry.Create().
		SetID(uuid.New().String()).
		SetAgentID(req.AgentID).
		SetProjectID(req.ProjectID).
		SetPrompt(req.Prompt).
		SetPosition(position).
		Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to enqueue prompt", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("failed to commit enqueue", err)
	}
	return toQueueEntry(entry), nil
}

// GetQueueEntry retrieves a single entry by ID.
func (s *EntStore) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	e, err := s.client.QueueEntry.Get(ctx, id)
	if err != nil {
		return nil, wrapErr("failed to get queue entry", err)
	}
	return toQueueEntry(e), nil
}

// DequeueNext claims the lowest-position queued entry for the agent,
// transitioning it to processing under a row lock. ErrNotFound means the
// queue has nothing to process.
func (s *EntStore) DequeueNext(ctx context.Context, agentID string) (*models.QueueEntry, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, wrapErr("failed to start transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := tx.QueueEntry.Query().
		Where(
			queueentry.AgentIDEQ(agentID),
			queueentry.StatusEQ(queueentry.StatusQueued),
		).
		Order(ent.Asc(queueentry.FieldPosition), ent.Asc(queueentry.FieldCreatedAt)).
		Limit(1).
		ForUpdate(sql.WithLockAction(sql.SkipLocked)).
		First(ctx)
	if err != nil {
		return nil, wrapErr("failed to query queued entry", err)
	}

	entry, err = entry.Update().
		SetStatus(queueentry.StatusProcessing).
		Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to claim queue entry", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("failed to commit dequeue", err)
	}
	return toQueueEntry(entry), nil
}

// PeekQueue returns the next queued entry without claiming it.
func (s *EntStore) PeekQueue(ctx context.Context, agentID string) (*models.QueueEntry, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	entry, err := s.client.QueueEntry.Query().
		Where(
			queueentry.AgentIDEQ(agentID),
			queueentry.StatusEQ(queueentry.StatusQueued),
		).
		Order(ent.Asc(queueentry.FieldPosition), ent.Asc(queueentry.FieldCreatedAt)).
		First(ctx)
	if err != nil {
		return nil, wrapErr("failed to peek queue", err)
	}
	return toQueueEntry(entry), nil
}

// RemoveQueueEntry deletes an entry that has not started processing.
func (s *EntStore) RemoveQueueEntry(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	entry, err := s.client.QueueEntry.Get(ctx, id)
	if err != nil {
		return wrapErr("failed to get queue entry", err)
	}
	if entry.Status != queueentry.StatusQueued {
		return store.ErrInvalidTransition
	}
	if err := s.client.QueueEntry.DeleteOneID(id).Exec(ctx); err != nil {
		return wrapErr("failed to remove queue entry", err)
	}
	return nil
}

// ReorderQueueEntry moves an entry to the given position.
func (s *EntStore) ReorderQueueEntry(ctx context.Context, id string, position int) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if err := s.client.QueueEntry.UpdateOneID(id).
		SetPosition(position).
		Exec(ctx); err != nil {
		return wrapErr("failed to reorder queue entry", err)
	}
	return nil
}

// AttachQueueEntryThread records which thread the entry executes under.
func (s *EntStore) AttachQueueEntryThread(ctx context.Context, id string, threadID string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if err := s.client.QueueEntry.UpdateOneID(id).
		SetThreadID(threadID).
		Exec(ctx); err != nil {
		return wrapErr("failed to attach thread to queue entry", err)
	}
	return nil
}

// ListQueue returns all of an agent's entries in position order.
func (s *EntStore) ListQueue(ctx context.Context, agentID string) ([]*models.QueueEntry, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	entries, err := s.client.QueueEntry.Query().
		Where(queueentry.AgentIDEQ(agentID)).
		Order(ent.Asc(queueentry.FieldPosition), ent.Asc(queueentry.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list queue", err)
	}
	return toQueueEntries(entries), nil
}

// HasProcessingEntry reports whether the agent is mid-prompt.
func (s *EntStore) HasProcessingEntry(ctx context.Context, agentID string) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	exists, err := s.client.QueueEntry.Query().
		Where(
			queueentry.AgentIDEQ(agentID),
			queueentry.StatusEQ(queueentry.StatusProcessing),
		).
		Exist(ctx)
	if err != nil {
		return false, wrapErr("failed to check processing entry", err)
	}
	return exists, nil
}

// MarkJobCompleted finishes a processing entry.
func (s *EntStore) MarkJobCompleted(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if err := s.client.QueueEntry.UpdateOneID(id).
		SetStatus(queueentry.StatusCompleted).
		Exec(ctx); err != nil {
		return wrapErr("failed to mark job completed", err)
	}
	return nil
}

// MarkJobFailed finishes a processing entry with an error.
func (s *EntStore) MarkJobFailed(ctx context.Context, id string, errorMessage string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	update := s.client.QueueEntry.UpdateOneID(id).
		SetStatus(queueentry.StatusFailed)
	if errorMessage != "" {
		update = update.SetError(errorMessage)
	}
	if err := update.Exec(ctx); err != nil {
		return wrapErr("failed to mark job failed", err)
	}
	return nil
}
