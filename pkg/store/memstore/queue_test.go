package memstore

import (
	"context"
	"testing"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, s *MemStore, projectID, agentID, prompt string) *models.QueueEntry {
	t.Helper()
	entry, err := s.EnqueuePrompt(context.Background(), models.EnqueueRequest{
		AgentID:   agentID,
		ProjectID: projectID,
		Prompt:    prompt,
	})
	require.NoError(t, err)
	return entry
}

func TestMemStore_EnqueuePrompt(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	t.Run("spaces positions sparsely", func(t *testing.T) {
		first := enqueue(t, s, p.ID, "agent-1", "one")
		second := enqueue(t, s, p.ID, "agent-1", "two")
		assert.Equal(t, models.QueuePositionSpacing, first.Position)
		assert.Equal(t, 2*models.QueuePositionSpacing, second.Position)
		assert.Equal(t, models.QueueStatusQueued, first.Status)
	})

	t.Run("positions grow past processed entries", func(t *testing.T) {
		// Draining the queue must not let a new entry collide with the
		// positions of completed work.
		_, err := s.DequeueNext(ctx, "agent-1")
		require.NoError(t, err)
		third := enqueue(t, s, p.ID, "agent-1", "three")
		assert.Equal(t, 3*models.QueuePositionSpacing, third.Position)
	})

	t.Run("queues are per agent", func(t *testing.T) {
		other := enqueue(t, s, p.ID, "agent-2", "theirs")
		assert.Equal(t, models.QueuePositionSpacing, other.Position)
	})

	t.Run("validates required fields", func(t *testing.T) {
		_, err := s.EnqueuePrompt(ctx, models.EnqueueRequest{ProjectID: p.ID, Prompt: "x"})
		assert.True(t, store.IsValidationError(err))
		_, err = s.EnqueuePrompt(ctx, models.EnqueueRequest{AgentID: "a", Prompt: "x"})
		assert.True(t, store.IsValidationError(err))
		_, err = s.EnqueuePrompt(ctx, models.EnqueueRequest{AgentID: "a", ProjectID: p.ID})
		assert.True(t, store.IsValidationError(err))
	})

	t.Run("rejects unknown project", func(t *testing.T) {
		_, err := s.EnqueuePrompt(ctx, models.EnqueueRequest{
			AgentID: "a", ProjectID: "nonexistent", Prompt: "x",
		})
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})
}

func TestMemStore_DequeueNext(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	t.Run("claims the lowest position", func(t *testing.T) {
		first := enqueue(t, s, p.ID, "agent-1", "first")
		enqueue(t, s, p.ID, "agent-1", "second")

		got, err := s.DequeueNext(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, models.QueueStatusProcessing, got.Status)
	})

	t.Run("skips the processing entry on the next call", func(t *testing.T) {
		got, err := s.DequeueNext(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Prompt)
	})

	t.Run("empty queue yields ErrNotFound", func(t *testing.T) {
		_, err := s.DequeueNext(ctx, "agent-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("reorder changes who is next", func(t *testing.T) {
		a := enqueue(t, s, p.ID, "agent-3", "a")
		b := enqueue(t, s, p.ID, "agent-3", "b")
		require.NoError(t, s.ReorderQueueEntry(ctx, b.ID, a.Position-1))

		got, err := s.PeekQueue(ctx, "agent-3")
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
	})
}

func TestMemStore_PeekQueue(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)
	entry := enqueue(t, s, p.ID, "agent-1", "waiting")

	got, err := s.PeekQueue(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, models.QueueStatusQueued, got.Status, "peek must not claim")

	_, err = s.PeekQueue(ctx, "agent-none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemStore_RemoveQueueEntry(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	t.Run("removes a queued entry", func(t *testing.T) {
		entry := enqueue(t, s, p.ID, "agent-1", "cancel me")
		require.NoError(t, s.RemoveQueueEntry(ctx, entry.ID))

		list, err := s.ListQueue(ctx, "agent-1")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("refuses a processing entry", func(t *testing.T) {
		enqueue(t, s, p.ID, "agent-2", "busy")
		claimed, err := s.DequeueNext(ctx, "agent-2")
		require.NoError(t, err)

		assert.ErrorIs(t, s.RemoveQueueEntry(ctx, claimed.ID), store.ErrInvalidTransition)
	})

	t.Run("returns ErrNotFound for missing entry", func(t *testing.T) {
		assert.ErrorIs(t, s.RemoveQueueEntry(ctx, "nonexistent"), store.ErrNotFound)
	})
}

func TestMemStore_QueueJobLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	t.Run("completed entry is recorded", func(t *testing.T) {
		enqueue(t, s, p.ID, "agent-1", "succeeds")
		claimed, err := s.DequeueNext(ctx, "agent-1")
		require.NoError(t, err)

		busy, err := s.HasProcessingEntry(ctx, "agent-1")
		require.NoError(t, err)
		assert.True(t, busy)

		require.NoError(t, s.AttachQueueEntryThread(ctx, claimed.ID, "thread-9"))
		require.NoError(t, s.MarkJobCompleted(ctx, claimed.ID))

		busy, err = s.HasProcessingEntry(ctx, "agent-1")
		require.NoError(t, err)
		assert.False(t, busy)

		list, err := s.ListQueue(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.QueueStatusCompleted, list[0].Status)
		assert.Equal(t, "thread-9", list[0].ThreadID)
	})

	t.Run("failed entry keeps the error", func(t *testing.T) {
		enqueue(t, s, p.ID, "agent-2", "breaks")
		claimed, err := s.DequeueNext(ctx, "agent-2")
		require.NoError(t, err)
		require.NoError(t, s.MarkJobFailed(ctx, claimed.ID, "session crashed"))

		list, err := s.ListQueue(ctx, "agent-2")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.QueueStatusFailed, list[0].Status)
		assert.Equal(t, "session crashed", list[0].Error)
	})

	t.Run("lifecycle marks on missing entries yield ErrNotFound", func(t *testing.T) {
		assert.ErrorIs(t, s.MarkJobCompleted(ctx, "nonexistent"), store.ErrNotFound)
		assert.ErrorIs(t, s.MarkJobFailed(ctx, "nonexistent", "x"), store.ErrNotFound)
		assert.ErrorIs(t, s.AttachQueueEntryThread(ctx, "nonexistent", "t"), store.ErrNotFound)
		assert.ErrorIs(t, s.ReorderQueueEntry(ctx, "nonexistent", 1), store.ErrNotFound)
	})
}
