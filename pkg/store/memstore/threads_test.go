package memstore

import (
	"context"
	"testing"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_CreateThread(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	t.Run("defaults to active chat mode", func(t *testing.T) {
		thread, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: p.ID,
			AgentID:   "agent-1",
			Title:     "planning",
		})
		require.NoError(t, err)
		assert.Equal(t, models.ThreadModeChat, thread.Mode)
		assert.Equal(t, models.ThreadStatusActive, thread.Status)
	})

	t.Run("validates project_id required", func(t *testing.T) {
		_, err := s.CreateThread(ctx, models.CreateThreadRequest{AgentID: "agent-1"})
		require.Error(t, err)
		assert.True(t, store.IsValidationError(err))
	})

	t.Run("validates agent_id required", func(t *testing.T) {
		_, err := s.CreateThread(ctx, models.CreateThreadRequest{ProjectID: p.ID})
		require.Error(t, err)
		assert.True(t, store.IsValidationError(err))
	})

	t.Run("rejects unknown project", func(t *testing.T) {
		_, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: "nonexistent",
			AgentID:   "agent-1",
		})
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})
}

func TestMemStore_FindThread(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	t.Run("returns the most recently touched active thread", func(t *testing.T) {
		older, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: p.ID, AgentID: "agent-1", Mode: models.ThreadModeWork,
		})
		require.NoError(t, err)
		newer, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: p.ID, AgentID: "agent-1", Mode: models.ThreadModeWork,
		})
		require.NoError(t, err)

		got, err := s.FindThread(ctx, "agent-1", models.ThreadModeWork)
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)

		// Touching the older thread makes it the current one again.
		require.NoError(t, s.UpdateThreadTitle(ctx, older.ID, "revived"))
		got, err = s.FindThread(ctx, "agent-1", models.ThreadModeWork)
		require.NoError(t, err)
		assert.Equal(t, older.ID, got.ID)
	})

	t.Run("skips archived threads", func(t *testing.T) {
		thread, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: p.ID, AgentID: "agent-2", Mode: models.ThreadModeChat,
		})
		require.NoError(t, err)
		require.NoError(t, s.ArchiveThread(ctx, thread.ID))

		_, err = s.FindThread(ctx, "agent-2", models.ThreadModeChat)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("mode is part of the key", func(t *testing.T) {
		_, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: p.ID, AgentID: "agent-3", Mode: models.ThreadModeChat,
		})
		require.NoError(t, err)

		_, err = s.FindThread(ctx, "agent-3", models.ThreadModeWork)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMemStore_ListThreads(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	first, err := s.CreateThread(ctx, models.CreateThreadRequest{ProjectID: p.ID, AgentID: "a"})
	require.NoError(t, err)
	second, err := s.CreateThread(ctx, models.CreateThreadRequest{ProjectID: p.ID, AgentID: "b"})
	require.NoError(t, err)

	got, err := s.ListThreads(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID, "newest first")
	assert.Equal(t, first.ID, got[1].ID)
}
