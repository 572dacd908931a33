package entstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	testdb "github.com/forgeline/forgeline/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *EntStore {
	t.Helper()
	client := testdb.NewTestClient(t)
	return New(client.Client)
}

func createProject(t *testing.T, s *EntStore) *models.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), models.CreateProjectRequest{
		Name:    "demo",
		RepoURL: "https://github.com/acme/demo.git",
	})
	require.NoError(t, err)
	return p
}

func createFeature(t *testing.T, s *EntStore, projectID, name string) *models.Feature {
	t.Helper()
	f, err := s.CreateFeature(context.Background(), projectID, models.CreateFeatureRequest{
		Name: name,
	})
	require.NoError(t, err)
	return f
}

func createRun(t *testing.T, s *EntStore, projectID, featureID string) *models.AgentRun {
	t.Helper()
	r, err := s.CreateAgentRun(context.Background(), models.CreateAgentRunRequest{
		ProjectID: projectID,
		FeatureID: featureID,
		Role:      models.RoleCoder,
	})
	require.NoError(t, err)
	return r
}

func TestEntStore_ProjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("create applies defaults", func(t *testing.T) {
		p, err := s.CreateProject(ctx, models.CreateProjectRequest{
			Name:    "defaults",
			RepoURL: "https://github.com/acme/defaults.git",
		})
		require.NoError(t, err)
		assert.Equal(t, models.DefaultBranchName, p.DefaultBranch)
		assert.Equal(t, models.DefaultMaxConcurrentRuns, p.MaxConcurrentRuns)
		assert.True(t, p.Active)
	})

	t.Run("update is partial", func(t *testing.T) {
		p := createProject(t, s)
		branch := "develop"
		got, err := s.UpdateProject(ctx, p.ID, models.UpdateProjectRequest{DefaultBranch: &branch})
		require.NoError(t, err)
		assert.Equal(t, "develop", got.DefaultBranch)
		assert.Equal(t, p.Name, got.Name)
	})

	t.Run("get of missing project yields ErrNotFound", func(t *testing.T) {
		_, err := s.GetProject(ctx, "nonexistent")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("inactive projects drop out of the active list", func(t *testing.T) {
		p := createProject(t, s)
		inactive := false
		_, err := s.UpdateProject(ctx, p.ID, models.UpdateProjectRequest{Active: &inactive})
		require.NoError(t, err)

		active, err := s.ListActiveProjects(ctx)
		require.NoError(t, err)
		for _, a := range active {
			assert.NotEqual(t, p.ID, a.ID)
		}
	})
}

func TestEntStore_DeleteProject_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createProject(t, s)
	f := createFeature(t, s, p.ID, "login")
	r := createRun(t, s, p.ID, f.ID)
	_, err := s.CreateMessage(ctx, models.CreateMessageRequest{
		RunID:   r.ID,
		Sender:  models.SenderAgent,
		Content: "hello",
	})
	require.NoError(t, err)
	thread, err := s.CreateThread(ctx, models.CreateThreadRequest{
		ProjectID: p.ID,
		AgentID:   "agent-1",
	})
	require.NoError(t, err)
	_, err = s.EnqueuePrompt(ctx, models.EnqueueRequest{
		AgentID:   "agent-1",
		ProjectID: p.ID,
		Prompt:    "do things",
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err = s.GetFeature(ctx, f.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAgentRun(ctx, r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetThread(ctx, thread.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	msgs, err := s.ListMessagesByRun(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	queue, err := s.ListQueue(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestEntStore_ClaimFeature(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)

	t.Run("claims pending and clears stale error", func(t *testing.T) {
		f := createFeature(t, s, p.ID, "claimable")
		require.NoError(t, s.ClaimFeature(ctx, f.ID))
		require.NoError(t, s.MarkFeatureFailing(ctx, f.ID, "first attempt broke"))

		pending := models.FeatureStatusPending
		_, err := s.UpdateFeature(ctx, f.ID, models.UpdateFeatureRequest{Status: &pending})
		require.NoError(t, err)

		require.NoError(t, s.ClaimFeature(ctx, f.ID))
		got, err := s.GetFeature(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FeatureStatusInProgress, got.Status)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("non-pending feature yields ErrAlreadyClaimed", func(t *testing.T) {
		f := createFeature(t, s, p.ID, "contested")
		require.NoError(t, s.ClaimFeature(ctx, f.ID))
		assert.ErrorIs(t, s.ClaimFeature(ctx, f.ID), store.ErrAlreadyClaimed)
	})

	t.Run("missing feature yields ErrNotFound", func(t *testing.T) {
		assert.ErrorIs(t, s.ClaimFeature(ctx, "nonexistent"), store.ErrNotFound)
	})
}

func TestEntStore_ClaimFeature_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)
	f := createFeature(t, s, p.ID, "raced")

	const claimers = 8
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ClaimFeature(ctx, f.ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, store.ErrAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, winners, "row lock must admit exactly one claimer")
}

func TestEntStore_FeatureTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)

	t.Run("full pipeline walk", func(t *testing.T) {
		f := createFeature(t, s, p.ID, "walked")
		require.NoError(t, s.ClaimFeature(ctx, f.ID))
		require.NoError(t, s.MarkFeatureReviewReady(ctx, f.ID))
		require.NoError(t, s.TransitionReviewReadyToPassing(ctx, f.ID))

		got, err := s.GetFeature(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FeatureStatusPassing, got.Status)
	})

	t.Run("wrong source state yields ErrInvalidTransition", func(t *testing.T) {
		f := createFeature(t, s, p.ID, "skipped")
		assert.ErrorIs(t, s.MarkFeatureReviewReady(ctx, f.ID), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.TransitionReviewReadyToPassing(ctx, f.ID), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.ReleaseFeature(ctx, f.ID), store.ErrInvalidTransition)
	})

	t.Run("release returns a claimed feature to pending", func(t *testing.T) {
		f := createFeature(t, s, p.ID, "released")
		require.NoError(t, s.ClaimFeature(ctx, f.ID))
		require.NoError(t, s.ReleaseFeature(ctx, f.ID))

		got, err := s.GetFeature(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FeatureStatusPending, got.Status)
	})

	t.Run("failing records the error", func(t *testing.T) {
		f := createFeature(t, s, p.ID, "failing")
		require.NoError(t, s.ClaimFeature(ctx, f.ID))
		require.NoError(t, s.MarkFeatureFailing(ctx, f.ID, "tester exited 1"))

		got, err := s.GetFeature(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FeatureStatusFailing, got.Status)
		assert.Equal(t, "tester exited 1", got.ErrorMessage)
	})
}

func TestEntStore_ListReadyFeatures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)

	high := 1
	low := 200
	urgent, err := s.CreateFeature(ctx, p.ID, models.CreateFeatureRequest{Name: "urgent", Priority: &high})
	require.NoError(t, err)
	relaxed, err := s.CreateFeature(ctx, p.ID, models.CreateFeatureRequest{Name: "relaxed", Priority: &low})
	require.NoError(t, err)
	blocked, err := s.CreateFeature(ctx, p.ID, models.CreateFeatureRequest{
		Name:      "blocked",
		Priority:  &high,
		DependsOn: []string{relaxed.ID},
	})
	require.NoError(t, err)

	ready, err := s.ListReadyFeatures(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, ready, 2, "blocked feature must be held back")
	assert.Equal(t, urgent.ID, ready[0].ID)
	assert.Equal(t, relaxed.ID, ready[1].ID)

	// Walk the dependency to passing; blocked becomes ready and outranks
	// relaxed's priority.
	require.NoError(t, s.ClaimFeature(ctx, relaxed.ID))
	require.NoError(t, s.MarkFeatureReviewReady(ctx, relaxed.ID))
	require.NoError(t, s.TransitionReviewReadyToPassing(ctx, relaxed.ID))

	ready, err = s.ListReadyFeatures(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, blocked.ID, ready[0].ID)
	assert.Equal(t, urgent.ID, ready[1].ID)
}

func TestEntStore_Dependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)

	t.Run("rejects unknown and cyclic graphs", func(t *testing.T) {
		a := createFeature(t, s, p.ID, "a")
		b := createFeature(t, s, p.ID, "b")

		assert.ErrorIs(t, s.SetFeatureDependencies(ctx, a.ID, []string{"nonexistent"}), store.ErrInvalidInput)
		assert.ErrorIs(t, s.SetFeatureDependencies(ctx, a.ID, []string{a.ID}), store.ErrInvalidInput)

		require.NoError(t, s.SetFeatureDependencies(ctx, b.ID, []string{a.ID}))
		assert.ErrorIs(t, s.SetFeatureDependencies(ctx, a.ID, []string{b.ID}), store.ErrInvalidInput)
	})

	t.Run("delete strips the id from siblings", func(t *testing.T) {
		dep := createFeature(t, s, p.ID, "dep")
		dependent, err := s.CreateFeature(ctx, p.ID, models.CreateFeatureRequest{
			Name:      "dependent",
			DependsOn: []string{dep.ID},
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteFeature(ctx, dep.ID))

		got, err := s.GetFeature(ctx, dependent.ID)
		require.NoError(t, err)
		assert.Empty(t, got.DependsOn)
	})
}

func TestEntStore_AgentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)
	f := createFeature(t, s, p.ID, "login")

	t.Run("terminal writes are first-wins", func(t *testing.T) {
		r := createRun(t, s, p.ID, f.ID)
		one := 1
		require.NoError(t, s.CompleteAgentRun(ctx, r.ID, models.RunStatusFailed, &one, "timed out"))

		zero := 0
		require.NoError(t, s.CompleteAgentRun(ctx, r.ID, models.RunStatusCompleted, &zero, ""))

		got, err := s.GetAgentRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, got.Status)
		assert.Equal(t, "timed out", got.ErrorMessage)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 1, *got.ExitCode)
	})

	t.Run("progress writes never resurrect a finished run", func(t *testing.T) {
		r := createRun(t, s, p.ID, f.ID)
		zero := 0
		require.NoError(t, s.CompleteAgentRun(ctx, r.ID, models.RunStatusCompleted, &zero, ""))
		require.NoError(t, s.UpdateAgentRunStatus(ctx, r.ID, models.RunStatusCoding))

		got, err := s.GetAgentRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, got.Status)
	})

	t.Run("unfinished listing skips terminal runs", func(t *testing.T) {
		open := createRun(t, s, p.ID, f.ID)

		runs, err := s.ListUnfinishedRuns(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(runs))
		for _, r := range runs {
			assert.False(t, r.Status.Terminal())
			ids = append(ids, r.ID)
		}
		assert.Contains(t, ids, open.ID)
	})

	t.Run("purge removes old terminal runs and their messages", func(t *testing.T) {
		r := createRun(t, s, p.ID, f.ID)
		zero := 0
		require.NoError(t, s.CompleteAgentRun(ctx, r.ID, models.RunStatusCompleted, &zero, ""))
		_, err := s.CreateMessage(ctx, models.CreateMessageRequest{
			RunID:   r.ID,
			Sender:  models.SenderAgent,
			Content: "done",
		})
		require.NoError(t, err)

		n, err := s.PurgeTerminalRunsBefore(ctx, time.Now().Add(time.Hour).Unix())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		_, err = s.GetAgentRun(ctx, r.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		msgs, err := s.ListMessagesByRun(ctx, r.ID, "")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestEntStore_Messages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)
	f := createFeature(t, s, p.ID, "login")
	r := createRun(t, s, p.ID, f.ID)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		m, err := s.CreateMessage(ctx, models.CreateMessageRequest{
			RunID:   r.ID,
			Sender:  models.SenderAgent,
			Content: fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	t.Run("anchored listing resumes after the anchor", func(t *testing.T) {
		msgs, err := s.ListMessagesByRun(ctx, r.ID, ids[1])
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, ids[2], msgs[0].ID)
		assert.Equal(t, ids[3], msgs[1].ID)
	})

	t.Run("unknown anchor falls back to the full list", func(t *testing.T) {
		msgs, err := s.ListMessagesByRun(ctx, r.ID, "nonexistent")
		require.NoError(t, err)
		assert.Len(t, msgs, 4)
	})

	t.Run("new user messages span the feature's runs", func(t *testing.T) {
		second := createRun(t, s, p.ID, f.ID)
		first, err := s.CreateMessage(ctx, models.CreateMessageRequest{
			RunID: r.ID, Sender: models.SenderUser, Content: "use OAuth",
		})
		require.NoError(t, err)
		later, err := s.CreateMessage(ctx, models.CreateMessageRequest{
			RunID: second.ID, Sender: models.SenderUser, Content: "and PKCE",
		})
		require.NoError(t, err)

		msgs, err := s.ListNewUserMessages(ctx, f.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, first.ID, msgs[0].ID)
		assert.Equal(t, later.ID, msgs[1].ID)

		require.NoError(t, s.MarkMessagesConsumed(ctx, []string{first.ID, later.ID}))
		msgs, err = s.ListNewUserMessages(ctx, f.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestEntStore_Threads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)

	t.Run("find returns the latest active thread per mode", func(t *testing.T) {
		_, err := s.CreateThread(ctx, models.CreateThreadRequest{
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

		_, err = s.FindThread(ctx, "agent-1", models.ThreadModeChat)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("archived threads are invisible to find", func(t *testing.T) {
		thread, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: p.ID, AgentID: "agent-2",
		})
		require.NoError(t, err)
		require.NoError(t, s.ArchiveThread(ctx, thread.ID))

		_, err = s.FindThread(ctx, "agent-2", models.ThreadModeChat)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestEntStore_Queue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s)

	enqueue := func(agentID, prompt string) *models.QueueEntry {
		entry, err := s.EnqueuePrompt(ctx, models.EnqueueRequest{
			AgentID:   agentID,
			ProjectID: p.ID,
			Prompt:    prompt,
		})
		require.NoError(t, err)
		return entry
	}

	t.Run("positions are sparse and monotonic", func(t *testing.T) {
		first := enqueue("agent-1", "one")
		second := enqueue("agent-1", "two")
		assert.Equal(t, models.QueuePositionSpacing, first.Position)
		assert.Equal(t, 2*models.QueuePositionSpacing, second.Position)
	})

	t.Run("dequeue claims in position order", func(t *testing.T) {
		got, err := s.DequeueNext(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "one", got.Prompt)
		assert.Equal(t, models.QueueStatusProcessing, got.Status)

		busy, err := s.HasProcessingEntry(ctx, "agent-1")
		require.NoError(t, err)
		assert.True(t, busy)
	})

	t.Run("concurrent dequeues never double-claim", func(t *testing.T) {
		enqueue("agent-2", "solo")

		const workers = 6
		var wg sync.WaitGroup
		claims := make([]*models.QueueEntry, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claims[i], errs[i] = s.DequeueNext(ctx, "agent-2")
			}(i)
		}
		wg.Wait()

		won := 0
		for i := range claims {
			if errs[i] == nil {
				won++
			} else {
				assert.ErrorIs(t, errs[i], store.ErrNotFound)
			}
		}
		assert.Equal(t, 1, won, "one entry admits one claimer")
	})

	t.Run("remove refuses processing entries", func(t *testing.T) {
		entry := enqueue("agent-3", "busy")
		claimed, err := s.DequeueNext(ctx, "agent-3")
		require.NoError(t, err)
		require.Equal(t, entry.ID, claimed.ID)

		assert.ErrorIs(t, s.RemoveQueueEntry(ctx, claimed.ID), store.ErrInvalidTransition)
		require.NoError(t, s.MarkJobFailed(ctx, claimed.ID, "session crashed"))

		list, err := s.ListQueue(ctx, "agent-3")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.QueueStatusFailed, list[0].Status)
		assert.Equal(t, "session crashed", list[0].Error)
	})

	t.Run("attach records the executing thread", func(t *testing.T) {
		entry := enqueue("agent-4", "threaded")
		claimed, err := s.DequeueNext(ctx, "agent-4")
		require.NoError(t, err)
		require.Equal(t, entry.ID, claimed.ID)

		thread, err := s.CreateThread(ctx, models.CreateThreadRequest{
			ProjectID: p.ID, AgentID: "agent-4", Mode: models.ThreadModeWork,
		})
		require.NoError(t, err)
		require.NoError(t, s.AttachQueueEntryThread(ctx, claimed.ID, thread.ID))
		require.NoError(t, s.MarkJobCompleted(ctx, claimed.ID))

		list, err := s.ListQueue(ctx, "agent-4")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, thread.ID, list[0].ThreadID)
		assert.Equal(t, models.QueueStatusCompleted, list[0].Status)
	})
}
