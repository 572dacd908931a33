package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/session"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/forgeline/forgeline/pkg/store/memstore"
)

const testAgent = "agent-1"

// fakeSessions stands in for the session manager. Started sessions get
// synthetic run ids; tests end them by calling HandleSessionEnd directly.
type fakeSessions struct {
	mu       sync.Mutex
	starts   []session.StartRequest
	messages map[string][]string
	live     map[string]bool
	runSeq   int
	existing string // when set, StartSession reports this run as already live
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		messages: make(map[string][]string),
		live:     make(map[string]bool),
	}
}

func (f *fakeSessions) StartSession(_ context.Context, req session.StartRequest) (*session.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts = append(f.starts, req)
	if f.existing != "" {
		return &session.StartResult{RunID: f.existing, Status: session.StatusExisting}, nil
	}
	f.runSeq++
	f.live[req.AgentID] = true
	return &session.StartResult{RunID: fmt.Sprintf("run-%d", f.runSeq), Status: session.StatusStarted}, nil
}

func (f *fakeSessions) SendMessage(runID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[runID] = append(f.messages[runID], text)
	return nil
}

func (f *fakeSessions) HasLiveSession(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[agentID]
}

func (f *fakeSessions) setLive(agentID string, live bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[agentID] = live
}

func (f *fakeSessions) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeSessions) start(i int) session.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func (f *fakeSessions) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.starts))
	for i, req := range f.starts {
		out[i] = req.Prompt
	}
	return out
}

func (f *fakeSessions) sent(runID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[runID]...)
}

type queueFixture struct {
	t       *testing.T
	manager *Manager
	store   *memstore.MemStore
	fake    *fakeSessions
	project *models.Project
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	st := memstore.New()
	project, err := st.CreateProject(context.Background(), models.CreateProjectRequest{
		Name:    "demo",
		RepoURL: "https://github.com/acme/demo.git",
	})
	require.NoError(t, err)

	fake := newFakeSessions()
	m := NewManager(st, nil)
	m.SetSessionManager(fake)
	return &queueFixture{t: t, manager: m, store: st, fake: fake, project: project}
}

func (fx *queueFixture) enqueue(prompt string) *models.QueueEntry {
	fx.t.Helper()
	entry, err := fx.manager.Enqueue(context.Background(), models.EnqueueRequest{
		AgentID:   testAgent,
		ProjectID: fx.project.ID,
		Prompt:    prompt,
	})
	require.NoError(fx.t, err)
	return entry
}

func (fx *queueFixture) entry(id string) *models.QueueEntry {
	fx.t.Helper()
	entry, err := fx.store.GetQueueEntry(context.Background(), id)
	require.NoError(fx.t, err)
	return entry
}

// awaitStarts waits for the background drain to have started n sessions.
func (fx *queueFixture) awaitStarts(n int) {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool { return fx.fake.startCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func (fx *queueFixture) queueOrder() []string {
	fx.t.Helper()
	entries, err := fx.manager.List(context.Background(), testAgent)
	require.NoError(fx.t, err)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch and drain
// ─────────────────────────────────────────────────────────────────────────────

func TestEnqueueDispatchesWhenIdle(t *testing.T) {
	fx := newQueueFixture(t)

	entry := fx.enqueue("add retry logic to the fetcher")
	fx.awaitStarts(1)

	req := fx.fake.start(0)
	assert.Equal(t, testAgent, req.AgentID)
	assert.Equal(t, fx.project.ID, req.ProjectID)
	assert.Equal(t, fx.project.RepoURL, req.RepoURL)
	assert.Equal(t, "add retry logic to the fetcher", req.Prompt)

	got := fx.entry(entry.ID)
	assert.Equal(t, models.QueueStatusProcessing, got.Status)

	thread, err := fx.store.FindThread(context.Background(), testAgent, models.ThreadModeWork)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, got.ThreadID)
	assert.Equal(t, thread.ID, req.ThreadID)
	assert.Equal(t, "add retry logic to the fetcher", thread.Title)
}

func TestEnqueueWhileBusyWaits(t *testing.T) {
	fx := newQueueFixture(t)

	fx.enqueue("first")
	fx.awaitStarts(1)

	second := fx.enqueue("second")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fx.fake.startCount(), "a busy agent must not get a second session")
	assert.Equal(t, models.QueueStatusQueued, fx.entry(second.ID).Status)
}

func TestSessionEndDrainsQueueInOrder(t *testing.T) {
	fx := newQueueFixture(t)

	p1 := fx.enqueue("first")
	fx.awaitStarts(1)
	p2 := fx.enqueue("second")
	p3 := fx.enqueue("third")

	fx.manager.HandleSessionEnd("run-1", nil)
	require.Equal(t, 2, fx.fake.startCount())
	assert.Equal(t, models.QueueStatusCompleted, fx.entry(p1.ID).Status)
	assert.Equal(t, models.QueueStatusProcessing, fx.entry(p2.ID).Status)
	assert.Equal(t, models.QueueStatusQueued, fx.entry(p3.ID).Status)

	fx.manager.HandleSessionEnd("run-2", nil)
	require.Equal(t, 3, fx.fake.startCount())

	fx.manager.HandleSessionEnd("run-3", nil)
	assert.Equal(t, models.QueueStatusCompleted, fx.entry(p2.ID).Status)
	assert.Equal(t, models.QueueStatusCompleted, fx.entry(p3.ID).Status)
	assert.Equal(t, []string{"first", "second", "third"}, fx.fake.prompts())

	// Every prompt ran on the same work thread.
	threads, err := fx.store.ListThreads(context.Background(), fx.project.ID)
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestFailedSessionPausesDrain(t *testing.T) {
	fx := newQueueFixture(t)

	p1 := fx.enqueue("first")
	fx.awaitStarts(1)
	p2 := fx.enqueue("second")

	fx.fake.setLive(testAgent, false)
	fx.manager.HandleSessionEnd("run-1", errors.New("worker exited unexpectedly"))

	got := fx.entry(p1.ID)
	assert.Equal(t, models.QueueStatusFailed, got.Status)
	assert.Equal(t, "worker exited unexpectedly", got.Error)
	assert.Equal(t, models.QueueStatusQueued, fx.entry(p2.ID).Status)
	assert.Equal(t, 1, fx.fake.startCount(), "a failed session must not trigger the next prompt")
}

func TestEnqueueResumesDrainAfterFailure(t *testing.T) {
	fx := newQueueFixture(t)

	p1 := fx.enqueue("first")
	fx.awaitStarts(1)
	fx.fake.setLive(testAgent, false)
	fx.manager.HandleSessionEnd("run-1", errors.New("boom"))
	require.Equal(t, models.QueueStatusFailed, fx.entry(p1.ID).Status)

	p2 := fx.enqueue("second")
	fx.awaitStarts(2)
	assert.Equal(t, models.QueueStatusProcessing, fx.entry(p2.ID).Status)
}

func TestPromptDeliveredToExistingSession(t *testing.T) {
	fx := newQueueFixture(t)
	fx.fake.existing = "run-live"

	entry := fx.enqueue("take a look at the flaky test")
	require.Eventually(t, func() bool {
		return len(fx.fake.sent("run-live")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"take a look at the flaky test"}, fx.fake.sent("run-live"))
	assert.Equal(t, models.QueueStatusProcessing, fx.entry(entry.ID).Status)

	// The reused session's end still settles the entry.
	fx.manager.HandleSessionEnd("run-live", nil)
	assert.Equal(t, models.QueueStatusCompleted, fx.entry(entry.ID).Status)
}

func TestUnknownSessionEndFreesAgent(t *testing.T) {
	fx := newQueueFixture(t)

	// An interactive session started outside the queue occupies the agent.
	fx.fake.setLive(testAgent, true)
	entry := fx.enqueue("queued behind an interactive session")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, fx.fake.startCount())

	run, err := fx.store.CreateAgentRun(context.Background(), models.CreateAgentRunRequest{
		ProjectID: fx.project.ID,
		AgentID:   testAgent,
		Role:      models.RoleWork,
	})
	require.NoError(t, err)

	fx.fake.setLive(testAgent, false)
	fx.manager.HandleSessionEnd(run.ID, nil)
	require.Equal(t, 1, fx.fake.startCount())
	assert.Equal(t, models.QueueStatusProcessing, fx.entry(entry.ID).Status)
}

func TestUnknownRunWithoutRecordIsIgnored(t *testing.T) {
	fx := newQueueFixture(t)
	fx.fake.setLive(testAgent, true)
	fx.enqueue("waiting")

	fx.manager.HandleSessionEnd("ghost", nil)
	assert.Equal(t, 0, fx.fake.startCount())
}

func TestStartFailureMarksEntryFailed(t *testing.T) {
	fx := newQueueFixture(t)
	fx.fake.startErr = errors.New(`worker CLI "claude" not found in PATH`)

	entry := fx.enqueue("doomed")
	require.Eventually(t, func() bool {
		return fx.entry(entry.ID).Status == models.QueueStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got := fx.entry(entry.ID)
	assert.Contains(t, got.Error, "starting work session")
	assert.Contains(t, got.Error, "not found in PATH")
}

func TestProcessNextEmptyQueue(t *testing.T) {
	fx := newQueueFixture(t)

	err := fx.manager.ProcessNext(context.Background(), testAgent)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessNextSkipsBusyAgent(t *testing.T) {
	fx := newQueueFixture(t)

	fx.enqueue("first")
	fx.awaitStarts(1)
	fx.enqueue("second")

	require.NoError(t, fx.manager.ProcessNext(context.Background(), testAgent))
	assert.Equal(t, 1, fx.fake.startCount())
}

func TestStopHaltsDispatch(t *testing.T) {
	fx := newQueueFixture(t)
	fx.manager.Stop()

	entry := fx.enqueue("after shutdown")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fx.fake.startCount())
	assert.Equal(t, models.QueueStatusQueued, fx.entry(entry.ID).Status)

	require.NoError(t, fx.manager.ProcessNext(context.Background(), testAgent))
}

func TestEnqueueWithoutSessionManagerOnlyQueues(t *testing.T) {
	st := memstore.New()
	project, err := st.CreateProject(context.Background(), models.CreateProjectRequest{
		Name:    "demo",
		RepoURL: "https://github.com/acme/demo.git",
	})
	require.NoError(t, err)
	m := NewManager(st, nil)

	entry, err := m.Enqueue(context.Background(), models.EnqueueRequest{
		AgentID:   testAgent,
		ProjectID: project.ID,
		Prompt:    "early",
	})
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusQueued, entry.Status)

	err = m.ProcessNext(context.Background(), testAgent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session manager")
}

func TestEnqueueValidation(t *testing.T) {
	fx := newQueueFixture(t)

	_, err := fx.manager.Enqueue(context.Background(), models.EnqueueRequest{
		AgentID:   testAgent,
		ProjectID: fx.project.ID,
	})
	require.Error(t, err)
	assert.True(t, store.IsValidationError(err))
}

// ─────────────────────────────────────────────────────────────────────────────
// Queue editing
// ─────────────────────────────────────────────────────────────────────────────

func TestReorderMovesEntryToFront(t *testing.T) {
	fx := newQueueFixture(t)
	fx.fake.setLive(testAgent, true) // park the agent so entries stay queued

	a := fx.enqueue("a")
	b := fx.enqueue("b")
	c := fx.enqueue("c")

	moved, err := fx.manager.Reorder(context.Background(), c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, a.Position/2, moved.Position)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, fx.queueOrder())

	// Past-the-end indexes append.
	moved, err = fx.manager.Reorder(context.Background(), a.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, b.Position+models.QueuePositionSpacing, moved.Position)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, fx.queueOrder())
}

func TestReorderIntoMiddle(t *testing.T) {
	fx := newQueueFixture(t)
	fx.fake.setLive(testAgent, true)

	a := fx.enqueue("a")
	b := fx.enqueue("b")
	c := fx.enqueue("c")

	moved, err := fx.manager.Reorder(context.Background(), a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, b.Position+(c.Position-b.Position)/2, moved.Position)
	assert.Equal(t, []string{b.ID, a.ID, c.ID}, fx.queueOrder())
}

func TestReorderRebalancesExhaustedGap(t *testing.T) {
	fx := newQueueFixture(t)
	fx.fake.setLive(testAgent, true)
	ctx := context.Background()

	a := fx.enqueue("a")
	b := fx.enqueue("b")
	c := fx.enqueue("c")

	// Crush the gap between a and b so the slot has no room left.
	require.NoError(t, fx.store.ReorderQueueEntry(ctx, b.ID, a.Position+1))

	moved, err := fx.manager.Reorder(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID, b.ID}, fx.queueOrder())
	assert.Equal(t, models.QueuePositionSpacing+models.QueuePositionSpacing/2, moved.Position,
		"positions were respread at full spacing before placing the entry")
}

func TestReorderSingleEntry(t *testing.T) {
	fx := newQueueFixture(t)
	fx.fake.setLive(testAgent, true)

	only := fx.enqueue("solo")
	moved, err := fx.manager.Reorder(context.Background(), only.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePositionSpacing, moved.Position)
}

func TestReorderRejectsProcessingEntry(t *testing.T) {
	fx := newQueueFixture(t)

	entry := fx.enqueue("busy")
	fx.awaitStarts(1)

	_, err := fx.manager.Reorder(context.Background(), entry.ID, 0)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestRemoveQueuedOnly(t *testing.T) {
	fx := newQueueFixture(t)

	first := fx.enqueue("first")
	fx.awaitStarts(1)
	second := fx.enqueue("second")

	require.NoError(t, fx.manager.Remove(context.Background(), second.ID))
	_, err := fx.store.GetQueueEntry(context.Background(), second.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = fx.manager.Remove(context.Background(), first.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestThreadTitle(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"first line only", "fix the login bug\nwith full details below", "fix the login bug"},
		{"trimmed", "  padded  \nrest", "padded"},
		{"capped at fifty runes", strings.Repeat("x", 60), strings.Repeat("x", 50)},
		{"cap counts runes not bytes", strings.Repeat("é", 60), strings.Repeat("é", 50)},
		{"empty prompt", "", "Work session"},
		{"blank first line", "\nactual content", "Work session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, threadTitle(tt.prompt))
		})
	}
}
