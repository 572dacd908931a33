// Package queue feeds queued prompts to agent work sessions one at a time.
//
// Each agent owns a sparse-positioned prompt queue. The manager dequeues the
// lowest-position entry, makes sure the agent's work thread exists, starts
// (or reuses) a work session with the prompt, and settles the entry when the
// session ends. Draining is strictly serial per agent: a new prompt starts
// only after the previous session ended cleanly.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/forgeline/pkg/github"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/session"
	"github.com/forgeline/forgeline/pkg/store"
)

// drainTimeout bounds the store and session calls behind a single dispatch.
const drainTimeout = 30 * time.Second

// threadTitleLimit caps work thread titles derived from prompts.
const threadTitleLimit = 50

// Store is the persistence surface the queue manager needs.
type Store interface {
	store.QueueStore
	store.ThreadStore
	store.ProjectStore
	store.RunStore
}

// Sessions is the part of the session manager the queue drives.
type Sessions interface {
	StartSession(ctx context.Context, req session.StartRequest) (*session.StartResult, error)
	SendMessage(runID, text string) error
	HasLiveSession(agentID string) bool
}

// job ties a live work session back to the queue entry it is serving.
type job struct {
	entryID string
	agentID string
}

// Manager drains per-agent prompt queues into work sessions.
type Manager struct {
	store  Store
	tokens github.TokenSource
	logger *slog.Logger

	mu       sync.Mutex
	sessions Sessions
	jobs     map[string]job // run id → job
	stopped  bool
}

// NewManager creates a queue manager. tokens may be nil; sessions then start
// without repository credentials.
func NewManager(st Store, tokens github.TokenSource) *Manager {
	return &Manager{
		store:  st,
		tokens: tokens,
		logger: slog.Default().With("component", "queue-manager"),
		jobs:   make(map[string]job),
	}
}

// SetSessionManager wires the session manager in. Called once during startup;
// a setter breaks the construction cycle between the two managers.
func (m *Manager) SetSessionManager(s Sessions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = s
}

// Stop prevents further dispatches. Called before sessions are torn down at
// shutdown so the drain does not respawn workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// ─────────────────────────────────────────────────────────────────────────────
// Enqueue and drain
// ─────────────────────────────────────────────────────────────────────────────

// Enqueue adds a prompt to the agent's queue. If the agent is idle, the new
// entry is dispatched immediately in the background; otherwise it waits for
// the running session to finish.
func (m *Manager) Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.QueueEntry, error) {
	entry, err := m.store.EnqueuePrompt(ctx, req)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Prompt enqueued",
		"agent_id", req.AgentID,
		"entry_id", entry.ID,
		"position", entry.Position)

	if m.agentIdle(ctx, req.AgentID) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			m.drainNext(ctx, req.AgentID)
		}()
	}
	return entry, nil
}

// agentIdle reports whether the agent has neither a processing entry nor a
// live work session. Errors fail closed: the entry stays queued and a later
// session end picks it up.
func (m *Manager) agentIdle(ctx context.Context, agentID string) bool {
	m.mu.Lock()
	sessions := m.sessions
	m.mu.Unlock()
	if sessions == nil {
		return false
	}
	busy, err := m.store.HasProcessingEntry(ctx, agentID)
	if err != nil {
		m.logger.Warn("Failed to check for active job", "agent_id", agentID, "error", err)
		return false
	}
	return !busy && !sessions.HasLiveSession(agentID)
}

// ProcessNext dequeues the agent's next prompt and starts a work session for
// it. Returns store.ErrNotFound when the queue is empty. A dispatch that
// cannot start marks the entry failed and stops the drain.
func (m *Manager) ProcessNext(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processNextLocked(ctx, agentID)
}

func (m *Manager) processNextLocked(ctx context.Context, agentID string) error {
	if m.stopped {
		return nil
	}
	if m.sessions == nil {
		return errors.New("no session manager configured")
	}

	// The busy check and the dequeue happen under the manager lock so two
	// concurrent drains cannot both start a session for the same agent.
	busy, err := m.store.HasProcessingEntry(ctx, agentID)
	if err != nil {
		return fmt.Errorf("checking for active job: %w", err)
	}
	if busy {
		m.logger.Debug("Agent already processing a prompt", "agent_id", agentID)
		return nil
	}

	entry, err := m.store.DequeueNext(ctx, agentID)
	if err != nil {
		return err
	}
	if err := m.startJob(ctx, entry); err != nil {
		if markErr := m.store.MarkJobFailed(ctx, entry.ID, err.Error()); markErr != nil {
			m.logger.Error("Failed to mark job failed", "entry_id", entry.ID, "error", markErr)
		}
		return fmt.Errorf("dispatching queued prompt %s: %w", entry.ID, err)
	}
	return nil
}

// startJob runs one dequeued entry: ensure the agent's work thread, resolve
// the project and token, and hand the prompt to a work session. Called with
// m.mu held.
func (m *Manager) startJob(ctx context.Context, entry *models.QueueEntry) error {
	thread, err := m.ensureWorkThread(ctx, entry)
	if err != nil {
		return err
	}
	if err := m.store.AttachQueueEntryThread(ctx, entry.ID, thread.ID); err != nil {
		return fmt.Errorf("attaching thread: %w", err)
	}
	project, err := m.store.GetProject(ctx, entry.ProjectID)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}

	res, err := m.sessions.StartSession(ctx, session.StartRequest{
		AgentID:   entry.AgentID,
		ThreadID:  thread.ID,
		ProjectID: project.ID,
		RepoURL:   project.RepoURL,
		Token:     m.repoToken(ctx),
		Prompt:    entry.Prompt,
	})
	if err != nil {
		return fmt.Errorf("starting work session: %w", err)
	}
	if res.Status == session.StatusExisting {
		// The agent already has a live session for this thread; deliver the
		// prompt there instead of starting another worker.
		if err := m.sessions.SendMessage(res.RunID, entry.Prompt); err != nil {
			return fmt.Errorf("sending prompt to live session: %w", err)
		}
	}

	m.jobs[res.RunID] = job{entryID: entry.ID, agentID: entry.AgentID}
	m.logger.Info("Queued prompt dispatched",
		"agent_id", entry.AgentID,
		"entry_id", entry.ID,
		"run_id", res.RunID)
	return nil
}

// ensureWorkThread finds the agent's work-mode thread, creating one titled
// from the prompt when the agent has none.
func (m *Manager) ensureWorkThread(ctx context.Context, entry *models.QueueEntry) (*models.AgentThread, error) {
	thread, err := m.store.FindThread(ctx, entry.AgentID, models.ThreadModeWork)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding work thread: %w", err)
	}
	thread, err = m.store.CreateThread(ctx, models.CreateThreadRequest{
		ProjectID: entry.ProjectID,
		AgentID:   entry.AgentID,
		Title:     threadTitle(entry.Prompt),
		Mode:      models.ThreadModeWork,
	})
	if err != nil {
		return nil, fmt.Errorf("creating work thread: %w", err)
	}
	return thread, nil
}

// repoToken resolves a repository access token, or "" when none is
// configured or minting fails. Sessions on public repos work without one.
func (m *Manager) repoToken(ctx context.Context) string {
	if m.tokens == nil {
		return ""
	}
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.logger.Warn("Failed to resolve repository token, starting session without credentials",
			"error", err)
		return ""
	}
	return token
}

// HandleSessionEnd settles the queue entry behind a finished work session and
// keeps the queue draining. Wired as the session manager's end callback; a
// nil endErr means the session ended cleanly.
func (m *Manager) HandleSessionEnd(runID string, endErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	m.mu.Lock()
	j, tracked := m.jobs[runID]
	delete(m.jobs, runID)
	m.mu.Unlock()

	agentID := j.agentID
	switch {
	case !tracked:
		// Sessions started through the API still occupy the agent; their end
		// frees it, so look the agent up and let queued prompts follow.
		run, err := m.store.GetAgentRun(ctx, runID)
		if err != nil {
			m.logger.Debug("Session ended for unknown run", "run_id", runID, "error", err)
			return
		}
		agentID = run.AgentID
	case endErr != nil:
		if err := m.store.MarkJobFailed(ctx, j.entryID, endErr.Error()); err != nil {
			m.logger.Error("Failed to mark job failed", "entry_id", j.entryID, "error", err)
		}
	default:
		if err := m.store.MarkJobCompleted(ctx, j.entryID); err != nil {
			m.logger.Error("Failed to mark job completed", "entry_id", j.entryID, "error", err)
		}
	}

	if endErr != nil {
		// A failed session stops the drain; the next enqueue resumes it.
		m.logger.Warn("Work session failed, queue drain paused",
			"agent_id", agentID, "run_id", runID, "error", endErr)
		return
	}
	m.drainNext(ctx, agentID)
}

// drainNext processes the agent's next entry, treating an empty queue as a
// clean stop.
func (m *Manager) drainNext(ctx context.Context, agentID string) {
	if err := m.ProcessNext(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("Failed to process next queued prompt", "agent_id", agentID, "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Queue inspection and editing
// ─────────────────────────────────────────────────────────────────────────────

// List returns every entry for the agent in position order.
func (m *Manager) List(ctx context.Context, agentID string) ([]*models.QueueEntry, error) {
	return m.store.ListQueue(ctx, agentID)
}

// Remove deletes an entry that has not started processing.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.RemoveQueueEntry(ctx, id)
}

// Reorder moves a queued entry to the given index among the agent's queued
// entries. Indexes past the end append; processing or finished entries
// cannot move.
func (m *Manager) Reorder(ctx context.Context, id string, index int) (*models.QueueEntry, error) {
	entry, err := m.store.GetQueueEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.QueueStatusQueued {
		return nil, store.ErrInvalidTransition
	}
	queued, err := m.queuedEntries(ctx, entry.AgentID)
	if err != nil {
		return nil, err
	}
	pos, ok := positionAt(queued, id, index)
	if !ok {
		// The target neighbors have no integer gap left; respread and retry.
		if err := m.rebalance(ctx, queued); err != nil {
			return nil, err
		}
		if queued, err = m.queuedEntries(ctx, entry.AgentID); err != nil {
			return nil, err
		}
		pos, _ = positionAt(queued, id, index)
	}
	if err := m.store.ReorderQueueEntry(ctx, id, pos); err != nil {
		return nil, err
	}
	return m.store.GetQueueEntry(ctx, id)
}

func (m *Manager) queuedEntries(ctx context.Context, agentID string) ([]*models.QueueEntry, error) {
	all, err := m.store.ListQueue(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	var queued []*models.QueueEntry
	for _, e := range all {
		if e.Status == models.QueueStatusQueued {
			queued = append(queued, e)
		}
	}
	return queued, nil
}

// rebalance respreads queued entries at full spacing, preserving order.
func (m *Manager) rebalance(ctx context.Context, queued []*models.QueueEntry) error {
	for i, e := range queued {
		if err := m.store.ReorderQueueEntry(ctx, e.ID, (i+1)*models.QueuePositionSpacing); err != nil {
			return fmt.Errorf("rebalancing queue: %w", err)
		}
	}
	return nil
}

// positionAt computes a sparse position that places the moving entry at
// index among the remaining queued entries. ok is false when the target slot
// has no room between its neighbors.
func positionAt(queued []*models.QueueEntry, movingID string, index int) (pos int, ok bool) {
	others := make([]*models.QueueEntry, 0, len(queued))
	for _, e := range queued {
		if e.ID != movingID {
			others = append(others, e)
		}
	}
	if index < 0 {
		index = 0
	}
	if index > len(others) {
		index = len(others)
	}
	switch {
	case len(others) == 0:
		return models.QueuePositionSpacing, true
	case index == 0:
		pos := others[0].Position / 2
		return pos, pos > 0 && pos < others[0].Position
	case index == len(others):
		return others[len(others)-1].Position + models.QueuePositionSpacing, true
	default:
		lo, hi := others[index-1].Position, others[index].Position
		pos := lo + (hi-lo)/2
		return pos, pos > lo && pos < hi
	}
}

// threadTitle derives a work thread title from the first line of a prompt.
func threadTitle(prompt string) string {
	title := prompt
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > threadTitleLimit {
		title = string(r[:threadTitleLimit])
	}
	if title == "" {
		title = "Work session"
	}
	return title
}
