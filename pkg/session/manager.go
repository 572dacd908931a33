// Package session manages interactive work sessions: long-lived worker
// processes driven over stdin whose JSON output streams to the event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeline/forgeline/pkg/events"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

const (
	// DefaultInactivityTimeout ends sessions that received no user input.
	DefaultInactivityTimeout = 30 * time.Minute

	// exitCommand asks the worker CLI to shut down cleanly.
	exitCommand = "/exit"

	finalizeTimeout = 10 * time.Second

	stderrTailSize = 2048
)

// Vars so tests can shorten them.
var (
	// endGracePeriod is how long EndSession waits for a clean exit before
	// killing the process.
	endGracePeriod = 5 * time.Second

	// killWaitPeriod bounds the wait for a killed process to be reaped.
	killWaitPeriod = 2 * time.Second
)

// Session start statuses returned by StartSession.
const (
	StatusStarted  = "started"
	StatusExisting = "existing"
)

// ErrNoSession is returned for operations on a run with no live session.
var ErrNoSession = errors.New("no active work session")

// Config holds session manager settings.
type Config struct {
	// CLI is the worker binary, resolved via PATH when not a path.
	CLI string

	// WorkspaceRoot is where per-project session workspaces are created.
	WorkspaceRoot string

	// InactivityTimeout ends sessions that received no input. Defaults to
	// DefaultInactivityTimeout.
	InactivityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CLI == "" {
		c.CLI = "claude"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(os.TempDir(), "forgeline", "sessions")
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	return c
}

// StartRequest describes a work session to launch.
type StartRequest struct {
	AgentID   string `json:"agent_id"`
	ThreadID  string `json:"thread_id"`
	ProjectID string `json:"project_id"`
	RepoURL   string `json:"repo_url,omitempty"`
	Token     string `json:"-"`
	Prompt    string `json:"prompt,omitempty"`
}

// StartResult reports the run backing a session and whether an already
// running session was reused.
type StartResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// Info describes an active work session.
type Info struct {
	RunID       string    `json:"run_id"`
	AgentID     string    `json:"agent_id"`
	ThreadID    string    `json:"thread_id"`
	ProjectID   string    `json:"project_id"`
	StartedAt   time.Time `json:"started_at"`
	LastInputAt time.Time `json:"last_input_at"`
}

// Manager owns all live work sessions, keyed by run id.
type Manager struct {
	runs   store.RunStore
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*workSession
	onEnd    func(runID string, err error)
}

// NewManager creates a session manager. Sessions are launched lazily; the
// worker CLI is only resolved when a session starts.
func NewManager(runs store.RunStore, bus *events.Bus, cfg Config) *Manager {
	return &Manager{
		runs:     runs,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "session-manager"),
		sessions: make(map[string]*workSession),
	}
}

// SetOnSessionEnd registers a callback fired after a session fully ends.
// A nil err means the session completed cleanly. Wired once at startup.
func (m *Manager) SetOnSessionEnd(fn func(runID string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = fn
}

// StartSession launches a work session, or returns the existing one for
// the same agent and thread with status "existing".
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.AgentID == "" {
		return nil, store.NewValidationError("agent_id", "required")
	}
	if req.ThreadID == "" {
		return nil, store.NewValidationError("thread_id", "required")
	}
	if req.ProjectID == "" {
		return nil, store.NewValidationError("project_id", "required")
	}

	cliPath, err := m.resolveCLI()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findLocked(req.AgentID, req.ThreadID); existing != nil {
		return &StartResult{RunID: existing.runID, Status: StatusExisting}, nil
	}

	run, err := m.runs.CreateAgentRun(ctx, models.CreateAgentRunRequest{
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Role:      models.RoleWork,
	})
	if err != nil {
		return nil, fmt.Errorf("creating work session run: %w", err)
	}

	sess, err := m.launch(cliPath, run.ID, req)
	if err != nil {
		if cerr := m.runs.CompleteAgentRun(context.Background(), run.ID,
			models.RunStatusFailed, nil, "starting work session: "+err.Error()); cerr != nil {
			m.logger.Error("Recording session launch failure", "run_id", run.ID, "error", cerr)
		}
		return nil, err
	}

	m.sessions[run.ID] = sess
	go m.supervise(sess)

	m.logger.Info("Work session started",
		"run_id", run.ID,
		"agent_id", req.AgentID,
		"thread_id", req.ThreadID,
		"pid", sess.cmd.Process.Pid)

	return &StartResult{RunID: run.ID, Status: StatusStarted}, nil
}

// SendMessage writes a user message to the session's stdin and resets the
// inactivity timer.
func (m *Manager) SendMessage(runID, text string) error {
	sess := m.lookup(runID)
	if sess == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNoSession)
	}
	return sess.send(text, m.cfg.InactivityTimeout)
}

// EndSession asks the session's worker to exit, killing it after a grace
// period. It returns once the run is finalized.
func (m *Manager) EndSession(runID string) error {
	sess := m.lookup(runID)
	if sess == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNoSession)
	}

	sess.mu.Lock()
	if sess.reason == endReasonNone {
		sess.reason = endReasonUser
		sess.timer.Stop()
		// Best-effort: the worker may already be gone.
		if _, err := io.WriteString(sess.stdin, exitCommand+"\n"); err != nil {
			m.logger.Debug("Writing exit command", "run_id", runID, "error", err)
		}
	}
	sess.mu.Unlock()

	select {
	case <-sess.done:
		return nil
	case <-time.After(endGracePeriod):
	}

	m.logger.Warn("Work session did not exit in time, killing", "run_id", runID)
	sess.kill()

	select {
	case <-sess.done:
	case <-time.After(killWaitPeriod):
		m.logger.Error("Killed session did not finalize", "run_id", runID)
	}
	return nil
}

// HasLiveSession reports whether the agent has any running session.
func (m *Manager) HasLiveSession(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		if sess.agentID == agentID {
			return true
		}
	}
	return false
}

// ActiveSessions returns a snapshot of live sessions, oldest first.
func (m *Manager) ActiveSessions() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Cleanup ends every active session concurrently. Used at shutdown.
func (m *Manager) Cleanup() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, runID := range ids {
		g.Go(func() error {
			if err := m.EndSession(runID); err != nil && !errors.Is(err, ErrNoSession) {
				return fmt.Errorf("ending session %s: %w", runID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// resolveCLI returns the worker CLI path, looking it up in PATH when the
// configured value is a bare name.
func (m *Manager) resolveCLI() (string, error) {
	cli := m.cfg.CLI
	if strings.Contains(cli, string(os.PathSeparator)) {
		if _, err := os.Stat(cli); err != nil {
			return "", fmt.Errorf("worker CLI not found at %s: %w", cli, err)
		}
		return cli, nil
	}
	path, err := exec.LookPath(cli)
	if err != nil {
		return "", fmt.Errorf("worker CLI %q not found in PATH: %w", cli, err)
	}
	return path, nil
}

func (m *Manager) lookup(runID string) *workSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[runID]
}

func (m *Manager) findLocked(agentID, threadID string) *workSession {
	for _, sess := range m.sessions {
		if sess.agentID == agentID && sess.threadID == threadID {
			return sess
		}
	}
	return nil
}

// launch starts the worker process with a stdin pipe and a streamed JSON
// stdout. The process deliberately gets no request context: its lifetime is
// bounded by the inactivity timer and EndSession, not by the HTTP call that
// created it.
func (m *Manager) launch(cliPath, runID string, req StartRequest) (*workSession, error) {
	workspace := filepath.Join(m.cfg.WorkspaceRoot, req.ProjectID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("creating session workspace: %w", err)
	}

	cmd := exec.Command(cliPath, "--output-format", "stream-json")
	cmd.Dir = workspace

	env := os.Environ()
	if req.RepoURL != "" {
		env = append(env, "REPO_URL="+req.RepoURL)
	}
	if req.Token != "" {
		env = append(env, "GITHUB_TOKEN="+req.Token)
	}
	cmd.Env = env
	// Own process group so kill takes down anything the worker spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker CLI: %w", err)
	}

	now := time.Now()
	sess := &workSession{
		runID:     runID,
		agentID:   req.AgentID,
		threadID:  req.ThreadID,
		projectID: req.ProjectID,
		startedAt: now,
		lastInput: now,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		done:      make(chan struct{}),
	}
	sess.timer = time.AfterFunc(m.cfg.InactivityTimeout, func() { m.expire(sess) })

	if req.Prompt != "" {
		if _, err := io.WriteString(stdin, req.Prompt+"\n"); err != nil {
			sess.timer.Stop()
			sess.kill()
			// Reap the killed process; no supervisor was started for it.
			go func() { _ = cmd.Wait() }()
			return nil, fmt.Errorf("writing session prompt: %w", err)
		}
	}

	return sess, nil
}

// expire is the inactivity timer callback.
func (m *Manager) expire(sess *workSession) {
	sess.mu.Lock()
	if sess.reason != endReasonNone {
		sess.mu.Unlock()
		return
	}
	sess.reason = endReasonInactivity
	sess.mu.Unlock()

	m.logger.Info("Work session inactive, ending",
		"run_id", sess.runID, "inactivity_timeout", m.cfg.InactivityTimeout)
	sess.kill()
}

// supervise consumes the worker's output, waits for it to exit, and
// finalizes the run. It is the only goroutine that writes terminal state.
func (m *Manager) supervise(sess *workSession) {
	m.parseStream(sess.runID, sess.stdout)
	waitErr := sess.cmd.Wait()

	sess.mu.Lock()
	sess.timer.Stop()
	if sess.reason == endReasonNone {
		sess.reason = endReasonExited
	}
	reason := sess.reason
	sess.mu.Unlock()

	endErr := m.finalize(sess, reason, waitErr)

	m.mu.Lock()
	delete(m.sessions, sess.runID)
	onEnd := m.onEnd
	m.mu.Unlock()

	close(sess.done)

	if onEnd != nil {
		onEnd(sess.runID, endErr)
	}
}

// finalize records the terminal run state and emits closing stream events.
// Store writes use a background context: whoever started the session is
// long gone by now.
func (m *Manager) finalize(sess *workSession, reason endReason, waitErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	log := m.logger.With("run_id", sess.runID)
	exitCode := sess.exitCode()

	switch reason {
	case endReasonUser:
		if err := m.runs.CompleteAgentRun(ctx, sess.runID, models.RunStatusCompleted, exitCode, ""); err != nil {
			log.Error("Recording session completion", "error", err)
		}
		m.bus.Publish(events.ThinkingEnd(sess.runID))
		log.Info("Work session ended")
		return nil

	case endReasonInactivity:
		if err := m.runs.CompleteAgentRun(ctx, sess.runID, models.RunStatusCompleted, exitCode, "timed out"); err != nil {
			log.Error("Recording session timeout", "error", err)
		}
		m.bus.Publish(events.StreamError(sess.runID, "Session timed out"))
		return nil

	default:
		detail := "worker exited unexpectedly"
		if tail := lastLine(sess.stderr.String()); tail != "" {
			detail = fmt.Sprintf("%s: %s", detail, tail)
		} else if waitErr != nil {
			detail = fmt.Sprintf("%s: %v", detail, waitErr)
		}
		if err := m.runs.CompleteAgentRun(ctx, sess.runID, models.RunStatusFailed, exitCode, detail); err != nil {
			log.Error("Recording session failure", "error", err)
		}
		m.bus.Publish(events.StreamError(sess.runID, "Session ended unexpectedly"))
		log.Warn("Work session exited unexpectedly", "error", waitErr)
		return errors.New(detail)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// workSession
// ────────────────────────────────────────────────────────────────────────────

type endReason int

const (
	endReasonNone endReason = iota
	endReasonUser
	endReasonInactivity
	endReasonExited
)

// workSession is one live worker process. Its terminal state is written
// exclusively by the manager's supervise goroutine; done closes after.
type workSession struct {
	runID     string
	agentID   string
	threadID  string
	projectID string
	startedAt time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	mu        sync.Mutex
	lastInput time.Time
	timer     *time.Timer
	reason    endReason

	done chan struct{}
}

func (s *workSession) send(text string, resetTo time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reason != endReasonNone {
		return fmt.Errorf("run %s: %w", s.runID, ErrNoSession)
	}
	if _, err := io.WriteString(s.stdin, text+"\n"); err != nil {
		return fmt.Errorf("writing to session stdin: %w", err)
	}
	s.lastInput = time.Now()
	s.timer.Reset(resetTo)
	return nil
}

func (s *workSession) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		RunID:       s.runID,
		AgentID:     s.agentID,
		ThreadID:    s.threadID,
		ProjectID:   s.projectID,
		StartedAt:   s.startedAt,
		LastInputAt: s.lastInput,
	}
}

func (s *workSession) kill() {
	if s.cmd.Process == nil {
		return
	}
	// Negative pid targets the process group created at launch. ESRCH means
	// the worker already exited.
	if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		slog.Default().Warn("Killing work session process group",
			"run_id", s.runID, "pid", s.cmd.Process.Pid, "error", err)
	}
}

func (s *workSession) exitCode() *int {
	state := s.cmd.ProcessState
	if state == nil {
		return nil
	}
	code := state.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

// lastLine returns the final non-empty line of text.
func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
