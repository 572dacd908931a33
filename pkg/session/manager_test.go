package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/pkg/events"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/forgeline/forgeline/pkg/store/memstore"
)

// echoScript stands in for the worker CLI: it answers every stdin line with
// a result event and exits cleanly on /exit.
const echoScript = `#!/bin/sh
while IFS= read -r line; do
	if [ "$line" = "/exit" ]; then
		exit 0
	fi
	printf '{"type":"result","result":"echo: %s"}\n' "$line"
done
`

type sessionEnd struct {
	runID string
	err   error
}

type managerFixture struct {
	manager *Manager
	store   *memstore.MemStore
	bus     *events.Bus
	project *models.Project
	ends    chan sessionEnd
}

func newManagerFixture(t *testing.T, script string, mutate func(*Config)) *managerFixture {
	t.Helper()

	st := memstore.New()
	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	project, err := st.CreateProject(context.Background(), models.CreateProjectRequest{
		Name:    "demo",
		RepoURL: "https://github.com/acme/demo.git",
	})
	require.NoError(t, err)

	cfg := Config{
		CLI:           writeStubCLI(t, script),
		WorkspaceRoot: t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m := NewManager(st, bus, cfg)
	ends := make(chan sessionEnd, 8)
	m.SetOnSessionEnd(func(runID string, err error) {
		ends <- sessionEnd{runID: runID, err: err}
	})
	t.Cleanup(func() { _ = m.Cleanup() })

	return &managerFixture{manager: m, store: st, bus: bus, project: project, ends: ends}
}

func writeStubCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stubcli")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func (f *managerFixture) startRequest() StartRequest {
	return StartRequest{
		AgentID:   "agent-1",
		ThreadID:  "thread-1",
		ProjectID: f.project.ID,
		RepoURL:   f.project.RepoURL,
		Prompt:    "hello",
	}
}

func (f *managerFixture) awaitEnd(t *testing.T) sessionEnd {
	t.Helper()
	select {
	case end := <-f.ends:
		return end
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session end")
		return sessionEnd{}
	}
}

func (f *managerFixture) run(t *testing.T, runID string) *models.AgentRun {
	t.Helper()
	run, err := f.store.GetAgentRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

// awaitToken waits for a token event containing want.
func awaitToken(t *testing.T, ch <-chan events.Event, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeToken && strings.Contains(ev.Text, want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for token containing %q", want)
		}
	}
}

func TestManager_StartSessionEchoesPrompt(t *testing.T) {
	f := newManagerFixture(t, echoScript, nil)

	result, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, result.Status)
	require.NotEmpty(t, result.RunID)

	// The replay buffer makes subscribing after start safe.
	ch, cancel := f.bus.Subscribe(result.RunID)
	defer cancel()
	awaitToken(t, ch, "echo: hello")

	active := f.manager.ActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, result.RunID, active[0].RunID)
	assert.Equal(t, "agent-1", active[0].AgentID)

	run := f.run(t, result.RunID)
	assert.Equal(t, models.RoleWork, run.Role)
	assert.Equal(t, models.RunStatusStarted, run.Status)
}

func TestManager_EndSessionCompletesRun(t *testing.T) {
	f := newManagerFixture(t, echoScript, nil)

	result, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)

	require.NoError(t, f.manager.EndSession(result.RunID))

	end := f.awaitEnd(t)
	assert.Equal(t, result.RunID, end.runID)
	assert.NoError(t, end.err)

	run := f.run(t, result.RunID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)

	assert.Empty(t, f.manager.ActiveSessions())
	assert.ErrorIs(t, f.manager.EndSession(result.RunID), ErrNoSession)
}

func TestManager_ReusesExistingSession(t *testing.T) {
	f := newManagerFixture(t, echoScript, nil)

	first, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)

	second, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusExisting, second.Status)
	assert.Equal(t, first.RunID, second.RunID)

	other := f.startRequest()
	other.ThreadID = "thread-2"
	third, err := f.manager.StartSession(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, third.Status)
	assert.NotEqual(t, first.RunID, third.RunID)

	assert.Len(t, f.manager.ActiveSessions(), 2)
	assert.True(t, f.manager.HasLiveSession("agent-1"))
	assert.False(t, f.manager.HasLiveSession("agent-2"))
}

func TestManager_SendMessageReachesWorker(t *testing.T) {
	f := newManagerFixture(t, echoScript, nil)

	result, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)

	ch, cancel := f.bus.Subscribe(result.RunID)
	defer cancel()
	awaitToken(t, ch, "echo: hello")

	require.NoError(t, f.manager.SendMessage(result.RunID, "status report"))
	awaitToken(t, ch, "echo: status report")

	assert.ErrorIs(t, f.manager.SendMessage("no-such-run", "hi"), ErrNoSession)
}

func TestManager_AbnormalExitFailsRun(t *testing.T) {
	// Reads the prompt first so the start sequence completes before dying.
	script := `#!/bin/sh
IFS= read -r line
echo "fatal: repository unreachable" 1>&2
exit 3
`
	f := newManagerFixture(t, script, nil)

	result, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)

	end := f.awaitEnd(t)
	assert.Equal(t, result.RunID, end.runID)
	require.Error(t, end.err)
	assert.Contains(t, end.err.Error(), "repository unreachable")

	run := f.run(t, result.RunID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 3, *run.ExitCode)
	assert.Contains(t, run.ErrorMessage, "repository unreachable")

	ch, cancel := f.bus.Subscribe(result.RunID)
	defer cancel()
	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeStreamError, ev.Type)
		assert.Equal(t, "Session ended unexpectedly", ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stream error event")
	}
}

func TestManager_InactivityTimeoutEndsSession(t *testing.T) {
	script := `#!/bin/sh
exec sleep 60
`
	f := newManagerFixture(t, script, func(cfg *Config) {
		cfg.InactivityTimeout = 50 * time.Millisecond
	})

	result, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)

	end := f.awaitEnd(t)
	assert.Equal(t, result.RunID, end.runID)
	assert.NoError(t, end.err, "an inactivity timeout is a clean end")

	run := f.run(t, result.RunID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "timed out", run.ErrorMessage)

	ch, cancel := f.bus.Subscribe(result.RunID)
	defer cancel()
	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeStreamError, ev.Type)
		assert.Equal(t, "Session timed out", ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stream error event")
	}
}

func TestManager_EndSessionKillsStubbornWorker(t *testing.T) {
	// Reads stdin forever and never honors /exit.
	script := `#!/bin/sh
while IFS= read -r line; do :; done
exec sleep 60
`
	prevGrace := endGracePeriod
	endGracePeriod = 50 * time.Millisecond
	t.Cleanup(func() { endGracePeriod = prevGrace })

	f := newManagerFixture(t, script, nil)

	result, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)

	require.NoError(t, f.manager.EndSession(result.RunID))

	end := f.awaitEnd(t)
	assert.NoError(t, end.err)

	run := f.run(t, result.RunID)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Nil(t, run.ExitCode, "a killed worker has no exit code")
}

func TestManager_CleanupEndsAllSessions(t *testing.T) {
	f := newManagerFixture(t, echoScript, nil)

	first, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.NoError(t, err)

	other := f.startRequest()
	other.AgentID = "agent-2"
	other.ThreadID = "thread-2"
	second, err := f.manager.StartSession(context.Background(), other)
	require.NoError(t, err)

	require.NoError(t, f.manager.Cleanup())

	assert.Empty(t, f.manager.ActiveSessions())
	assert.Equal(t, models.RunStatusCompleted, f.run(t, first.RunID).Status)
	assert.Equal(t, models.RunStatusCompleted, f.run(t, second.RunID).Status)
}

func TestManager_StartSessionMissingCLI(t *testing.T) {
	f := newManagerFixture(t, echoScript, func(cfg *Config) {
		cfg.CLI = "forgeline-no-such-cli"
	})

	_, err := f.manager.StartSession(context.Background(), f.startRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in PATH")

	runs, err := f.store.ListUnfinishedRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs, "no run should be created when the CLI is missing")
}

func TestManager_StartSessionValidatesRequest(t *testing.T) {
	f := newManagerFixture(t, echoScript, nil)

	tests := []struct {
		name   string
		mutate func(*StartRequest)
	}{
		{"missing agent id", func(r *StartRequest) { r.AgentID = "" }},
		{"missing thread id", func(r *StartRequest) { r.ThreadID = "" }},
		{"missing project id", func(r *StartRequest) { r.ProjectID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.startRequest()
			tt.mutate(&req)
			_, err := f.manager.StartSession(context.Background(), req)
			assert.True(t, store.IsValidationError(err), "expected validation error, got %v", err)
		})
	}
}
