// Package e2e exercises the orchestrator end to end: a real HTTP API over
// the in-memory store, the feature watcher dispatching pipelines against a
// scripted worker driver, and work sessions running a stub worker CLI.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/forgeline/pkg/api"
	"github.com/forgeline/forgeline/pkg/config"
	"github.com/forgeline/forgeline/pkg/events"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/monitor"
	"github.com/forgeline/forgeline/pkg/pipeline"
	"github.com/forgeline/forgeline/pkg/queue"
	"github.com/forgeline/forgeline/pkg/session"
	"github.com/forgeline/forgeline/pkg/slots"
	"github.com/forgeline/forgeline/pkg/store/memstore"
	"github.com/forgeline/forgeline/pkg/watcher"
)

const (
	waitTimeout = 10 * time.Second
	waitTick    = 10 * time.Millisecond
)

// echoScript mirrors the worker CLI contract the session manager drives:
// read prompts line by line, acknowledge each as a result event, exit
// cleanly on the end command. It never exits on its own, so every session
// stays live until EndSession.
const echoScript = `#!/bin/sh
while IFS= read -r line; do
	if [ "$line" = "/exit" ]; then
		exit 0
	fi
	printf '{"type":"result","result":"ack: %s"}\n' "$line"
done
exit 0
`

// writeStubCLI writes the stub worker CLI to a temp dir and returns its path.
func writeStubCLI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-worker")
	require.NoError(t, os.WriteFile(path, []byte(echoScript), 0o755))
	return path
}

// ────────────────────────────────────────────────────────────
// TestApp — a fully wired orchestrator for one test.
// ────────────────────────────────────────────────────────────

// TestApp holds the wired components and the base URL of the live API.
type TestApp struct {
	Store    *memstore.MemStore
	Bus      *events.Bus
	Driver   *ScriptedDriver
	Watcher  *watcher.Watcher
	Sessions *session.Manager
	Queue    *queue.Manager
	BaseURL  string

	client *http.Client
}

type testAppConfig struct {
	script          StageScript
	scanInterval    time.Duration
	maxStepRetries  int
	maxReviewCycles int
}

// TestAppOption customizes NewTestApp.
type TestAppOption func(*testAppConfig)

// WithStageScript scripts the outcome of every worker launch.
func WithStageScript(script StageScript) TestAppOption {
	return func(c *testAppConfig) { c.script = script }
}

// WithScanInterval overrides the watcher's scan interval.
func WithScanInterval(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.scanInterval = d }
}

// WithMaxStepRetries sets the extra attempts a failed stage gets.
func WithMaxStepRetries(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxStepRetries = n }
}

// WithMaxReviewCycles sets the bound on reviewer→coder rework rounds.
func WithMaxReviewCycles(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxReviewCycles = n }
}

// NewTestApp wires a complete orchestrator on an OS-assigned port. Cleanup
// is registered in reverse order of construction.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := testAppConfig{
		scanInterval:    25 * time.Millisecond,
		maxReviewCycles: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	// 1. Store and stream bus.
	st := memstore.New()
	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	// 2. Scripted worker driver.
	drv := NewScriptedDriver(cfg.script)

	// 3. Pipeline engine with fast worker polling.
	engine := pipeline.New(pipeline.Config{
		Store:           st,
		Driver:          drv,
		Monitor:         monitor.New(st, bus),
		MaxStepRetries:  cfg.maxStepRetries,
		MaxReviewCycles: cfg.maxReviewCycles,
		Watch: monitor.Options{
			PollInterval:         5 * time.Millisecond,
			StatusUpdateInterval: 5 * time.Millisecond,
			RunTimeout:           30 * time.Second,
		},
	})

	// 4. Feature watcher with a tight scan loop.
	w := watcher.New(st, slots.NewManager(), engine, watcher.Options{
		ScanInterval: cfg.scanInterval,
		AutoDispatch: true,
	})
	w.Start(context.Background())
	t.Cleanup(func() {
		// Held workers must finish before the drain can complete.
		drv.OpenGates()
		w.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := w.Drain(ctx); err != nil {
			t.Logf("draining pipelines: %v", err)
		}
	})

	// 5. Work session manager backed by the stub worker CLI.
	sessions := session.NewManager(st, bus, session.Config{
		CLI:               writeStubCLI(t),
		WorkspaceRoot:     t.TempDir(),
		InactivityTimeout: 5 * time.Minute,
	})
	t.Cleanup(func() {
		if err := sessions.Cleanup(); err != nil {
			t.Logf("ending sessions: %v", err)
		}
	})

	// 6. Queue manager, wired to the session manager both ways. Stop runs
	// before session cleanup so the drain cannot respawn workers.
	queueMgr := queue.NewManager(st, nil)
	queueMgr.SetSessionManager(sessions)
	sessions.SetOnSessionEnd(queueMgr.HandleSessionEnd)
	t.Cleanup(queueMgr.Stop)

	// 7. HTTP API on an OS-assigned port.
	srv := api.NewServer(&config.ServerConfig{}, st, sessions, queueMgr, bus,
		events.NewConnectionManager(bus, 10*time.Second))
	srv.SetDispatcher(w)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := srv.StartWithListener(ln); err != nil && err != http.ErrServerClosed {
			t.Logf("api server: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Logf("shutting down api server: %v", err)
		}
	})

	return &TestApp{
		Store:    st,
		Bus:      bus,
		Driver:   drv,
		Watcher:  w,
		Sessions: sessions,
		Queue:    queueMgr,
		BaseURL:  "http://" + ln.Addr().String(),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// ────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────

func (app *TestApp) postJSON(t *testing.T, path string, body, out any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := app.client.Post(app.BaseURL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Lessf(t, resp.StatusCode, 300, "POST %s: %d: %s", path, resp.StatusCode, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

func (app *TestApp) getJSON(t *testing.T, path string, out any) {
	t.Helper()
	resp, err := app.client.Get(app.BaseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Lessf(t, resp.StatusCode, 300, "GET %s: %d: %s", path, resp.StatusCode, raw)
	require.NoError(t, json.Unmarshal(raw, out))
}

func (app *TestApp) doDelete(t *testing.T, path string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := app.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Lessf(t, resp.StatusCode, 300, "DELETE %s: %d: %s", path, resp.StatusCode, raw)
}

// CreateProject creates an active project over the API.
func (app *TestApp) CreateProject(t *testing.T, name string, maxRuns int) *models.Project {
	t.Helper()
	var project models.Project
	app.postJSON(t, "/api/v1/projects", models.CreateProjectRequest{
		Name:              name,
		RepoURL:           "https://github.com/forgeline/" + name + ".git",
		MaxConcurrentRuns: maxRuns,
	}, &project)
	return &project
}

// CreateFeature creates a pending feature over the API.
func (app *TestApp) CreateFeature(t *testing.T, projectID, name string, priority int) *models.Feature {
	t.Helper()
	var feature models.Feature
	app.postJSON(t, "/api/v1/projects/"+projectID+"/features", models.CreateFeatureRequest{
		Name:     name,
		Priority: &priority,
	}, &feature)
	return &feature
}

// StartWorkSession starts a work session over the API and returns its run id.
func (app *TestApp) StartWorkSession(t *testing.T, agentID, projectID string) string {
	t.Helper()
	var result session.StartResult
	app.postJSON(t, "/api/v1/work-sessions", api.StartWorkSessionRequest{
		AgentID:   agentID,
		ProjectID: projectID,
	}, &result)
	require.Equal(t, session.StatusStarted, result.Status)
	return result.RunID
}

// EndWorkSession ends a work session over the API.
func (app *TestApp) EndWorkSession(t *testing.T, runID string) {
	t.Helper()
	app.doDelete(t, "/api/v1/work-sessions/"+runID)
}

// EnqueuePrompt queues a prompt for the agent over the API.
func (app *TestApp) EnqueuePrompt(t *testing.T, agentID, projectID, prompt string) *models.QueueEntry {
	t.Helper()
	var entry models.QueueEntry
	app.postJSON(t, "/api/v1/agents/"+agentID+"/queue", api.EnqueuePromptRequest{
		ProjectID: projectID,
		Prompt:    prompt,
	}, &entry)
	return &entry
}

// ────────────────────────────────────────────────────────────
// State polling
// ────────────────────────────────────────────────────────────

// Feature reads the feature straight from the store.
func (app *TestApp) Feature(t *testing.T, id string) *models.Feature {
	t.Helper()
	feature, err := app.Store.GetFeature(context.Background(), id)
	require.NoError(t, err)
	return feature
}

// Runs reads the feature's runs from the store in creation order.
func (app *TestApp) Runs(t *testing.T, featureID string) []*models.AgentRun {
	t.Helper()
	runs, err := app.Store.ListRunsByFeature(context.Background(), featureID)
	require.NoError(t, err)
	return runs
}

// RunMessages reads a run's message log from the store.
func (app *TestApp) RunMessages(t *testing.T, runID string) []*models.AgentMessage {
	t.Helper()
	msgs, err := app.Store.ListMessagesByRun(context.Background(), runID, "")
	require.NoError(t, err)
	return msgs
}

// QueueEntries reads the agent's queue from the store in position order.
func (app *TestApp) QueueEntries(t *testing.T, agentID string) []*models.QueueEntry {
	t.Helper()
	entries, err := app.Store.ListQueue(context.Background(), agentID)
	require.NoError(t, err)
	return entries
}

// WaitForFeatureStatus polls the store until the feature reaches the status.
func (app *TestApp) WaitForFeatureStatus(t *testing.T, featureID string, want models.FeatureStatus) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		feature, err := app.Store.GetFeature(context.Background(), featureID)
		return err == nil && feature.Status == want
	}, waitTimeout, waitTick, "feature %s never reached status %q", featureID, want)
}

// WaitForLaunchCount polls until the driver recorded n worker launches.
func (app *TestApp) WaitForLaunchCount(t *testing.T, n int) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return len(app.Driver.Launches()) >= n
	}, waitTimeout, waitTick, "driver never reached %d launches", n)
}

// WaitForQueueStatus polls until the queue entry reaches the status.
func (app *TestApp) WaitForQueueStatus(t *testing.T, entryID string, want models.QueueEntryStatus) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		entry, err := app.Store.GetQueueEntry(context.Background(), entryID)
		return err == nil && entry.Status == want
	}, waitTimeout, waitTick, "queue entry %s never reached status %q", entryID, want)
}

// WaitForWorkSession polls until the agent has a live session other than the
// excluded run ids, and returns it.
func (app *TestApp) WaitForWorkSession(t *testing.T, agentID string, exclude ...string) session.Info {
	t.Helper()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var found session.Info
	require.Eventuallyf(t, func() bool {
		for _, info := range app.Sessions.ActiveSessions() {
			if info.AgentID == agentID && !skip[info.RunID] {
				found = info
				return true
			}
		}
		return false
	}, waitTimeout, waitTick, "agent %s never got a new work session", agentID)
	return found
}

// recvEvent receives one stream event or fails the test.
func recvEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for stream event")
		return events.Event{}
	}
}
