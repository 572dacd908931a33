package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// stderrTailSize bounds how much worker stderr is kept for error details.
const stderrTailSize = 2048

// LocalDriver runs workers as child processes of the control plane. Each
// worker gets its own workspace directory under the work root and writes
// its combined output to worker.log inside it.
type LocalDriver struct {
	entrypoint string
	workRoot   string
	logger     *slog.Logger
}

// NewLocalDriver creates a driver that executes entrypoint for each worker,
// with workspaces created under workRoot.
func NewLocalDriver(entrypoint, workRoot string) *LocalDriver {
	return &LocalDriver{
		entrypoint: entrypoint,
		workRoot:   workRoot,
		logger:     slog.Default().With("component", "driver.local"),
	}
}

// Start launches the worker process. The spec's workspace is created if
// missing; when empty, one is derived from the feature id and role.
func (d *LocalDriver) Start(ctx context.Context, spec WorkSpec) (Handle, error) {
	if spec.Workspace == "" {
		spec.Workspace = filepath.Join(d.workRoot, fmt.Sprintf("%s-%s", spec.FeatureID, spec.Role))
	}
	if err := os.MkdirAll(spec.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", spec.Workspace, err)
	}

	logFile, err := os.Create(filepath.Join(spec.Workspace, "worker.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker log: %w", err)
	}

	env := EnvMap(spec)

	cmd := exec.CommandContext(ctx, d.entrypoint)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), flattenEnv(env)...)
	// Own process group so Terminate can take down the worker and anything
	// it spawned (git, the agent CLI).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	tail := newTailBuffer(stderrTailSize)
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, tail)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	h := &localHandle{
		id:   uuid.New().String(),
		pid:  cmd.Process.Pid,
		tail: tail,
		done: make(chan struct{}),
	}

	d.logger.Info("Worker process started",
		"handle_id", h.id,
		"pid", h.pid,
		"role", spec.Role,
		"feature_id", spec.FeatureID,
		"workspace", spec.Workspace,
		"env", MaskedEnv(env))

	go func() {
		defer logFile.Close()
		err := cmd.Wait()

		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}

		h.mu.Lock()
		h.exitCode = &code
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

type localHandle struct {
	id  string
	pid int

	mu       sync.Mutex
	exitCode *int

	tail *tailBuffer
	done chan struct{}
}

func (h *localHandle) ID() string {
	return h.id
}

// Poll reports coding while the process runs, then completed or failed from
// the exit code. A local worker has no provisioning phase.
func (h *localHandle) Poll(_ context.Context) (Status, error) {
	select {
	case <-h.done:
	default:
		return Status{State: StateCoding}, nil
	}

	h.mu.Lock()
	code := *h.exitCode
	h.mu.Unlock()

	if code == 0 {
		return Status{State: StateCompleted, ExitCode: &code}, nil
	}
	return Status{
		State:    StateFailed,
		ExitCode: &code,
		Detail:   h.tail.String(),
	}, nil
}

// Terminate kills the worker's process group. Safe to call after exit.
func (h *localHandle) Terminate(_ context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	// Negative pid targets the process group created at Start.
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to kill worker process group %d: %w", h.pid, err)
	}
	return nil
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
