package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeline/forgeline/pkg/driver"
	"github.com/forgeline/forgeline/pkg/models"
)

// StageOutcome scripts one worker launch.
type StageOutcome struct {
	// StartErr makes the launch itself fail; nothing is recorded as running.
	StartErr error
	// ExitCode is reported once the worker finishes. Zero completes the stage.
	ExitCode int
	// Detail is the runtime reason string attached to the exit.
	Detail string
	// Hold keeps the worker in the coding state until Launch.Release, so a
	// test can observe what happens while a stage is still running.
	Hold bool
}

// StageScript decides the outcome of each launch, in launch order. It is
// called under the driver lock, so scripts can keep plain counters. A nil
// script completes every stage immediately with exit 0.
type StageScript func(spec driver.WorkSpec) StageOutcome

// Launch records one worker start.
type Launch struct {
	Spec   driver.WorkSpec
	handle *scriptedHandle
}

// Release lets a held worker finish with its scripted exit code.
func (l *Launch) Release() { l.handle.release() }

// ScriptedDriver is a worker driver that plays scripted outcomes instead of
// running real processes. The monitor polls its handles exactly like real
// ones.
type ScriptedDriver struct {
	mu        sync.Mutex
	script    StageScript
	launches  []*Launch
	gatesOpen bool
}

// NewScriptedDriver creates a driver that runs the given script.
func NewScriptedDriver(script StageScript) *ScriptedDriver {
	return &ScriptedDriver{script: script}
}

// Start records the launch and returns a handle that reports the scripted
// outcome.
func (d *ScriptedDriver) Start(_ context.Context, spec driver.WorkSpec) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out StageOutcome
	if d.script != nil {
		out = d.script(spec)
	}
	if out.StartErr != nil {
		return nil, out.StartErr
	}

	h := &scriptedHandle{
		id:       fmt.Sprintf("stub-worker-%d", len(d.launches)),
		exit:     out.ExitCode,
		detail:   out.Detail,
		released: make(chan struct{}),
	}
	if !out.Hold || d.gatesOpen {
		h.release()
	}
	d.launches = append(d.launches, &Launch{Spec: spec, handle: h})
	return h, nil
}

// OpenGates releases every held worker and disables holding for future
// launches. Called at teardown so in-flight pipelines can drain.
func (d *ScriptedDriver) OpenGates() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gatesOpen = true
	for _, l := range d.launches {
		l.handle.release()
	}
}

// Launches returns a snapshot of recorded starts in launch order.
func (d *ScriptedDriver) Launches() []*Launch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Launch(nil), d.launches...)
}

// Roles returns the role of each launch in order.
func (d *ScriptedDriver) Roles() []models.AgentRole {
	d.mu.Lock()
	defer d.mu.Unlock()
	roles := make([]models.AgentRole, len(d.launches))
	for i, l := range d.launches {
		roles[i] = l.Spec.Role
	}
	return roles
}

// LaunchesFor returns the launches recorded for one feature, in order.
func (d *ScriptedDriver) LaunchesFor(featureID string) []*Launch {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Launch
	for _, l := range d.launches {
		if l.Spec.FeatureID == featureID {
			out = append(out, l)
		}
	}
	return out
}

// Find returns the first launch for the feature and role, or nil.
func (d *ScriptedDriver) Find(featureID string, role models.AgentRole) *Launch {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.launches {
		if l.Spec.FeatureID == featureID && l.Spec.Role == role {
			return l
		}
	}
	return nil
}

// scriptedHandle reports coding until released, then the scripted exit.
type scriptedHandle struct {
	id     string
	exit   int
	detail string

	mu     sync.Mutex
	killed bool

	released    chan struct{}
	releaseOnce sync.Once
}

func (h *scriptedHandle) ID() string { return h.id }

func (h *scriptedHandle) Poll(context.Context) (driver.Status, error) {
	select {
	case <-h.released:
	default:
		return driver.Status{State: driver.StateCoding}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed {
		return driver.Status{State: driver.StateFailed, Detail: "terminated"}, nil
	}
	code := h.exit
	st := driver.Status{ExitCode: &code, Detail: h.detail}
	if code == 0 {
		st.State = driver.StateCompleted
	} else {
		st.State = driver.StateFailed
	}
	return st, nil
}

func (h *scriptedHandle) Terminate(context.Context) error {
	select {
	case <-h.released:
		// Already stopped; keep the reported outcome.
		return nil
	default:
	}
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.release()
	return nil
}

func (h *scriptedHandle) release() {
	h.releaseOnce.Do(func() { close(h.released) })
}
