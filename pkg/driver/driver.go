// Package driver launches and supervises pipeline workers. A worker is a
// short-lived process (local variant) or container task on a runner host
// (remote variant) that clones the project repo, performs one agent stage,
// and exits. Drivers expose a uniform Handle the monitor polls; everything
// stage-specific travels through the worker environment contract built by
// EnvMap.
package driver

import (
	"context"
	"errors"

	"github.com/forgeline/forgeline/pkg/models"
)

// ErrWorkerNotFound is returned by Poll when the runtime no longer knows the
// worker: the task expired on the runner host or the handle outlived it.
var ErrWorkerNotFound = errors.New("worker not found")

// State describes what a worker is doing from the control plane's view.
type State string

const (
	// StateStarted covers everything before the worker process runs:
	// provisioning, image pull, container activation.
	StateStarted State = "started"
	// StateCoding means the worker process is executing.
	StateCoding State = "coding"
	// StateCompleted means the worker exited with code 0.
	StateCompleted State = "completed"
	// StateFailed means the worker exited non-zero, never produced an exit
	// code, or was killed.
	StateFailed State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is a point-in-time snapshot of a worker.
type Status struct {
	State State
	// ExitCode is set once the worker stopped, when the runtime reported one.
	ExitCode *int
	// Detail carries the runtime's reason string or a stderr tail; used in
	// run error messages.
	Detail string
}

// WorkSpec describes one worker launch. Token is a secret: it is delivered
// to the worker via the environment and must never appear in logs.
type WorkSpec struct {
	Role               models.AgentRole
	RepoURL            string
	FeatureID          string
	ProjectID          string
	FeatureName        string
	FeatureDescription string
	BaseBranch         string
	// Workspace is the directory the worker operates in. The local driver
	// derives one under its work root when empty.
	Workspace string
	// Token is the git credential for clone/push, if a resolver is configured.
	Token string
	// ExtraContext carries user guidance collected between stages.
	ExtraContext string
	// Image selects the container image for remote workers.
	Image string
}

// Handle tracks one launched worker.
type Handle interface {
	// ID is the runtime's identity for the worker (task id or local run id).
	ID() string
	// Poll reports the worker's current status.
	Poll(ctx context.Context) (Status, error)
	// Terminate stops the worker. Terminating an already stopped worker is
	// not an error.
	Terminate(ctx context.Context) error
}

// Driver launches workers.
type Driver interface {
	Start(ctx context.Context, spec WorkSpec) (Handle, error)
}
