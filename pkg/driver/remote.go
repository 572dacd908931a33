package driver

import (
	"context"
	"fmt"
	"log/slog"

	runnerv1 "github.com/forgeline/forgeline/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// RemoteDriver launches workers as container tasks on a runner host via
// gRPC. The host owns the container lifecycle; the driver only translates
// between task states and worker states.
type RemoteDriver struct {
	conn   *grpc.ClientConn
	client runnerv1.RunnerServiceClient
	image  string
	logger *slog.Logger
}

// NewRemoteDriver connects to the runner host at addr. Workers launch from
// defaultImage unless the spec names its own.
func NewRemoteDriver(addr, defaultImage string) (*RemoteDriver, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to runner host at %s: %w", addr, err)
	}
	return &RemoteDriver{
		conn:   conn,
		client: runnerv1.NewRunnerServiceClient(conn),
		image:  defaultImage,
		logger: slog.Default().With("component", "driver.remote"),
	}, nil
}

// Start launches a task for the spec and returns a handle bound to the
// host-assigned task id.
func (d *RemoteDriver) Start(ctx context.Context, spec WorkSpec) (Handle, error) {
	image := spec.Image
	if image == "" {
		image = d.image
	}

	env := EnvMap(spec)
	req := &runnerv1.LaunchTaskRequest{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			"feature_id": spec.FeatureID,
			"project_id": spec.ProjectID,
			"agent_role": string(spec.Role),
		},
	}

	resp, err := d.client.LaunchTask(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("gRPC LaunchTask call failed: %w", err)
	}

	d.logger.Info("Worker task launched",
		"task_id", resp.GetTaskId(),
		"image", image,
		"role", spec.Role,
		"feature_id", spec.FeatureID,
		"env", MaskedEnv(env))

	return &remoteHandle{
		client: d.client,
		taskID: resp.GetTaskId(),
	}, nil
}

// Close releases the gRPC connection.
func (d *RemoteDriver) Close() error {
	return d.conn.Close()
}

type remoteHandle struct {
	client runnerv1.RunnerServiceClient
	taskID string
}

func (h *remoteHandle) ID() string {
	return h.taskID
}

// Poll describes the task and maps its lifecycle state to a worker status.
func (h *remoteHandle) Poll(ctx context.Context) (Status, error) {
	resp, err := h.client.DescribeTask(ctx, &runnerv1.DescribeTaskRequest{TaskId: h.taskID})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Status{}, fmt.Errorf("task %s: %w", h.taskID, ErrWorkerNotFound)
		}
		return Status{}, fmt.Errorf("gRPC DescribeTask call failed: %w", err)
	}
	return fromTaskState(resp), nil
}

// Terminate asks the host to stop the task.
func (h *remoteHandle) Terminate(ctx context.Context) error {
	_, err := h.client.StopTask(ctx, &runnerv1.StopTaskRequest{
		TaskId: h.taskID,
		Reason: "terminated by control plane",
	})
	if err != nil {
		return fmt.Errorf("gRPC StopTask call failed: %w", err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Proto conversion helpers
// ────────────────────────────────────────────────────────────

// fromTaskState maps the host's task lifecycle onto worker states. Anything
// before RUNNING is "started"; a stopped task resolves by exit code, and a
// missing exit code counts as failure.
func fromTaskState(resp *runnerv1.DescribeTaskResponse) Status {
	switch resp.GetState() {
	case runnerv1.TaskState_TASK_STATE_PROVISIONING,
		runnerv1.TaskState_TASK_STATE_PENDING,
		runnerv1.TaskState_TASK_STATE_ACTIVATING:
		return Status{State: StateStarted, Detail: resp.GetStateReason()}

	case runnerv1.TaskState_TASK_STATE_RUNNING,
		runnerv1.TaskState_TASK_STATE_DEACTIVATING:
		return Status{State: StateCoding, Detail: resp.GetStateReason()}

	case runnerv1.TaskState_TASK_STATE_STOPPED:
		if resp.ExitCode == nil {
			return Status{
				State:  StateFailed,
				Detail: stoppedDetail(resp.GetStateReason(), "task stopped without exit code"),
			}
		}
		code := int(resp.GetExitCode())
		if code == 0 {
			return Status{State: StateCompleted, ExitCode: &code}
		}
		return Status{
			State:    StateFailed,
			ExitCode: &code,
			Detail:   resp.GetStateReason(),
		}

	default:
		// Unknown states are treated as not-yet-running.
		return Status{State: StateStarted, Detail: resp.GetStateReason()}
	}
}

func stoppedDetail(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
