// Package monitor drives launched workers to a terminal run status. A watch
// loop polls the worker's driver handle, mirrors its state into the run row,
// and enforces the overall run timeout. The watch context belongs to the
// pipeline stage; terminal writes always use a background context because
// the stage context is typically already cancelled or expired by then.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeline/forgeline/pkg/driver"
	"github.com/forgeline/forgeline/pkg/events"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

const (
	// DefaultPollInterval is how often the worker is polled.
	DefaultPollInterval = 10 * time.Second
	// DefaultStatusUpdateInterval bounds how stale the stored run status may
	// get while the worker state is unchanged.
	DefaultStatusUpdateInterval = 5 * time.Second
	// DefaultRunTimeout caps a single worker run.
	DefaultRunTimeout = 30 * time.Minute

	// Terminal writes must land; they are retried with doubling backoff.
	completionAttempts     = 3
	completionBackoff      = 1 * time.Second
	completionBackoffCap   = 4 * time.Second
	completionWriteTimeout = 10 * time.Second
	terminateTimeout       = 30 * time.Second
)

// Options tunes one watch loop. Zero values fall back to the defaults.
type Options struct {
	PollInterval         time.Duration
	StatusUpdateInterval time.Duration
	RunTimeout           time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StatusUpdateInterval <= 0 {
		o.StatusUpdateInterval = DefaultStatusUpdateInterval
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	return o
}

// Monitor watches workers on behalf of the pipeline engine.
type Monitor struct {
	runs   store.RunStore
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a monitor writing through the given run store and publishing
// stream errors on the bus.
func New(runs store.RunStore, bus *events.Bus) *Monitor {
	return &Monitor{
		runs:   runs,
		bus:    bus,
		logger: slog.Default().With("component", "monitor"),
	}
}

// Watch polls the handle until the worker reaches a terminal state, the run
// times out, or ctx is cancelled, recording progress on the run row as it
// goes. It returns the final worker status; the returned error is non-nil
// only when the terminal store write could not be recorded.
func (m *Monitor) Watch(ctx context.Context, runID string, handle driver.Handle, opts Options) (driver.Status, error) {
	opts = opts.withDefaults()
	log := m.logger.With("run_id", runID, "worker_id", handle.ID())
	deadline := time.Now().Add(opts.RunTimeout)

	// The run row is created as started just before launch.
	lastStatus := models.RunStatusStarted
	lastWrite := time.Now()

	for {
		if time.Now().After(deadline) {
			detail := fmt.Sprintf("timed out after %s", opts.RunTimeout)
			log.Warn("Run timed out, terminating worker", "timeout", opts.RunTimeout)
			m.terminate(handle, log)
			m.bus.Publish(events.StreamError(runID, "Run "+detail))
			final := driver.Status{State: driver.StateFailed, Detail: detail}
			return final, m.finalize(runID, final, log)
		}

		st, err := handle.Poll(ctx)
		switch {
		case err == nil:
			// fall through to state handling

		case errors.Is(err, driver.ErrWorkerNotFound):
			// The runtime forgot the worker; nothing left to poll or stop.
			log.Warn("Worker disappeared", "error", err)
			m.bus.Publish(events.StreamError(runID, "Worker disappeared"))
			final := driver.Status{State: driver.StateFailed, Detail: "Task not found"}
			return final, m.finalize(runID, final, log)

		case ctx.Err() != nil:
			return m.cancel(runID, handle, log)

		default:
			// Transient poll failure; the next tick retries.
			log.Warn("Worker poll failed", "error", err)
			if !m.sleep(ctx, opts.PollInterval) {
				return m.cancel(runID, handle, log)
			}
			continue
		}

		if st.State.Terminal() {
			return st, m.finalize(runID, st, log)
		}

		status := transientStatus(st.State)
		if status != lastStatus || time.Since(lastWrite) >= opts.StatusUpdateInterval {
			// Progress writes are best-effort; only the terminal write matters.
			if err := m.runs.UpdateAgentRunStatus(ctx, runID, status); err != nil {
				log.Warn("Failed to update run status", "status", status, "error", err)
			} else {
				lastStatus = status
				lastWrite = time.Now()
			}
		}

		if !m.sleep(ctx, opts.PollInterval) {
			return m.cancel(runID, handle, log)
		}
	}
}

// cancel handles watch-context cancellation: stop the worker, record the run
// as failed with a cancellation message.
func (m *Monitor) cancel(runID string, handle driver.Handle, log *slog.Logger) (driver.Status, error) {
	log.Info("Watch cancelled, terminating worker")
	m.terminate(handle, log)
	m.bus.Publish(events.StreamError(runID, "Run cancelled"))
	final := driver.Status{State: driver.StateFailed, Detail: "cancelled"}
	return final, m.finalize(runID, final, log)
}

// sleep waits one poll interval; false means the context was cancelled.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// terminate stops the worker on a fresh context: the watch context is
// usually already dead when termination is needed.
func (m *Monitor) terminate(handle driver.Handle, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := handle.Terminate(ctx); err != nil {
		log.Warn("Failed to terminate worker", "error", err)
	}
}

// finalize records the terminal run status, retrying so a transient store
// hiccup cannot leave the run dangling in a transient status forever.
func (m *Monitor) finalize(runID string, final driver.Status, log *slog.Logger) error {
	status := models.RunStatusCompleted
	errorMessage := ""
	if final.State != driver.StateCompleted {
		status = models.RunStatusFailed
		errorMessage = failureMessage(final)
	}

	backoff := completionBackoff
	var err error
	for attempt := 1; attempt <= completionAttempts; attempt++ {
		writeCtx, cancelWrite := context.WithTimeout(context.Background(), completionWriteTimeout)
		err = m.runs.CompleteAgentRun(writeCtx, runID, status, final.ExitCode, errorMessage)
		cancelWrite()
		if err == nil {
			log.Info("Run finished", "status", status, "error_message", errorMessage)
			return nil
		}
		if attempt < completionAttempts {
			log.Warn("Failed to record terminal run status, retrying",
				"attempt", attempt, "status", status, "error", err)
			time.Sleep(backoff)
			backoff = min(backoff*2, completionBackoffCap)
		}
	}
	log.Error("Giving up on terminal run status write", "status", status, "error", err)
	return fmt.Errorf("recording terminal status for run %s: %w", runID, err)
}

// transientStatus maps a non-terminal worker state onto the run status enum.
func transientStatus(s driver.State) models.AgentRunStatus {
	if s == driver.StateCoding {
		return models.RunStatusCoding
	}
	return models.RunStatusStarted
}

// failureMessage condenses a failed worker status into the run error message.
func failureMessage(st driver.Status) string {
	switch {
	case st.ExitCode != nil && st.Detail != "":
		return fmt.Sprintf("Exit code: %d: %s", *st.ExitCode, st.Detail)
	case st.ExitCode != nil:
		return fmt.Sprintf("Exit code: %d", *st.ExitCode)
	case st.Detail != "":
		return st.Detail
	default:
		return "worker failed without exit code"
	}
}
