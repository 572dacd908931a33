package entstore

import (
	"context"
	"time"

	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/ent/agentrun"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/google/uuid"
)

// CreateAgentRun records a new worker execution in status started.
func (s *EntStore) CreateAgentRun(ctx context.Context, req models.CreateAgentRunRequest) (*models.AgentRun, error) {
	if req.ProjectID == "" {
		return nil, store.NewValidationError("project_id", "required")
	}
	if req.Role == "" {
		return nil, store.NewValidationError("role", "required")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	create := s.client.AgentRun.Create().
		SetID(uuid.New().String()).
		SetProjectID(req.ProjectID).
		SetRole(agentrun.Role(req.Role))
	if req.FeatureID != "" {
		create = create.SetFeatureID(req.FeatureID)
	}
	if req.AgentID != "" {
		create = create.SetAgentID(req.AgentID)
	}

	r, err := create.Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to create agent run", err)
	}
	return toRun(r), nil
}

// GetAgentRun returns a run by id.
func (s *EntStore) GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	r, err := s.client.AgentRun.Get(ctx, id)
	if err != nil {
		return nil, wrapErr("failed to get agent run", err)
	}
	return toRun(r), nil
}

// ListRunsByFeature returns a feature's runs in start order.
func (s *EntStore) ListRunsByFeature(ctx context.Context, featureID string) ([]*models.AgentRun, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	rs, err := s.client.AgentRun.Query().
		Where(agentrun.FeatureIDEQ(featureID)).
		Order(ent.Asc(agentrun.FieldStartedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list runs", err)
	}
	return toRuns(rs), nil
}

// ListUnfinishedRuns returns all runs not yet in a terminal status.
func (s *EntStore) ListUnfinishedRuns(ctx context.Context) ([]*models.AgentRun, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	rs, err := s.client.AgentRun.Query().
		Where(agentrun.StatusNotIn(agentrun.StatusCompleted, agentrun.StatusFailed)).
		Order(ent.Asc(agentrun.FieldStartedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list unfinished runs", err)
	}
	return toRuns(rs), nil
}

// UpdateAgentRunStatus records a progress update. A late progress write
// never overwrites a terminal status: the update is conditional and a miss
// against a finished run is silently dropped.
func (s *EntStore) UpdateAgentRunStatus(ctx context.Context, runID string, status models.AgentRunStatus) error {
	if status.Terminal() {
		return store.NewValidationError("status", "terminal status requires CompleteAgentRun")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	n, err := s.client.AgentRun.Update().
		Where(
			agentrun.IDEQ(runID),
			agentrun.StatusNotIn(agentrun.StatusCompleted, agentrun.StatusFailed),
		).
		SetStatus(agentrun.Status(status)).
		Save(ctx)
	if err != nil {
		return wrapErr("failed to update run status", err)
	}
	if n == 0 {
		exists, err := s.client.AgentRun.Query().Where(agentrun.IDEQ(runID)).Exist(ctx)
		if err != nil {
			return wrapErr("failed to check run", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		// Already terminal: drop the late progress write.
	}
	return nil
}

// CompleteAgentRun records the terminal status, exit code and error message,
// setting finished_at exactly once. Completing an already finished run is a
// no-op so retried terminal writes stay idempotent.
func (s *EntStore) CompleteAgentRun(ctx context.Context, runID string, status models.AgentRunStatus, exitCode *int, errorMessage string) error {
	if !status.Terminal() {
		return store.NewValidationError("status", "must be a terminal status")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	update := s.client.AgentRun.Update().
		Where(agentrun.IDEQ(runID), agentrun.FinishedAtIsNil()).
		SetStatus(agentrun.Status(status)).
		SetFinishedAt(time.Now())
	if exitCode != nil {
		update = update.SetExitCode(*exitCode)
	}
	if errorMessage != "" {
		update = update.SetErrorMessage(errorMessage)
	}

	n, err := update.Save(ctx)
	if err != nil {
		return wrapErr("failed to complete run", err)
	}
	if n == 0 {
		exists, err := s.client.AgentRun.Query().Where(agentrun.IDEQ(runID)).Exist(ctx)
		if err != nil {
			return wrapErr("failed to check run", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		// First terminal write wins; later ones are dropped.
	}
	return nil
}

// PurgeTerminalRunsBefore deletes terminal runs finished before the cutoff
// (unix seconds). Messages cascade in the database.
func (s *EntStore) PurgeTerminalRunsBefore(ctx context.Context, cutoff int64) (int, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	n, err := s.client.AgentRun.Delete().
		Where(
			agentrun.StatusIn(agentrun.StatusCompleted, agentrun.StatusFailed),
			agentrun.FinishedAtLT(time.Unix(cutoff, 0)),
		).
		Exec(ctx)
	if err != nil {
		return 0, wrapErr("failed to purge terminal runs", err)
	}
	return n, nil
}
