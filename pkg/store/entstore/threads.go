package entstore

import (
	"context"

	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/ent/agentthread"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/google/uuid"
)

// CreateThread opens a new conversation thread for an agent.
func (s *EntStore) CreateThread(ctx context.Context, req models.CreateThreadRequest) (*models.AgentThread, error) {
	if req.ProjectID == "" {
		return nil, store.NewValidationError("project_id", "required")
	}
	if req.AgentID == "" {
		return nil, store.NewValidationError("agent_id", "required")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	create := s.client.AgentThread.Create().
		SetID(uuid.New().String()).
		SetProjectID(req.ProjectID).
		SetAgentID(req.AgentID).
		SetTitle(req.Title)
	if req.Mode != "" {
		create = create.SetMode(agentthread.Mode(req.Mode))
	}

	t, err := create.Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to create thread", err)
	}
	return toThread(t), nil
}

// GetThread returns a thread by id.
func (s *EntStore) GetThread(ctx context.Context, id string) (*models.AgentThread, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	t, err := s.client.AgentThread.Get(ctx, id)
	if err != nil {
		return nil, wrapErr("failed to get thread", err)
	}
	return toThread(t), nil
}

// FindThread returns the most recently touched active thread for an agent
// in the given mode, or ErrNotFound.
func (s *EntStore) FindThread(ctx context.Context, agentID string, mode models.ThreadMode) (*models.AgentThread, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	t, err := s.client.AgentThread.Query().
		Where(
			agentthread.AgentIDEQ(agentID),
			agentthread.ModeEQ(agentthread.Mode(mode)),
			agentthread.StatusEQ(agentthread.StatusActive),
		).
		Order(ent.Desc(agentthread.FieldUpdatedAt)).
		First(ctx)
	if err != nil {
		return nil, wrapErr("failed to find thread", err)
	}
	return toThread(t), nil
}

// UpdateThreadTitle renames a thread.
func (s *EntStore) UpdateThreadTitle(ctx context.Context, id string, title string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if err := s.client.AgentThread.UpdateOneID(id).
		SetTitle(title).
		Exec(ctx); err != nil {
		return wrapErr("failed to update thread title", err)
	}
	return nil
}

// ArchiveThread marks a thread archived; FindThread skips it afterwards.
func (s *EntStore) ArchiveThread(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if err := s.client.AgentThread.UpdateOneID(id).
		SetStatus(agentthread.StatusArchived).
		Exec(ctx); err != nil {
		return wrapErr("failed to archive thread", err)
	}
	return nil
}

// ListThreads returns a project's threads, newest first.
func (s *EntStore) ListThreads(ctx context.Context, projectID string) ([]*models.AgentThread, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ts, err := s.client.AgentThread.Query().
		Where(agentthread.ProjectIDEQ(projectID)).
		Order(ent.Desc(agentthread.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list threads", err)
	}
	return toThreads(ts), nil
}
