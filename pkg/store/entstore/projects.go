package entstore

import (
	"context"

	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/ent/project"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/google/uuid"
)

// CreateProject creates a project, applying branch and concurrency defaults.
func (s *EntStore) CreateProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, store.NewValidationError("name", "required")
	}
	if req.RepoURL == "" {
		return nil, store.NewValidationError("repo_url", "required")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	create := s.client.Project.Create().
		SetID(uuid.New().String()).
		SetName(req.Name).
		SetRepoURL(req.RepoURL)

	if req.DefaultBranch != "" {
		create = create.SetDefaultBranch(req.DefaultBranch)
	}
	if req.MaxConcurrentRuns > 0 {
		create = create.SetMaxConcurrentRuns(req.MaxConcurrentRuns)
	}
	if req.Active != nil {
		create = create.SetActive(*req.Active)
	}
	if req.TrackerTeamID != "" {
		create = create.SetTrackerTeamID(req.TrackerTeamID)
	}

	p, err := create.Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to create project", err)
	}
	return toProject(p), nil
}

// GetProject returns a project by id.
func (s *EntStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	p, err := s.client.Project.Get(ctx, id)
	if err != nil {
		return nil, wrapErr("failed to get project", err)
	}
	return toProject(p), nil
}

// UpdateProject applies the non-nil fields of req.
func (s *EntStore) UpdateProject(ctx context.Context, id string, req models.UpdateProjectRequest) (*models.Project, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	update := s.client.Project.UpdateOneID(id)
	if req.Name != nil {
		update = update.SetName(*req.Name)
	}
	if req.RepoURL != nil {
		update = update.SetRepoURL(*req.RepoURL)
	}
	if req.DefaultBranch != nil {
		update = update.SetDefaultBranch(*req.DefaultBranch)
	}
	if req.MaxConcurrentRuns != nil {
		if *req.MaxConcurrentRuns <= 0 {
			return nil, store.NewValidationError("max_concurrent_runs", "must be positive")
		}
		update = update.SetMaxConcurrentRuns(*req.MaxConcurrentRuns)
	}
	if req.Active != nil {
		update = update.SetActive(*req.Active)
	}
	if req.TrackerTeamID != nil {
		update = update.SetTrackerTeamID(*req.TrackerTeamID)
	}

	p, err := update.Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to update project", err)
	}
	return toProject(p), nil
}

// DeleteProject removes a project; features, runs, threads and queue
// entries cascade in the database.
func (s *EntStore) DeleteProject(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if err := s.client.Project.DeleteOneID(id).Exec(ctx); err != nil {
		return wrapErr("failed to delete project", err)
	}
	return nil
}

// ListProjects returns all projects, oldest first.
func (s *EntStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ps, err := s.client.Project.Query().
		Order(ent.Asc(project.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list projects", err)
	}
	return toProjects(ps), nil
}

// ListActiveProjects returns projects eligible for autonomous dispatch.
func (s *EntStore) ListActiveProjects(ctx context.Context) ([]*models.Project, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ps, err := s.client.Project.Query().
		Where(project.ActiveEQ(true)).
		Order(ent.Asc(project.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list active projects", err)
	}
	return toProjects(ps), nil
}
