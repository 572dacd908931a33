package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// CreateProject creates a project, applying branch and concurrency defaults.
func (s *MemStore) CreateProject(_ context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, store.NewValidationError("name", "required")
	}
	if req.RepoURL == "" {
		return nil, store.NewValidationError("repo_url", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	p := &models.Project{
		ID:                newID(),
		Name:              req.Name,
		RepoURL:           req.RepoURL,
		DefaultBranch:     models.DefaultBranchName,
		MaxConcurrentRuns: models.DefaultMaxConcurrentRuns,
		Active:            true,
		TrackerTeamID:     req.TrackerTeamID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.DefaultBranch != "" {
		p.DefaultBranch = req.DefaultBranch
	}
	if req.MaxConcurrentRuns > 0 {
		p.MaxConcurrentRuns = req.MaxConcurrentRuns
	}
	if req.Active != nil {
		p.Active = *req.Active
	}

	s.projects[p.ID] = p
	s.track(p.ID)
	return cloneProject(p), nil
}

// GetProject returns a project by id.
func (s *MemStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneProject(p), nil
}

// UpdateProject applies the non-nil fields of req.
func (s *MemStore) UpdateProject(_ context.Context, id string, req models.UpdateProjectRequest) (*models.Project, error) {
	if req.MaxConcurrentRuns != nil && *req.MaxConcurrentRuns <= 0 {
		return nil, store.NewValidationError("max_concurrent_runs", "must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.RepoURL != nil {
		p.RepoURL = *req.RepoURL
	}
	if req.DefaultBranch != nil {
		p.DefaultBranch = *req.DefaultBranch
	}
	if req.MaxConcurrentRuns != nil {
		p.MaxConcurrentRuns = *req.MaxConcurrentRuns
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	if req.TrackerTeamID != nil {
		p.TrackerTeamID = *req.TrackerTeamID
	}
	p.UpdatedAt = time.Now()
	return cloneProject(p), nil
}

// DeleteProject removes a project and everything under it: features, runs,
// run messages, threads and queue entries.
func (s *MemStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.projects, id)
	s.untrack(id)

	for fid, f := range s.features {
		if f.ProjectID == id {
			delete(s.features, fid)
			s.untrack(fid)
		}
	}
	for rid, r := range s.runs {
		if r.ProjectID == id {
			s.deleteRunLocked(rid)
		}
	}
	for tid, t := range s.threads {
		if t.ProjectID == id {
			delete(s.threads, tid)
			s.untrack(tid)
		}
	}
	for qid, e := range s.queue {
		if e.ProjectID == id {
			delete(s.queue, qid)
			s.untrack(qid)
		}
	}
	return nil
}

// ListProjects returns all projects, oldest first.
func (s *MemStore) ListProjects(_ context.Context) ([]*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listProjectsLocked(func(*models.Project) bool { return true }), nil
}

// ListActiveProjects returns projects eligible for autonomous dispatch.
func (s *MemStore) ListActiveProjects(_ context.Context) ([]*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listProjectsLocked(func(p *models.Project) bool { return p.Active }), nil
}

func (s *MemStore) listProjectsLocked(keep func(*models.Project) bool) []*models.Project {
	out := make([]*models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		if keep(p) {
			out = append(out, cloneProject(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.earlier(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out
}
