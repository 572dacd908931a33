package entstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/ent/feature"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/google/uuid"
)

// CreateFeature creates a feature under a project. Dependencies must
// reference existing features of the same project.
func (s *EntStore) CreateFeature(ctx context.Context, projectID string, req models.CreateFeatureRequest) (*models.Feature, error) {
	if req.Name == "" {
		return nil, store.NewValidationError("name", "required")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	if _, err := s.client.Project.Get(ctx, projectID); err != nil {
		return nil, wrapErr("failed to get project", err)
	}
	if len(req.DependsOn) > 0 {
		if err := s.verifyDependenciesExist(ctx, projectID, req.DependsOn); err != nil {
			return nil, err
		}
	}

	f, err := s.featureCreate(s.client, projectID, req).Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to create feature", err)
	}
	return toFeature(f), nil
}

// CreateFeaturesBulk creates several features in one transaction; either
// all are created or none.
func (s *EntStore) CreateFeaturesBulk(ctx context.Context, projectID string, reqs []models.CreateFeatureRequest) ([]*models.Feature, error) {
	if len(reqs) == 0 {
		return nil, store.NewValidationError("features", "required")
	}
	for _, req := range reqs {
		if req.Name == "" {
			return nil, store.NewValidationError("name", "required")
		}
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	if _, err := s.client.Project.Get(ctx, projectID); err != nil {
		return nil, wrapErr("failed to get project", err)
	}

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, wrapErr("failed to start transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, req := range reqs {
		if len(req.DependsOn) == 0 {
			continue
		}
		if err := s.verifyDependenciesExistTx(ctx, tx, projectID, req.DependsOn); err != nil {
			return nil, err
		}
	}

	builders := make([]*ent.FeatureCreate, len(reqs))
	for i, req := range reqs {
		builders[i] = s.featureCreateTx(tx, projectID, req)
	}
	fs, err := tx.Feature.CreateBulk(builders...).Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to create features", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("failed to commit feature batch", err)
	}
	return toFeatures(fs), nil
}

func (s *EntStore) featureCreate(client *ent.Client, projectID string, req models.CreateFeatureRequest) *ent.FeatureCreate {
	create := client.Feature.Create().
		SetID(uuid.New().String()).
		SetProjectID(projectID).
		SetName(req.Name).
		SetDescription(req.Description).
		SetNillablePriority(req.Priority)
	if len(req.DependsOn) > 0 {
		create = create.SetDependsOn(req.DependsOn)
	}
	if req.TrackerIssueID != "" {
		create = create.SetTrackerIssueID(req.TrackerIssueID)
	}
	return create
}

func (s *EntStore) featureCreateTx(tx *ent.Tx, projectID string, req models.CreateFeatureRequest) *ent.FeatureCreate {
	create := tx.Feature.Create().
		SetID(uuid.New().String()).
		SetProjectID(projectID).
		SetName(req.Name).
		SetDescription(req.Description).
		SetNillablePriority(req.Priority)
	if len(req.DependsOn) > 0 {
		create = create.SetDependsOn(req.DependsOn)
	}
	if req.TrackerIssueID != "" {
		create = create.SetTrackerIssueID(req.TrackerIssueID)
	}
	return create
}

// GetFeature returns a feature by id.
func (s *EntStore) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	f, err := s.client.Feature.Get(ctx, id)
	if err != nil {
		return nil, wrapErr("failed to get feature", err)
	}
	return toFeature(f), nil
}

// UpdateFeature applies the non-nil fields of req.
func (s *EntStore) UpdateFeature(ctx context.Context, id string, req models.UpdateFeatureRequest) (*models.Feature, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	update := s.client.Feature.UpdateOneID(id)
	if req.Name != nil {
		if *req.Name == "" {
			return nil, store.NewValidationError("name", "required")
		}
		update = update.SetName(*req.Name)
	}
	if req.Description != nil {
		update = update.SetDescription(*req.Description)
	}
	if req.Priority != nil {
		update = update.SetPriority(*req.Priority)
	}
	if req.Status != nil {
		// Operator escape hatch: a stuck feature may be reset to pending,
		// nothing else. All other transitions go through the CAS methods.
		if *req.Status != models.FeatureStatusPending {
			return nil, store.NewValidationError("status", "only a reset to pending is allowed")
		}
		update = update.SetStatus(feature.StatusPending)
	}

	f, err := update.Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to update feature", err)
	}
	return toFeature(f), nil
}

// DeleteFeature removes a feature and strips its id from sibling dependency
// lists so the project graph stays consistent.
func (s *EntStore) DeleteFeature(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return wrapErr("failed to start transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	f, err := tx.Feature.Get(ctx, id)
	if err != nil {
		return wrapErr("failed to get feature", err)
	}

	siblings, err := tx.Feature.Query().
		Where(feature.ProjectIDEQ(f.ProjectID), feature.IDNEQ(id)).
		All(ctx)
	if err != nil {
		return wrapErr("failed to list sibling features", err)
	}
	for _, sib := range siblings {
		if !slices.Contains(sib.DependsOn, id) {
			continue
		}
		remaining := slices.DeleteFunc(slices.Clone(sib.DependsOn), func(dep string) bool {
			return dep == id
		})
		upd := tx.Feature.UpdateOneID(sib.ID)
		if len(remaining) == 0 {
			upd = upd.ClearDependsOn()
		} else {
			upd = upd.SetDependsOn(remaining)
		}
		if err := upd.Exec(ctx); err != nil {
			return wrapErr("failed to update sibling dependencies", err)
		}
	}

	if err := tx.Feature.DeleteOneID(id).Exec(ctx); err != nil {
		return wrapErr("failed to delete feature", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("failed to commit feature delete", err)
	}
	return nil
}

// ListFeaturesByProject returns a project's features, oldest first.
func (s *EntStore) ListFeaturesByProject(ctx context.Context, projectID string) ([]*models.Feature, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	fs, err := s.client.Feature.Query().
		Where(feature.ProjectIDEQ(projectID)).
		Order(ent.Asc(feature.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list features", err)
	}
	return toFeatures(fs), nil
}

// ListReadyFeatures returns pending features whose dependencies are all
// passing, in dispatch order: priority ascending, then oldest first.
func (s *EntStore) ListReadyFeatures(ctx context.Context, projectID string) ([]*models.Feature, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	all, err := s.client.Feature.Query().
		Where(feature.ProjectIDEQ(projectID)).
		Order(ent.Asc(feature.FieldPriority), ent.Asc(feature.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list features", err)
	}

	statuses := make(map[string]feature.Status, len(all))
	for _, f := range all {
		statuses[f.ID] = f.Status
	}

	ready := make([]*models.Feature, 0)
	for _, f := range all {
		if f.Status != feature.StatusPending {
			continue
		}
		if dependenciesSatisfied(f.DependsOn, statuses) {
			ready = append(ready, toFeature(f))
		}
	}
	return ready, nil
}

func dependenciesSatisfied(dependsOn []string, statuses map[string]feature.Status) bool {
	for _, dep := range dependsOn {
		if statuses[dep] != feature.StatusPassing {
			return false
		}
	}
	return true
}

// ClaimFeature transitions pending → in_progress under a row lock. Losing
// the compare-and-set race returns ErrAlreadyClaimed.
func (s *EntStore) ClaimFeature(ctx context.Context, featureID string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return wrapErr("failed to start transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	f, err := tx.Feature.Query().
		Where(feature.IDEQ(featureID)).
		ForUpdate().
		Only(ctx)
	if err != nil {
		return wrapErr("failed to query feature for claim", err)
	}
	if f.Status != feature.StatusPending {
		return store.ErrAlreadyClaimed
	}

	// Clear any stale failure message from a previous attempt.
	if _, err := f.Update().
		SetStatus(feature.StatusInProgress).
		ClearErrorMessage().
		Save(ctx); err != nil {
		return wrapErr("failed to claim feature", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("failed to commit claim", err)
	}
	return nil
}

// ReleaseFeature returns an in_progress feature to pending. Any other
// source state is an invalid transition.
func (s *EntStore) ReleaseFeature(ctx context.Context, featureID string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	n, err := s.client.Feature.Update().
		Where(feature.IDEQ(featureID), feature.StatusEQ(feature.StatusInProgress)).
		SetStatus(feature.StatusPending).
		Save(ctx)
	if err != nil {
		return wrapErr("failed to release feature", err)
	}
	if n == 0 {
		return s.transitionMiss(ctx, featureID)
	}
	return nil
}

// MarkFeatureReviewReady transitions in_progress → review_ready.
func (s *EntStore) MarkFeatureReviewReady(ctx context.Context, featureID string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	n, err := s.client.Feature.Update().
		Where(feature.IDEQ(featureID), feature.StatusEQ(feature.StatusInProgress)).
		SetStatus(feature.StatusReviewReady).
		ClearErrorMessage().
		Save(ctx)
	if err != nil {
		return wrapErr("failed to mark feature review-ready", err)
	}
	if n == 0 {
		return s.transitionMiss(ctx, featureID)
	}
	return nil
}

// MarkFeatureFailing records a pipeline failure.
func (s *EntStore) MarkFeatureFailing(ctx context.Context, featureID string, errorMessage string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	update := s.client.Feature.UpdateOneID(featureID).
		SetStatus(feature.StatusFailing)
	if errorMessage != "" {
		update = update.SetErrorMessage(errorMessage)
	}
	if err := update.Exec(ctx); err != nil {
		return wrapErr("failed to mark feature failing", err)
	}
	return nil
}

// TransitionReviewReadyToPassing moves review_ready → passing; any other
// source state returns ErrInvalidTransition.
func (s *EntStore) TransitionReviewReadyToPassing(ctx context.Context, featureID string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	n, err := s.client.Feature.Update().
		Where(feature.IDEQ(featureID), feature.StatusEQ(feature.StatusReviewReady)).
		SetStatus(feature.StatusPassing).
		Save(ctx)
	if err != nil {
		return wrapErr("failed to transition feature to passing", err)
	}
	if n == 0 {
		return s.transitionMiss(ctx, featureID)
	}
	return nil
}

// transitionMiss distinguishes "feature gone" from "wrong source state"
// after a conditional update matched no rows.
func (s *EntStore) transitionMiss(ctx context.Context, featureID string) error {
	exists, err := s.client.Feature.Query().
		Where(feature.IDEQ(featureID)).
		Exist(ctx)
	if err != nil {
		return wrapErr("failed to check feature", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInvalidTransition
}

// SetFeatureDependencies replaces the dependency list after checking every
// referenced feature exists in the project and the new graph stays acyclic.
func (s *EntStore) SetFeatureDependencies(ctx context.Context, featureID string, dependsOn []string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	f, err := s.client.Feature.Get(ctx, featureID)
	if err != nil {
		return wrapErr("failed to get feature", err)
	}

	all, err := s.client.Feature.Query().
		Where(feature.ProjectIDEQ(f.ProjectID)).
		All(ctx)
	if err != nil {
		return wrapErr("failed to list project features", err)
	}

	known := make(map[string][]string, len(all))
	for _, sib := range all {
		known[sib.ID] = sib.DependsOn
	}
	for _, dep := range dependsOn {
		if _, ok := known[dep]; !ok {
			return fmt.Errorf("%w: unknown dependency %q", store.ErrInvalidInput, dep)
		}
	}

	known[featureID] = dependsOn
	if reachesSelf(known, featureID) {
		return fmt.Errorf("%w: %w", store.ErrInvalidInput, store.ErrDependencyCycle)
	}

	update := s.client.Feature.UpdateOneID(featureID)
	if len(dependsOn) == 0 {
		update = update.ClearDependsOn()
	} else {
		update = update.SetDependsOn(dependsOn)
	}
	if err := update.Exec(ctx); err != nil {
		return wrapErr("failed to set dependencies", err)
	}
	return nil
}

// reachesSelf reports whether start is reachable from its own dependencies,
// which includes self-dependencies.
func reachesSelf(graph map[string][]string, start string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), graph[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == start {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, graph[id]...)
	}
	return false
}

// verifyDependenciesExist checks every dep id against the project's features.
func (s *EntStore) verifyDependenciesExist(ctx context.Context, projectID string, deps []string) error {
	n, err := s.client.Feature.Query().
		Where(feature.ProjectIDEQ(projectID), feature.IDIn(deps...)).
		Count(ctx)
	if err != nil {
		return wrapErr("failed to verify dependencies", err)
	}
	if n != len(uniqueStrings(deps)) {
		return fmt.Errorf("%w: dependency references unknown feature", store.ErrInvalidInput)
	}
	return nil
}

func (s *EntStore) verifyDependenciesExistTx(ctx context.Context, tx *ent.Tx, projectID string, deps []string) error {
	n, err := tx.Feature.Query().
		Where(feature.ProjectIDEQ(projectID), feature.IDIn(deps...)).
		Count(ctx)
	if err != nil {
		return wrapErr("failed to verify dependencies", err)
	}
	if n != len(uniqueStrings(deps)) {
		return fmt.Errorf("%w: dependency references unknown feature", store.ErrInvalidInput)
	}
	return nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
