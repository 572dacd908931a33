package api

import (
	"errors"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// createFeatureHandler handles POST /api/v1/projects/:id/features.
func (s *Server) createFeatureHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	var req models.CreateFeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	feature, err := s.store.CreateFeature(c.Request().Context(), projectID, req)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, feature)
}

// createFeaturesBulkHandler handles POST /api/v1/projects/:id/features/bulk.
// All features are created or none: a validation failure on any entry
// rejects the whole batch.
func (s *Server) createFeaturesBulkHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	var reqs []models.CreateFeatureRequest
	if err := c.Bind(&reqs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(reqs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one feature is required")
	}

	features, err := s.store.CreateFeaturesBulk(c.Request().Context(), projectID, reqs)
	if err != nil {
		return mapStoreError(err)
	}

	s.logger.Info("Features bulk-created",
		"project_id", projectID,
		"count", len(features),
		"author", extractAuthor(c))
	return c.JSON(http.StatusCreated, features)
}

// listFeaturesHandler handles GET /api/v1/projects/:id/features.
func (s *Server) listFeaturesHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return mapStoreError(err)
	}

	features, err := s.store.ListFeaturesByProject(ctx, projectID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, features)
}

// getFeatureHandler handles GET /api/v1/features/:id.
func (s *Server) getFeatureHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature id is required")
	}

	feature, err := s.store.GetFeature(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, feature)
}

// updateFeatureHandler handles PATCH /api/v1/features/:id.
func (s *Server) updateFeatureHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature id is required")
	}

	var req models.UpdateFeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	feature, err := s.store.UpdateFeature(c.Request().Context(), id, req)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, feature)
}

// deleteFeatureHandler handles DELETE /api/v1/features/:id.
func (s *Server) deleteFeatureHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature id is required")
	}

	if err := s.store.DeleteFeature(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// setDependenciesHandler handles PUT /api/v1/features/:id/dependencies.
// Replaces the dependency list; a cycle returns 409.
func (s *Server) setDependenciesHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature id is required")
	}

	var req SetDependenciesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := s.store.SetFeatureDependencies(ctx, id, req.DependsOn); err != nil {
		return mapStoreError(err)
	}

	feature, err := s.store.GetFeature(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, feature)
}

// assignFeatureHandler handles POST /api/v1/features/:id/assign.
// Pre-flight: the project must have a repository and the feature must be
// pending. Returns 202 either way: "dispatched" when a pipeline started,
// "queued" when the project is at its concurrency cap and the feature waits
// for the next scan.
func (s *Server) assignFeatureHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature id is required")
	}
	if s.dispatcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "dispatch not configured")
	}

	ctx := c.Request().Context()
	feature, err := s.store.GetFeature(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	if feature.Status != models.FeatureStatusPending {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("feature is %s, only pending features can be assigned", feature.Status))
	}

	project, err := s.store.GetProject(ctx, feature.ProjectID)
	if err != nil {
		return mapStoreError(err)
	}
	if project.RepoURL == "" {
		return echo.NewHTTPError(http.StatusConflict, "project has no repository configured")
	}

	dispatched, err := s.dispatcher.Assign(ctx, project, feature)
	if err != nil {
		return mapStoreError(err)
	}

	resp := &AssignResponse{FeatureID: feature.ID, Status: "queued",
		Message: "Project at concurrency cap, feature dispatches when a slot frees"}
	if dispatched {
		resp.Status = "dispatched"
		resp.Message = "Pipeline started"
	}

	s.logger.Info("Feature assignment requested",
		"feature_id", feature.ID,
		"status", resp.Status,
		"author", extractAuthor(c))
	return c.JSON(http.StatusAccepted, resp)
}

// createPRHandler handles POST /api/v1/features/:id/create-pr.
// Promotes a review-ready feature to passing and records a pr_created
// message on its latest run.
func (s *Server) createPRHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature id is required")
	}

	ctx := c.Request().Context()
	feature, err := s.store.GetFeature(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}

	if err := s.store.TransitionReviewReadyToPassing(ctx, id); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict,
				fmt.Sprintf("feature is %s, only review_ready features can open a PR", feature.Status))
		}
		return mapStoreError(err)
	}

	// Best-effort: the transition already happened, a missing message must
	// not fail the request.
	runs, err := s.store.ListRunsByFeature(ctx, id)
	if err != nil || len(runs) == 0 {
		s.logger.Warn("No run found for pr_created message", "feature_id", id, "error", err)
	} else {
		latest := runs[len(runs)-1]
		if _, err := s.store.CreateMessage(ctx, models.CreateMessageRequest{
			RunID:   latest.ID,
			Sender:  models.SenderSystem,
			Type:    models.MessageTypePRCreated,
			Content: fmt.Sprintf("Pull request created for %q from branch %s", feature.Name, feature.BranchName()),
		}); err != nil {
			s.logger.Warn("Recording pr_created message", "feature_id", id, "error", err)
		}
	}

	s.logger.Info("Feature promoted to passing",
		"feature_id", id,
		"author", extractAuthor(c))
	return c.JSON(http.StatusOK, &CreatePRResponse{
		FeatureID: id,
		Status:    string(models.FeatureStatusPassing),
		Branch:    feature.BranchName(),
	})
}
