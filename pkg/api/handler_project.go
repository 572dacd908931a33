package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/models"
)

// createProjectHandler handles POST /api/v1/projects.
func (s *Server) createProjectHandler(c *echo.Context) error {
	var req models.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	project, err := s.store.CreateProject(c.Request().Context(), req)
	if err != nil {
		return mapStoreError(err)
	}

	s.logger.Info("Project created",
		"project_id", project.ID,
		"name", project.Name,
		"author", extractAuthor(c))
	return c.JSON(http.StatusCreated, project)
}

// listProjectsHandler handles GET /api/v1/projects.
func (s *Server) listProjectsHandler(c *echo.Context) error {
	projects, err := s.store.ListProjects(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, projects)
}

// getProjectHandler handles GET /api/v1/projects/:id.
func (s *Server) getProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	project, err := s.store.GetProject(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// updateProjectHandler handles PATCH /api/v1/projects/:id.
func (s *Server) updateProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	var req models.UpdateProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	project, err := s.store.UpdateProject(c.Request().Context(), id, req)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// deleteProjectHandler handles DELETE /api/v1/projects/:id.
func (s *Server) deleteProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	if err := s.store.DeleteProject(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
