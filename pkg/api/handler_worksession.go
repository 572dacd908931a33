package api

import (
	"context"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/session"
	"github.com/forgeline/forgeline/pkg/store"
)

// startWorkSessionHandler handles POST /api/v1/work-sessions.
// Starting a session for an agent and thread that already have one returns
// the existing session with status "existing" and 200 instead of 201.
func (s *Server) startWorkSessionHandler(c *echo.Context) error {
	var req StartWorkSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}

	ctx := c.Request().Context()
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return mapStoreError(err)
	}

	threadID := req.ThreadID
	if threadID == "" {
		thread, err := s.ensureWorkThread(ctx, req.AgentID, req.ProjectID)
		if err != nil {
			return mapStoreError(err)
		}
		threadID = thread.ID
	}

	result, err := s.sessions.StartSession(ctx, session.StartRequest{
		AgentID:   req.AgentID,
		ThreadID:  threadID,
		ProjectID: req.ProjectID,
		RepoURL:   project.RepoURL,
		Token:     s.repoToken(ctx),
		Prompt:    req.Prompt,
	})
	if err != nil {
		return mapStoreError(err)
	}

	httpStatus := http.StatusCreated
	if result.Status == session.StatusExisting {
		httpStatus = http.StatusOK
	}

	s.logger.Info("Work session requested",
		"run_id", result.RunID,
		"agent_id", req.AgentID,
		"status", result.Status,
		"author", extractAuthor(c))
	return c.JSON(httpStatus, result)
}

// endWorkSessionHandler handles DELETE /api/v1/work-sessions/:runId.
func (s *Server) endWorkSessionHandler(c *echo.Context) error {
	runID := c.Param("runId")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	if err := s.sessions.EndSession(runID); err != nil {
		return mapStoreError(err)
	}

	s.logger.Info("Work session ended",
		"run_id", runID,
		"author", extractAuthor(c))
	return c.NoContent(http.StatusNoContent)
}

// listWorkSessionsHandler handles GET /api/v1/work-sessions.
func (s *Server) listWorkSessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.ActiveSessions())
}

// ensureWorkThread returns the agent's active work thread, creating one
// when none exists.
func (s *Server) ensureWorkThread(ctx context.Context, agentID, projectID string) (*models.AgentThread, error) {
	thread, err := s.store.FindThread(ctx, agentID, models.ThreadModeWork)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.store.CreateThread(ctx, models.CreateThreadRequest{
		ProjectID: projectID,
		AgentID:   agentID,
		Title:     "Work session",
		Mode:      models.ThreadModeWork,
	})
}

// repoToken resolves the git credential handed to a work session. Failures
// degrade to an unauthenticated clone rather than blocking the session.
func (s *Server) repoToken(ctx context.Context) string {
	if s.tokens == nil {
		return ""
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.logger.Warn("Resolving repo token for work session", "error", err)
		return ""
	}
	return token
}
