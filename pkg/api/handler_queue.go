package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/models"
)

// enqueuePromptHandler handles POST /api/v1/agents/:agentId/queue.
// The prompt is dispatched immediately when the agent is idle, otherwise it
// waits its turn; either way the entry is returned with 202.
func (s *Server) enqueuePromptHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	var req EnqueuePromptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entry, err := s.queue.Enqueue(c.Request().Context(), models.EnqueueRequest{
		AgentID:   agentID,
		ProjectID: req.ProjectID,
		Prompt:    req.Prompt,
	})
	if err != nil {
		return mapStoreError(err)
	}

	s.logger.Info("Prompt queued",
		"entry_id", entry.ID,
		"agent_id", agentID,
		"author", extractAuthor(c))
	return c.JSON(http.StatusAccepted, entry)
}

// listQueueHandler handles GET /api/v1/agents/:agentId/queue.
// Entries come back in execution order: the processing entry first, then
// queued entries by position.
func (s *Server) listQueueHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	entries, err := s.queue.List(c.Request().Context(), agentID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// removeQueueEntryHandler handles DELETE /api/v1/queue/:id.
// Only queued entries can be removed; a processing entry returns 409.
func (s *Server) removeQueueEntryHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "queue entry id is required")
	}

	if err := s.queue.Remove(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// reorderQueueEntryHandler handles PATCH /api/v1/queue/:id/position.
func (s *Server) reorderQueueEntryHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "queue entry id is required")
	}

	var req ReorderQueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Index < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "index cannot be negative")
	}

	entry, err := s.queue.Reorder(c.Request().Context(), id, req.Index)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, entry)
}
