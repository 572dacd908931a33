package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/session"
)

// messagePollInterval is how often the SSE stream re-reads the store for
// messages the bus did not carry. Var so tests can shorten it.
var messagePollInterval = time.Second

// getAgentRunHandler handles GET /api/v1/agent-runs/:id.
func (s *Server) getAgentRunHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	run, err := s.store.GetAgentRun(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// listRunsByFeatureHandler handles GET /api/v1/features/:id/agent-runs.
// Runs are returned oldest first.
func (s *Server) listRunsByFeatureHandler(c *echo.Context) error {
	featureID := c.Param("id")
	if featureID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature id is required")
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetFeature(ctx, featureID); err != nil {
		return mapStoreError(err)
	}

	runs, err := s.store.ListRunsByFeature(ctx, featureID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// listMessagesHandler handles GET /api/v1/agent-runs/:id/messages.
// The optional "after" query parameter skips messages up to and including
// the given id.
func (s *Server) listMessagesHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetAgentRun(ctx, runID); err != nil {
		return mapStoreError(err)
	}

	messages, err := s.store.ListMessagesByRun(ctx, runID, c.QueryParam("after"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, messages)
}

// postMessageHandler handles POST /api/v1/agent-runs/:id/messages.
// The message is persisted as a user message; for a work-session run it is
// also forwarded to the live session's stdin. Pipeline runs pick user
// messages up from the store at the next stage boundary.
func (s *Server) postMessageHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	var req PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	ctx := c.Request().Context()
	run, err := s.store.GetAgentRun(ctx, runID)
	if err != nil {
		return mapStoreError(err)
	}

	msg, err := s.store.CreateMessage(ctx, models.CreateMessageRequest{
		RunID:    runID,
		ThreadID: s.liveThreadID(runID),
		Sender:   models.SenderUser,
		Type:     models.MessageTypeMessage,
		Content:  req.Content,
	})
	if err != nil {
		return mapStoreError(err)
	}

	if run.Role == models.RoleWork && s.sessions != nil {
		if err := s.sessions.SendMessage(runID, req.Content); err != nil && !errors.Is(err, session.ErrNoSession) {
			s.logger.Warn("Forwarding message to work session", "run_id", runID, "error", err)
		}
	}

	s.logger.Info("User message posted",
		"run_id", runID,
		"author", extractAuthor(c))
	return c.JSON(http.StatusCreated, msg)
}

// liveThreadID returns the thread of the run's live work session, or "".
func (s *Server) liveThreadID(runID string) string {
	if s.sessions == nil {
		return ""
	}
	for _, info := range s.sessions.ActiveSessions() {
		if info.RunID == runID {
			return info.ThreadID
		}
	}
	return ""
}

// streamMessagesHandler handles GET /api/v1/agent-runs/:id/messages/stream.
//
// SSE layout: persisted messages are sent as "message" events carrying their
// id, so a reconnecting client resumes with Last-Event-ID. Live worker
// output arrives through the bus subscription as token/thinking events.
// A store poll backstops messages the bus never saw, and a final "close"
// event fires once the run reaches a terminal status.
func (s *Server) streamMessagesHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	ctx := c.Request().Context()
	run, err := s.store.GetAgentRun(ctx, runID)
	if err != nil {
		return mapStoreError(err)
	}

	w := c.Response()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	lastID, err := s.streamStoredMessages(c, w, runID, c.Request().Header.Get("Last-Event-ID"))
	if err != nil {
		return nil
	}
	if run.Status.Terminal() {
		writeSSEClose(w, run.Status)
		_ = rc.Flush()
		return nil
	}
	_ = rc.Flush()

	live, unsubscribe := s.bus.Subscribe(runID)
	defer unsubscribe()

	poll := time.NewTicker(messagePollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-live:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := writeSSE(w, "", string(ev.Type), data); err != nil {
				return nil
			}
			_ = rc.Flush()

		case <-poll.C:
			lastID, err = s.streamStoredMessages(c, w, runID, lastID)
			if err != nil {
				return nil
			}

			current, err := s.store.GetAgentRun(ctx, runID)
			if err != nil || current.Status.Terminal() {
				status := models.RunStatusCompleted
				if err == nil {
					status = current.Status
				}
				writeSSEClose(w, status)
				_ = rc.Flush()
				return nil
			}
			_ = rc.Flush()
		}
	}
}

// streamStoredMessages sends every persisted message after afterID and
// returns the new high-water mark. A store failure is treated as transient
// and retried on the next poll; a write failure means the client is gone.
func (s *Server) streamStoredMessages(c *echo.Context, w io.Writer, runID, afterID string) (string, error) {
	messages, err := s.store.ListMessagesByRun(c.Request().Context(), runID, afterID)
	if err != nil {
		s.logger.Warn("Listing messages for stream", "run_id", runID, "error", err)
		return afterID, nil
	}

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := writeSSE(w, msg.ID, "message", data); err != nil {
			return afterID, err
		}
		afterID = msg.ID
	}
	return afterID, nil
}

// writeSSE writes one server-sent event. A non-empty id becomes the event id
// clients echo back in Last-Event-ID.
func writeSSE(w io.Writer, id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeSSEClose(w io.Writer, status models.AgentRunStatus) {
	data, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return
	}
	_ = writeSSE(w, "", "close", data)
}
