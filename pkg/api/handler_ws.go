package api

import (
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to ConnectionManager.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	// Without configured origins any origin is accepted, matching a local
	// setup where the dashboard runs on an arbitrary dev port.
	opts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if origins := s.wsOrigins(); len(origins) > 0 {
		opts = &websocket.AcceptOptions{OriginPatterns: origins}
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}

// wsOrigins returns the WebSocket origin allowlist: the configured patterns
// plus the dashboard host. Empty when neither is set.
func (s *Server) wsOrigins() []string {
	patterns := append([]string(nil), s.cfg.AllowedWSOrigins...)
	if len(patterns) == 0 {
		return nil
	}
	if u, err := url.Parse(s.cfg.DashboardURL); err == nil && u.Host != "" {
		patterns = append(patterns, u.Host)
	}
	return patterns
}
