package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the control plane's own components (database, sessions) are checked;
// external services are excluded so the orchestrator is not restarted when
// a dependency it does not own is down.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		if _, err := s.dbClient.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy, Message: "in-memory store"}
	}

	if s.dispatcher != nil {
		if s.dispatcher.Running() {
			checks["dispatch"] = HealthCheck{Status: healthStatusHealthy}
		} else {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["dispatch"] = HealthCheck{Status: healthStatusDegraded, Message: "watcher stopped"}
		}
	}

	if s.sessions != nil {
		n := len(s.sessions.ActiveSessions())
		checks["sessions"] = HealthCheck{Status: healthStatusHealthy, Message: fmt.Sprintf("%d active", n)}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:    status,
		Version:   version.GitCommit,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// versionHandler handles GET /api/v1/version.
func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &VersionResponse{
		Name:   version.AppName,
		Commit: version.GitCommit,
	})
}
