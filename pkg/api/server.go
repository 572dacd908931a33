// Package api exposes the control plane over HTTP: project and feature
// CRUD, pipeline assignment, agent-run inspection, work-session control,
// the per-agent prompt queue, and live output streaming over SSE and
// WebSocket.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/config"
	"github.com/forgeline/forgeline/pkg/database"
	"github.com/forgeline/forgeline/pkg/events"
	"github.com/forgeline/forgeline/pkg/github"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/queue"
	"github.com/forgeline/forgeline/pkg/session"
	"github.com/forgeline/forgeline/pkg/store"
)

// SessionService is the work-session surface the API drives. Implemented by
// session.Manager.
type SessionService interface {
	StartSession(ctx context.Context, req session.StartRequest) (*session.StartResult, error)
	EndSession(runID string) error
	SendMessage(runID, text string) error
	ActiveSessions() []session.Info
}

// Dispatcher starts a pipeline for a manually assigned feature and reports
// whether autonomous dispatch is alive. Implemented by watcher.Watcher.
type Dispatcher interface {
	Assign(ctx context.Context, project *models.Project, feature *models.Feature) (bool, error)
	Running() bool
}

// Server is the HTTP API server.
type Server struct {
	cfg         *config.ServerConfig
	store       store.Store
	sessions    SessionService
	queue       *queue.Manager
	bus         *events.Bus
	connManager *events.ConnectionManager
	logger      *slog.Logger

	// Optional collaborators, wired via setters after construction.
	dbClient   *database.Client
	dispatcher Dispatcher
	tokens     github.TokenSource

	echo       *echo.Echo
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.ServerConfig, st store.Store, sessions SessionService, queueMgr *queue.Manager, bus *events.Bus, connManager *events.ConnectionManager) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		sessions:    sessions,
		queue:       queueMgr,
		bus:         bus,
		connManager: connManager,
		logger:      slog.Default().With("component", "api"),
		echo:        echo.New(),
		startedAt:   time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

// SetDatabaseClient wires the SQL client used by the health check. Left nil
// when the control plane runs on the in-memory store.
func (s *Server) SetDatabaseClient(client *database.Client) {
	s.dbClient = client
}

// SetDispatcher wires the pipeline dispatcher behind the assign endpoint.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetTokenSource wires the git credential source handed to work sessions
// started over the API.
func (s *Server) SetTokenSource(ts github.TokenSource) {
	s.tokens = ts
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(requestLogger())
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")
	v1.GET("/version", s.versionHandler)

	v1.POST("/projects", s.createProjectHandler)
	v1.GET("/projects", s.listProjectsHandler)
	v1.GET("/projects/:id", s.getProjectHandler)
	v1.PATCH("/projects/:id", s.updateProjectHandler)
	v1.DELETE("/projects/:id", s.deleteProjectHandler)

	v1.POST("/projects/:id/features", s.createFeatureHandler)
	v1.POST("/projects/:id/features/bulk", s.createFeaturesBulkHandler)
	v1.GET("/projects/:id/features", s.listFeaturesHandler)
	v1.GET("/features/:id", s.getFeatureHandler)
	v1.PATCH("/features/:id", s.updateFeatureHandler)
	v1.DELETE("/features/:id", s.deleteFeatureHandler)
	v1.PUT("/features/:id/dependencies", s.setDependenciesHandler)
	v1.POST("/features/:id/assign", s.assignFeatureHandler)
	v1.POST("/features/:id/create-pr", s.createPRHandler)
	v1.GET("/features/:id/agent-runs", s.listRunsByFeatureHandler)

	v1.GET("/agent-runs/:id", s.getAgentRunHandler)
	v1.GET("/agent-runs/:id/messages", s.listMessagesHandler)
	v1.POST("/agent-runs/:id/messages", s.postMessageHandler)
	v1.GET("/agent-runs/:id/messages/stream", s.streamMessagesHandler)

	v1.POST("/work-sessions", s.startWorkSessionHandler)
	v1.DELETE("/work-sessions/:runId", s.endWorkSessionHandler)
	v1.GET("/work-sessions", s.listWorkSessionsHandler)

	v1.POST("/agents/:agentId/queue", s.enqueuePromptHandler)
	v1.GET("/agents/:agentId/queue", s.listQueueHandler)
	v1.DELETE("/queue/:id", s.removeQueueEntryHandler)
	v1.PATCH("/queue/:id/position", s.reorderQueueEntryHandler)
}

// Start listens on addr and serves until Shutdown or a listener error.
// It blocks; run it in a goroutine and treat http.ErrServerClosed as a
// clean exit.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an existing listener. Used by tests that
// need an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
