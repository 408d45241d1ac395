// Package api exposes maestro's HTTP surface: the REST control API, the
// assistant hook ingress and the WebSocket event stream.
//
// Handlers stay thin: bind, validate shape, call a service, map the error.
// Anything that needs coordination across services (ticket start, reject
// feedback injection) happens here rather than growing service-to-service
// dependencies.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/detector"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/services"
	"github.com/sessionworks/maestro/pkg/supervisor"
	"github.com/sessionworks/maestro/pkg/ticketfile"
	"github.com/sessionworks/maestro/pkg/tracker"
)

// Server is the HTTP server: an echo router plus handles on every service
// the REST surface touches.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg      *config.Config
	dbClient *database.Client

	projects      *services.ProjectService
	tickets       *services.TicketService
	sessions      *services.SessionService
	notifications *services.NotificationService

	supervisor  *supervisor.Supervisor
	detector    *detector.Detector
	connManager *events.ConnectionManager
	issues      *tracker.Service
	watcher     *ticketfile.Watcher

	startedAt time.Time
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	projects *services.ProjectService,
	tickets *services.TicketService,
	sessions *services.SessionService,
	notifications *services.NotificationService,
	sup *supervisor.Supervisor,
	det *detector.Detector,
	connManager *events.ConnectionManager,
) *Server {
	s := &Server{
		echo:          echo.New(),
		cfg:           cfg,
		dbClient:      dbClient,
		projects:      projects,
		tickets:       tickets,
		sessions:      sessions,
		notifications: notifications,
		supervisor:    sup,
		detector:      det,
		connManager:   connManager,
		startedAt:     time.Now(),
	}
	s.registerRoutes()
	return s
}

// SetIssueTracker wires the optional GitHub issue importer. Without it the
// import endpoint answers 503.
func (s *Server) SetIssueTracker(t *tracker.Service) {
	s.issues = t
}

// SetTicketWatcher wires the filesystem watcher so project create/delete
// keeps the watched ticket directories current. Optional; without it ticket
// files are only picked up by explicit ?sync=true scans.
func (s *Server) SetTicketWatcher(w *ticketfile.Watcher) {
	s.watcher = w
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(errorEnvelope())
	e.Use(securityHeaders())

	// Unauthenticated surface: liveness probe and assistant hooks. Hook
	// senders have no secrets, and a probe that needs a key is useless.
	e.GET("/health", s.healthHandler)
	e.POST("/hooks/claude", s.claudeHookHandler)
	e.POST("/hooks/session-start", s.sessionStartHookHandler)

	g := e.Group("", requireAPIKey(s.apiKey()))

	g.GET("/projects", s.listProjectsHandler)
	g.POST("/projects", s.createProjectHandler)
	g.GET("/projects/:id", s.getProjectHandler)
	g.PATCH("/projects/:id", s.updateProjectHandler)
	g.DELETE("/projects/:id", s.deleteProjectHandler)
	g.GET("/projects/:id/tickets", s.listTicketsHandler)
	g.POST("/projects/:id/adhoc-tickets", s.createAdhocTicketHandler)
	g.POST("/projects/:id/tickets/import", s.importTicketsHandler)

	g.GET("/tickets/:id", s.getTicketHandler)
	g.GET("/tickets/:id/content", s.getTicketContentHandler)
	g.PUT("/tickets/:id/content", s.putTicketContentHandler)
	g.PATCH("/tickets/:id/title", s.updateTicketTitleHandler)
	g.DELETE("/tickets/:id", s.deleteTicketHandler)
	g.POST("/tickets/:id/start", s.startTicketHandler)
	g.POST("/tickets/:id/approve", s.approveTicketHandler)
	g.POST("/tickets/:id/reject", s.rejectTicketHandler)
	g.GET("/tickets/:id/history", s.ticketHistoryHandler)

	g.POST("/sessions", s.createSessionHandler)
	g.DELETE("/sessions/:id", s.deleteSessionHandler)
	g.POST("/sessions/:id/input", s.sessionInputHandler)
	g.POST("/sessions/:id/focus", s.sessionFocusHandler)
	g.POST("/sessions/sync", s.syncSessionsHandler)

	g.GET("/notifications", s.listNotificationsHandler)
	g.DELETE("/notifications/:id", s.dismissNotificationHandler)
	g.DELETE("/notifications", s.dismissAllNotificationsHandler)

	g.GET("/ws", s.wsHandler)
}

func (s *Server) apiKey() string {
	if s.cfg == nil || s.cfg.Server == nil {
		return ""
	}
	return s.cfg.Server.APIKey
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP makes the server mountable in tests without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
