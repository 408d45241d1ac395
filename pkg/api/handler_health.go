package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Database  *database.HealthStatus `json:"database"`
	Timestamp string                 `json:"timestamp"`
}

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only maestro's own store is checked; pane tool and reviewer CLI health is
// deliberately excluded so an orchestrator probe never restarts maestro
// because an external binary is misbehaving.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		status = healthStatusUnhealthy
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:    status,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Version:   version.GitCommit,
		Database:  dbHealth,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
