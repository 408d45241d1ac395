package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sessionworks/maestro/pkg/models"
)

// createSessionHandler handles POST /sessions. Ticket-bound sessions require
// the ticket to be in_progress already; ad-hoc sessions only need a project.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req models.StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}
	if req.ProjectID == "" {
		return badRequest("project_id", "project_id is required")
	}

	info, err := s.supervisor.StartSession(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, info)
}

// deleteSessionHandler handles DELETE /sessions/:id. Stopping an
// already-finished session is a no-op, so this is safe to retry.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest("id", "session id is required")
	}

	if err := s.supervisor.StopSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// sessionInputHandler handles POST /sessions/:id/input.
func (s *Server) sessionInputHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest("id", "session id is required")
	}

	var req SessionInputRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}
	if req.Text == "" {
		return badRequest("text", "text is required")
	}

	if err := s.supervisor.SendInput(c.Request().Context(), sessionID, req.Text); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// sessionFocusHandler handles POST /sessions/:id/focus.
func (s *Server) sessionFocusHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return badRequest("id", "session id is required")
	}

	paneID, err := s.supervisor.Focus(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &FocusResponse{
		SessionID: sessionID,
		PaneID:    paneID,
		Message:   "pane focused",
	})
}

// syncSessionsHandler handles POST /sessions/sync. It reconciles tracked
// sessions against live panes; with no projectId it sweeps every project.
func (s *Server) syncSessionsHandler(c *echo.Context) error {
	result, err := s.supervisor.SyncSessions(c.Request().Context(), c.QueryParam("projectId"))
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, result)
}
