package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sessionworks/maestro/pkg/detector"
)

// Hook handlers always answer 200. The assistant runtime treats a non-2xx
// from a hook as a hard failure, so problems are reported as a warning in
// the body instead of a status code.

// claudeHookHandler handles POST /hooks/claude.
func (s *Server) claudeHookHandler(c *echo.Context) error {
	var payload detector.HookPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusOK, &HookResponse{Received: true, Warning: "invalid JSON body"})
	}

	if err := s.detector.HandleHookEvent(c.Request().Context(), payload); err != nil {
		slog.Warn("Hook event not processed",
			"hook_event_name", payload.HookEventName,
			"assistant_session_id", payload.SessionID,
			"error", err)
		return c.JSON(http.StatusOK, &HookResponse{Received: true, Warning: err.Error()})
	}

	return c.JSON(http.StatusOK, &HookResponse{Received: true})
}

// sessionStartHookHandler handles POST /hooks/session-start, a trimmed-down
// ingress for launchers that only report session birth.
func (s *Server) sessionStartHookHandler(c *echo.Context) error {
	var req SessionStartHookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, &HookResponse{Received: true, Warning: "invalid JSON body"})
	}

	payload := detector.HookPayload{
		HookEventName:  detector.HookSessionStart,
		SessionID:      req.SessionID,
		CWD:            req.CWD,
		TranscriptPath: req.TranscriptPath,
	}
	if err := s.detector.HandleHookEvent(c.Request().Context(), payload); err != nil {
		slog.Warn("Session start hook not processed",
			"assistant_session_id", req.SessionID, "cwd", req.CWD, "error", err)
		return c.JSON(http.StatusOK, &HookResponse{Received: true, Warning: err.Error()})
	}

	return c.JSON(http.StatusOK, &HookResponse{Received: true})
}
