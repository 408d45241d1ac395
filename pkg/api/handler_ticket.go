package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
)

// getTicketHandler handles GET /tickets/:id.
func (s *Server) getTicketHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	ticket, err := s.tickets.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ticket)
}

// getTicketContentHandler handles GET /tickets/:id/content.
func (s *Server) getTicketContentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	content, err := s.tickets.GetContent(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &TicketContentResponse{TicketID: id, Content: content})
}

// putTicketContentHandler handles PUT /tickets/:id/content.
func (s *Server) putTicketContentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	var req TicketContentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}

	if err := s.tickets.PutContent(c.Request().Context(), id, req.Content); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &TicketContentResponse{TicketID: id, Content: req.Content})
}

// updateTicketTitleHandler handles PATCH /tickets/:id/title. Renaming the
// title also renames the markdown file for adhoc tickets.
func (s *Server) updateTicketTitleHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	var req UpdateTitleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}

	ticket, err := s.tickets.UpdateTitle(c.Request().Context(), id, req.Title)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ticket)
}

// deleteTicketHandler handles DELETE /tickets/:id. Refused with 409 while
// a live session is working the ticket.
func (s *Server) deleteTicketHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	if err := s.tickets.Delete(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// startTicketHandler handles POST /tickets/:id/start: moves the ticket
// backlog→in_progress and spawns its session in one request. If the pane
// spawn fails the ticket stays in_progress — that is already a legal state
// (sessions die all the time) and the client can retry via POST /sessions.
func (s *Server) startTicketHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}
	ctx := c.Request().Context()

	result, err := s.tickets.StartTicket(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	info, err := s.supervisor.StartSession(ctx, models.StartSessionRequest{
		ProjectID: result.Ticket.ProjectID,
		TicketID:  id,
	})
	if err != nil {
		return mapServiceError(err)
	}

	// Refresh: the transition result predates startedAt bookkeeping.
	ticket, err := s.tickets.Get(ctx, id)
	if err != nil {
		ticket = result.Ticket
	}
	return c.JSON(http.StatusOK, &StartTicketResponse{Ticket: ticket, Session: info})
}

// approveTicketHandler handles POST /tickets/:id/approve (review→done).
func (s *Server) approveTicketHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	result, err := s.tickets.Approve(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result.Ticket)
}

// rejectTicketHandler handles POST /tickets/:id/reject
// (review→in_progress). The reviewer's feedback is injected into the
// ticket's running session so the assistant sees it without a human
// relaying it. Injection is best effort: a ticket without a live session
// still transitions, the feedback stays on the row.
func (s *Server) rejectTicketHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	var req RejectTicketRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}

	ctx := c.Request().Context()
	result, err := s.tickets.Reject(ctx, id, req.Feedback)
	if err != nil {
		return mapServiceError(err)
	}

	if row, err := s.sessions.LiveSessionForTicket(ctx, id); err == nil {
		if err := s.supervisor.SendInput(ctx, row.ID, services.FormatRejectionFeedback(req.Feedback)); err != nil {
			slog.Warn("Feedback injection failed",
				"ticket_id", id, "session_id", row.ID, "error", err)
		}
	}

	return c.JSON(http.StatusOK, result.Ticket)
}

// ticketHistoryHandler handles GET /tickets/:id/history.
func (s *Server) ticketHistoryHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "ticket id is required")
	}

	entries, err := s.tickets.History(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, entries)
}
