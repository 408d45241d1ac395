package api

import (
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/models"
)

// TicketContentResponse is returned by GET /tickets/:id/content.
type TicketContentResponse struct {
	TicketID string `json:"ticket_id"`
	Content  string `json:"content"`
}

// StartTicketResponse is returned by POST /tickets/:id/start: the
// transitioned ticket together with the freshly spawned session.
type StartTicketResponse struct {
	Ticket  *database.Ticket    `json:"ticket"`
	Session *models.SessionInfo `json:"session"`
}

// FocusResponse is returned by POST /sessions/:id/focus.
type FocusResponse struct {
	SessionID string `json:"session_id"`
	PaneID    string `json:"pane_id"`
	Message   string `json:"message"`
}

// DismissalResponse reports how many notifications a dismissal removed.
type DismissalResponse struct {
	Dismissed int `json:"dismissed"`
}

// HookResponse acknowledges a hook delivery. Hooks always succeed; a
// warning signals the payload was accepted but unusable.
type HookResponse struct {
	Received bool   `json:"received"`
	Warning  string `json:"warning,omitempty"`
}
