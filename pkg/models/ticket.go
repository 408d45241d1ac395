package models

import "github.com/sessionworks/maestro/pkg/database"

// CreateAdhocTicketRequest contains fields for creating an adhoc ticket.
// The slug becomes the markdown filename root.
type CreateAdhocTicketRequest struct {
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	IsExplore bool   `json:"isExplore,omitempty"`
}

// ImportTicketRequest describes one tracker issue being materialized as a
// ticket file plus backlog row.
type ImportTicketRequest struct {
	ExternalID string `json:"externalId"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
}

// TicketFilters contains filtering options for listing a project's tickets.
type TicketFilters struct {
	State    TicketState `json:"state,omitempty"`
	Prefixes []string    `json:"prefixes,omitempty"`
	// Sync forces a filesystem scan before listing.
	Sync   bool `json:"sync,omitempty"`
	Limit  int  `json:"limit,omitempty"`
	Offset int  `json:"offset,omitempty"`
}

// TicketListResponse contains a paginated ticket list.
type TicketListResponse struct {
	Tickets    []*database.Ticket `json:"tickets"`
	TotalCount int                `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// TransitionRequest describes a requested ticket state transition.
type TransitionRequest struct {
	TicketID    string            `json:"ticket_id"`
	TargetState TicketState       `json:"target_state"`
	Trigger     TransitionTrigger `json:"trigger"`
	Reason      TransitionReason  `json:"reason"`
	Feedback    string            `json:"feedback,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
}

// TransitionResult is the outcome of a successful transition.
type TransitionResult struct {
	Ticket *database.Ticket            `json:"ticket"`
	Entry  *database.StateHistoryEntry `json:"entry"`
}
