package api

// TicketContentRequest is the body for PUT /tickets/:id/content.
type TicketContentRequest struct {
	Content string `json:"content"`
}

// UpdateTitleRequest is the body for PATCH /tickets/:id/title.
type UpdateTitleRequest struct {
	Title string `json:"title"`
}

// RejectTicketRequest is the body for POST /tickets/:id/reject.
type RejectTicketRequest struct {
	Feedback string `json:"feedback"`
}

// SessionInputRequest is the body for POST /sessions/:id/input.
type SessionInputRequest struct {
	Text string `json:"text"`
}

// SessionStartHookRequest is the body for POST /hooks/session-start.
// Field names follow the assistant's hook schema.
type SessionStartHookRequest struct {
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	Source         string `json:"source,omitempty"`
}
