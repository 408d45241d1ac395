package models

import "time"

// StartSessionRequest contains fields for starting a session.
type StartSessionRequest struct {
	ProjectID     string `json:"project_id"`
	TicketID      string `json:"ticket_id,omitempty"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
}

// SessionInfo is the supervisor's view of a live session.
type SessionInfo struct {
	SessionID      string        `json:"session_id"`
	ProjectID      string        `json:"project_id"`
	TicketID       string        `json:"ticket_id,omitempty"`
	Type           SessionType   `json:"type"`
	Status         SessionStatus `json:"status"`
	PaneID         string        `json:"pane_id"`
	PID            int           `json:"pid,omitempty"`
	ContextPercent int           `json:"context_percent"`
	StartedAt      time.Time     `json:"started_at"`
}

// SyncResult reports the outcome of a pane liveness sweep.
type SyncResult struct {
	Alive        []string `json:"alive"`
	Orphaned     []string `json:"orphaned"`
	TotalChecked int      `json:"totalChecked"`
}
