package models

import "github.com/sessionworks/maestro/pkg/database"

// CreateProjectRequest contains fields for registering a project.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	RepoPath    string `json:"repo_path"`
	PaneGroup   string `json:"pane_group"`
	PaneWindow  string `json:"pane_window,omitempty"`
	TicketsPath string `json:"tickets_path,omitempty"`
	HandoffPath string `json:"handoff_path,omitempty"`
}

// UpdateProjectRequest contains the patchable project fields. Nil means
// leave unchanged.
type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	PaneGroup   *string `json:"pane_group,omitempty"`
	PaneWindow  *string `json:"pane_window,omitempty"`
	TicketsPath *string `json:"tickets_path,omitempty"`
	HandoffPath *string `json:"handoff_path,omitempty"`
}

// ProjectFilters contains pagination options for listing projects.
type ProjectFilters struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// TicketCounts aggregates a project's tickets by state.
type TicketCounts struct {
	Backlog    int `json:"backlog"`
	InProgress int `json:"in_progress"`
	Review     int `json:"review"`
	Done       int `json:"done"`
}

// ProjectDetail is a project with its ticket counts and active session.
type ProjectDetail struct {
	*database.Project
	TicketCounts  TicketCounts      `json:"ticket_counts"`
	ActiveSession *database.Session `json:"active_session,omitempty"`
}

// ProjectListResponse contains a paginated project list.
type ProjectListResponse struct {
	Projects   []*database.Project `json:"projects"`
	TotalCount int                 `json:"total_count"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}
