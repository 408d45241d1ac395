package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/ticketfile"
)

// defaultProjectPageSize mirrors the service-side default so ?page math
// stays aligned when no explicit limit is given.
const defaultProjectPageSize = 20

// listProjectsHandler handles GET /projects.
func (s *Server) listProjectsHandler(c *echo.Context) error {
	filters := models.ProjectFilters{}

	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return badRequest("limit", "must be a positive integer")
		}
		filters.Limit = n
	}
	if v := c.QueryParam("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return badRequest("page", "must be a positive integer")
		}
		limit := filters.Limit
		if limit == 0 {
			limit = defaultProjectPageSize
		}
		filters.Offset = (n - 1) * limit
	}

	result, err := s.projects.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// createProjectHandler handles POST /projects.
func (s *Server) createProjectHandler(c *echo.Context) error {
	var req models.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}

	project, err := s.projects.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	if s.watcher != nil {
		dir := ticketfile.Dir(project.RepoPath, project.TicketsPath)
		if err := s.watcher.Watch(project.ID, dir); err != nil {
			slog.Warn("Ticket directory watch failed",
				"project_id", project.ID, "dir", dir, "error", err)
		}
	}
	return c.JSON(http.StatusCreated, project)
}

// getProjectHandler handles GET /projects/:id. Returns the project with
// its ticket counts and active session, if any.
func (s *Server) getProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "project id is required")
	}

	detail, err := s.projects.GetDetail(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

// updateProjectHandler handles PATCH /projects/:id.
func (s *Server) updateProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "project id is required")
	}

	var req models.UpdateProjectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}

	project, err := s.projects.Update(c.Request().Context(), id, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// deleteProjectHandler handles DELETE /projects/:id. Live sessions are
// stopped before the rows go away so no orphaned pane keeps polling.
func (s *Server) deleteProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "project id is required")
	}
	ctx := c.Request().Context()

	live, err := s.sessions.LiveSessions(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	for _, row := range live {
		if err := s.supervisor.StopSession(ctx, row.ID); err != nil {
			return mapServiceError(err)
		}
	}

	// Grab the row before it goes away; the watch is keyed by directory.
	project, err := s.projects.Get(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	if err := s.projects.Delete(ctx, id); err != nil {
		return mapServiceError(err)
	}

	if s.watcher != nil {
		s.watcher.Unwatch(ticketfile.Dir(project.RepoPath, project.TicketsPath))
	}
	return c.NoContent(http.StatusNoContent)
}

// listTicketsHandler handles GET /projects/:id/tickets.
// Filters: state, prefixes (comma separated), sync (force a disk scan),
// limit/offset pagination.
func (s *Server) listTicketsHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return badRequest("id", "project id is required")
	}

	filters := models.TicketFilters{}
	if v := c.QueryParam("state"); v != "" {
		state := models.TicketState(v)
		switch state {
		case models.TicketBacklog, models.TicketInProgress, models.TicketReview, models.TicketDone:
			filters.State = state
		default:
			return badRequest("state", "must be backlog, in_progress, review, or done")
		}
	}
	if v := c.QueryParam("prefixes"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				filters.Prefixes = append(filters.Prefixes, p)
			}
		}
	}
	if v := c.QueryParam("sync"); v == "true" || v == "1" {
		filters.Sync = true
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return badRequest("limit", "must be a positive integer")
		}
		filters.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest("offset", "must be a non-negative integer")
		}
		filters.Offset = n
	}

	result, err := s.tickets.List(c.Request().Context(), projectID, filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// createAdhocTicketHandler handles POST /projects/:id/adhoc-tickets.
func (s *Server) createAdhocTicketHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return badRequest("id", "project id is required")
	}

	var req models.CreateAdhocTicketRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("body", "invalid JSON body")
	}

	ticket, err := s.tickets.CreateAdhoc(c.Request().Context(), projectID, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, ticket)
}

// importTicketsHandler handles POST /projects/:id/tickets/import: pulls
// open issues from the project's GitHub repository and materializes each as
// a backlog ticket file. Answers 503 when no tracker is configured.
func (s *Server) importTicketsHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return badRequest("id", "project id is required")
	}
	if s.issues == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "issue tracker is not configured")
	}

	result, err := s.issues.ImportOpenIssues(c.Request().Context(), projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
