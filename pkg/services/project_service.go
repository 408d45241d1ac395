package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/models"
)

// Default locations inside a project's repository.
const (
	DefaultTicketsPath = "tickets"
	DefaultHandoffPath = "docs/ai-context/HANDOFF.md"
)

// ProjectService handles project CRUD and cwd-based project resolution.
type ProjectService struct {
	client *database.Client
}

// NewProjectService creates a new ProjectService.
func NewProjectService(client *database.Client) *ProjectService {
	if client == nil {
		panic("NewProjectService: client must not be nil")
	}
	return &ProjectService{client: client}
}

// Create registers a new project. repoPath must be absolute and unique.
func (s *ProjectService) Create(ctx context.Context, req models.CreateProjectRequest) (*database.Project, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, NewValidationError("name", "name is required")
	}
	if req.RepoPath == "" {
		return nil, NewValidationError("repo_path", "repo_path is required")
	}
	if !filepath.IsAbs(req.RepoPath) {
		return nil, NewValidationError("repo_path", "repo_path must be an absolute path")
	}
	if strings.TrimSpace(req.PaneGroup) == "" {
		return nil, NewValidationError("pane_group", "pane_group is required")
	}

	repoPath := filepath.Clean(req.RepoPath)

	var count int64
	if err := s.client.Gorm().WithContext(ctx).Model(&database.Project{}).
		Where("repo_path = ?", repoPath).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check repo_path uniqueness: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("project with repo_path %s: %w", repoPath, ErrAlreadyExists)
	}

	ticketsPath := req.TicketsPath
	if ticketsPath == "" {
		ticketsPath = DefaultTicketsPath
	}
	handoffPath := req.HandoffPath
	if handoffPath == "" {
		handoffPath = DefaultHandoffPath
	}

	now := time.Now()
	project := &database.Project{
		ID:          uuid.New().String(),
		Name:        req.Name,
		RepoPath:    repoPath,
		PaneGroup:   req.PaneGroup,
		PaneWindow:  req.PaneWindow,
		TicketsPath: ticketsPath,
		HandoffPath: handoffPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.client.Gorm().WithContext(ctx).Create(project).Error; err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, nil
}

// Get returns a project by id.
func (s *ProjectService) Get(ctx context.Context, id string) (*database.Project, error) {
	var project database.Project
	err := s.client.Gorm().WithContext(ctx).First(&project, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// List returns projects ordered by creation time, newest first.
func (s *ProjectService) List(ctx context.Context, filters models.ProjectFilters) (*models.ProjectListResponse, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.client.Gorm().WithContext(ctx).Model(&database.Project{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}

	var projects []*database.Project
	err := s.client.Gorm().WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	return &models.ProjectListResponse{
		Projects:   projects,
		TotalCount: int(total),
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// GetDetail returns a project with its per-state ticket counts and live
// session, if any.
func (s *ProjectService) GetDetail(ctx context.Context, id string) (*models.ProjectDetail, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &models.ProjectDetail{Project: project}

	rows := []struct {
		State string
		N     int
	}{}
	err = s.client.Gorm().WithContext(ctx).Model(&database.Ticket{}).
		Select("state, count(*) as n").
		Where("project_id = ?", id).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}
	for _, r := range rows {
		switch models.TicketState(r.State) {
		case models.TicketBacklog:
			detail.TicketCounts.Backlog = r.N
		case models.TicketInProgress:
			detail.TicketCounts.InProgress = r.N
		case models.TicketReview:
			detail.TicketCounts.Review = r.N
		case models.TicketDone:
			detail.TicketCounts.Done = r.N
		}
	}

	var session database.Session
	err = s.client.Gorm().WithContext(ctx).
		Where("project_id = ? AND status IN ?", id, liveStatuses()).
		Order("created_at DESC").
		First(&session).Error
	switch {
	case err == nil:
		detail.ActiveSession = &session
	case errors.Is(err, gorm.ErrRecordNotFound):
		// no live session
	default:
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}

	return detail, nil
}

// Update patches the mutable project fields.
func (s *ProjectService) Update(ctx context.Context, id string, req models.UpdateProjectRequest) (*database.Project, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, NewValidationError("name", "name must not be empty")
		}
		updates["name"] = *req.Name
	}
	if req.PaneGroup != nil {
		if strings.TrimSpace(*req.PaneGroup) == "" {
			return nil, NewValidationError("pane_group", "pane_group must not be empty")
		}
		updates["pane_group"] = *req.PaneGroup
	}
	if req.PaneWindow != nil {
		updates["pane_window"] = *req.PaneWindow
	}
	if req.TicketsPath != nil {
		updates["tickets_path"] = *req.TicketsPath
	}
	if req.HandoffPath != nil {
		updates["handoff_path"] = *req.HandoffPath
	}
	if len(updates) == 0 {
		return project, nil
	}
	updates["updated_at"] = time.Now()

	err = s.client.Gorm().WithContext(ctx).Model(&database.Project{}).
		Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a project and everything hanging off it: tickets, their
// history and review results, sessions, and notifications. Live sessions
// must be stopped by the caller first.
func (s *ProjectService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return s.client.Gorm().WithContext(writeCtx).Transaction(func(tx *gorm.DB) error {
		ticketIDs := tx.Model(&database.Ticket{}).Select("id").Where("project_id = ?", id)
		sessionIDs := tx.Model(&database.Session{}).Select("id").Where("project_id = ?", id)

		if err := tx.Where("ticket_id IN (?)", ticketIDs).Delete(&database.StateHistoryEntry{}).Error; err != nil {
			return fmt.Errorf("failed to delete ticket history: %w", err)
		}
		if err := tx.Where("ticket_id IN (?)", ticketIDs).Delete(&database.ReviewResult{}).Error; err != nil {
			return fmt.Errorf("failed to delete review results: %w", err)
		}
		if err := tx.Where("session_id IN (?) OR ticket_id IN (?)", sessionIDs, ticketIDs).Delete(&database.Notification{}).Error; err != nil {
			return fmt.Errorf("failed to delete notifications: %w", err)
		}
		if err := tx.Where("project_id = ?", id).Delete(&database.Session{}).Error; err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
		if err := tx.Where("project_id = ?", id).Delete(&database.Ticket{}).Error; err != nil {
			return fmt.Errorf("failed to delete tickets: %w", err)
		}
		if err := tx.Delete(&database.Project{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		return nil
	})
}

// MatchByCwd resolves the project whose repoPath is a path prefix of cwd.
// When several match, the longest prefix wins; remaining ties go to the
// most recently updated project.
func (s *ProjectService) MatchByCwd(ctx context.Context, cwd string) (*database.Project, error) {
	if cwd == "" {
		return nil, fmt.Errorf("empty cwd: %w", ErrNotFound)
	}
	cwd = filepath.Clean(cwd)

	var projects []*database.Project
	if err := s.client.Gorm().WithContext(ctx).Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}

	var candidates []*database.Project
	for _, p := range projects {
		if cwd == p.RepoPath || strings.HasPrefix(cwd, p.RepoPath+string(filepath.Separator)) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no project matches cwd %s: %w", cwd, ErrNotFound)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].RepoPath) != len(candidates[j].RepoPath) {
			return len(candidates[i].RepoPath) > len(candidates[j].RepoPath)
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	return candidates[0], nil
}

// liveStatuses returns the session statuses that occupy a pane.
func liveStatuses() []string {
	return []string{string(models.SessionRunning), string(models.SessionPaused)}
}
