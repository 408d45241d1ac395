package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/ticketfile"
)

// Ticket input bounds.
const (
	MinTitleLen      = 3
	MaxTitleLen      = 100
	MaxContentChars  = 100000
	MaxFeedbackChars = 5000
)

// TicketService owns ticket rows, their markdown files, and the state
// machine. Every state change goes through Transition so the history table
// stays a valid walk of the transition graph.
type TicketService struct {
	client    *database.Client
	projects  *ProjectService
	publisher *events.EventPublisher
}

// NewTicketService creates a new TicketService.
func NewTicketService(client *database.Client, projects *ProjectService, publisher *events.EventPublisher) *TicketService {
	if client == nil {
		panic("NewTicketService: client must not be nil")
	}
	if projects == nil {
		panic("NewTicketService: projects must not be nil")
	}
	if publisher == nil {
		panic("NewTicketService: publisher must not be nil")
	}
	return &TicketService{client: client, projects: projects, publisher: publisher}
}

// isValidTransition reports whether from -> to is a legal ticket transition.
func isValidTransition(from, to models.TicketState) bool {
	switch from {
	case models.TicketBacklog:
		return to == models.TicketInProgress
	case models.TicketInProgress:
		return to == models.TicketReview
	case models.TicketReview:
		return to == models.TicketDone || to == models.TicketInProgress
	default:
		return false
	}
}

// FormatRejectionFeedback renders reviewer feedback as the prompt injected
// into the ticket's running session after a rejection.
func FormatRejectionFeedback(feedback string) string {
	return fmt.Sprintf("[REVIEW FEEDBACK] The reviewer rejected your work with this feedback:\n\"%s\"\nPlease address this and continue working on the ticket.", feedback)
}

// CreateAdhoc creates a user-authored ticket: a markdown file named after
// the slug plus a backlog row. Slug collisions (row or file) are conflicts.
func (s *TicketService) CreateAdhoc(ctx context.Context, projectID string, req models.CreateAdhocTicketRequest) (*database.Ticket, error) {
	if err := validateTitle(req.Title); err != nil {
		return nil, err
	}
	slug := req.Slug
	if slug == "" {
		slug = ticketfile.Slugify(req.Title)
	}
	if err := ticketfile.ValidateSlug(slug); err != nil {
		return nil, NewValidationError("slug", err.Error())
	}

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	filePath := filepath.Join(project.TicketsPath, slug+".md")

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var count int64
	err = s.client.Gorm().WithContext(writeCtx).Model(&database.Ticket{}).
		Where("project_id = ? AND file_path = ?", projectID, filePath).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check ticket collision: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("ticket %s: %w", filePath, ErrAlreadyExists)
	}

	if err := ticketfile.CreateFile(project.RepoPath, filePath, "# "+req.Title+"\n\n"); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("ticket file %s: %w", filePath, ErrAlreadyExists)
		}
		return nil, err
	}

	now := time.Now()
	ticket := &database.Ticket{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     req.Title,
		State:     string(models.TicketBacklog),
		FilePath:  filePath,
		Prefix:    ticketfile.Prefix(slug),
		IsAdhoc:   true,
		IsExplore: req.IsExplore,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.client.Gorm().WithContext(writeCtx).Create(ticket).Error; err != nil {
		// Roll the file back so a retry does not hit a phantom collision.
		_ = ticketfile.Remove(project.RepoPath, filePath)
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	return ticket, nil
}

// ImportExternal materializes a tracker issue as a ticket: a markdown file
// carrying the issue body plus a backlog row keyed by externalId. Importing
// an issue that already has a row is a conflict, which lets callers count
// re-imports as skips.
func (s *TicketService) ImportExternal(ctx context.Context, projectID string, req models.ImportTicketRequest) (*database.Ticket, error) {
	if req.ExternalID == "" {
		return nil, NewValidationError("externalId", "must not be empty")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, NewValidationError("title", "must not be empty")
	}
	// Issue titles are not under our control; clamp instead of rejecting.
	if len(title) > MaxTitleLen {
		cut := MaxTitleLen
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = strings.TrimSpace(title[:cut])
	}
	slug := ticketfile.Slugify(req.ExternalID + " " + title)

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	filePath := filepath.Join(project.TicketsPath, slug+".md")

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var count int64
	err = s.client.Gorm().WithContext(writeCtx).Model(&database.Ticket{}).
		Where("project_id = ? AND external_id = ?", projectID, req.ExternalID).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check import collision: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("issue %s: %w", req.ExternalID, ErrAlreadyExists)
	}

	err = s.client.Gorm().WithContext(writeCtx).Model(&database.Ticket{}).
		Where("project_id = ? AND file_path = ?", projectID, filePath).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check ticket collision: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("ticket %s: %w", filePath, ErrAlreadyExists)
	}

	content := "# " + title + "\n\n"
	if body := strings.TrimSpace(req.Body); body != "" {
		content += body + "\n"
	}
	if err := ticketfile.CreateFile(project.RepoPath, filePath, content); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("ticket file %s: %w", filePath, ErrAlreadyExists)
		}
		return nil, err
	}

	now := time.Now()
	ticket := &database.Ticket{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		ExternalID: req.ExternalID,
		Title:      title,
		State:      string(models.TicketBacklog),
		FilePath:   filePath,
		Prefix:     ticketfile.Prefix(slug),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.client.Gorm().WithContext(writeCtx).Create(ticket).Error; err != nil {
		// Roll the file back so a retry does not hit a phantom collision.
		_ = ticketfile.Remove(project.RepoPath, filePath)
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	return ticket, nil
}

// Get retrieves a ticket by ID.
func (s *TicketService) Get(ctx context.Context, id string) (*database.Ticket, error) {
	var ticket database.Ticket
	err := s.client.Gorm().WithContext(ctx).First(&ticket, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &ticket, nil
}

// List returns a project's tickets with filtering and pagination. With
// filters.Sync the tickets directory is rescanned first so outside edits
// show up in the same response.
func (s *TicketService) List(ctx context.Context, projectID string, filters models.TicketFilters) (*models.TicketListResponse, error) {
	if filters.Sync {
		if _, _, err := s.SyncFromDisk(ctx, projectID); err != nil {
			return nil, err
		}
	}

	query := s.client.Gorm().WithContext(ctx).Model(&database.Ticket{}).
		Where("project_id = ?", projectID)
	if filters.State != "" {
		if !filters.State.IsValid() {
			return nil, NewValidationError("state", fmt.Sprintf("unknown ticket state %q", filters.State))
		}
		query = query.Where("state = ?", string(filters.State))
	}
	if len(filters.Prefixes) > 0 {
		query = query.Where("prefix IN ?", filters.Prefixes)
	}

	var totalCount int64
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}

	// Boards pull whole columns at once, so the default page is large.
	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	var tickets []*database.Ticket
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}

	return &models.TicketListResponse{
		Tickets:    tickets,
		TotalCount: int(totalCount),
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// GetContent reads the ticket's markdown body from disk.
func (s *TicketService) GetContent(ctx context.Context, id string) (string, error) {
	ticket, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	project, err := s.projects.Get(ctx, ticket.ProjectID)
	if err != nil {
		return "", err
	}
	content, err := ticketfile.ReadContent(project.RepoPath, ticket.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("ticket file %s: %w", ticket.FilePath, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// PutContent replaces the ticket's markdown body.
func (s *TicketService) PutContent(ctx context.Context, id, content string) error {
	if len(content) > MaxContentChars {
		return NewValidationError("content", fmt.Sprintf("must be at most %d characters, got %d", MaxContentChars, len(content)))
	}
	ticket, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	project, err := s.projects.Get(ctx, ticket.ProjectID)
	if err != nil {
		return err
	}
	if err := ticketfile.WriteContent(project.RepoPath, ticket.FilePath, content); err != nil {
		return err
	}

	err = s.client.Gorm().WithContext(ctx).Model(&database.Ticket{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
	if err != nil {
		return fmt.Errorf("failed to touch ticket: %w", err)
	}
	return nil
}

// UpdateTitle renames a ticket. The file follows the title: it is renamed
// to the new title's slug in the same directory, and the grouping prefix is
// rederived from the new name.
func (s *TicketService) UpdateTitle(ctx context.Context, id, title string) (*database.Ticket, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	ticket, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.Get(ctx, ticket.ProjectID)
	if err != nil {
		return nil, err
	}

	newSlug := ticketfile.Slugify(title)
	newPath := filepath.Join(filepath.Dir(ticket.FilePath), newSlug+".md")

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if newPath != ticket.FilePath {
		var count int64
		err = s.client.Gorm().WithContext(writeCtx).Model(&database.Ticket{}).
			Where("project_id = ? AND file_path = ? AND id <> ?", ticket.ProjectID, newPath, id).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("failed to check ticket collision: %w", err)
		}
		if count > 0 {
			return nil, fmt.Errorf("ticket %s: %w", newPath, ErrAlreadyExists)
		}

		err = ticketfile.Rename(project.RepoPath, ticket.FilePath, newPath)
		switch {
		case errors.Is(err, fs.ErrExist):
			return nil, fmt.Errorf("ticket file %s: %w", newPath, ErrAlreadyExists)
		case errors.Is(err, fs.ErrNotExist):
			// Old file vanished out from under us; recreate at the new name.
			if err := ticketfile.CreateFile(project.RepoPath, newPath, "# "+title+"\n\n"); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		}
	}

	err = s.client.Gorm().WithContext(writeCtx).Model(&database.Ticket{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":      title,
			"file_path":  newPath,
			"prefix":     ticketfile.Prefix(newSlug),
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket title: %w", err)
	}
	return s.Get(writeCtx, id)
}

// Delete removes a ticket, its history, reviews, notifications, and file.
// A ticket with a live session cannot be deleted.
func (s *TicketService) Delete(ctx context.Context, id string) error {
	ticket, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	project, err := s.projects.Get(ctx, ticket.ProjectID)
	if err != nil {
		return err
	}

	var live int64
	err = s.client.Gorm().WithContext(ctx).Model(&database.Session{}).
		Where("ticket_id = ? AND status IN ?", id, liveStatuses()).
		Count(&live).Error
	if err != nil {
		return fmt.Errorf("failed to check live sessions: %w", err)
	}
	if live > 0 {
		return fmt.Errorf("ticket %s: %w", id, ErrHasLiveSession)
	}

	// Use background context with timeout for critical write
	deleteCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = s.client.Gorm().WithContext(deleteCtx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("ticket_id = ?", id).Delete(&database.StateHistoryEntry{}).Error; err != nil {
			return fmt.Errorf("failed to delete ticket history: %w", err)
		}
		if err := tx.Where("ticket_id = ?", id).Delete(&database.ReviewResult{}).Error; err != nil {
			return fmt.Errorf("failed to delete ticket reviews: %w", err)
		}
		if err := tx.Where("ticket_id = ?", id).Delete(&database.Notification{}).Error; err != nil {
			return fmt.Errorf("failed to delete ticket notifications: %w", err)
		}
		if err := tx.Delete(&database.Ticket{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete ticket: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := ticketfile.Remove(project.RepoPath, ticket.FilePath); err != nil {
		slog.Warn("Failed to remove ticket file", "ticket_id", id, "file_path", ticket.FilePath, "error", err)
	}
	return nil
}

// Transition atomically moves a ticket through the state machine: validates
// the edge, writes the new state, and appends the history entry in one
// transaction. The ticket:state event publishes only after commit.
func (s *TicketService) Transition(ctx context.Context, req models.TransitionRequest) (*models.TransitionResult, error) {
	if !req.TargetState.IsValid() {
		return nil, NewValidationError("target_state", fmt.Sprintf("unknown ticket state %q", req.TargetState))
	}
	if req.Trigger == "" {
		return nil, NewValidationError("trigger", "required")
	}
	if req.Reason == "" {
		return nil, NewValidationError("reason", "required")
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		ticket database.Ticket
		entry  *database.StateHistoryEntry
		from   models.TicketState
	)
	err := s.client.Gorm().WithContext(writeCtx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&ticket, "id = ?", req.TicketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("ticket %s: %w", req.TicketID, ErrNotFound)
			}
			return fmt.Errorf("failed to get ticket: %w", err)
		}
		from = models.TicketState(ticket.State)
		if !isValidTransition(from, req.TargetState) {
			return &InvalidTransitionError{TicketID: ticket.ID, From: from, To: req.TargetState}
		}

		rejection := from == models.TicketReview && req.TargetState == models.TicketInProgress
		if rejection {
			if strings.TrimSpace(req.Feedback) == "" {
				return fmt.Errorf("rejecting ticket %s: %w", ticket.ID, ErrMissingFeedback)
			}
			if len(req.Feedback) > MaxFeedbackChars {
				return NewValidationError("feedback", fmt.Sprintf("must be at most %d characters", MaxFeedbackChars))
			}
		}

		now := time.Now()
		updates := map[string]any{
			"state":      string(req.TargetState),
			"updated_at": now,
		}
		if req.TargetState == models.TicketInProgress && ticket.StartedAt == nil {
			updates["started_at"] = now
		}
		if req.TargetState == models.TicketDone {
			updates["completed_at"] = now
		}
		if rejection {
			updates["rejection_feedback"] = req.Feedback
		}

		// Conditional update: a concurrent transition that got there first
		// leaves zero rows to claim.
		res := tx.Model(&database.Ticket{}).
			Where("id = ? AND state = ?", ticket.ID, string(from)).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update ticket state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &InvalidTransitionError{TicketID: ticket.ID, From: from, To: req.TargetState}
		}

		entry = &database.StateHistoryEntry{
			ID:          uuid.New().String(),
			TicketID:    ticket.ID,
			FromState:   string(from),
			ToState:     string(req.TargetState),
			Trigger:     string(req.Trigger),
			Reason:      string(req.Reason),
			Feedback:    req.Feedback,
			TriggeredBy: req.TriggeredBy,
			CreatedAt:   now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append state history: %w", err)
		}

		ticket.State = string(req.TargetState)
		ticket.UpdatedAt = now
		if v, ok := updates["started_at"]; ok {
			t := v.(time.Time)
			ticket.StartedAt = &t
		}
		if v, ok := updates["completed_at"]; ok {
			t := v.(time.Time)
			ticket.CompletedAt = &t
		}
		if rejection {
			ticket.RejectionFeedback = req.Feedback
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := events.TicketStatePayload{
		Type:        events.EventTypeTicketState,
		TicketID:    ticket.ID,
		ProjectID:   ticket.ProjectID,
		FromState:   from,
		ToState:     req.TargetState,
		Trigger:     req.Trigger,
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		Timestamp:   time.Now().Format(time.RFC3339Nano),
	}
	if err := s.publisher.PublishTicketState(writeCtx, payload); err != nil {
		slog.Warn("Failed to publish ticket state event",
			"ticket_id", ticket.ID, "to_state", req.TargetState, "error", err)
	}

	return &models.TransitionResult{Ticket: &ticket, Entry: entry}, nil
}

// StartTicket moves a backlog ticket to in_progress for a starting session.
func (s *TicketService) StartTicket(ctx context.Context, ticketID string) (*models.TransitionResult, error) {
	return s.Transition(ctx, models.TransitionRequest{
		TicketID:    ticketID,
		TargetState: models.TicketInProgress,
		Trigger:     models.TriggerAuto,
		Reason:      models.ReasonSessionStarted,
	})
}

// Approve moves a review ticket to done.
func (s *TicketService) Approve(ctx context.Context, ticketID string) (*models.TransitionResult, error) {
	return s.Transition(ctx, models.TransitionRequest{
		TicketID:    ticketID,
		TargetState: models.TicketDone,
		Trigger:     models.TriggerManual,
		Reason:      models.ReasonUserApproved,
	})
}

// Reject returns a review ticket to in_progress with mandatory feedback.
func (s *TicketService) Reject(ctx context.Context, ticketID, feedback string) (*models.TransitionResult, error) {
	return s.Transition(ctx, models.TransitionRequest{
		TicketID:    ticketID,
		TargetState: models.TicketInProgress,
		Trigger:     models.TriggerManual,
		Reason:      models.ReasonUserRejected,
		Feedback:    feedback,
	})
}

// History returns a ticket's state history oldest first.
func (s *TicketService) History(ctx context.Context, ticketID string) ([]*database.StateHistoryEntry, error) {
	if _, err := s.Get(ctx, ticketID); err != nil {
		return nil, err
	}
	var entries []*database.StateHistoryEntry
	err := s.client.Gorm().WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket history: %w", err)
	}
	return entries, nil
}

// SyncFromDisk reconciles ticket rows with the markdown files on disk:
// unknown files become backlog tickets, and backlog rows whose file is gone
// are dropped. Tickets that already left backlog survive a missing file so
// in-flight work is never silently discarded.
func (s *TicketService) SyncFromDisk(ctx context.Context, projectID string) (added, removed int, err error) {
	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	dir := ticketfile.Dir(project.RepoPath, project.TicketsPath)
	names, err := ticketfile.ListMarkdown(dir)
	if err != nil {
		return 0, 0, err
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []*database.Ticket
	if err := s.client.Gorm().WithContext(writeCtx).Where("project_id = ?", projectID).Find(&rows).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to load tickets: %w", err)
	}
	byPath := make(map[string]*database.Ticket, len(rows))
	for _, t := range rows {
		byPath[t.FilePath] = t
	}

	onDisk := make(map[string]bool, len(names))
	now := time.Now()
	for _, name := range names {
		rel := filepath.Join(project.TicketsPath, name)
		onDisk[rel] = true
		if _, ok := byPath[rel]; ok {
			continue
		}
		slug := ticketfile.SlugFromName(name)
		ticket := &database.Ticket{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Title:     ticketfile.ReadTitle(filepath.Join(dir, name)),
			State:     string(models.TicketBacklog),
			FilePath:  rel,
			Prefix:    ticketfile.Prefix(slug),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.client.Gorm().WithContext(writeCtx).Create(ticket).Error; err != nil {
			return added, removed, fmt.Errorf("failed to create ticket for %s: %w", rel, err)
		}
		added++
	}

	for _, t := range rows {
		if onDisk[t.FilePath] || t.State != string(models.TicketBacklog) {
			continue
		}
		if err := s.client.Gorm().WithContext(writeCtx).Delete(&database.Ticket{}, "id = ?", t.ID).Error; err != nil {
			return added, removed, fmt.Errorf("failed to remove stale ticket %s: %w", t.ID, err)
		}
		removed++
	}

	if added > 0 || removed > 0 {
		slog.Info("Synced tickets from disk", "project_id", projectID, "added", added, "removed", removed)
	}
	return added, removed, nil
}

func validateTitle(title string) error {
	if len(title) < MinTitleLen || len(title) > MaxTitleLen {
		return NewValidationError("title", fmt.Sprintf("must be %d-%d characters, got %d", MinTitleLen, MaxTitleLen, len(title)))
	}
	return nil
}
