package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/models"
)

// SessionService owns session rows. Pane lifecycle and the in-memory
// output buffers belong to the supervisor; this service is the durable
// bookkeeping underneath it.
type SessionService struct {
	client *database.Client
}

// NewSessionService creates a new SessionService.
func NewSessionService(client *database.Client) *SessionService {
	if client == nil {
		panic("NewSessionService: client must not be nil")
	}
	return &SessionService{client: client}
}

// Create inserts a pending session row, enforcing the one-live-session-per-
// project rule. A pending session already occupies the slot: its pane is
// being spawned. ticketID may be nil for adhoc sessions.
func (s *SessionService) Create(ctx context.Context, projectID string, ticketID *string, typ models.SessionType) (*database.Session, error) {
	occupied := append(liveStatuses(), string(models.SessionPending))
	var live int64
	err := s.client.Gorm().WithContext(ctx).Model(&database.Session{}).
		Where("project_id = ? AND status IN ?", projectID, occupied).
		Count(&live).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check live sessions: %w", err)
	}
	if live > 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrHasLiveSession)
	}

	now := time.Now()
	session := &database.Session{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		TicketID:       ticketID,
		Type:           string(typ),
		Status:         string(models.SessionPending),
		ContextPercent: 100,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.client.Gorm().WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// CreateExternal records a session that was started outside the supervisor
// (an assistant launched by hand whose SessionStart hook reached us). It is
// live immediately and has no pane the supervisor can poll.
func (s *SessionService) CreateExternal(ctx context.Context, projectID, assistantSessionID, transcriptPath string) (*database.Session, error) {
	now := time.Now()
	session := &database.Session{
		ID:                 uuid.New().String(),
		ProjectID:          projectID,
		Type:               string(models.SessionTypeAdhoc),
		Status:             string(models.SessionRunning),
		AssistantSessionID: assistantSessionID,
		TranscriptPath:     transcriptPath,
		ContextPercent:     100,
		StartedAt:          &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.client.Gorm().WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create external session: %w", err)
	}
	return session, nil
}

// Get retrieves a session by ID.
func (s *SessionService) Get(ctx context.Context, id string) (*database.Session, error) {
	var session database.Session
	err := s.client.Gorm().WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// LiveSessions returns running/paused sessions, optionally scoped to a
// project, newest first.
func (s *SessionService) LiveSessions(ctx context.Context, projectID string) ([]*database.Session, error) {
	q := s.client.Gorm().WithContext(ctx).
		Where("status IN ?", liveStatuses()).
		Order("created_at DESC")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var sessions []*database.Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list live sessions: %w", err)
	}
	return sessions, nil
}

// PendingSessions returns sessions still in pending, oldest first. After a
// restart these are spawn attempts that never reached running; the
// supervisor's recovery marks them as errored.
func (s *SessionService) PendingSessions(ctx context.Context) ([]*database.Session, error) {
	var sessions []*database.Session
	err := s.client.Gorm().WithContext(ctx).
		Where("status = ?", string(models.SessionPending)).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	return sessions, nil
}

// LiveSessionForTicket returns the running/paused session bound to a
// ticket, or ErrNotFound.
func (s *SessionService) LiveSessionForTicket(ctx context.Context, ticketID string) (*database.Session, error) {
	var session database.Session
	err := s.client.Gorm().WithContext(ctx).
		Where("ticket_id = ? AND status IN ?", ticketID, liveStatuses()).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no live session for ticket %s: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ticket session: %w", err)
	}
	return &session, nil
}

// FindByAssistantSession looks a session up by its external assistant id.
func (s *SessionService) FindByAssistantSession(ctx context.Context, assistantSessionID string) (*database.Session, error) {
	if assistantSessionID == "" {
		return nil, fmt.Errorf("empty assistant session id: %w", ErrNotFound)
	}
	var session database.Session
	err := s.client.Gorm().WithContext(ctx).
		Where("assistant_session_id = ?", assistantSessionID).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("assistant session %s: %w", assistantSessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find assistant session: %w", err)
	}
	return &session, nil
}

// LatestLiveUnlinked returns the newest running/paused session for a
// project that has no assistant session linked yet. Used to correlate
// SessionStart hooks with panes the supervisor just spawned.
func (s *SessionService) LatestLiveUnlinked(ctx context.Context, projectID string) (*database.Session, error) {
	var session database.Session
	err := s.client.Gorm().WithContext(ctx).
		Where("project_id = ? AND status IN ? AND assistant_session_id = ''", projectID, liveStatuses()).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no unlinked live session for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find unlinked session: %w", err)
	}
	return &session, nil
}

// LinkAssistant attaches the external assistant session id and transcript
// path after hook correlation.
func (s *SessionService) LinkAssistant(ctx context.Context, id, assistantSessionID, transcriptPath string) error {
	updates := map[string]any{
		"assistant_session_id": assistantSessionID,
		"updated_at":           time.Now(),
	}
	if transcriptPath != "" {
		updates["transcript_path"] = transcriptPath
	}
	res := s.client.Gorm().WithContext(ctx).Model(&database.Session{}).
		Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to link assistant session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkRunning records the spawned pane and moves the session to running.
func (s *SessionService) MarkRunning(ctx context.Context, id, paneID string, pid int) (*database.Session, error) {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res := s.client.Gorm().WithContext(writeCtx).Model(&database.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(models.SessionRunning),
			"pane_id":    paneID,
			"pid":        pid,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to mark session running: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.Get(writeCtx, id)
}

// UpdateStatus moves a session to the given status. Terminal statuses set
// ended_at; once a session is terminal further updates are no-ops, so late
// poller writes cannot resurrect a completed session.
func (s *SessionService) UpdateStatus(ctx context.Context, id string, status models.SessionStatus) (*database.Session, error) {
	if !status.IsValid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown session status %q", status))
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := s.Get(writeCtx, id)
	if err != nil {
		return nil, err
	}
	if models.SessionStatus(session.Status).IsTerminal() {
		return session, nil
	}

	now := time.Now()
	updates := map[string]any{
		"status":     string(status),
		"updated_at": now,
	}
	if status.IsTerminal() {
		updates["ended_at"] = now
	}
	err = s.client.Gorm().WithContext(writeCtx).Model(&database.Session{}).
		Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	return s.Get(writeCtx, id)
}

// SetContextPercent stores the latest polled context level, clamped to 0-100.
func (s *SessionService) SetContextPercent(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res := s.client.Gorm().WithContext(ctx).Model(&database.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"context_percent": percent, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to set context percent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteOldFinished hard-deletes completed/error sessions that ended before
// the retention window, along with their review results and notifications.
func (s *SessionService) DeleteOldFinished(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	// Use background context with timeout
	deleteCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	finished := []string{string(models.SessionCompleted), string(models.SessionError)}

	var deleted int64
	err := s.client.Gorm().WithContext(deleteCtx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&database.Session{}).Select("id").
			Where("status IN ? AND ended_at < ?", finished, cutoff)

		if err := tx.Where("session_id IN (?)", old).Delete(&database.ReviewResult{}).Error; err != nil {
			return fmt.Errorf("failed to delete old review results: %w", err)
		}
		if err := tx.Where("session_id IN (?)", old).Delete(&database.Notification{}).Error; err != nil {
			return fmt.Errorf("failed to delete old notifications: %w", err)
		}
		res := tx.Where("status IN ? AND ended_at < ?", finished, cutoff).
			Delete(&database.Session{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete old sessions: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}
