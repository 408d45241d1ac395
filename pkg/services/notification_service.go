package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
)

// Mirror receives notification changes for delivery outside the dashboard,
// e.g. a Slack channel. Implementations must be safe for concurrent use and
// must tolerate a nil receiver so wiring stays unconditional.
type Mirror interface {
	NotificationUpserted(ctx context.Context, n *database.Notification)
	NotificationDismissed(ctx context.Context, n *database.Notification)
}

// NotificationService manages the notification center: one row per
// (session, type) pair, upserted in place so repeated signals bump
// updated_at instead of stacking duplicates.
type NotificationService struct {
	client    *database.Client
	publisher *events.EventPublisher
	mirror    Mirror
}

// NewNotificationService creates a new NotificationService. mirror may be nil.
func NewNotificationService(client *database.Client, publisher *events.EventPublisher, mirror Mirror) *NotificationService {
	if client == nil {
		panic("NewNotificationService: client must not be nil")
	}
	if publisher == nil {
		panic("NewNotificationService: publisher must not be nil")
	}
	return &NotificationService{client: client, publisher: publisher, mirror: mirror}
}

// UpsertNotification carries the fields for an upsert.
type UpsertNotification struct {
	Type      models.NotificationType
	Message   string
	SessionID *string
	TicketID  *string
}

// Upsert creates a notification or refreshes the existing (session, type)
// row, then publishes a durable notification event.
func (s *NotificationService) Upsert(ctx context.Context, req UpsertNotification) (*database.Notification, error) {
	if req.Message == "" {
		return nil, NewValidationError("message", "required")
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n database.Notification
	err := s.scopeSessionType(s.client.Gorm().WithContext(writeCtx), req.SessionID, req.Type).
		First(&n).Error
	now := time.Now()
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		n = database.Notification{
			ID:        uuid.New().String(),
			Type:      string(req.Type),
			Message:   req.Message,
			SessionID: req.SessionID,
			TicketID:  req.TicketID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.client.Gorm().WithContext(writeCtx).Create(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to create notification: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up notification: %w", err)
	default:
		updates := map[string]any{"message": req.Message, "updated_at": now}
		if req.TicketID != nil {
			updates["ticket_id"] = *req.TicketID
		}
		if err := s.client.Gorm().WithContext(writeCtx).Model(&n).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update notification: %w", err)
		}
		n.Message = req.Message
		n.UpdatedAt = now
		if req.TicketID != nil {
			n.TicketID = req.TicketID
		}
	}

	s.publishChange(writeCtx, events.NotificationUpserted, &n)
	return &n, nil
}

// List returns all notifications, most recently touched first.
func (s *NotificationService) List(ctx context.Context) ([]*database.Notification, error) {
	var notifications []*database.Notification
	err := s.client.Gorm().WithContext(ctx).
		Order("updated_at DESC").
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}

// Dismiss removes a notification by id.
func (s *NotificationService) Dismiss(ctx context.Context, id string) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n database.Notification
	err := s.client.Gorm().WithContext(writeCtx).First(&n, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get notification: %w", err)
	}

	if err := s.client.Gorm().WithContext(writeCtx).Delete(&database.Notification{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to dismiss notification: %w", err)
	}

	s.publishChange(writeCtx, events.NotificationDismissed, &n)
	return nil
}

// DismissAll removes every notification and returns how many were dismissed.
func (s *NotificationService) DismissAll(ctx context.Context) (int, error) {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var notifications []*database.Notification
	if err := s.client.Gorm().WithContext(writeCtx).Find(&notifications).Error; err != nil {
		return 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	if len(notifications) == 0 {
		return 0, nil
	}

	res := s.client.Gorm().WithContext(writeCtx).
		Where("1 = 1").Delete(&database.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to dismiss notifications: %w", res.Error)
	}

	for _, n := range notifications {
		s.publishChange(writeCtx, events.NotificationDismissed, n)
	}
	return int(res.RowsAffected), nil
}

// Clear removes the (session, type) notification if present. Used by the
// detector when a waiting session becomes active again; clearing a row that
// does not exist is a no-op.
func (s *NotificationService) Clear(ctx context.Context, sessionID string, typ models.NotificationType) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n database.Notification
	err := s.scopeSessionType(s.client.Gorm().WithContext(writeCtx), &sessionID, typ).
		First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up notification: %w", err)
	}

	if err := s.client.Gorm().WithContext(writeCtx).Delete(&database.Notification{}, "id = ?", n.ID).Error; err != nil {
		return fmt.Errorf("failed to clear notification: %w", err)
	}

	s.publishChange(writeCtx, events.NotificationDismissed, &n)
	return nil
}

// CleanupOld deletes notifications not touched within the retention window.
// Housekeeping: no events are published for these.
func (s *NotificationService) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	// Use background context with timeout
	deleteCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := s.client.Gorm().WithContext(deleteCtx).
		Where("updated_at < ?", cutoff).
		Delete(&database.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cleanup notifications: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// scopeSessionType narrows a query to the (session, type) dedup key.
// A nil session id matches only rows with no session.
func (s *NotificationService) scopeSessionType(q *gorm.DB, sessionID *string, typ models.NotificationType) *gorm.DB {
	q = q.Model(&database.Notification{}).Where("type = ?", string(typ))
	if sessionID != nil {
		return q.Where("session_id = ?", *sessionID)
	}
	return q.Where("session_id IS NULL")
}

// publishChange emits the durable notification event and forwards the change
// to the mirror. Both are best-effort: a dashboard that misses one recovers
// on its next list call.
func (s *NotificationService) publishChange(ctx context.Context, action string, n *database.Notification) {
	payload := events.NotificationPayload{
		Type:         events.EventTypeNotification,
		Action:       action,
		Notification: n,
		Timestamp:    time.Now().Format(time.RFC3339Nano),
	}
	if err := s.publisher.PublishNotification(ctx, payload); err != nil {
		slog.Warn("Failed to publish notification event",
			"notification_id", n.ID, "action", action, "error", err)
	}

	if s.mirror == nil {
		return
	}
	// Mirror round-trips (Slack HTTP) stay off the caller's path.
	go func(n database.Notification) {
		mirrorCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		switch action {
		case events.NotificationUpserted:
			s.mirror.NotificationUpserted(mirrorCtx, &n)
		case events.NotificationDismissed:
			s.mirror.NotificationDismissed(mirrorCtx, &n)
		}
	}(*n)
}
