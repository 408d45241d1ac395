// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/services"
)

// Service periodically enforces retention policies:
//   - Hard-deletes finished sessions past the retention window
//   - Removes notifications nothing has touched within their TTL
//   - Trims the durable event log past its TTL
//
// All operations are idempotent and safe to rerun.
type Service struct {
	config        *config.RetentionConfig
	sessions      *services.SessionService
	notifications *services.NotificationService
	events        *services.EventService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	cfg *config.RetentionConfig,
	sessions *services.SessionService,
	notifications *services.NotificationService,
	events *services.EventService,
) *Service {
	return &Service{
		config:        cfg,
		sessions:      sessions,
		notifications: notifications,
		events:        events,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"event_ttl", s.config.EventTTL,
		"notification_ttl", s.config.NotificationTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteOldSessions(ctx)
	s.cleanupNotifications(ctx)
	s.cleanupEvents(ctx)
}

func (s *Service) deleteOldSessions(ctx context.Context) {
	retention := time.Duration(s.config.SessionRetentionDays) * 24 * time.Hour
	count, err := s.sessions.DeleteOldFinished(ctx, retention)
	if err != nil {
		slog.Error("Retention: session cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old finished sessions", "count", count)
	}
}

func (s *Service) cleanupNotifications(ctx context.Context) {
	count, err := s.notifications.CleanupOld(ctx, s.config.NotificationTTL)
	if err != nil {
		slog.Error("Retention: notification cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted stale notifications", "count", count)
	}
}

func (s *Service) cleanupEvents(ctx context.Context) {
	count, err := s.events.CleanupOldEvents(ctx, s.config.EventTTL)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: trimmed event log", "count", count)
	}
}
