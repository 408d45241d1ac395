package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/services"
)

var _ services.Mirror = (*Service)(nil)

const postTimeout = 5 * time.Second

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service mirrors notification upserts and dismissals into a Slack channel.
// Each (session, type) pair maps to one Slack message: repeated upserts edit
// the message in place and a dismissal rewrites it as resolved, so the
// channel tracks the notification center instead of stacking duplicates.
//
// Nil-safe: all methods are no-ops when the service is nil.
// Fail-open: delivery errors are logged, never returned.
type Service struct {
	client *Client
	logger *slog.Logger

	mu   sync.Mutex
	sent map[string]string // notification key -> Slack message ts
}

// NewService creates a new Slack mirror.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel))
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return newService(client)
}

func newService(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "slack-mirror"),
		sent:   make(map[string]string),
	}
}

// NotificationUpserted posts the notification to Slack, editing the previous
// message when the same (session, type) pair fires again.
func (s *Service) NotificationUpserted(ctx context.Context, n *database.Notification) {
	if s == nil || n == nil {
		return
	}

	key := notificationKey(n)
	blocks := BuildNotificationMessage(n)

	s.mu.Lock()
	ts := s.sent[key]
	s.mu.Unlock()

	if ts != "" {
		err := s.client.UpdateMessage(ctx, ts, blocks, postTimeout)
		if err == nil {
			return
		}
		// The original message may have been deleted in Slack; post fresh.
		s.logger.Warn("Failed to update Slack notification message",
			"notification_id", n.ID,
			"type", n.Type,
			"error", err)
	}

	newTS, err := s.client.PostMessage(ctx, blocks, postTimeout)
	if err != nil {
		s.logger.Error("Failed to mirror notification to Slack",
			"notification_id", n.ID,
			"type", n.Type,
			"error", err)
		return
	}

	s.mu.Lock()
	s.sent[key] = newTS
	s.mu.Unlock()
}

// NotificationDismissed rewrites the mirrored message as resolved and
// forgets its timestamp. Dismissals for notifications this process never
// posted (mirrored before a restart, or the post itself failed) are skipped.
func (s *Service) NotificationDismissed(ctx context.Context, n *database.Notification) {
	if s == nil || n == nil {
		return
	}

	key := notificationKey(n)

	s.mu.Lock()
	ts, ok := s.sent[key]
	delete(s.sent, key)
	s.mu.Unlock()

	if !ok {
		return
	}

	if err := s.client.UpdateMessage(ctx, ts, BuildDismissedMessage(n), postTimeout); err != nil {
		s.logger.Warn("Failed to mark Slack notification resolved",
			"notification_id", n.ID,
			"type", n.Type,
			"error", err)
	}
}

// notificationKey mirrors the (session, type) uniqueness of the
// notifications table so an upsert and its dismissal hit the same message.
func notificationKey(n *database.Notification) string {
	sid := ""
	if n.SessionID != nil {
		sid = *n.SessionID
	}
	return sid + "|" + n.Type
}
