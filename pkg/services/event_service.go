package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sessionworks/maestro/pkg/database"
)

// EventService queries and prunes the durable event log backing WebSocket
// catch-up. Rows are written by the event transport, never here.
type EventService struct {
	client *database.Client
}

// NewEventService creates a new EventService.
func NewEventService(client *database.Client) *EventService {
	return &EventService{client: client}
}

// GetEventsSince retrieves up to limit events on a channel with an id
// greater than sinceID, oldest first.
func (s *EventService) GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*database.Event, error) {
	var events []*database.Event
	q := s.client.Gorm().WithContext(ctx).
		Where("channel = ? AND id > ?", channel, sinceID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}

// CleanupOldEvents removes events older than the TTL. Transient events are
// never stored, so this only trims the durable log.
func (s *EventService) CleanupOldEvents(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := s.client.Gorm().WithContext(writeCtx).
		Where("created_at < ?", cutoff).
		Delete(&database.Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
