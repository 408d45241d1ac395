package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/sessionworks/maestro/pkg/database"
)

// Transport carries marshaled event payloads toward subscribed clients.
//
// PgTransport is the production path: durable events are inserted into the
// events table and pg_notify'd in one transaction, so every replica's
// NotifyListener observes them. LocalTransport short-circuits straight into
// a ConnectionManager for single-process use and sqlite-backed tests.
type Transport interface {
	// PersistAndNotify stores the payload in the events table, then
	// broadcasts it with the assigned event id injected.
	PersistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error
	// NotifyOnly broadcasts the payload without persistence.
	NotifyOnly(ctx context.Context, channel string, payloadJSON []byte) error
}

// EventPublisher publishes events for WebSocket delivery.
// Durable events (ticket:state, notification) are stored in the events
// table then broadcast; transient events (session output/context/status/
// waiting, handoff progress) are broadcast only.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. Internally, payloads are marshaled to JSON and routed to
// the session or broadcast channel through the Transport.
type EventPublisher struct {
	transport Transport
}

// NewEventPublisher creates a new EventPublisher over the given transport.
func NewEventPublisher(transport Transport) *EventPublisher {
	return &EventPublisher{transport: transport}
}

// --- Typed public methods ---

// PublishSessionOutput broadcasts a transient session:output event with the
// newly captured pane lines. High frequency; reconnecting clients recover
// recent lines from the ring-buffer replay instead.
func (p *EventPublisher) PublishSessionOutput(ctx context.Context, payload SessionOutputPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionOutputPayload: %w", err)
	}
	return p.transport.NotifyOnly(ctx, SessionChannel(payload.SessionID), payloadJSON)
}

// PublishSessionContext broadcasts a transient session:context event.
func (p *EventPublisher) PublishSessionContext(ctx context.Context, payload SessionContextPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionContextPayload: %w", err)
	}
	return p.transport.NotifyOnly(ctx, SessionChannel(payload.SessionID), payloadJSON)
}

// PublishSessionStatus broadcasts a session:status event to the session
// channel and a copy to the broadcast channel for project dashboards.
// Both publishes are best-effort; the first error encountered is returned.
func (p *EventPublisher) PublishSessionStatus(ctx context.Context, payload SessionStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionStatusPayload: %w", err)
	}

	var firstErr error
	if err := p.transport.NotifyOnly(ctx, SessionChannel(payload.SessionID), payloadJSON); err != nil {
		slog.Warn("Failed to publish session status to session channel",
			"session_id", payload.SessionID, "status", payload.NewStatus, "error", err)
		firstErr = err
	}
	if err := p.transport.NotifyOnly(ctx, BroadcastChannel, payloadJSON); err != nil {
		slog.Warn("Failed to publish session status to broadcast channel",
			"session_id", payload.SessionID, "status", payload.NewStatus, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishSessionWaiting broadcasts a transient session:waiting event.
func (p *EventPublisher) PublishSessionWaiting(ctx context.Context, payload SessionWaitingPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionWaitingPayload: %w", err)
	}
	return p.transport.NotifyOnly(ctx, SessionChannel(payload.SessionID), payloadJSON)
}

// PublishTicketState persists and broadcasts a ticket:state event.
// Called after the transition's history row has committed, so observers
// never see a state change that was rolled back.
func (p *EventPublisher) PublishTicketState(ctx context.Context, payload TicketStatePayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal TicketStatePayload: %w", err)
	}
	return p.transport.PersistAndNotify(ctx, BroadcastChannel, payloadJSON)
}

// PublishNotification persists and broadcasts a notification event.
func (p *EventPublisher) PublishNotification(ctx context.Context, payload NotificationPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal NotificationPayload: %w", err)
	}
	return p.transport.PersistAndNotify(ctx, BroadcastChannel, payloadJSON)
}

// PublishHandoffStarted broadcasts a transient handoff:started event to the
// session channel and the broadcast channel.
func (p *EventPublisher) PublishHandoffStarted(ctx context.Context, payload HandoffStartedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal HandoffStartedPayload: %w", err)
	}
	return p.dualNotify(ctx, SessionChannel(payload.SessionID), payloadJSON)
}

// PublishHandoffCompleted broadcasts a transient handoff:completed event.
// Published to the old session's channel so watchers learn the replacement
// session id, plus the broadcast channel.
func (p *EventPublisher) PublishHandoffCompleted(ctx context.Context, payload HandoffCompletedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal HandoffCompletedPayload: %w", err)
	}
	return p.dualNotify(ctx, SessionChannel(payload.FromSessionID), payloadJSON)
}

// PublishHandoffFailed broadcasts a transient handoff:failed event.
func (p *EventPublisher) PublishHandoffFailed(ctx context.Context, payload HandoffFailedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal HandoffFailedPayload: %w", err)
	}
	return p.dualNotify(ctx, SessionChannel(payload.SessionID), payloadJSON)
}

// PublishReviewFailed broadcasts a transient review:failed event.
func (p *EventPublisher) PublishReviewFailed(ctx context.Context, payload ReviewFailedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ReviewFailedPayload: %w", err)
	}
	return p.transport.NotifyOnly(ctx, SessionChannel(payload.SessionID), payloadJSON)
}

// dualNotify broadcasts the same transient payload to a session channel and
// the broadcast channel, returning the first error encountered.
func (p *EventPublisher) dualNotify(ctx context.Context, sessionChannel string, payloadJSON []byte) error {
	var firstErr error
	if err := p.transport.NotifyOnly(ctx, sessionChannel, payloadJSON); err != nil {
		firstErr = err
	}
	if err := p.transport.NotifyOnly(ctx, BroadcastChannel, payloadJSON); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// --- PostgreSQL transport ---

// PgTransport routes events through the events table and pg_notify.
type PgTransport struct {
	db *sql.DB
}

// NewPgTransport creates a Transport over the *sql.DB from database.Client.DB().
func NewPgTransport(db *sql.DB) *PgTransport {
	return &PgTransport{db: db}
}

// PersistAndNotify persists a pre-marshaled event to the database and
// broadcasts via NOTIFY in a single transaction (pg_notify is
// transactional — held until COMMIT).
func (t *PgTransport) PersistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Persist to events table (within transaction)
	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (channel, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// NOTIFY payload carries the row id so clients can track their
	// catch-up cursor.
	notifyPayload, err := injectEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	// 2. pg_notify within same transaction — held until COMMIT
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	// 3. Commit — INSERT is persisted and NOTIFY fires atomically
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}

	return nil
}

// NotifyOnly broadcasts a pre-marshaled event via NOTIFY without persisting.
func (t *PgTransport) NotifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// --- Local transport ---

// Broadcaster is the delivery sink for LocalTransport; implemented by
// ConnectionManager.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// LocalTransport delivers events directly to a ConnectionManager without
// going through pg_notify. Used in single-process deployments without
// PostgreSQL and in sqlite-backed tests; durable events are still written
// to the events table.
type LocalTransport struct {
	gdb  *gorm.DB
	sink Broadcaster
}

// NewLocalTransport creates a Transport over a gorm handle and a sink.
func NewLocalTransport(gdb *gorm.DB, sink Broadcaster) *LocalTransport {
	return &LocalTransport{gdb: gdb, sink: sink}
}

func (t *LocalTransport) PersistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	row := &database.Event{
		Channel:   channel,
		Payload:   string(payloadJSON),
		CreatedAt: time.Now(),
	}
	if err := t.gdb.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectEventIDAndTruncate(payloadJSON, row.ID)
	if err != nil {
		return err
	}
	t.sink.Broadcast(channel, []byte(notifyPayload))
	return nil
}

func (t *LocalTransport) NotifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	t.sink.Broadcast(channel, []byte(notifyPayload))
	return nil
}

// --- Internal helpers ---

// injectEventIDAndTruncate adds eventId to the JSON payload for broadcast
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectEventIDAndTruncate(payloadJSON []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for eventId injection: %w", err)
	}
	m["eventId"] = eventID

	enrichedBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}

	return truncateIfNeeded(string(enrichedBytes))
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise returns a minimal
// truncation envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload creates a minimal truncation envelope from the full
// JSON payload bytes, extracting only the routing fields the client needs
// to fetch the complete event from the database.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		TicketID  string `json:"ticketId"`
		EventID   *int64 `json:"eventId,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"truncated": true,
	}
	if routing.SessionID != "" {
		truncated["sessionId"] = routing.SessionID
	}
	if routing.TicketID != "" {
		truncated["ticketId"] = routing.TicketID
	}
	if routing.EventID != nil {
		truncated["eventId"] = *routing.EventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
