package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
)

// catchupLimit is the maximum number of events returned in a catchup
// response. If more events were missed, a catchup.overflow message tells
// the client to do a full REST reload.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new PG channel. Without this, a stalled connection would block the
// subscribing goroutine (and thus the client's read loop) indefinitely.
const listenTimeout = 10 * time.Second

// CatchupQuerier queries durable events for catchup. Implemented by
// services.EventService.
type CatchupQuerier interface {
	GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*database.Event, error)
}

// OutputReplayer supplies the recent output lines replayed inside a
// "subscribed" frame. Implemented by the session supervisor's ring buffers.
type OutputReplayer interface {
	GetOutput(sessionID string, tailLines int) ([]string, error)
}

// InputSender forwards session:input frames to the live session.
// Implemented by the session supervisor.
type InputSender interface {
	SendInput(ctx context.Context, sessionID, text string) error
}

// ConnectionManager manages WebSocket connections and channel
// subscriptions. Each process has one ConnectionManager instance.
//
// Every connected client implicitly receives broadcast-channel events
// (ticket:state, notification); session channels require an explicit
// session:subscribe.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// CatchupQuerier for durable-event catchup queries
	catchupQuerier CatchupQuerier

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex

	// replayer and input are set after construction, once the supervisor
	// exists. Both are nil-tolerant.
	replayer OutputReplayer
	input    InputSender
	depsMu   sync.RWMutex

	cfg          config.FanOutConfig
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions and the rate-limit window are accessed WITHOUT a lock. This
// is safe because all reads and writes happen on the single goroutine that
// owns this connection (HandleConnection's read loop and its deferred
// cleanup). If a Connection is ever mutated from a different goroutine
// (e.g. an admin "kick" feature), they must be protected by a mutex.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool // channels this connection is subscribed to
	sendCh        chan []byte     // bounded queue drained by the write loop
	recvWindow    []time.Time     // client message timestamps inside the rate window
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier, cfg config.FanOutConfig, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		catchupQuerier: catchupQuerier,
		cfg:            cfg,
		writeTimeout:   writeTimeout,
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both ConnectionManager and
// NotifyListener are created.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// SetOutputReplayer wires the supervisor's ring buffers for subscribe replay.
func (m *ConnectionManager) SetOutputReplayer(r OutputReplayer) {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()
	m.replayer = r
}

// SetInputSender wires the supervisor for session:input forwarding.
func (m *ConnectionManager) SetInputSender(s InputSender) {
	m.depsMu.Lock()
	defer m.depsMu.Unlock()
	m.input = s
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	queueSize := m.cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		sendCh:        make(chan []byte, queueSize),
		ctx:           ctx,
		cancel:        cancel,
	}

	// A frame over the read limit terminates the read; the margin lets the
	// application check below answer with INVALID_MESSAGE at exactly the
	// configured boundary instead of a bare protocol close.
	if m.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(m.cfg.MaxMessageBytes + 1024)
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	go m.writeLoop(c)
	go m.heartbeatLoop(c)

	m.sendJSON(c, map[string]any{
		"type":         "connected",
		"connectionId": connID,
	})

	// Read loop — process client messages until connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or error — exit read loop
			return
		}

		if m.cfg.MaxMessageBytes > 0 && int64(len(data)) > m.cfg.MaxMessageBytes {
			m.sendError(c, ErrorCodeInvalidMessage, "message exceeds size limit")
			_ = conn.Close(websocket.StatusMessageTooBig, ErrorCodeInvalidMessage)
			return
		}

		if m.rateLimited(c) {
			m.sendError(c, ErrorCodeRateLimited, "too many messages")
			_ = conn.Close(websocket.StatusPolicyViolation, ErrorCodeRateLimited)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			m.sendError(c, ErrorCodeInvalidMessage, "invalid JSON")
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// rateLimited records one incoming message and reports whether the client
// exceeded the sliding-window budget. Only called from the read loop.
func (m *ConnectionManager) rateLimited(c *Connection) bool {
	maxMsgs := m.cfg.RateLimitMaxMessages
	window := m.cfg.RateLimitWindow
	if maxMsgs <= 0 || window <= 0 {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-window)
	kept := c.recvWindow[:0]
	for _, ts := range c.recvWindow {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.recvWindow = append(kept, now)
	return len(c.recvWindow) > maxMsgs
}

// Broadcast sends an event payload to all connections subscribed to the
// given channel. The broadcast channel reaches every connection.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	var ids []string
	if channel == BroadcastChannel {
		m.mu.RLock()
		ids = make([]string, 0, len(m.connections))
		for id := range m.connections {
			ids = append(ids, id)
		}
		m.mu.RUnlock()
	} else {
		m.channelMu.RLock()
		connIDs, exists := m.channels[channel]
		if !exists {
			m.channelMu.RUnlock()
			return
		}
		// Copy IDs to avoid holding lock during sends
		ids = make([]string, 0, len(connIDs))
		for id := range connIDs {
			ids = append(ids, id)
		}
		m.channelMu.RUnlock()
	}

	// Snapshot connection pointers under the lock, then release before
	// enqueueing. Enqueue never blocks: a full queue drops the client
	// instead of stalling the broadcast path.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.enqueue(conn, event)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case ClientTypeSubscribe:
		if msg.SessionID == "" {
			m.sendError(c, ErrorCodeInvalidMessage, "sessionId is required for session:subscribe")
			return
		}
		channel := SessionChannel(msg.SessionID)
		if err := m.subscribe(c, channel); err != nil {
			m.sendError(c, ErrorCodeSubscribeFailed, "failed to subscribe to session")
			return
		}
		m.sendJSON(c, map[string]any{
			"type":      "subscribed",
			"sessionId": msg.SessionID,
			"replay":    m.replayLines(msg.SessionID),
		})

	case ClientTypeUnsubscribe:
		if msg.SessionID == "" {
			m.sendError(c, ErrorCodeInvalidMessage, "sessionId is required for session:unsubscribe")
			return
		}
		m.unsubscribe(c, SessionChannel(msg.SessionID))
		m.sendJSON(c, map[string]any{
			"type":      "unsubscribed",
			"sessionId": msg.SessionID,
		})

	case ClientTypeInput:
		m.handleInput(ctx, c, msg)

	case ClientTypeCatchup:
		// Durable events live on the broadcast channel only; session
		// channels are replayed from the ring buffer on subscribe.
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, BroadcastChannel, *msg.LastEventID)
		}

	case ClientTypePing:
		m.sendJSON(c, map[string]any{"type": "pong"})

	default:
		m.sendError(c, ErrorCodeInvalidMessage, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// handleInput validates and forwards a session:input frame to the supervisor.
func (m *ConnectionManager) handleInput(ctx context.Context, c *Connection, msg *ClientMessage) {
	if msg.SessionID == "" {
		m.sendError(c, ErrorCodeInvalidMessage, "sessionId is required for session:input")
		return
	}
	if len(msg.Text) > MaxInputChars {
		m.sendError(c, ErrorCodeInvalidMessage, fmt.Sprintf("text exceeds %d characters", MaxInputChars))
		return
	}

	m.depsMu.RLock()
	sender := m.input
	m.depsMu.RUnlock()
	if sender == nil {
		m.sendError(c, ErrorCodeInputFailed, "input forwarding is not available")
		return
	}

	if err := sender.SendInput(ctx, msg.SessionID, msg.Text); err != nil {
		slog.Warn("WebSocket input forwarding failed",
			"connection_id", c.ID, "session_id", msg.SessionID, "error", err)
		m.sendError(c, ErrorCodeInputFailed, err.Error())
	}
}

// replayLines fetches the recent output lines for a subscribed frame.
// Best-effort: a missing session or unset replayer yields an empty replay.
func (m *ConnectionManager) replayLines(sessionID string) []string {
	m.depsMu.RLock()
	replayer := m.replayer
	m.depsMu.RUnlock()
	if replayer == nil {
		return []string{}
	}

	n := m.cfg.ReplayLines
	if n <= 0 {
		n = 100
	}
	lines, err := replayer.GetOutput(sessionID, n)
	if err != nil || lines == nil {
		return []string{}
	}
	return lines
}

// subscribe registers a connection for a channel and starts LISTEN if first
// subscriber. LISTEN is synchronous so it completes before subscribe
// returns — events published right after the subscribed frame cannot be
// lost to a LISTEN still in flight.
//
// Returns an error if LISTEN fails so the caller can inform the client
// instead of sending a false subscribed frame.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a LISTEN
// failure and notifies every affected connection (except the triggering one,
// which is notified by the caller via the returned error).
//
// Between unlocking channelMu (after creating the channel entry) and
// l.Subscribe completing, other goroutines may have subscribed to the same
// channel. Because they saw the channel already existed they skipped LISTEN
// and returned success. Those connections are now orphaned — they received a
// subscribed frame but the underlying PG LISTEN was never established. This
// helper cleans them up.
//
// Note: affected connections may retain a stale c.subscriptions[channel]
// entry. This is harmless: Broadcast uses m.channels (now deleted), and
// unsubscribe / unregisterConnection handle missing channel entries
// gracefully.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	// Collect all affected connection IDs and delete the channel entirely.
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	// Look up connection pointers (without holding channelMu).
	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	// Notify each affected connection that the subscription failed.
	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendError(conn, ErrorCodeSubscribeFailed, "session listen failed; subscription removed")
	}
}

// unsubscribe removes a connection from a channel and stops LISTEN if last
// subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			// Last subscriber left — stop LISTEN.
			// The goroutine re-checks m.channels before issuing UNLISTEN to
			// prevent a race where a rapid unsubscribe/resubscribe cycle
			// (e.g. React StrictMode double-render) would drop the LISTEN:
			//   subscribe → LISTEN active
			//   unsubscribe → goroutine: UNLISTEN (deferred)
			//   resubscribe → channel re-added to m.channels
			//   goroutine → sees resubscribed → skips UNLISTEN
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup sends missed durable events since lastEventID to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastEventID int64) {
	if m.catchupQuerier == nil {
		return
	}

	// Query events from DB since lastEventID (capped at catchupLimit + 1 to
	// detect overflow)
	events, err := m.catchupQuerier.GetEventsSince(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	// Check if more events exist beyond the limit
	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	// Send missed events in order, injecting eventId for position tracking.
	// The stored payload doesn't contain eventId (it's only added to the
	// NOTIFY payload at publish time), so we add it here from the DB row ID.
	for _, evt := range events {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(evt.Payload), &decoded); err != nil {
			continue
		}
		decoded["eventId"] = evt.ID
		payload, err := json.Marshal(decoded)
		if err != nil {
			continue
		}
		m.enqueue(c, payload)
	}

	// If more events were missed than the catchup limit, tell the client
	// to do a full REST reload instead of paginating catchup requests.
	if hasMore {
		m.sendJSON(c, map[string]interface{}{
			"type":    "catchup.overflow",
			"hasMore": true,
		})
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	// Remove from all channel subscriptions
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// writeLoop is the sole writer of data frames for one connection, draining
// the bounded send queue. A write failure or timeout drops the client.
func (m *ConnectionManager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			err := c.Conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("Failed to send to WebSocket client",
					"connection_id", c.ID, "error", err)
				c.cancel()
				return
			}
		}
	}
}

// heartbeatLoop pings the client on an interval. A missing pong inside the
// connection timeout means a dead peer; the client is dropped.
// websocket.Conn serializes control-frame writes internally, so this runs
// concurrently with the write loop.
func (m *ConnectionManager) heartbeatLoop(c *Connection) {
	interval := m.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			wait := m.cfg.ConnectionTimeout - interval
			if wait <= 0 {
				wait = interval
			}
			pingCtx, cancel := context.WithTimeout(c.ctx, wait)
			err := c.Conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				slog.Debug("WebSocket heartbeat failed; dropping client",
					"connection_id", c.ID, "error", err)
				_ = c.Conn.Close(websocket.StatusGoingAway, "connection timeout")
				c.cancel()
				return
			}
		}
	}
}

// enqueue places a frame on the connection's send queue without blocking.
// A full queue means the consumer cannot keep up; the slowest consumer is
// dropped rather than stalling every other subscriber.
func (m *ConnectionManager) enqueue(c *Connection, data []byte) {
	select {
	case c.sendCh <- data:
	case <-c.ctx.Done():
	default:
		slog.Warn("WebSocket send queue overflow; dropping client",
			"connection_id", c.ID)
		_ = c.Conn.Close(websocket.StatusPolicyViolation, "SLOW_CONSUMER")
		c.cancel()
	}
}

// sendJSON marshals and enqueues a JSON message for a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	m.enqueue(c, data)
}

// sendError enqueues an error frame.
func (m *ConnectionManager) sendError(c *Connection, code, message string) {
	m.sendJSON(c, map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}
