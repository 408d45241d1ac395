package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sessionworks/maestro/pkg/events"
)

// WSEvent is one received WebSocket frame.
type WSEvent struct {
	Type     string          `json:"type"`
	Raw      json.RawMessage // original JSON
	Parsed   map[string]any  // parsed for assertions
	Received time.Time
}

// WSClient connects to the orchestrator's /ws endpoint and collects every
// frame in the background, so assertions can match events regardless of how
// much session:output noise the poll loop interleaves.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect dials the test server's WebSocket endpoint and starts collecting.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe attaches the client to a session channel. The "subscribed" ack
// lands in the collected events like any other frame.
func (c *WSClient) Subscribe(sessionID string) error {
	data, err := json.Marshal(events.ClientMessage{
		Type:      events.ClientTypeSubscribe,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// SendInput pushes a session:input frame through the socket.
func (c *WSClient) SendInput(sessionID, text string) error {
	data, err := json.Marshal(events.ClientMessage{
		Type:      events.ClientTypeInput,
		SessionID: sessionID,
		Text:      text,
	})
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until an event matching the predicate is received, or
// times out.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for an event with the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// WaitForTicketState waits for the ticket:state event that moves the ticket
// into toState.
func (c *WSClient) WaitForTicketState(ticketID, toState string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "ticket:state" &&
			e.Parsed["ticketId"] == ticketID &&
			e.Parsed["toState"] == toState
	}, timeout)
}

// WaitForWaiting waits for a session:waiting edge of the given polarity.
func (c *WSClient) WaitForWaiting(sessionID string, waiting bool, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "session:waiting" &&
			e.Parsed["sessionId"] == sessionID &&
			e.Parsed["waiting"] == waiting
	}, timeout)
}

// WaitForNotificationType waits for a notification event carrying the given
// notification type.
func (c *WSClient) WaitForNotificationType(notifType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		if e.Type != "notification" {
			return false
		}
		n, _ := e.Parsed["notification"].(map[string]any)
		return n != nil && n["type"] == notifType
	}, timeout)
}

// Events returns a snapshot of all collected events.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns collected events filtered by type.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // connection closed or context cancelled
		}

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}

		evt := WSEvent{
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		}
		if t, ok := parsed["type"].(string); ok {
			evt.Type = t
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
