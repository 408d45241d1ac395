// Package events provides real-time event delivery via WebSocket and
// PostgreSQL NOTIFY/LISTEN for cross-replica distribution.
//
// Two delivery classes share one pipe:
//
//   - Durable events (ticket:state, notification) are written to the
//     events table and NOTIFYed in the same transaction, so they survive
//     for catch-up after a reconnect and every replica observes them.
//   - Transient events (session:output, session:context, session:status,
//     session:waiting, handoff:*) are NOTIFY-only. They are high-frequency
//     and reconstructible: a reconnecting client gets the recent output
//     replayed from the supervisor's ring buffer instead.
//
// Channel layout: each session has its own channel ("session:{id}") which
// clients subscribe to explicitly; ticket and notification events go to
// the broadcast channel, which every connected client implicitly hears.
package events

// Server → client frame types.
const (
	EventTypeSessionOutput  = "session:output"
	EventTypeSessionContext = "session:context"
	EventTypeSessionStatus  = "session:status"
	EventTypeSessionWaiting = "session:waiting"

	EventTypeTicketState  = "ticket:state"
	EventTypeNotification = "notification"

	EventTypeHandoffStarted   = "handoff:started"
	EventTypeHandoffCompleted = "handoff:completed"
	EventTypeHandoffFailed    = "handoff:failed"

	EventTypeReviewFailed = "review:failed"
)

// Client → server frame types.
const (
	ClientTypeSubscribe   = "session:subscribe"
	ClientTypeUnsubscribe = "session:unsubscribe"
	ClientTypeInput       = "session:input"
	ClientTypePing        = "ping"
	ClientTypeCatchup     = "catchup"
)

// Error codes carried in server "error" frames and close reasons.
const (
	ErrorCodeRateLimited     = "RATE_LIMITED"
	ErrorCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrorCodeInputFailed     = "INPUT_FAILED"
	ErrorCodeSubscribeFailed = "SUBSCRIBE_FAILED"
)

// BroadcastChannel carries durable events every connected client receives
// without an explicit subscription: ticket state changes and notifications.
const BroadcastChannel = "broadcast"

// SessionChannel returns the channel name for a specific session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// MaxInputChars bounds the text field of a session:input frame.
const MaxInputChars = 10000

// ClientMessage is the JSON structure for client → server WebSocket
// messages. Unknown fields are tolerated so newer clients keep working.
type ClientMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	Text        string `json:"text,omitempty"`
	LastEventID *int64 `json:"lastEventId,omitempty"` // for catchup
}
