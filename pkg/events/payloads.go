package events

import (
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/models"
)

// WebSocket frames use camelCase keys; the REST surface uses snake_case.
// Both were inherited from the frontend contract and are load-bearing.

// SessionOutputPayload is the payload for session:output events.
// Published for each batch of new pane lines captured by the poll loop.
type SessionOutputPayload struct {
	Type      string   `json:"type"`      // always EventTypeSessionOutput
	SessionID string   `json:"sessionId"` // session UUID
	Lines     []string `json:"lines"`     // new lines in capture order
	Timestamp string   `json:"timestamp"` // RFC3339Nano
}

// SessionContextPayload is the payload for session:context events.
// Published when the polled contextPercent changes.
type SessionContextPayload struct {
	Type           string `json:"type"`           // always EventTypeSessionContext
	SessionID      string `json:"sessionId"`      // session UUID
	ContextPercent int    `json:"contextPercent"` // 0..100
	Timestamp      string `json:"timestamp"`      // RFC3339Nano
}

// SessionStatusPayload is the payload for session:status events.
// Published when a session transitions between lifecycle states.
type SessionStatusPayload struct {
	Type           string               `json:"type"`            // always EventTypeSessionStatus
	SessionID      string               `json:"sessionId"`       // session UUID
	PreviousStatus models.SessionStatus `json:"previousStatus"`  // state before the transition
	NewStatus      models.SessionStatus `json:"newStatus"`       // state after the transition
	Error          string               `json:"error,omitempty"` // populated on transitions into error
	Timestamp      string               `json:"timestamp"`       // RFC3339Nano
}

// SessionWaitingPayload is the payload for session:waiting events.
// Published on waiting-state edges decided by the detector's fusion loop.
type SessionWaitingPayload struct {
	Type      string               `json:"type"`             // always EventTypeSessionWaiting
	SessionID string               `json:"sessionId"`        // session UUID
	Waiting   bool                 `json:"waiting"`          // true on entry, false on clear
	Reason    models.WaitingReason `json:"reason,omitempty"` // set when waiting=true
	Timestamp string               `json:"timestamp"`        // RFC3339Nano
}

// TicketStatePayload is the payload for ticket:state events.
// Durable: persisted to the events table before NOTIFY.
type TicketStatePayload struct {
	Type        string                   `json:"type"`                  // always EventTypeTicketState
	TicketID    string                   `json:"ticketId"`              // ticket UUID
	ProjectID   string                   `json:"projectId"`             // owning project UUID
	FromState   models.TicketState       `json:"fromState"`             // state before the transition
	ToState     models.TicketState       `json:"toState"`               // state after the transition
	Trigger     models.TransitionTrigger `json:"trigger"`               // auto or manual
	Reason      models.TransitionReason  `json:"reason"`                // why the transition happened
	TriggeredBy string                   `json:"triggeredBy,omitempty"` // session UUID for auto transitions
	Timestamp   string                   `json:"timestamp"`             // RFC3339Nano
}

// NotificationPayload is the payload for notification events.
// Durable: persisted to the events table before NOTIFY.
type NotificationPayload struct {
	Type         string                 `json:"type"`      // always EventTypeNotification
	Action       string                 `json:"action"`    // "upserted" or "dismissed"
	Notification *database.Notification `json:"notification"`
	Timestamp    string                 `json:"timestamp"` // RFC3339Nano
}

// Notification payload actions.
const (
	NotificationUpserted  = "upserted"
	NotificationDismissed = "dismissed"
)

// HandoffStartedPayload is the payload for handoff:started events.
type HandoffStartedPayload struct {
	Type           string `json:"type"`           // always EventTypeHandoffStarted
	SessionID      string `json:"sessionId"`      // session being handed off
	ProjectID      string `json:"projectId"`      // owning project UUID
	ContextPercent int    `json:"contextPercent"` // context level that triggered the handoff
	Timestamp      string `json:"timestamp"`      // RFC3339Nano
}

// HandoffCompletedPayload is the payload for handoff:completed events.
type HandoffCompletedPayload struct {
	Type             string `json:"type"`             // always EventTypeHandoffCompleted
	FromSessionID    string `json:"fromSessionId"`    // terminated session
	ToSessionID      string `json:"toSessionId"`      // replacement session
	ContextAtHandoff int    `json:"contextAtHandoff"` // context level at trigger time
	DurationMs       int64  `json:"durationMs"`       // from trigger to import completion
	Timestamp        string `json:"timestamp"`        // RFC3339Nano
}

// HandoffFailedPayload is the payload for handoff:failed events.
type HandoffFailedPayload struct {
	Type             string `json:"type"`             // always EventTypeHandoffFailed
	SessionID        string `json:"sessionId"`        // session the handoff was for
	Step             string `json:"step"`             // state in which the handoff failed
	Reason           string `json:"reason"`           // human-readable failure cause
	SessionPreserved bool   `json:"sessionPreserved"` // whether the old session is still alive
	Timestamp        string `json:"timestamp"`        // RFC3339Nano
}

// ReviewFailedPayload is the payload for review:failed events.
// Published when a completion review times out or errors; a failed review
// never transitions the ticket.
type ReviewFailedPayload struct {
	Type      string               `json:"type"`      // always EventTypeReviewFailed
	SessionID string               `json:"sessionId"` // reviewed session UUID
	TicketID  string               `json:"ticketId"`  // reviewed ticket UUID
	Trigger   models.ReviewTrigger `json:"trigger"`   // what initiated the review
	Error     string               `json:"error"`     // failure cause
	Timestamp string               `json:"timestamp"` // RFC3339Nano
}
