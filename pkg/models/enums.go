// Package models defines service-level DTOs and the domain enums shared
// across packages.
package models

// TicketState is a ticket's position in its lifecycle.
type TicketState string

const (
	TicketBacklog    TicketState = "backlog"
	TicketInProgress TicketState = "in_progress"
	TicketReview     TicketState = "review"
	TicketDone       TicketState = "done"
)

// IsValid reports whether the state is one of the known ticket states.
func (s TicketState) IsValid() bool {
	switch s {
	case TicketBacklog, TicketInProgress, TicketReview, TicketDone:
		return true
	}
	return false
}

// SessionStatus is a session's position in its lifecycle.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// IsValid reports whether the status is one of the known session statuses.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionPending, SessionRunning, SessionPaused, SessionCompleted, SessionError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions may leave this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionError
}

// IsLive reports whether the session occupies a pane.
func (s SessionStatus) IsLive() bool {
	return s == SessionRunning || s == SessionPaused
}

// SessionType distinguishes ticket-bound sessions from adhoc ones.
type SessionType string

const (
	SessionTypeTicket SessionType = "ticket"
	SessionTypeAdhoc  SessionType = "adhoc"
)

// TransitionTrigger records who drove a ticket transition.
type TransitionTrigger string

const (
	TriggerAuto   TransitionTrigger = "auto"
	TriggerManual TransitionTrigger = "manual"
)

// TransitionReason records why a ticket transition happened.
type TransitionReason string

const (
	ReasonSessionStarted     TransitionReason = "session_started"
	ReasonCompletionDetected TransitionReason = "completion_detected"
	ReasonUserApproved       TransitionReason = "user_approved"
	ReasonUserRejected       TransitionReason = "user_rejected"
)

// ReviewDecision is the tri-valued outcome of a completion review.
type ReviewDecision string

const (
	DecisionComplete           ReviewDecision = "complete"
	DecisionNotComplete        ReviewDecision = "not_complete"
	DecisionNeedsClarification ReviewDecision = "needs_clarification"
)

// ReviewTrigger records what initiated a review.
type ReviewTrigger string

const (
	ReviewTriggerStopHook         ReviewTrigger = "stop_hook"
	ReviewTriggerIdleTimeout      ReviewTrigger = "idle_timeout"
	ReviewTriggerCompletionSignal ReviewTrigger = "completion_signal"
	ReviewTriggerManual           ReviewTrigger = "manual"
)

// NotificationType classifies user-facing notifications.
type NotificationType string

const (
	NotificationWaitingInput  NotificationType = "waiting_input"
	NotificationReviewReady   NotificationType = "review_ready"
	NotificationError         NotificationType = "error"
	NotificationContextLow    NotificationType = "context_low"
	NotificationHandoffFailed NotificationType = "handoff_failed"
)

// WaitingReason classifies why a session is waiting for input, ordered by
// severity for signal fusion.
type WaitingReason string

const (
	WaitingPermissionPrompt WaitingReason = "permission_prompt"
	WaitingContextExhausted WaitingReason = "context_exhausted"
	WaitingStopped          WaitingReason = "stopped"
	WaitingQuestion         WaitingReason = "question"
	WaitingIdlePrompt       WaitingReason = "idle_prompt"
	WaitingUnknown          WaitingReason = "unknown"
)

// Severity ranks waiting reasons; higher wins within a debounce window.
func (r WaitingReason) Severity() int {
	switch r {
	case WaitingPermissionPrompt:
		return 5
	case WaitingContextExhausted:
		return 4
	case WaitingStopped:
		return 3
	case WaitingQuestion:
		return 2
	case WaitingIdlePrompt:
		return 1
	default:
		return 0
	}
}
