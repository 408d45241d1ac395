package models

// ReviewRequest asks the reviewer to judge a ticket's work.
type ReviewRequest struct {
	SessionID string        `json:"session_id"`
	TicketID  string        `json:"ticket_id"`
	Trigger   ReviewTrigger `json:"trigger"`
	// TestOutput is optional test runner output included in the prompt.
	TestOutput string `json:"test_output,omitempty"`
}

// UpsertNotificationRequest creates or replaces a notification for its
// (session, type) key.
type UpsertNotificationRequest struct {
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	SessionID string           `json:"session_id,omitempty"`
	TicketID  string           `json:"ticket_id,omitempty"`
}
