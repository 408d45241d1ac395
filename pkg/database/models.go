package database

import "time"

// Row types for the maestro schema. Column layout matches the SQL
// migrations; sqlite-backed tests AutoMigrate these structs instead.

type Project struct {
	ID          string    `json:"id" gorm:"column:id;primaryKey"`
	Name        string    `json:"name" gorm:"column:name;not null"`
	RepoPath    string    `json:"repo_path" gorm:"column:repo_path;not null;uniqueIndex:ux_projects_repo_path"`
	PaneGroup   string    `json:"pane_group" gorm:"column:pane_group;not null"`
	PaneWindow  string    `json:"pane_window,omitempty" gorm:"column:pane_window;not null;default:''"`
	TicketsPath string    `json:"tickets_path" gorm:"column:tickets_path;not null;default:''"`
	HandoffPath string    `json:"handoff_path" gorm:"column:handoff_path;not null;default:''"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (Project) TableName() string { return "projects" }

type Ticket struct {
	ID                string     `json:"id" gorm:"column:id;primaryKey"`
	ProjectID         string     `json:"project_id" gorm:"column:project_id;not null;index;uniqueIndex:ux_tickets_project_file"`
	ExternalID        string     `json:"external_id,omitempty" gorm:"column:external_id;not null;default:''"`
	Title             string     `json:"title" gorm:"column:title;not null"`
	State             string     `json:"state" gorm:"column:state;not null;default:'backlog'"`
	FilePath          string     `json:"file_path" gorm:"column:file_path;not null;uniqueIndex:ux_tickets_project_file"`
	Prefix            string     `json:"prefix,omitempty" gorm:"column:prefix;not null;default:''"`
	IsAdhoc           bool       `json:"is_adhoc" gorm:"column:is_adhoc;not null;default:false"`
	IsExplore         bool       `json:"is_explore" gorm:"column:is_explore;not null;default:false"`
	RejectionFeedback string     `json:"rejection_feedback,omitempty" gorm:"column:rejection_feedback;not null;default:''"`
	StartedAt         *time.Time `json:"started_at,omitempty" gorm:"column:started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CreatedAt         time.Time  `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (Ticket) TableName() string { return "tickets" }

type Session struct {
	ID                 string     `json:"id" gorm:"column:id;primaryKey"`
	ProjectID          string     `json:"project_id" gorm:"column:project_id;not null;index"`
	TicketID           *string    `json:"ticket_id,omitempty" gorm:"column:ticket_id;index"`
	Type               string     `json:"type" gorm:"column:type;not null;default:'adhoc'"`
	Status             string     `json:"status" gorm:"column:status;not null;default:'pending'"`
	PaneID             string     `json:"pane_id,omitempty" gorm:"column:pane_id;not null;default:''"`
	PID                int        `json:"pid,omitempty" gorm:"column:pid;not null;default:0"`
	AssistantSessionID string     `json:"assistant_session_id,omitempty" gorm:"column:assistant_session_id;not null;default:'';index"`
	TranscriptPath     string     `json:"transcript_path,omitempty" gorm:"column:transcript_path;not null;default:''"`
	ContextPercent     int        `json:"context_percent" gorm:"column:context_percent;not null;default:100"`
	StartedAt          *time.Time `json:"started_at,omitempty" gorm:"column:started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty" gorm:"column:ended_at"`
	CreatedAt          time.Time  `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt          time.Time  `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (Session) TableName() string { return "sessions" }

type StateHistoryEntry struct {
	ID          string    `json:"id" gorm:"column:id;primaryKey"`
	TicketID    string    `json:"ticket_id" gorm:"column:ticket_id;not null;index"`
	FromState   string    `json:"from_state" gorm:"column:from_state;not null"`
	ToState     string    `json:"to_state" gorm:"column:to_state;not null"`
	Trigger     string    `json:"trigger" gorm:"column:trigger;not null"`
	Reason      string    `json:"reason" gorm:"column:reason;not null"`
	Feedback    string    `json:"feedback,omitempty" gorm:"column:feedback;not null;default:''"`
	TriggeredBy string    `json:"triggered_by,omitempty" gorm:"column:triggered_by;not null;default:''"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at;not null"`
}

func (StateHistoryEntry) TableName() string { return "ticket_state_history" }

type ReviewResult struct {
	ID            string    `json:"id" gorm:"column:id;primaryKey"`
	SessionID     string    `json:"session_id" gorm:"column:session_id;not null;index"`
	TicketID      string    `json:"ticket_id" gorm:"column:ticket_id;not null;index"`
	Decision      string    `json:"decision" gorm:"column:decision;not null"`
	Reasoning     string    `json:"reasoning" gorm:"column:reasoning;not null;default:''"`
	Trigger       string    `json:"trigger" gorm:"column:trigger;not null"`
	SessionStatus string    `json:"session_status,omitempty" gorm:"column:session_status;not null;default:''"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at;not null"`
}

func (ReviewResult) TableName() string { return "review_results" }

type Notification struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey"`
	Type      string    `json:"type" gorm:"column:type;not null;uniqueIndex:ux_notifications_session_type"`
	Message   string    `json:"message" gorm:"column:message;not null"`
	SessionID *string   `json:"session_id,omitempty" gorm:"column:session_id;uniqueIndex:ux_notifications_session_type"`
	TicketID  *string   `json:"ticket_id,omitempty" gorm:"column:ticket_id"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (Notification) TableName() string { return "notifications" }

// Event is the durable event log row backing WebSocket catch-up.
type Event struct {
	ID        int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Channel   string    `json:"channel" gorm:"column:channel;not null;index:ix_events_channel_id"`
	Payload   string    `json:"payload" gorm:"column:payload;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;not null;index"`
}

func (Event) TableName() string { return "events" }

// AllModels lists every row type for sqlite AutoMigrate in tests.
func AllModels() []any {
	return []any{
		&Project{},
		&Ticket{},
		&Session{},
		&StateHistoryEntry{},
		&ReviewResult{},
		&Notification{},
		&Event{},
	}
}
