// Package detector decides when a session is waiting for human input. It
// fuses three signal layers: hook payloads the assistant pushes over HTTP,
// tailed transcript files, and pattern matches over captured pane output.
//
// All waiting state lives in a single fusion goroutine; the layers only
// post messages. The supervisor feeds layer 3 through its Hooks and the
// HTTP ingress feeds layer 1 through HandleHookEvent.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
)

// Hook event names the ingress understands. Unknown events are ignored.
const (
	HookSessionStart = "SessionStart"
	HookSessionEnd   = "SessionEnd"
	HookNotification = "Notification"
	HookStop         = "Stop"
)

// Notification types that map to waiting reasons. Other types, such as the
// assistant's elicitation dialogs, are not actionable for us.
const (
	NotifPermissionPrompt = "permission_prompt"
	NotifIdlePrompt       = "idle_prompt"
)

// Project matches are cached briefly so a burst of hooks from one working
// directory does not rescan the project table.
const (
	projectCacheTTL   = 30 * time.Second
	projectCacheSweep = time.Minute
)

const fusionQueueSize = 256

// HookPayload is the JSON body assistant hooks POST to the ingress. Field
// names follow the assistant's hook schema; session_id is the assistant's
// own id, not ours.
type HookPayload struct {
	HookEventName    string `json:"hook_event_name"`
	NotificationType string `json:"notification_type,omitempty"`
	SessionID        string `json:"session_id"`
	CWD              string `json:"cwd,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
	Message          string `json:"message,omitempty"`
}

// SignalLayer identifies which detection layer produced a signal.
type SignalLayer string

const (
	LayerHook       SignalLayer = "hook"
	LayerTranscript SignalLayer = "transcript"
	LayerOutput     SignalLayer = "output"
)

// WaitingSignal is one layer's claim that a session is waiting for input.
// Signals are fused per session: within a debounce window the highest
// severity reason wins.
type WaitingSignal struct {
	SessionID string
	Waiting   bool
	Reason    models.WaitingReason
	Layer     SignalLayer
	Timestamp time.Time
	Context   string
}

// ReviewRequester receives completion-review requests. stop_hook and
// idle_timeout requests are advisory: the reviewer applies its own config
// gates and per-ticket lock. Implementations must not block.
type ReviewRequester interface {
	RequestReview(sessionID string, trigger models.ReviewTrigger)
}

// Detector owns the waiting state of watched sessions.
type Detector struct {
	sessions      *services.SessionService
	projects      *services.ProjectService
	notifications *services.NotificationService
	publisher     *events.EventPublisher
	reviews       ReviewRequester
	cfg           *config.DetectorConfig

	immediateRes []*regexp.Regexp
	questionRes  []*regexp.Regexp
	markers      []string

	projectCache *gocache.Cache

	// states and seq belong to the fusion goroutine; the waiting mirror
	// serves IsWaiting readers.
	states map[string]*sessionState
	seq    uint64

	waiting   map[string]bool
	waitingMu sync.RWMutex

	// Transcript tail registry: session_id → *transcriptTail
	tails   map[string]*transcriptTail
	tailsMu sync.Mutex

	msgCh    chan message
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Detector. reviews may be nil, in which case no reviews are
// requested. cfg may be nil, in which case defaults apply.
func New(sessions *services.SessionService, projects *services.ProjectService, notifications *services.NotificationService, publisher *events.EventPublisher, reviews ReviewRequester, cfg *config.DetectorConfig) *Detector {
	if sessions == nil {
		panic("detector.New: sessions must not be nil")
	}
	if projects == nil {
		panic("detector.New: projects must not be nil")
	}
	if notifications == nil {
		panic("detector.New: notifications must not be nil")
	}
	if publisher == nil {
		panic("detector.New: publisher must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultDetectorConfig()
	}

	d := &Detector{
		sessions:      sessions,
		projects:      projects,
		notifications: notifications,
		publisher:     publisher,
		reviews:       reviews,
		cfg:           cfg,
		projectCache:  gocache.New(projectCacheTTL, projectCacheSweep),
		states:        make(map[string]*sessionState),
		waiting:       make(map[string]bool),
		tails:         make(map[string]*transcriptTail),
		msgCh:         make(chan message, fusionQueueSize),
		stopCh:        make(chan struct{}),
	}
	for _, pattern := range cfg.ImmediatePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("Ignoring invalid immediate pattern", "pattern", pattern, "error", err)
			continue
		}
		d.immediateRes = append(d.immediateRes, re)
	}
	for _, pattern := range cfg.QuestionPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("Ignoring invalid question pattern", "pattern", pattern, "error", err)
			continue
		}
		d.questionRes = append(d.questionRes, re)
	}
	d.markers = append(d.markers, cfg.CompletionMarkers...)
	return d
}

// Start launches the fusion loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.runFusion()
}

// Stop halts the fusion loop and every transcript tail, then waits for
// them to exit. Safe to call more than once.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.stopAllTails()
	d.wg.Wait()
}

// WatchSession begins detection for a session. Wired to the supervisor's
// SessionStarted hook; hook correlation calls it for external sessions.
func (d *Detector) WatchSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		slog.Warn("Cannot watch unknown session", "session_id", sessionID, "error", err)
		return
	}
	d.watch(sessionID, row.TranscriptPath)
}

func (d *Detector) watch(sessionID, transcriptPath string) {
	d.post(message{kind: msgWatch, sessionID: sessionID})
	if transcriptPath != "" {
		d.startTail(sessionID, transcriptPath)
	}
}

// UnwatchSession stops detection for a session, clearing any waiting
// state it still holds. Wired to the supervisor's SessionEnded hook.
func (d *Detector) UnwatchSession(sessionID string) {
	d.stopTail(sessionID)
	d.post(message{kind: msgUnwatch, sessionID: sessionID})
}

// Recover re-watches live sessions after a restart. Supervised sessions
// are also re-announced by the supervisor's own recovery, and watching
// twice is harmless; externally launched sessions have no pane and only
// come back through here.
func (d *Detector) Recover(ctx context.Context) error {
	rows, err := d.sessions.LiveSessions(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list live sessions: %w", err)
	}
	for _, row := range rows {
		d.watch(row.ID, row.TranscriptPath)
	}
	slog.Info("Detector recovery complete", "watched", len(rows))
	return nil
}

// IsWaiting reports whether the session is currently waiting for input.
func (d *Detector) IsWaiting(sessionID string) bool {
	d.waitingMu.RLock()
	defer d.waitingMu.RUnlock()
	return d.waiting[sessionID]
}

// OnOutput scans captured pane lines for waiting patterns. Wired to the
// supervisor's Output hook. Changed output also counts as activity that
// clears an established waiting state.
func (d *Detector) OnOutput(sessionID string, lines []string, changed bool) {
	if changed {
		d.post(message{kind: msgActivity, sessionID: sessionID})
	}
	for _, line := range lines {
		d.scanLine(sessionID, line)
	}
}

// OnInput counts input delivered to the pane as activity. Wired to the
// supervisor's InputSent hook.
func (d *Detector) OnInput(sessionID string) {
	d.post(message{kind: msgActivity, sessionID: sessionID})
}

// scanLine checks one line against completion markers first, then
// immediate prompts, then question patterns. The first category that
// matches wins.
func (d *Detector) scanLine(sessionID, line string) {
	for _, marker := range d.markers {
		if strings.Contains(line, marker) {
			d.post(message{kind: msgSignal, sessionID: sessionID, signal: WaitingSignal{
				SessionID: sessionID,
				Waiting:   true,
				Reason:    models.WaitingStopped,
				Layer:     LayerOutput,
				Timestamp: time.Now(),
				Context:   line,
			}})
			d.requestReview(sessionID, models.ReviewTriggerCompletionSignal)
			return
		}
	}
	for _, re := range d.immediateRes {
		if re.MatchString(line) {
			d.post(message{kind: msgSignal, sessionID: sessionID, signal: WaitingSignal{
				SessionID: sessionID,
				Waiting:   true,
				Reason:    models.WaitingPermissionPrompt,
				Layer:     LayerOutput,
				Timestamp: time.Now(),
				Context:   line,
			}})
			return
		}
	}
	for _, re := range d.questionRes {
		if re.MatchString(line) {
			d.post(message{kind: msgQuestion, sessionID: sessionID, context: line})
			return
		}
	}
}

// HandleHookEvent maps one assistant hook payload to signals or session
// correlation. The HTTP ingress always replies success; a returned error
// becomes a warning in the response and the payload is otherwise ignored.
func (d *Detector) HandleHookEvent(ctx context.Context, p HookPayload) error {
	if p.HookEventName == "" {
		return fmt.Errorf("hook payload missing hook_event_name")
	}
	if p.SessionID == "" {
		return fmt.Errorf("hook payload missing session_id")
	}

	switch p.HookEventName {
	case HookSessionStart:
		return d.correlateSessionStart(ctx, p)
	case HookSessionEnd:
		return d.handleSessionEnd(ctx, p)
	case HookNotification:
		reason, actionable := notificationReason(p.NotificationType)
		if !actionable {
			slog.Debug("Ignoring non-actionable notification hook",
				"notification_type", p.NotificationType, "assistant_session_id", p.SessionID)
			return nil
		}
		row, err := d.sessions.FindByAssistantSession(ctx, p.SessionID)
		if err != nil {
			return fmt.Errorf("notification hook: %w", err)
		}
		d.post(message{kind: msgSignal, sessionID: row.ID, signal: WaitingSignal{
			SessionID: row.ID,
			Waiting:   true,
			Reason:    reason,
			Layer:     LayerHook,
			Timestamp: time.Now(),
			Context:   p.Message,
		}})
		return nil
	case HookStop:
		row, err := d.sessions.FindByAssistantSession(ctx, p.SessionID)
		if err != nil {
			return fmt.Errorf("stop hook: %w", err)
		}
		d.post(message{kind: msgSignal, sessionID: row.ID, signal: WaitingSignal{
			SessionID: row.ID,
			Waiting:   true,
			Reason:    models.WaitingStopped,
			Layer:     LayerHook,
			Timestamp: time.Now(),
		}})
		d.requestReview(row.ID, models.ReviewTriggerStopHook)
		return nil
	default:
		slog.Debug("Ignoring unhandled hook event", "hook_event_name", p.HookEventName)
		return nil
	}
}

// correlateSessionStart links the assistant's session id to one of ours.
// The cwd resolves a project by repo path prefix; within it the newest
// live session without an assistant id gets linked, or an external
// session is created when the assistant was launched by hand. Hook
// retries are tolerated: a known assistant id never creates a second row.
func (d *Detector) correlateSessionStart(ctx context.Context, p HookPayload) error {
	if p.CWD == "" {
		return fmt.Errorf("session start hook missing cwd")
	}

	if existing, err := d.sessions.FindByAssistantSession(ctx, p.SessionID); err == nil {
		if p.TranscriptPath != "" && existing.TranscriptPath != p.TranscriptPath {
			if err := d.sessions.LinkAssistant(ctx, existing.ID, p.SessionID, p.TranscriptPath); err != nil {
				return fmt.Errorf("failed to refresh transcript path: %w", err)
			}
			d.startTail(existing.ID, p.TranscriptPath)
		}
		return nil
	} else if !errors.Is(err, services.ErrNotFound) {
		return err
	}

	project, err := d.projectForCwd(ctx, p.CWD)
	if err != nil {
		return fmt.Errorf("session start hook: %w", err)
	}

	row, err := d.sessions.LatestLiveUnlinked(ctx, project.ID)
	switch {
	case err == nil:
		if err := d.sessions.LinkAssistant(ctx, row.ID, p.SessionID, p.TranscriptPath); err != nil {
			return fmt.Errorf("failed to link assistant session: %w", err)
		}
		slog.Info("Linked assistant session",
			"session_id", row.ID, "assistant_session_id", p.SessionID, "project_id", project.ID)
		if p.TranscriptPath != "" {
			d.startTail(row.ID, p.TranscriptPath)
		}
	case errors.Is(err, services.ErrNotFound):
		created, err := d.sessions.CreateExternal(ctx, project.ID, p.SessionID, p.TranscriptPath)
		if err != nil {
			return fmt.Errorf("failed to create external session: %w", err)
		}
		slog.Info("Created external session for assistant",
			"session_id", created.ID, "assistant_session_id", p.SessionID, "project_id", project.ID)
		d.watch(created.ID, created.TranscriptPath)
	default:
		return err
	}
	return nil
}

// handleSessionEnd closes out externally launched sessions. Pane-backed
// sessions are left alone; the supervisor's liveness sweep owns them.
func (d *Detector) handleSessionEnd(ctx context.Context, p HookPayload) error {
	row, err := d.sessions.FindByAssistantSession(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			slog.Debug("Session end for unlinked assistant session",
				"assistant_session_id", p.SessionID)
			return nil
		}
		return err
	}
	if row.PaneID != "" || !models.SessionStatus(row.Status).IsLive() {
		return nil
	}

	previous := models.SessionStatus(row.Status)
	if _, err := d.sessions.UpdateStatus(ctx, row.ID, models.SessionCompleted); err != nil {
		return fmt.Errorf("failed to complete external session: %w", err)
	}
	payload := events.SessionStatusPayload{
		Type:           events.EventTypeSessionStatus,
		SessionID:      row.ID,
		PreviousStatus: previous,
		NewStatus:      models.SessionCompleted,
		Timestamp:      time.Now().Format(time.RFC3339Nano),
	}
	if err := d.publisher.PublishSessionStatus(ctx, payload); err != nil {
		slog.Warn("Failed to publish session status event", "session_id", row.ID, "error", err)
	}
	d.UnwatchSession(row.ID)
	slog.Info("External session ended", "session_id", row.ID)
	return nil
}

// projectForCwd resolves the project owning a working directory, through
// the short-lived cache. Misses are not cached: a project registered a
// moment later should match immediately.
func (d *Detector) projectForCwd(ctx context.Context, cwd string) (*database.Project, error) {
	key := filepath.Clean(cwd)
	if hit, ok := d.projectCache.Get(key); ok {
		return hit.(*database.Project), nil
	}
	project, err := d.projects.MatchByCwd(ctx, cwd)
	if err != nil {
		return nil, err
	}
	d.projectCache.Set(key, project, gocache.DefaultExpiration)
	return project, nil
}

// requestReview forwards a review trigger; the reviewer applies its own
// gates and per-ticket locking.
func (d *Detector) requestReview(sessionID string, trigger models.ReviewTrigger) {
	if d.reviews == nil {
		return
	}
	d.reviews.RequestReview(sessionID, trigger)
}

// notificationReason maps a hook notification_type to a waiting reason.
func notificationReason(notificationType string) (models.WaitingReason, bool) {
	switch notificationType {
	case NotifPermissionPrompt:
		return models.WaitingPermissionPrompt, true
	case NotifIdlePrompt:
		return models.WaitingIdlePrompt, true
	default:
		return "", false
	}
}
