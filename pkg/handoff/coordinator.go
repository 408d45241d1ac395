// Package handoff replaces a session whose context window is nearly spent.
// The coordinator asks the old session to export its conversational state
// to the project's handoff file, stops it, starts a replacement on the same
// project and ticket, and points the replacement at the exported file. Up
// to the moment the old session is terminated a handoff can abort with the
// session intact; past it the replacement is created no matter what, so
// ticket progress is never stranded.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
)

// ErrHandoffInProgress indicates the session already has a handoff running.
var ErrHandoffInProgress = errors.New("a handoff is already in progress for this session")

// Handoff steps, reported in handoff:failed events.
const (
	StepExporting       = "exporting"
	StepWaitingFile     = "waiting_file"
	StepTerminating     = "terminating"
	StepCreatingSession = "creating_session"
	StepImporting       = "importing"
)

// SessionControl is the supervisor surface the coordinator drives.
type SessionControl interface {
	StartSession(ctx context.Context, req models.StartSessionRequest) (*models.SessionInfo, error)
	StopSession(ctx context.Context, sessionID string) error
	SendInput(ctx context.Context, sessionID, text string) error
}

// handoffRun is the mutable state of one in-flight handoff. step is only
// written by the run goroutine.
type handoffRun struct {
	fromSessionID string
	toSessionID   string
	projectID     string
	ticketID      string
	contextAt     int
	step          string
	startedAt     time.Time
	cancel        context.CancelFunc
}

// Coordinator watches context levels and performs automatic handoffs, one
// at a time per session.
type Coordinator struct {
	control       SessionControl
	sessions      *services.SessionService
	projects      *services.ProjectService
	tickets       *services.TicketService
	notifications *services.NotificationService
	publisher     *events.EventPublisher
	cfg           *config.HandoffConfig

	mu       sync.Mutex
	inFlight map[string]*handoffRun

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Coordinator. cfg may be nil for defaults.
func New(
	control SessionControl,
	sessions *services.SessionService,
	projects *services.ProjectService,
	tickets *services.TicketService,
	notifications *services.NotificationService,
	publisher *events.EventPublisher,
	cfg *config.HandoffConfig,
) *Coordinator {
	if control == nil {
		panic("handoff.New: control must not be nil")
	}
	if sessions == nil {
		panic("handoff.New: sessions must not be nil")
	}
	if projects == nil {
		panic("handoff.New: projects must not be nil")
	}
	if tickets == nil {
		panic("handoff.New: tickets must not be nil")
	}
	if notifications == nil {
		panic("handoff.New: notifications must not be nil")
	}
	if publisher == nil {
		panic("handoff.New: publisher must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultHandoffConfig()
	}
	return &Coordinator{
		control:       control,
		sessions:      sessions,
		projects:      projects,
		tickets:       tickets,
		notifications: notifications,
		publisher:     publisher,
		cfg:           cfg,
		inFlight:      make(map[string]*handoffRun),
		stopCh:        make(chan struct{}),
	}
}

// Stop aborts in-flight handoffs and waits for their goroutines. Handoffs
// already past termination still finish creating their replacement.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.mu.Lock()
	for _, run := range c.inFlight {
		run.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// OnContextChanged implements the supervisor's context hook. It runs on a
// poll goroutine, so all real work happens on the handoff goroutine.
func (c *Coordinator) OnContextChanged(sessionID string, percent int) {
	if percent > c.threshold() {
		return
	}
	if err := c.Trigger(sessionID, percent); err != nil {
		if errors.Is(err, ErrHandoffInProgress) {
			slog.Debug("Handoff already in flight", "session_id", sessionID, "context_percent", percent)
			return
		}
		slog.Warn("Failed to trigger handoff", "session_id", sessionID, "error", err)
	}
}

// Trigger starts a handoff for the session. A second trigger while one is
// running returns ErrHandoffInProgress.
func (c *Coordinator) Trigger(sessionID string, percent int) error {
	select {
	case <-c.stopCh:
		return nil
	default:
	}

	c.mu.Lock()
	if _, ok := c.inFlight[sessionID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrHandoffInProgress)
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &handoffRun{
		fromSessionID: sessionID,
		contextAt:     percent,
		step:          StepExporting,
		startedAt:     time.Now(),
		cancel:        cancel,
	}
	c.inFlight[sessionID] = run
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, run)
	return nil
}

// InFlight reports whether the session has a handoff running.
func (c *Coordinator) InFlight(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[sessionID]
	return ok
}

func (c *Coordinator) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, sessionID)
}

func (c *Coordinator) run(ctx context.Context, run *handoffRun) {
	defer c.wg.Done()
	defer c.release(run.fromSessionID)

	c.upsertContextLow(run.fromSessionID, run.contextAt)

	row, err := c.sessions.Get(ctx, run.fromSessionID)
	if err != nil {
		c.fail(run, err, true)
		return
	}
	if row.Status != string(models.SessionRunning) {
		c.fail(run, fmt.Errorf("session is %s, not running", row.Status), true)
		return
	}
	project, err := c.projects.Get(ctx, row.ProjectID)
	if err != nil {
		c.fail(run, err, true)
		return
	}
	run.projectID = project.ID
	if row.TicketID != nil {
		run.ticketID = *row.TicketID
	}
	path := handoffFilePath(project)

	// The export is detected by the file's mtime advancing past this
	// snapshot, so a stale file from an earlier handoff cannot satisfy
	// the wait.
	var initial *time.Time
	if info, err := os.Stat(path); err == nil {
		mt := info.ModTime()
		initial = &mt
	}

	run.step = StepExporting
	c.publishStarted(run)
	slog.Info("Handoff started",
		"session_id", run.fromSessionID, "context_percent", run.contextAt, "handoff_file", path)
	if err := c.control.SendInput(ctx, run.fromSessionID, c.exportCommand()); err != nil {
		c.fail(run, fmt.Errorf("failed to send export command: %w", err), true)
		return
	}

	run.step = StepWaitingFile
	if err := c.awaitExportFile(ctx, path, initial); err != nil {
		c.fail(run, err, true)
		return
	}

	run.step = StepTerminating
	if err := sleepCtx(ctx, c.exportDelay()); err != nil {
		c.fail(run, err, true)
		return
	}
	if err := c.control.StopSession(ctx, run.fromSessionID); err != nil {
		c.fail(run, fmt.Errorf("failed to stop session: %w", err), true)
		return
	}

	// Point of no return: the old session is gone. The replacement is
	// created on a fresh context so a cancellation cannot strand the
	// ticket without any session.
	bg, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	run.step = StepCreatingSession
	info, err := c.control.StartSession(bg, models.StartSessionRequest{
		ProjectID: run.projectID,
		TicketID:  run.ticketID,
	})
	if err != nil {
		c.fail(run, fmt.Errorf("failed to start replacement session: %w", err), false)
		return
	}
	run.toSessionID = info.SessionID

	if err := sleepCtx(bg, c.importDelay()); err != nil {
		c.fail(run, err, false)
		return
	}

	run.step = StepImporting
	if err := c.control.SendInput(bg, run.toSessionID, c.importCommand()); err != nil {
		c.fail(run, fmt.Errorf("failed to send import command: %w", err), false)
		return
	}
	if err := c.control.SendInput(bg, run.toSessionID, c.continuationPrompt(bg, run.ticketID)); err != nil {
		c.fail(run, fmt.Errorf("failed to send continuation prompt: %w", err), false)
		return
	}

	c.complete(run)
}

// awaitExportFile polls until the handoff file exists with an mtime newer
// than the pre-export snapshot.
func (c *Coordinator) awaitExportFile(ctx context.Context, path string, initial *time.Time) error {
	deadline := time.NewTimer(c.fileTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("handoff file %s did not appear within %s", path, c.fileTimeout())
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if initial == nil || info.ModTime().After(*initial) {
				return nil
			}
		}
	}
}

func (c *Coordinator) complete(run *handoffRun) {
	duration := time.Since(run.startedAt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := events.HandoffCompletedPayload{
		Type:             events.EventTypeHandoffCompleted,
		FromSessionID:    run.fromSessionID,
		ToSessionID:      run.toSessionID,
		ContextAtHandoff: run.contextAt,
		DurationMs:       duration.Milliseconds(),
		Timestamp:        time.Now().Format(time.RFC3339Nano),
	}
	if err := c.publisher.PublishHandoffCompleted(ctx, payload); err != nil {
		slog.Warn("Failed to publish handoff completion",
			"session_id", run.fromSessionID, "error", err)
	}

	if err := c.notifications.Clear(ctx, run.fromSessionID, models.NotificationContextLow); err != nil {
		slog.Warn("Failed to clear context notification",
			"session_id", run.fromSessionID, "error", err)
	}

	slog.Info("Handoff complete",
		"from_session_id", run.fromSessionID,
		"to_session_id", run.toSessionID,
		"duration", duration)
}

func (c *Coordinator) fail(run *handoffRun, cause error, sessionPreserved bool) {
	slog.Error("Handoff failed",
		"session_id", run.fromSessionID,
		"step", run.step,
		"session_preserved", sessionPreserved,
		"error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := events.HandoffFailedPayload{
		Type:             events.EventTypeHandoffFailed,
		SessionID:        run.fromSessionID,
		Step:             run.step,
		Reason:           cause.Error(),
		SessionPreserved: sessionPreserved,
		Timestamp:        time.Now().Format(time.RFC3339Nano),
	}
	if err := c.publisher.PublishHandoffFailed(ctx, payload); err != nil {
		slog.Warn("Failed to publish handoff failure",
			"session_id", run.fromSessionID, "error", err)
	}

	sid := run.fromSessionID
	_, err := c.notifications.Upsert(ctx, services.UpsertNotification{
		Type:      models.NotificationHandoffFailed,
		Message:   fmt.Sprintf("Context handoff failed during %s: %v", run.step, cause),
		SessionID: &sid,
	})
	if err != nil {
		slog.Warn("Failed to upsert handoff notification",
			"session_id", run.fromSessionID, "error", err)
	}
}

func (c *Coordinator) publishStarted(run *handoffRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := events.HandoffStartedPayload{
		Type:           events.EventTypeHandoffStarted,
		SessionID:      run.fromSessionID,
		ProjectID:      run.projectID,
		ContextPercent: run.contextAt,
		Timestamp:      time.Now().Format(time.RFC3339Nano),
	}
	if err := c.publisher.PublishHandoffStarted(ctx, payload); err != nil {
		slog.Warn("Failed to publish handoff start",
			"session_id", run.fromSessionID, "error", err)
	}
}

func (c *Coordinator) upsertContextLow(sessionID string, percent int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sid := sessionID
	_, err := c.notifications.Upsert(ctx, services.UpsertNotification{
		Type:      models.NotificationContextLow,
		Message:   fmt.Sprintf("Session has %d%% context remaining, handing off", percent),
		SessionID: &sid,
	})
	if err != nil {
		slog.Warn("Failed to upsert context notification",
			"session_id", sessionID, "error", err)
	}
}

// continuationPrompt tells the replacement session what to resume. Ticket
// sessions name the ticket by its tracker id when imported, otherwise by
// title.
func (c *Coordinator) continuationPrompt(ctx context.Context, ticketID string) string {
	if ticketID == "" {
		return "Your context was just restored from a handoff. Continue where you left off."
	}
	handle := ticketID
	if ticket, err := c.tickets.Get(ctx, ticketID); err == nil {
		if ticket.ExternalID != "" {
			handle = ticket.ExternalID
		} else {
			handle = ticket.Title
		}
	}
	return fmt.Sprintf("Continue working on ticket %s. Your context was just restored from a handoff.", handle)
}

// handoffFilePath resolves the project's handoff file against its repo.
func handoffFilePath(project *database.Project) string {
	p := project.HandoffPath
	if p == "" {
		p = services.DefaultHandoffPath
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(project.RepoPath, p)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) threshold() int {
	if c.cfg.ThresholdPercent > 0 {
		return c.cfg.ThresholdPercent
	}
	return 20
}

func (c *Coordinator) exportCommand() string {
	if c.cfg.ExportCommand != "" {
		return c.cfg.ExportCommand
	}
	return "/exportHandoff"
}

func (c *Coordinator) importCommand() string {
	if c.cfg.ImportCommand != "" {
		return c.cfg.ImportCommand
	}
	return "/importHandoff"
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.cfg.PollInterval > 0 {
		return c.cfg.PollInterval
	}
	return time.Second
}

func (c *Coordinator) fileTimeout() time.Duration {
	if c.cfg.FileTimeout > 0 {
		return c.cfg.FileTimeout
	}
	return 60 * time.Second
}

func (c *Coordinator) exportDelay() time.Duration {
	if c.cfg.ExportDelay > 0 {
		return c.cfg.ExportDelay
	}
	return 2 * time.Second
}

func (c *Coordinator) importDelay() time.Duration {
	if c.cfg.ImportDelay > 0 {
		return c.cfg.ImportDelay
	}
	return 3 * time.Second
}
