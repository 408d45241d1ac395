// Package supervisor owns live assistant sessions. It spawns panes through
// the pane driver, polls their output into per-session ring buffers, tracks
// the session status automaton, and re-adopts still-alive panes after a
// process restart.
//
// The supervisor exclusively owns the ActiveSession table; durable session
// rows belong to services.SessionService. Driver calls are never made while
// holding the supervisor mutex.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
	"github.com/sessionworks/maestro/pkg/tmux"
)

// Hooks are optional callbacks into the waiting detector and the handoff
// coordinator. Any field may be nil. Callbacks run on supervisor goroutines
// and must return quickly; anything slow belongs behind the callee's own
// channel or goroutine.
type Hooks struct {
	// Output fires after each captured batch of pane lines. changed reports
	// whether the chunk differed from the previous capture, so spinner
	// redraws do not count as fresh activity.
	Output func(sessionID string, lines []string, changed bool)
	// ContextChanged fires whenever the parsed remaining-context percent
	// moves. Thresholding is the consumer's business.
	ContextChanged func(sessionID string, percent int)
	// InputSent fires after text or a key reached the pane.
	InputSent func(sessionID string)
	// SessionStarted fires when a session starts or is resumed by recovery.
	SessionStarted func(sessionID string)
	// SessionEnded fires when a session stops, is orphaned, or vanishes.
	SessionEnded func(sessionID string)
}

// ActiveSession is the supervisor's in-memory record of one live session.
//
// ring is internally synchronized. cursor, lastOutputHash and
// lastOutputTime are touched only by the session's poll goroutine. Status
// and contextPercent are guarded by the supervisor mutex because Active()
// snapshots read them.
type ActiveSession struct {
	SessionID string
	ProjectID string
	TicketID  string
	Type      models.SessionType
	Status    models.SessionStatus
	PaneID    string
	PID       int
	StartedAt time.Time

	ring           *RingBuffer
	cursor         int
	lastOutputHash uint64
	lastOutputTime time.Time
	contextPercent int
	cancel         context.CancelFunc
}

// Supervisor manages pane-backed sessions: spawn, poll, input, stop,
// liveness sweeps and restart recovery.
type Supervisor struct {
	driver    tmux.Driver
	sessions  *services.SessionService
	projects  *services.ProjectService
	tickets   *services.TicketService
	publisher *events.EventPublisher
	cfg       *config.SupervisorConfig

	contextRes []*regexp.Regexp

	// Active session registry: session_id → *ActiveSession
	active map[string]*ActiveSession
	mu     sync.RWMutex

	hooks   Hooks
	hooksMu sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Supervisor. cfg may be nil, in which case defaults apply.
func New(driver tmux.Driver, sessions *services.SessionService, projects *services.ProjectService, tickets *services.TicketService, publisher *events.EventPublisher, cfg *config.SupervisorConfig) *Supervisor {
	if driver == nil {
		panic("supervisor.New: driver must not be nil")
	}
	if sessions == nil {
		panic("supervisor.New: sessions must not be nil")
	}
	if projects == nil {
		panic("supervisor.New: projects must not be nil")
	}
	if tickets == nil {
		panic("supervisor.New: tickets must not be nil")
	}
	if publisher == nil {
		panic("supervisor.New: publisher must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultSupervisorConfig()
	}

	s := &Supervisor{
		driver:    driver,
		sessions:  sessions,
		projects:  projects,
		tickets:   tickets,
		publisher: publisher,
		cfg:       cfg,
		active:    make(map[string]*ActiveSession),
		stopCh:    make(chan struct{}),
	}
	for _, pattern := range cfg.ContextPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("Ignoring invalid context pattern", "pattern", pattern, "error", err)
			continue
		}
		s.contextRes = append(s.contextRes, re)
	}
	return s
}

// SetHooks wires the detector and handoff callbacks. Called once during
// startup, before Recover and before any session is started.
func (s *Supervisor) SetHooks(h Hooks) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = h
}

func (s *Supervisor) getHooks() Hooks {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.hooks
}

// StartSession spawns a pane for a new session and begins polling it.
//
// Preconditions, checked in order: the project exists; a ticket session's
// ticket exists and is in_progress; the project has no other pending,
// running or paused session. The row is created as pending before the pane
// spawn so a concurrent start loses on the occupancy check, then marked
// running once the pane is up.
func (s *Supervisor) StartSession(ctx context.Context, req models.StartSessionRequest) (*models.SessionInfo, error) {
	project, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	var ticketID *string
	sessionType := models.SessionTypeAdhoc
	if req.TicketID != "" {
		ticket, err := s.tickets.Get(ctx, req.TicketID)
		if err != nil {
			return nil, err
		}
		if models.TicketState(ticket.State) != models.TicketInProgress {
			return nil, fmt.Errorf("ticket %s is %s: %w", ticket.ID, ticket.State, services.ErrTicketNotInProgress)
		}
		ticketID = &req.TicketID
		sessionType = models.SessionTypeTicket
	}

	created, err := s.sessions.Create(ctx, project.ID, ticketID, sessionType)
	if err != nil {
		return nil, err
	}
	log := slog.With("session_id", created.ID, "project_id", project.ID)

	cwd := req.Cwd
	if cwd == "" {
		cwd = project.RepoPath
	}
	paneID, err := s.driver.SpawnPane(project.PaneGroup, project.PaneWindow, cwd)
	if err != nil {
		s.failStart(created.ID, err)
		return nil, fmt.Errorf("failed to spawn pane: %w", err)
	}

	pid, err := s.driver.PanePID(paneID)
	if err != nil {
		log.Warn("Could not resolve pane pid", "pane_id", paneID, "error", err)
		pid = 0
	}

	running, err := s.sessions.MarkRunning(ctx, created.ID, paneID, pid)
	if err != nil {
		if killErr := s.driver.KillPane(paneID); killErr != nil && !errors.Is(killErr, tmux.ErrPaneNotFound) {
			log.Warn("Failed to kill pane after start failure", "pane_id", paneID, "error", killErr)
		}
		s.failStart(created.ID, err)
		return nil, err
	}

	as := &ActiveSession{
		SessionID:      running.ID,
		ProjectID:      project.ID,
		TicketID:       req.TicketID,
		Type:           sessionType,
		Status:         models.SessionRunning,
		PaneID:         paneID,
		PID:            pid,
		ring:           NewRingBuffer(s.cfg.RingCapacity),
		contextPercent: running.ContextPercent,
	}
	if running.StartedAt != nil {
		as.StartedAt = *running.StartedAt
	} else {
		as.StartedAt = time.Now()
	}
	info := sessionInfo(as)

	s.startPolling(as)
	s.publishStatus(ctx, running.ID, models.SessionPending, models.SessionRunning, "")

	if hook := s.getHooks().SessionStarted; hook != nil {
		hook(running.ID)
	}

	if req.InitialPrompt != "" {
		if err := s.SendInput(ctx, running.ID, req.InitialPrompt); err != nil {
			log.Warn("Failed to send initial prompt", "error", err)
		}
	}

	log.Info("Session started", "pane_id", paneID, "pid", pid, "type", sessionType)
	return info, nil
}

// StopSession kills the session's pane and marks it completed. Idempotent:
// stopping an already-terminal session is a no-op.
func (s *Supervisor) StopSession(ctx context.Context, sessionID string) error {
	row, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	previous := models.SessionStatus(row.Status)
	if previous.IsTerminal() {
		return nil
	}

	if status, ok := s.deregister(sessionID); ok {
		previous = status
	}

	if row.PaneID != "" {
		if err := s.driver.KillPane(row.PaneID); err != nil && !errors.Is(err, tmux.ErrPaneNotFound) {
			slog.Warn("Failed to kill pane", "session_id", sessionID, "pane_id", row.PaneID, "error", err)
		}
	}

	if _, err := s.sessions.UpdateStatus(ctx, sessionID, models.SessionCompleted); err != nil {
		return err
	}
	s.publishStatus(ctx, sessionID, previous, models.SessionCompleted, "")
	slog.Info("Session stopped", "session_id", sessionID, "previous_status", previous)

	if hook := s.getHooks().SessionEnded; hook != nil {
		hook(sessionID)
	}
	return nil
}

// SendInput sends text to the session's pane followed by Enter. The session
// must be running. Implements the InputSender consumed by WebSocket
// session:input frames.
func (s *Supervisor) SendInput(ctx context.Context, sessionID, text string) error {
	paneID, err := s.runningPane(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.driver.SendText(paneID, text); err != nil {
		return fmt.Errorf("failed to send input: %w", err)
	}
	if err := s.driver.SendKey(paneID, "Enter"); err != nil {
		return fmt.Errorf("failed to send input: %w", err)
	}
	if hook := s.getHooks().InputSent; hook != nil {
		hook(sessionID)
	}
	return nil
}

// SendKey sends a single key name such as "Enter", "Escape" or "C-c" to the
// session's pane. Same preconditions as SendInput.
func (s *Supervisor) SendKey(ctx context.Context, sessionID, key string) error {
	paneID, err := s.runningPane(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.driver.SendKey(paneID, key); err != nil {
		return fmt.Errorf("failed to send key: %w", err)
	}
	if hook := s.getHooks().InputSent; hook != nil {
		hook(sessionID)
	}
	return nil
}

// GetOutput returns the most recent buffered output lines without touching
// the pane. tailLines <= 0 returns the whole buffer. Implements the
// OutputReplayer consumed by WebSocket subscribe replay.
func (s *Supervisor) GetOutput(sessionID string, tailLines int) ([]string, error) {
	s.mu.RLock()
	as, ok := s.active[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s has no buffered output: %w", sessionID, services.ErrNotFound)
	}
	return as.ring.Tail(tailLines), nil
}

// Focus selects the session's window and pane in the multiplexer.
func (s *Supervisor) Focus(ctx context.Context, sessionID string) (string, error) {
	row, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if row.PaneID == "" {
		return "", services.NewValidationError("session_id", "session has no pane to focus")
	}
	if err := s.driver.FocusPane(row.PaneID); err != nil {
		return "", fmt.Errorf("failed to focus pane: %w", err)
	}
	return row.PaneID, nil
}

// SyncSessions sweeps live sessions against actual pane liveness. Sessions
// whose pane is gone are completed; external sessions without a pane are
// counted alive. projectID empty sweeps all projects.
func (s *Supervisor) SyncSessions(ctx context.Context, projectID string) (*models.SyncResult, error) {
	rows, err := s.sessions.LiveSessions(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := &models.SyncResult{Alive: []string{}, Orphaned: []string{}}
	for _, row := range rows {
		result.TotalChecked++
		if row.PaneID == "" {
			result.Alive = append(result.Alive, row.ID)
			continue
		}
		exists, err := s.driver.PaneExists(row.PaneID)
		if err != nil {
			// Driver failure is not evidence the pane died.
			slog.Warn("Pane liveness check failed", "session_id", row.ID, "pane_id", row.PaneID, "error", err)
			result.Alive = append(result.Alive, row.ID)
			continue
		}
		if exists {
			result.Alive = append(result.Alive, row.ID)
			continue
		}

		previous := models.SessionStatus(row.Status)
		if status, ok := s.deregister(row.ID); ok {
			previous = status
		}
		if _, err := s.sessions.UpdateStatus(ctx, row.ID, models.SessionCompleted); err != nil {
			slog.Error("Failed to complete orphaned session", "session_id", row.ID, "error", err)
			continue
		}
		s.publishStatus(ctx, row.ID, previous, models.SessionCompleted, "")
		if hook := s.getHooks().SessionEnded; hook != nil {
			hook(row.ID)
		}
		result.Orphaned = append(result.Orphaned, row.ID)
	}

	if len(result.Orphaned) > 0 {
		slog.Info("Session sync removed orphans",
			"checked", result.TotalChecked, "orphaned", len(result.Orphaned))
	}
	return result, nil
}

// Recover rebuilds supervisor state after a restart. Live sessions whose
// pane survived resume polling with the ring seeded from the pane's
// retained history; sessions whose pane is gone are completed; pending rows
// left over from an interrupted spawn are errored.
func (s *Supervisor) Recover(ctx context.Context) error {
	pending, err := s.sessions.PendingSessions(ctx)
	if err != nil {
		return err
	}
	for _, row := range pending {
		if _, err := s.sessions.UpdateStatus(ctx, row.ID, models.SessionError); err != nil {
			slog.Error("Failed to fail stale pending session", "session_id", row.ID, "error", err)
			continue
		}
		s.publishStatus(ctx, row.ID, models.SessionPending, models.SessionError, "restarted before pane spawn finished")
	}

	rows, err := s.sessions.LiveSessions(ctx, "")
	if err != nil {
		return err
	}

	resumed, orphaned := 0, 0
	for _, row := range rows {
		if row.PaneID == "" {
			// External session with no pane to poll: the transcript tail
			// still covers it.
			continue
		}
		exists, err := s.driver.PaneExists(row.PaneID)
		if err != nil {
			slog.Warn("Pane liveness check failed during recovery",
				"session_id", row.ID, "pane_id", row.PaneID, "error", err)
			continue
		}
		if !exists {
			if _, err := s.sessions.UpdateStatus(ctx, row.ID, models.SessionCompleted); err != nil {
				slog.Error("Failed to complete orphaned session", "session_id", row.ID, "error", err)
				continue
			}
			s.publishStatus(ctx, row.ID, models.SessionStatus(row.Status), models.SessionCompleted, "")
			orphaned++
			continue
		}

		s.resume(row)
		resumed++
	}

	slog.Info("Session recovery complete",
		"resumed", resumed, "orphaned", orphaned, "stale_pending", len(pending))
	return nil
}

// resume re-registers a surviving session and seeds its ring buffer from
// the pane's retained history.
func (s *Supervisor) resume(row *database.Session) {
	as := &ActiveSession{
		SessionID:      row.ID,
		ProjectID:      row.ProjectID,
		Type:           models.SessionType(row.Type),
		Status:         models.SessionStatus(row.Status),
		PaneID:         row.PaneID,
		PID:            row.PID,
		ring:           NewRingBuffer(s.cfg.RingCapacity),
		contextPercent: row.ContextPercent,
	}
	if row.TicketID != nil {
		as.TicketID = *row.TicketID
	}
	if row.StartedAt != nil {
		as.StartedAt = *row.StartedAt
	}

	// One full capture yields both the ring seed and the exact cursor, so
	// the first poll tick does not replay history as fresh output.
	capture, err := s.driver.CapturePane(row.PaneID, 0)
	if err != nil {
		slog.Warn("Could not seed output buffer during recovery", "session_id", row.ID, "error", err)
	} else {
		tail := capture.Lines
		if limit := s.cfg.RecoveryTailLines; limit > 0 && len(tail) > limit {
			tail = tail[len(tail)-limit:]
		}
		as.ring.Append(tail...)
		as.cursor = capture.Cursor
		as.lastOutputHash = hashChunk(capture.Lines)
		as.lastOutputTime = time.Now()
	}

	s.startPolling(as)
	slog.Info("Resumed session", "session_id", row.ID, "pane_id", row.PaneID, "buffered_lines", as.ring.Len())

	if hook := s.getHooks().SessionStarted; hook != nil {
		hook(row.ID)
	}
}

// Active returns a snapshot of supervised sessions.
func (s *Supervisor) Active() []*models.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]*models.SessionInfo, 0, len(s.active))
	for _, as := range s.active {
		infos = append(infos, sessionInfo(as))
	}
	return infos
}

// Stop halts all polling and waits for poll goroutines to drain. Sessions
// keep running in their panes; a later Recover picks them back up.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	for _, as := range s.active {
		if as.cancel != nil {
			as.cancel()
		}
	}
	s.active = make(map[string]*ActiveSession)
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Session supervisor stopped")
}

// --- Poll loop ---

// startPolling registers the session and launches its poll goroutine.
func (s *Supervisor) startPolling(as *ActiveSession) {
	pollCtx, cancel := context.WithCancel(context.Background())
	as.cancel = cancel

	s.mu.Lock()
	s.active[as.SessionID] = as
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runPoller(pollCtx, as)
}

// runPoller captures new pane output at the configured interval until the
// session ends or the supervisor shuts down.
func (s *Supervisor) runPoller(ctx context.Context, as *ActiveSession) {
	defer s.wg.Done()

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.pollOnce(ctx, as) {
				return
			}
		}
	}
}

// pollOnce captures output appended since the session's cursor. Returns
// false once the pane is gone and the session has been closed out. The
// driver call happens without holding the supervisor mutex.
func (s *Supervisor) pollOnce(ctx context.Context, as *ActiveSession) bool {
	capture, err := s.driver.CapturePane(as.PaneID, as.cursor)
	if err != nil {
		if errors.Is(err, tmux.ErrPaneNotFound) {
			s.closeVanished(as)
			return false
		}
		slog.Warn("Pane capture failed", "session_id", as.SessionID, "pane_id", as.PaneID, "error", err)
		return true
	}

	as.cursor = capture.Cursor
	if len(capture.Lines) == 0 {
		return true
	}

	as.ring.Append(capture.Lines...)

	hash := hashChunk(capture.Lines)
	changed := hash != as.lastOutputHash
	as.lastOutputHash = hash
	if changed {
		as.lastOutputTime = time.Now()
	}

	s.publishOutput(ctx, as.SessionID, capture.Lines)

	hooks := s.getHooks()
	if hooks.Output != nil {
		hooks.Output(as.SessionID, capture.Lines, changed)
	}

	if pct, ok := scanContext(s.contextRes, capture.Lines); ok && pct != s.contextPercentOf(as) {
		s.setContextPercent(as, pct)
		if err := s.sessions.SetContextPercent(ctx, as.SessionID, pct); err != nil {
			slog.Warn("Failed to persist context percent", "session_id", as.SessionID, "error", err)
		}
		s.publishContext(ctx, as.SessionID, pct)
		if hooks.ContextChanged != nil {
			hooks.ContextChanged(as.SessionID, pct)
		}
	}

	return true
}

// closeVanished finalizes a session whose pane disappeared between polls.
func (s *Supervisor) closeVanished(as *ActiveSession) {
	previous, ok := s.deregister(as.SessionID)
	if !ok {
		// StopSession or a sync sweep already closed it out.
		return
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.sessions.UpdateStatus(ctx, as.SessionID, models.SessionCompleted); err != nil {
		slog.Error("Failed to complete vanished session", "session_id", as.SessionID, "error", err)
	}
	s.publishStatus(ctx, as.SessionID, previous, models.SessionCompleted, "")
	slog.Info("Pane vanished, session completed", "session_id", as.SessionID, "pane_id", as.PaneID)

	if hook := s.getHooks().SessionEnded; hook != nil {
		hook(as.SessionID)
	}
}

// --- Internal helpers ---

// runningPane resolves the pane of a session that must be running.
func (s *Supervisor) runningPane(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	as, ok := s.active[sessionID]
	var status models.SessionStatus
	var paneID string
	if ok {
		status, paneID = as.Status, as.PaneID
	}
	s.mu.RUnlock()

	if !ok {
		row, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("session %s is %s: %w", sessionID, row.Status, services.ErrSessionNotRunning)
	}
	if status != models.SessionRunning {
		return "", fmt.Errorf("session %s is %s: %w", sessionID, status, services.ErrSessionNotRunning)
	}
	return paneID, nil
}

// deregister removes a session from the registry and cancels its poller.
// Returns the last known in-memory status and whether the entry existed.
func (s *Supervisor) deregister(sessionID string) (models.SessionStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.active[sessionID]
	if !ok {
		return "", false
	}
	delete(s.active, sessionID)
	if as.cancel != nil {
		as.cancel()
	}
	return as.Status, true
}

func (s *Supervisor) contextPercentOf(as *ActiveSession) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return as.contextPercent
}

func (s *Supervisor) setContextPercent(as *ActiveSession, pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as.contextPercent = pct
}

// failStart records a spawn failure. Uses a background context so the
// terminal write survives request cancellation.
func (s *Supervisor) failStart(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.sessions.UpdateStatus(ctx, sessionID, models.SessionError); err != nil {
		slog.Error("Failed to mark session errored after spawn failure", "session_id", sessionID, "error", err)
	}
	s.publishStatus(ctx, sessionID, models.SessionPending, models.SessionError, cause.Error())
}

// publishStatus emits a session:status event. Best effort: errors are logged.
func (s *Supervisor) publishStatus(ctx context.Context, sessionID string, previous, next models.SessionStatus, errMsg string) {
	err := s.publisher.PublishSessionStatus(ctx, events.SessionStatusPayload{
		Type:           events.EventTypeSessionStatus,
		SessionID:      sessionID,
		PreviousStatus: previous,
		NewStatus:      next,
		Error:          errMsg,
		Timestamp:      time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Failed to publish session status", "session_id", sessionID, "status", next, "error", err)
	}
}

// publishOutput emits a session:output event. Best effort: errors are logged.
func (s *Supervisor) publishOutput(ctx context.Context, sessionID string, lines []string) {
	err := s.publisher.PublishSessionOutput(ctx, events.SessionOutputPayload{
		Type:      events.EventTypeSessionOutput,
		SessionID: sessionID,
		Lines:     lines,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Failed to publish session output", "session_id", sessionID, "error", err)
	}
}

// publishContext emits a session:context event. Best effort: errors are logged.
func (s *Supervisor) publishContext(ctx context.Context, sessionID string, pct int) {
	err := s.publisher.PublishSessionContext(ctx, events.SessionContextPayload{
		Type:           events.EventTypeSessionContext,
		SessionID:      sessionID,
		ContextPercent: pct,
		Timestamp:      time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Failed to publish session context", "session_id", sessionID, "error", err)
	}
}

// sessionInfo converts an ActiveSession to its DTO. Callers must hold the
// supervisor mutex or have exclusive access to as.
func sessionInfo(as *ActiveSession) *models.SessionInfo {
	return &models.SessionInfo{
		SessionID:      as.SessionID,
		ProjectID:      as.ProjectID,
		TicketID:       as.TicketID,
		Type:           as.Type,
		Status:         as.Status,
		PaneID:         as.PaneID,
		PID:            as.PID,
		ContextPercent: as.contextPercent,
		StartedAt:      as.StartedAt,
	}
}

// hashChunk fingerprints a captured chunk so redraw noise repainting the
// same lines does not count as fresh activity.
func hashChunk(lines []string) uint64 {
	h := fnv.New64a()
	for _, line := range lines {
		_, _ = h.Write([]byte(line))
		_, _ = h.Write([]byte{'\n'})
	}
	return h.Sum64()
}

// scanContext extracts the last remaining-context percentage mentioned in
// the chunk, clamped to [0,100].
func scanContext(patterns []*regexp.Regexp, lines []string) (int, bool) {
	pct, found := 0, false
	for _, line := range lines {
		for _, re := range patterns {
			m := re.FindStringSubmatch(line)
			if len(m) < 2 {
				continue
			}
			v, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if v < 0 {
				v = 0
			}
			if v > 100 {
				v = 100
			}
			pct, found = v, true
		}
	}
	return pct, found
}
