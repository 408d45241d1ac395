// Package reviewer decides whether a ticket's work is actually done. It
// assembles the ticket requirements, the repo diff and recent session
// output into one prompt, asks an external assistant CLI for a verdict,
// records the outcome and moves the ticket to review on a pass.
package reviewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
	"github.com/sessionworks/maestro/pkg/vcs"
)

var (
	// ErrReviewTimeout indicates the reviewer CLI exceeded its deadline.
	ErrReviewTimeout = errors.New("review timed out")

	// ErrReviewInProgress indicates another review already holds the ticket.
	ErrReviewInProgress = errors.New("a review is already running for this ticket")
)

// OutputSource provides recent session output for review prompts.
type OutputSource interface {
	GetOutput(sessionID string, tailLines int) ([]string, error)
}

// Service runs completion reviews. At most one review runs per ticket at a
// time; concurrent requests for the same ticket fail fast with
// ErrReviewInProgress rather than queueing.
type Service struct {
	tickets       *services.TicketService
	projects      *services.ProjectService
	sessions      *services.SessionService
	results       *services.ReviewService
	notifications *services.NotificationService
	publisher     *events.EventPublisher
	output        OutputSource
	driver        Driver
	cfg           *config.ReviewerConfig

	diffFn func(repoPath string) string

	mu       sync.Mutex
	inFlight map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a review service. cfg may be nil for defaults.
func New(
	tickets *services.TicketService,
	projects *services.ProjectService,
	sessions *services.SessionService,
	results *services.ReviewService,
	notifications *services.NotificationService,
	publisher *events.EventPublisher,
	output OutputSource,
	driver Driver,
	cfg *config.ReviewerConfig,
) *Service {
	if tickets == nil {
		panic("reviewer.New: tickets must not be nil")
	}
	if projects == nil {
		panic("reviewer.New: projects must not be nil")
	}
	if sessions == nil {
		panic("reviewer.New: sessions must not be nil")
	}
	if results == nil {
		panic("reviewer.New: results must not be nil")
	}
	if notifications == nil {
		panic("reviewer.New: notifications must not be nil")
	}
	if publisher == nil {
		panic("reviewer.New: publisher must not be nil")
	}
	if output == nil {
		panic("reviewer.New: output must not be nil")
	}
	if driver == nil {
		panic("reviewer.New: driver must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultReviewerConfig()
	}
	return &Service{
		tickets:       tickets,
		projects:      projects,
		sessions:      sessions,
		results:       results,
		notifications: notifications,
		publisher:     publisher,
		output:        output,
		driver:        driver,
		cfg:           cfg,
		diffFn:        gitSummary,
		inFlight:      make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
}

// SetDiffFunc overrides how repository changes are collected. Passing nil
// restores the git default.
func (s *Service) SetDiffFunc(fn func(repoPath string) string) {
	if fn == nil {
		fn = gitSummary
	}
	s.diffFn = fn
}

// Stop waits for in-flight background reviews to finish. New requests are
// dropped once stopping.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// RequestReview resolves the session's ticket and runs a review in the
// background. Sessions without a ticket and triggers disabled by config are
// ignored. Implements the detector's review requester.
func (s *Service) RequestReview(sessionID string, trigger models.ReviewTrigger) {
	select {
	case <-s.stopCh:
		return
	default:
	}

	switch trigger {
	case models.ReviewTriggerStopHook:
		if !s.cfg.StopHookEnabled {
			return
		}
	case models.ReviewTriggerIdleTimeout:
		if !s.cfg.IdleTimeoutOn() {
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout()+15*time.Second)
		defer cancel()

		row, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			slog.Warn("Cannot review unknown session", "session_id", sessionID, "error", err)
			return
		}
		if row.TicketID == nil {
			slog.Debug("Session has no ticket to review", "session_id", sessionID, "trigger", trigger)
			return
		}

		if _, err := s.Review(ctx, sessionID, *row.TicketID, trigger); err != nil {
			if errors.Is(err, ErrReviewInProgress) {
				slog.Debug("Review already running", "ticket_id", *row.TicketID)
				return
			}
			slog.Warn("Review failed",
				"session_id", sessionID, "ticket_id", *row.TicketID, "trigger", trigger, "error", err)
		}
	}()
}

// Review runs one completion review of ticketID against the work done in
// sessionID. On a complete verdict the ticket moves to review and a
// review_ready notification is raised; other verdicts are recorded only.
func (s *Service) Review(ctx context.Context, sessionID, ticketID string, trigger models.ReviewTrigger) (*database.ReviewResult, error) {
	if !s.tryLock(ticketID) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ErrReviewInProgress)
	}
	defer s.unlock(ticketID)

	ticket, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	content, err := s.tickets.GetContent(ctx, ticketID)
	if err != nil {
		err = fmt.Errorf("review needs the ticket body: %w", err)
		s.publishFailed(sessionID, ticketID, trigger, err)
		return nil, err
	}

	src := Sources{TicketContent: content}
	if project, perr := s.projects.Get(ctx, ticket.ProjectID); perr == nil {
		src.GitDiff = s.diffFn(project.RepoPath)
	}
	if lines, oerr := s.output.GetOutput(sessionID, s.tailLines()); oerr == nil {
		src.SessionOutput = strings.Join(lines, "\n")
	}

	slog.Info("Running completion review",
		"ticket_id", ticketID, "session_id", sessionID, "trigger", trigger)

	runCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	raw, err := s.driver.Run(runCtx, buildPrompt(src), s.cfg.Model)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("ticket %s: %w", ticketID, ErrReviewTimeout)
		}
		s.publishFailed(sessionID, ticketID, trigger, err)
		return nil, err
	}

	decision, why, err := ParseDecision(raw)
	if err != nil {
		s.publishFailed(sessionID, ticketID, trigger, err)
		return nil, err
	}

	sessionStatus := ""
	if row, serr := s.sessions.Get(ctx, sessionID); serr == nil {
		sessionStatus = row.Status
	}

	result, err := s.results.Record(ctx, &database.ReviewResult{
		SessionID:     sessionID,
		TicketID:      ticketID,
		Decision:      string(decision),
		Reasoning:     why,
		Trigger:       string(trigger),
		SessionStatus: sessionStatus,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Review finished",
		"ticket_id", ticketID, "session_id", sessionID, "decision", decision, "trigger", trigger)

	if decision == models.DecisionComplete {
		s.applyComplete(ctx, sessionID, ticket)
	}
	return result, nil
}

// applyComplete moves the ticket into review and raises the review_ready
// notification. A lost transition race (the ticket already moved) only
// logs: the recorded result stands either way.
func (s *Service) applyComplete(ctx context.Context, sessionID string, ticket *database.Ticket) {
	_, err := s.tickets.Transition(ctx, models.TransitionRequest{
		TicketID:    ticket.ID,
		TargetState: models.TicketReview,
		Trigger:     models.TriggerAuto,
		Reason:      models.ReasonCompletionDetected,
		TriggeredBy: sessionID,
	})
	if err != nil {
		slog.Warn("Failed to move reviewed ticket",
			"ticket_id", ticket.ID, "session_id", sessionID, "error", err)
		return
	}

	sid := sessionID
	tid := ticket.ID
	_, err = s.notifications.Upsert(ctx, services.UpsertNotification{
		Type:      models.NotificationReviewReady,
		Message:   fmt.Sprintf("Ticket %q passed review and awaits approval", ticket.Title),
		SessionID: &sid,
		TicketID:  &tid,
	})
	if err != nil {
		slog.Warn("Failed to upsert review notification", "ticket_id", ticket.ID, "error", err)
	}
}

func (s *Service) tryLock(ticketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[ticketID] {
		return false
	}
	s.inFlight[ticketID] = true
	return true
}

func (s *Service) unlock(ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, ticketID)
}

// publishFailed emits the transient review:failed event. Failures are
// logged, not propagated.
func (s *Service) publishFailed(sessionID, ticketID string, trigger models.ReviewTrigger, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := events.ReviewFailedPayload{
		Type:      events.EventTypeReviewFailed,
		SessionID: sessionID,
		TicketID:  ticketID,
		Trigger:   trigger,
		Error:     cause.Error(),
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
	if err := s.publisher.PublishReviewFailed(ctx, payload); err != nil {
		slog.Warn("Failed to publish review failure",
			"ticket_id", ticketID, "error", err)
	}
}

func (s *Service) timeout() time.Duration {
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	return 30 * time.Second
}

func (s *Service) tailLines() int {
	if s.cfg.OutputTailLines > 0 {
		return s.cfg.OutputTailLines
	}
	return 100
}

func gitSummary(repoPath string) string {
	return vcs.Summarize(vcs.NewRealExecutor(repoPath))
}
