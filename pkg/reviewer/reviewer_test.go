package reviewer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
	testdb "github.com/sessionworks/maestro/test/database"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []sinkMessage
}

type sinkMessage struct {
	channel string
	payload []byte
}

func (r *recordingSink) Broadcast(channel string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.messages = append(r.messages, sinkMessage{channel: channel, payload: cp})
}

func (r *recordingSink) eventsOfType(t *testing.T, channel, eventType string) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, m := range r.messages {
		if m.channel != channel {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(m.payload, &payload))
		if payload["type"] == eventType {
			out = append(out, payload)
		}
	}
	return out
}

// scriptedDriver returns a canned response, optionally after a delay.
type scriptedDriver struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	prompts  []string
	models   []string
}

func (d *scriptedDriver) Run(ctx context.Context, prompt, model string) (string, error) {
	d.mu.Lock()
	d.prompts = append(d.prompts, prompt)
	d.models = append(d.models, model)
	delay, resp, err := d.delay, d.response, d.err
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return resp, err
}

func (d *scriptedDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.prompts)
}

func (d *scriptedDriver) lastPrompt() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.prompts) == 0 {
		return ""
	}
	return d.prompts[len(d.prompts)-1]
}

type fakeOutput struct {
	lines []string
	err   error
}

func (f *fakeOutput) GetOutput(sessionID string, tailLines int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.lines, nil
}

type fixture struct {
	svc           *Service
	driver        *scriptedDriver
	sink          *recordingSink
	tickets       *services.TicketService
	sessions      *services.SessionService
	results       *services.ReviewService
	notifications *services.NotificationService
	projects      *services.ProjectService
	publisher     *events.EventPublisher
	output        *fakeOutput
	project       *database.Project
	ticket        *database.Ticket
	session       *database.Session
}

// setupReviewer builds a review service over an in_progress ticket with a
// running session. mutate adjusts the config before construction.
func setupReviewer(t *testing.T, mutate func(cfg *config.ReviewerConfig)) *fixture {
	t.Helper()
	ctx := context.Background()

	client := testdb.NewTestClient(t)
	sink := &recordingSink{}
	publisher := events.NewEventPublisher(events.NewLocalTransport(client.Gorm(), sink))

	projects := services.NewProjectService(client)
	tickets := services.NewTicketService(client, projects, publisher)
	sessions := services.NewSessionService(client)
	results := services.NewReviewService(client)
	notifications := services.NewNotificationService(client, publisher, nil)

	project, err := projects.Create(ctx, models.CreateProjectRequest{
		Name:      "demo",
		RepoPath:  t.TempDir(),
		PaneGroup: "dev",
	})
	require.NoError(t, err)

	ticket, err := tickets.CreateAdhoc(ctx, project.ID, models.CreateAdhocTicketRequest{
		Title: "Fix login flow",
	})
	require.NoError(t, err)
	require.NoError(t, tickets.PutContent(ctx, ticket.ID, "# Fix login flow\n\nUsers get a 500 on bad passwords.\n"))
	_, err = tickets.StartTicket(ctx, ticket.ID)
	require.NoError(t, err)

	session, err := sessions.Create(ctx, project.ID, &ticket.ID, models.SessionTypeTicket)
	require.NoError(t, err)
	session, err = sessions.MarkRunning(ctx, session.ID, "%1", 101)
	require.NoError(t, err)

	cfg := config.DefaultReviewerConfig()
	if mutate != nil {
		mutate(cfg)
	}

	driver := &scriptedDriver{response: "COMPLETE\nAll criteria met."}
	output := &fakeOutput{lines: []string{"ran tests", "all green"}}
	svc := New(tickets, projects, sessions, results, notifications, publisher, output, driver, cfg)
	svc.SetDiffFunc(func(repoPath string) string { return "diff --git a/login.go b/login.go" })
	t.Cleanup(svc.Stop)

	return &fixture{
		svc:           svc,
		driver:        driver,
		sink:          sink,
		tickets:       tickets,
		sessions:      sessions,
		results:       results,
		notifications: notifications,
		projects:      projects,
		publisher:     publisher,
		output:        output,
		project:       project,
		ticket:        ticket,
		session:       session,
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		decision  models.ReviewDecision
		reasoning string
	}{
		{
			name:      "complete with reasoning",
			raw:       "COMPLETE\nAll criteria met.",
			decision:  models.DecisionComplete,
			reasoning: "All criteria met.",
		},
		{
			name:      "lowercase verdict",
			raw:       "complete",
			decision:  models.DecisionComplete,
			reasoning: "No reasoning provided",
		},
		{
			name:      "not complete underscore",
			raw:       "NOT_COMPLETE\nMissing tests.",
			decision:  models.DecisionNotComplete,
			reasoning: "Missing tests.",
		},
		{
			name:      "not complete spelled out",
			raw:       "The ticket is NOT COMPLETE yet.",
			decision:  models.DecisionNotComplete,
			reasoning: "No reasoning provided",
		},
		{
			name:      "needs clarification",
			raw:       "NEEDS_CLARIFICATION\nWhich API version?",
			decision:  models.DecisionNeedsClarification,
			reasoning: "Which API version?",
		},
		{
			name:      "verdict split across lines",
			raw:       "The work is NOT\nCOMPLETE because\ntests are failing",
			decision:  models.DecisionNotComplete,
			reasoning: "No reasoning provided",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, why, err := ParseDecision(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.reasoning, why)
		})
	}

	t.Run("unparsable preserves the raw output", func(t *testing.T) {
		_, _, err := ParseDecision("I think it is probably fine")
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "I think it is probably fine", pe.Raw)
	})

	t.Run("complete prefix beats a later not complete mention", func(t *testing.T) {
		decision, _, err := ParseDecision("COMPLETE, though NOT COMPLETE parts were descoped")
		require.NoError(t, err)
		assert.Equal(t, models.DecisionComplete, decision)
	})
}

func TestBuildPrompt(t *testing.T) {
	t.Run("fills placeholders for missing sources", func(t *testing.T) {
		prompt := buildPrompt(Sources{TicketContent: "# Ticket"})
		assert.Contains(t, prompt, "# Ticket")
		assert.Contains(t, prompt, "No changes detected or git not available")
		assert.Contains(t, prompt, "No test output available")
		assert.Contains(t, prompt, "No session output available")
	})

	t.Run("passes collected sources through", func(t *testing.T) {
		prompt := buildPrompt(Sources{
			TicketContent: "# Ticket",
			GitDiff:       "diff --git a/x b/x",
			TestOutput:    "ok  \tpkg\t0.1s",
			SessionOutput: "done",
		})
		assert.Contains(t, prompt, "diff --git a/x b/x")
		assert.Contains(t, prompt, "ok  \tpkg\t0.1s")
		assert.Contains(t, prompt, "done")
	})
}

func TestReviewComplete(t *testing.T) {
	f := setupReviewer(t, nil)
	ctx := context.Background()

	result, err := f.svc.Review(ctx, f.session.ID, f.ticket.ID, models.ReviewTriggerCompletionSignal)
	require.NoError(t, err)
	assert.Equal(t, string(models.DecisionComplete), result.Decision)
	assert.Equal(t, "All criteria met.", result.Reasoning)
	assert.Equal(t, string(models.ReviewTriggerCompletionSignal), result.Trigger)
	assert.Equal(t, string(models.SessionRunning), result.SessionStatus)

	prompt := f.driver.lastPrompt()
	assert.Contains(t, prompt, "Users get a 500 on bad passwords.")
	assert.Contains(t, prompt, "diff --git a/login.go b/login.go")
	assert.Contains(t, prompt, "ran tests\nall green")

	ticket, err := f.tickets.Get(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TicketReview), ticket.State)

	history, err := f.tickets.History(ctx, f.ticket.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, string(models.TicketInProgress), last.FromState)
	assert.Equal(t, string(models.TicketReview), last.ToState)
	assert.Equal(t, string(models.TriggerAuto), last.Trigger)
	assert.Equal(t, string(models.ReasonCompletionDetected), last.Reason)
	assert.Equal(t, f.session.ID, last.TriggeredBy)

	notifs, err := f.notifications.List(ctx)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, string(models.NotificationReviewReady), notifs[0].Type)
	require.NotNil(t, notifs[0].TicketID)
	assert.Equal(t, f.ticket.ID, *notifs[0].TicketID)
}

func TestReviewNotCompleteRecordsOnly(t *testing.T) {
	f := setupReviewer(t, nil)
	f.driver.response = "NOT_COMPLETE\nThe error page still renders raw HTML."
	ctx := context.Background()

	result, err := f.svc.Review(ctx, f.session.ID, f.ticket.ID, models.ReviewTriggerIdleTimeout)
	require.NoError(t, err)
	assert.Equal(t, string(models.DecisionNotComplete), result.Decision)
	assert.Equal(t, "The error page still renders raw HTML.", result.Reasoning)

	ticket, err := f.tickets.Get(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TicketInProgress), ticket.State)

	notifs, err := f.notifications.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, notifs)

	latest, err := f.results.LatestForTicket(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, latest.ID)
}

func TestReviewTimeout(t *testing.T) {
	f := setupReviewer(t, func(cfg *config.ReviewerConfig) {
		cfg.Timeout = 50 * time.Millisecond
	})
	f.driver.delay = 2 * time.Second
	ctx := context.Background()

	_, err := f.svc.Review(ctx, f.session.ID, f.ticket.ID, models.ReviewTriggerManual)
	require.ErrorIs(t, err, ErrReviewTimeout)

	failures := f.sink.eventsOfType(t,
		events.SessionChannel(f.session.ID), events.EventTypeReviewFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, f.ticket.ID, failures[0]["ticketId"])

	_, err = f.results.LatestForTicket(ctx, f.ticket.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	ticket, err := f.tickets.Get(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TicketInProgress), ticket.State)
}

func TestReviewUnparsable(t *testing.T) {
	f := setupReviewer(t, nil)
	f.driver.response = "Well, it depends on what you mean by done."
	ctx := context.Background()

	_, err := f.svc.Review(ctx, f.session.ID, f.ticket.ID, models.ReviewTriggerManual)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)

	failures := f.sink.eventsOfType(t,
		events.SessionChannel(f.session.ID), events.EventTypeReviewFailed)
	require.Len(t, failures, 1)

	_, err = f.results.LatestForTicket(ctx, f.ticket.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestReviewMissingTicketBody(t *testing.T) {
	f := setupReviewer(t, nil)
	ctx := context.Background()

	require.NoError(t, os.Remove(filepath.Join(f.project.RepoPath, f.ticket.FilePath)))

	_, err := f.svc.Review(ctx, f.session.ID, f.ticket.ID, models.ReviewTriggerManual)
	require.ErrorIs(t, err, services.ErrNotFound)
	assert.Zero(t, f.driver.callCount())

	failures := f.sink.eventsOfType(t,
		events.SessionChannel(f.session.ID), events.EventTypeReviewFailed)
	assert.Len(t, failures, 1)
}

// blockingDriver holds the first review open until released.
type blockingDriver struct {
	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
}

func (d *blockingDriver) Run(ctx context.Context, prompt, model string) (string, error) {
	d.startedOnce.Do(func() { close(d.started) })
	select {
	case <-d.release:
		return "COMPLETE\nDone.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestReviewPerTicketLock(t *testing.T) {
	f := setupReviewer(t, nil)
	ctx := context.Background()

	blocking := &blockingDriver{started: make(chan struct{}), release: make(chan struct{})}
	svc := New(f.tickets, f.projects, f.sessions, f.results, f.notifications,
		f.publisher, f.output, blocking, config.DefaultReviewerConfig())
	svc.SetDiffFunc(func(string) string { return "" })
	t.Cleanup(svc.Stop)

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Review(ctx, f.session.ID, f.ticket.ID, models.ReviewTriggerManual)
		firstDone <- err
	}()

	<-blocking.started
	_, err := svc.Review(ctx, f.session.ID, f.ticket.ID, models.ReviewTriggerManual)
	require.ErrorIs(t, err, ErrReviewInProgress)

	close(blocking.release)
	require.NoError(t, <-firstDone)

	results, err := f.results.ListForTicket(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRequestReview(t *testing.T) {
	t.Run("stop hook is gated off by default", func(t *testing.T) {
		f := setupReviewer(t, nil)
		f.svc.RequestReview(f.session.ID, models.ReviewTriggerStopHook)

		time.Sleep(150 * time.Millisecond)
		assert.Zero(t, f.driver.callCount())
	})

	t.Run("stop hook runs when enabled", func(t *testing.T) {
		f := setupReviewer(t, func(cfg *config.ReviewerConfig) {
			cfg.StopHookEnabled = true
		})
		f.svc.RequestReview(f.session.ID, models.ReviewTriggerStopHook)

		require.Eventually(t, func() bool {
			return f.driver.callCount() == 1
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("idle timeout can be disabled", func(t *testing.T) {
		f := setupReviewer(t, func(cfg *config.ReviewerConfig) {
			disabled := false
			cfg.IdleTimeoutEnabled = &disabled
		})
		f.svc.RequestReview(f.session.ID, models.ReviewTriggerIdleTimeout)

		time.Sleep(150 * time.Millisecond)
		assert.Zero(t, f.driver.callCount())
	})

	t.Run("completion signal reviews and transitions", func(t *testing.T) {
		f := setupReviewer(t, nil)
		f.svc.RequestReview(f.session.ID, models.ReviewTriggerCompletionSignal)

		require.Eventually(t, func() bool {
			ticket, err := f.tickets.Get(context.Background(), f.ticket.ID)
			return err == nil && ticket.State == string(models.TicketReview)
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("sessions without a ticket are ignored", func(t *testing.T) {
		f := setupReviewer(t, nil)
		ctx := context.Background()

		// The fixture project's slot is taken by the ticket session.
		other, err := f.projects.Create(ctx, models.CreateProjectRequest{
			Name:      "other",
			RepoPath:  t.TempDir(),
			PaneGroup: "dev",
		})
		require.NoError(t, err)
		adhoc, err := f.sessions.Create(ctx, other.ID, nil, models.SessionTypeAdhoc)
		require.NoError(t, err)

		f.svc.RequestReview(adhoc.ID, models.ReviewTriggerCompletionSignal)

		time.Sleep(150 * time.Millisecond)
		assert.Zero(t, f.driver.callCount())
	})
}

func TestCLIDriver(t *testing.T) {
	t.Run("pipes the prompt through stdin", func(t *testing.T) {
		dir := t.TempDir()
		script := filepath.Join(dir, "fake-reviewer")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nhead -n 1\n"), 0o755))

		d := NewCLIDriver(script)
		out, err := d.Run(context.Background(), "COMPLETE\nrest of prompt", "")
		require.NoError(t, err)
		assert.Equal(t, "COMPLETE\n", out)
	})

	t.Run("deadline kills the subprocess", func(t *testing.T) {
		dir := t.TempDir()
		script := filepath.Join(dir, "slow-reviewer")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 10\n"), 0o755))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		d := NewCLIDriver(script)
		_, err := d.Run(ctx, "prompt", "")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("missing binary errors", func(t *testing.T) {
		d := NewCLIDriver("/definitely/not/a/binary")
		_, err := d.Run(context.Background(), "prompt", "")
		assert.Error(t, err)
	})
}
