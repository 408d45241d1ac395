// Package e2e exercises the orchestrator end to end: the HTTP API in
// front, a sqlite-backed store, and the real supervisor, detector,
// reviewer, handoff and fan-out wiring. Only the pane layer and the review
// CLI are simulated.
package e2e

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sessionworks/maestro/pkg/api"
	"github.com/sessionworks/maestro/pkg/config"
	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/detector"
	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/handoff"
	"github.com/sessionworks/maestro/pkg/reviewer"
	"github.com/sessionworks/maestro/pkg/services"
	"github.com/sessionworks/maestro/pkg/supervisor"
	testdb "github.com/sessionworks/maestro/test/database"
)

// ScriptedReviewer is an in-memory reviewer.Driver that replays canned
// verdicts in order, sticking with the last one when the script runs out.
type ScriptedReviewer struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

// NewScriptedReviewer seeds the reviewer with verdict texts.
func NewScriptedReviewer(responses ...string) *ScriptedReviewer {
	return &ScriptedReviewer{responses: responses}
}

func (r *ScriptedReviewer) Run(_ context.Context, prompt, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	if len(r.responses) == 0 {
		return "COMPLETE\nLooks done.", nil
	}
	resp := r.responses[0]
	if len(r.responses) > 1 {
		r.responses = r.responses[1:]
	}
	return resp, nil
}

// Prompts returns the prompts the reviewer was invoked with.
func (r *ScriptedReviewer) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.prompts...)
}

// TestApp is one fully wired orchestrator instance for a test.
type TestApp struct {
	Config   *config.Config
	DBClient *database.Client

	Panes    *PaneSim
	Verdicts *ScriptedReviewer

	Projects      *services.ProjectService
	Tickets       *services.TicketService
	Sessions      *services.SessionService
	Notifications *services.NotificationService
	Results       *services.ReviewService

	Supervisor *supervisor.Supervisor
	Detector   *detector.Detector
	Reviews    *reviewer.Service
	Handoffs   *handoff.Coordinator

	Server *api.Server

	BaseURL string
	WSURL   string

	t *testing.T
}

type testAppConfig struct {
	cfg      *config.Config
	verdicts *ScriptedReviewer
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig replaces the fast default config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithVerdicts seeds the scripted reviewer.
func WithVerdicts(responses ...string) TestAppOption {
	return func(c *testAppConfig) { c.verdicts = NewScriptedReviewer(responses...) }
}

// fastTestConfig shrinks every interval so scenarios settle in
// milliseconds. Idle-timeout reviews are off: scenarios drive reviews
// through the completion marker and assert the trigger, and a background
// idle review would race those assertions.
func fastTestConfig() *config.Config {
	idleReviews := false
	return &config.Config{
		Server: &config.ServerConfig{},
		Supervisor: &config.SupervisorConfig{
			PollInterval:      10 * time.Millisecond,
			RingCapacity:      500,
			RecoveryTailLines: 100,
			ContextPatterns:   []string{`Context(?: left)?:\s*(\d+)%`},
		},
		Detector: &config.DetectorConfig{
			Debounce:               20 * time.Millisecond,
			ClearDelay:             40 * time.Millisecond,
			IdleThreshold:          10 * time.Second,
			TranscriptPollInterval: time.Hour,
			ImmediatePatterns:      []string{`Do you want to proceed\?`},
			QuestionPatterns:       []string{`Would you like me to`},
			CompletionMarkers:      []string{`---TASK_COMPLETE---`},
		},
		Reviewer: &config.ReviewerConfig{
			Timeout:            5 * time.Second,
			OutputTailLines:    50,
			StopHookEnabled:    false,
			IdleTimeoutEnabled: &idleReviews,
		},
		Handoff: &config.HandoffConfig{
			ThresholdPercent: 20,
			ExportCommand:    "/exportHandoff",
			ImportCommand:    "/importHandoff",
			PollInterval:     5 * time.Millisecond,
			FileTimeout:      3 * time.Second,
			ExportDelay:      5 * time.Millisecond,
			ImportDelay:      5 * time.Millisecond,
		},
		FanOut: &config.FanOutConfig{
			PingInterval:         30 * time.Second,
			ConnectionTimeout:    time.Minute,
			RateLimitMaxMessages: 100,
			RateLimitWindow:      10 * time.Second,
			MaxMessageBytes:      64 * 1024,
			ReplayLines:          100,
			SendQueueSize:        64,
		},
	}
}

// NewTestApp wires a complete orchestrator over sqlite and simulated
// panes. Shutdown is registered via t.Cleanup in reverse order.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = fastTestConfig()
	}
	if tc.verdicts == nil {
		tc.verdicts = NewScriptedReviewer()
	}

	// 1. Database and fan-out. The local transport stands in for
	// pg_notify; durable events still land in the events table.
	client := testdb.NewTestClient(t)
	eventService := services.NewEventService(client)
	connManager := events.NewConnectionManager(eventService, *tc.cfg.FanOut, 5*time.Second)
	publisher := events.NewEventPublisher(events.NewLocalTransport(client.Gorm(), connManager))

	// 2. Domain services.
	projects := services.NewProjectService(client)
	tickets := services.NewTicketService(client, projects, publisher)
	sessions := services.NewSessionService(client)
	notifications := services.NewNotificationService(client, publisher, nil)
	results := services.NewReviewService(client)

	// 3. Supervisor over the pane simulator.
	panes := NewPaneSim()
	sup := supervisor.New(panes, sessions, projects, tickets, publisher, tc.cfg.Supervisor)
	connManager.SetOutputReplayer(sup)
	connManager.SetInputSender(sup)

	// 4. Reviewer with the scripted CLI. The diff source is stubbed; the
	// temp repos have no git history to summarize.
	reviews := reviewer.New(tickets, projects, sessions, results,
		notifications, publisher, sup, tc.verdicts, tc.cfg.Reviewer)
	reviews.SetDiffFunc(func(string) string { return "" })

	// 5. Detector and handoff, hooked into the supervisor.
	det := detector.New(sessions, projects, notifications, publisher, reviews, tc.cfg.Detector)
	det.Start()
	handoffs := handoff.New(sup, sessions, projects, tickets, notifications, publisher, tc.cfg.Handoff)
	sup.SetHooks(supervisor.Hooks{
		Output:         det.OnOutput,
		ContextChanged: handoffs.OnContextChanged,
		InputSent:      det.OnInput,
		SessionStarted: det.WatchSession,
		SessionEnded:   det.UnwatchSession,
	})

	// 6. HTTP server, mounted on an ephemeral listener.
	server := api.NewServer(tc.cfg, client, projects, tickets, sessions,
		notifications, sup, det, connManager)
	httpServer := httptest.NewServer(server)

	app := &TestApp{
		Config:        tc.cfg,
		DBClient:      client,
		Panes:         panes,
		Verdicts:      tc.verdicts,
		Projects:      projects,
		Tickets:       tickets,
		Sessions:      sessions,
		Notifications: notifications,
		Results:       results,
		Supervisor:    sup,
		Detector:      det,
		Reviews:       reviews,
		Handoffs:      handoffs,
		Server:        server,
		BaseURL:       httpServer.URL,
		WSURL:         "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		t:             t,
	}

	t.Cleanup(func() {
		handoffs.Stop()
		reviews.Stop()
		det.Stop()
		sup.Stop()
		httpServer.Close()
	})

	return app
}
