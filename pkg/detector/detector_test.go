package detector

import (
	"context"
	"encoding/json"
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

// recordingSink captures LocalTransport broadcasts for event assertions.
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

func (r *recordingSink) onChannel(t *testing.T, channel string) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var decoded []map[string]any
	for _, m := range r.messages {
		if m.channel != channel {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(m.payload, &payload))
		decoded = append(decoded, payload)
	}
	return decoded
}

// eventsOfType filters decoded payloads by their type field.
func eventsOfType(payloads []map[string]any, eventType string) []map[string]any {
	var out []map[string]any
	for _, p := range payloads {
		if p["type"] == eventType {
			out = append(out, p)
		}
	}
	return out
}

// reviewRecorder collects forwarded review triggers.
type reviewRecorder struct {
	mu    sync.Mutex
	calls []reviewCall
}

type reviewCall struct {
	sessionID string
	trigger   models.ReviewTrigger
}

func (r *reviewRecorder) RequestReview(sessionID string, trigger models.ReviewTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reviewCall{sessionID: sessionID, trigger: trigger})
}

func (r *reviewRecorder) triggersFor(sessionID string) []models.ReviewTrigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ReviewTrigger
	for _, c := range r.calls {
		if c.sessionID == sessionID {
			out = append(out, c.trigger)
		}
	}
	return out
}

type fixture struct {
	det           *Detector
	sink          *recordingSink
	reviews       *reviewRecorder
	sessions      *services.SessionService
	projects      *services.ProjectService
	notifications *services.NotificationService
	project       *database.Project
}

func setupDetector(t *testing.T) *fixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	sink := &recordingSink{}
	publisher := events.NewEventPublisher(events.NewLocalTransport(client.Gorm(), sink))

	projects := services.NewProjectService(client)
	sessions := services.NewSessionService(client)
	notifications := services.NewNotificationService(client, publisher, nil)

	reviews := &reviewRecorder{}
	defaults := config.DefaultDetectorConfig()
	cfg := &config.DetectorConfig{
		Debounce:               60 * time.Millisecond,
		ClearDelay:             40 * time.Millisecond,
		IdleThreshold:          150 * time.Millisecond,
		TranscriptPollInterval: 10 * time.Millisecond,
		ImmediatePatterns:      defaults.ImmediatePatterns,
		QuestionPatterns:       defaults.QuestionPatterns,
		CompletionMarkers:      defaults.CompletionMarkers,
	}
	det := New(sessions, projects, notifications, publisher, reviews, cfg)
	det.Start()
	t.Cleanup(det.Stop)

	project, err := projects.Create(context.Background(), models.CreateProjectRequest{
		Name:      "demo",
		RepoPath:  t.TempDir(),
		PaneGroup: "dev",
	})
	require.NoError(t, err)

	return &fixture{
		det:           det,
		sink:          sink,
		reviews:       reviews,
		sessions:      sessions,
		projects:      projects,
		notifications: notifications,
		project:       project,
	}
}

// liveSession creates a running session row, optionally pre-linked to an
// assistant session id.
func (f *fixture) liveSession(t *testing.T, assistantID string) *database.Session {
	t.Helper()
	ctx := context.Background()
	row, err := f.sessions.Create(ctx, f.project.ID, nil, models.SessionTypeAdhoc)
	require.NoError(t, err)
	row, err = f.sessions.MarkRunning(ctx, row.ID, "%1", 101)
	require.NoError(t, err)
	if assistantID != "" {
		require.NoError(t, f.sessions.LinkAssistant(ctx, row.ID, assistantID, ""))
	}
	return row
}

func (f *fixture) awaitWaiting(t *testing.T, sessionID string, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.det.IsWaiting(sessionID) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) waitingEvents(t *testing.T, sessionID string) []map[string]any {
	t.Helper()
	return eventsOfType(
		f.sink.onChannel(t, events.SessionChannel(sessionID)),
		events.EventTypeSessionWaiting)
}

func (f *fixture) waitingNotifications(t *testing.T, sessionID string) []*database.Notification {
	t.Helper()
	rows, err := f.notifications.List(context.Background())
	require.NoError(t, err)
	var out []*database.Notification
	for _, n := range rows {
		if n.Type == string(models.NotificationWaitingInput) &&
			n.SessionID != nil && *n.SessionID == sessionID {
			out = append(out, n)
		}
	}
	return out
}

func TestHandleHookEvent(t *testing.T) {
	t.Run("permission prompt flags waiting", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "ext-1")

		err := f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName:    HookNotification,
			NotificationType: NotifPermissionPrompt,
			SessionID:        "ext-1",
			Message:          "Permission needed to run a command",
		})
		require.NoError(t, err)

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, true, waits[len(waits)-1]["waiting"])
		assert.Equal(t, "permission_prompt", waits[len(waits)-1]["reason"])

		notifs := f.waitingNotifications(t, row.ID)
		require.Len(t, notifs, 1)
		assert.Contains(t, notifs[0].Message, "permission")
	})

	t.Run("idle prompt keeps its own reason", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "ext-2")

		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName:    HookNotification,
			NotificationType: NotifIdlePrompt,
			SessionID:        "ext-2",
		}))

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, "idle_prompt", waits[len(waits)-1]["reason"])
	})

	t.Run("stop forwards review triggers", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "ext-3")

		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookStop,
			SessionID:     "ext-3",
		}))

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, "stopped", waits[len(waits)-1]["reason"])

		require.Eventually(t, func() bool {
			return len(f.reviews.triggersFor(row.ID)) >= 2
		}, 2*time.Second, 5*time.Millisecond)
		triggers := f.reviews.triggersFor(row.ID)
		assert.Contains(t, triggers, models.ReviewTriggerStopHook)
		assert.Contains(t, triggers, models.ReviewTriggerIdleTimeout)
	})

	t.Run("non actionable notification type is ignored", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "ext-4")

		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName:    HookNotification,
			NotificationType: "elicitation_dialog",
			SessionID:        "ext-4",
		}))

		time.Sleep(200 * time.Millisecond)
		assert.False(t, f.det.IsWaiting(row.ID))
	})

	t.Run("unhandled hook events are tolerated", func(t *testing.T) {
		f := setupDetector(t)
		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: "PreToolUse",
			SessionID:     "ext-5",
		}))
	})

	t.Run("rejects payload without session id", func(t *testing.T) {
		f := setupDetector(t)
		err := f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookStop,
		})
		assert.Error(t, err)
	})

	t.Run("unlinked assistant session errors", func(t *testing.T) {
		f := setupDetector(t)
		err := f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookStop,
			SessionID:     "ghost",
		})
		assert.ErrorIs(t, err, services.ErrNotFound)
	})
}

func TestSessionStartCorrelation(t *testing.T) {
	t.Run("links the newest unlinked live session", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "")
		transcript := filepath.Join(t.TempDir(), "transcript.jsonl")

		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName:  HookSessionStart,
			SessionID:      "ext-a",
			CWD:            filepath.Join(f.project.RepoPath, "src"),
			TranscriptPath: transcript,
		}))

		linked, err := f.sessions.Get(context.Background(), row.ID)
		require.NoError(t, err)
		assert.Equal(t, "ext-a", linked.AssistantSessionID)
		assert.Equal(t, transcript, linked.TranscriptPath)
	})

	t.Run("creates an external session when none is unlinked", func(t *testing.T) {
		f := setupDetector(t)

		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookSessionStart,
			SessionID:     "ext-b",
			CWD:           f.project.RepoPath,
		}))

		rows, err := f.sessions.LiveSessions(context.Background(), f.project.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, string(models.SessionTypeAdhoc), rows[0].Type)
		assert.Equal(t, string(models.SessionRunning), rows[0].Status)
		assert.Equal(t, "ext-b", rows[0].AssistantSessionID)
	})

	t.Run("hook replay does not duplicate sessions", func(t *testing.T) {
		f := setupDetector(t)
		payload := HookPayload{
			HookEventName: HookSessionStart,
			SessionID:     "ext-c",
			CWD:           f.project.RepoPath,
		}

		require.NoError(t, f.det.HandleHookEvent(context.Background(), payload))
		require.NoError(t, f.det.HandleHookEvent(context.Background(), payload))

		rows, err := f.sessions.LiveSessions(context.Background(), f.project.ID)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("longest repo path prefix wins", func(t *testing.T) {
		f := setupDetector(t)
		nested, err := f.projects.Create(context.Background(), models.CreateProjectRequest{
			Name:      "nested",
			RepoPath:  filepath.Join(f.project.RepoPath, "vendor", "lib"),
			PaneGroup: "dev",
		})
		require.NoError(t, err)

		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookSessionStart,
			SessionID:     "ext-d",
			CWD:           filepath.Join(nested.RepoPath, "cmd"),
		}))

		rows, err := f.sessions.LiveSessions(context.Background(), nested.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "ext-d", rows[0].AssistantSessionID)
	})

	t.Run("cwd outside every project is rejected", func(t *testing.T) {
		f := setupDetector(t)
		err := f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookSessionStart,
			SessionID:     "ext-e",
			CWD:           "/definitely/not/registered",
		})
		assert.ErrorIs(t, err, services.ErrNotFound)

		rows, listErr := f.sessions.LiveSessions(context.Background(), "")
		require.NoError(t, listErr)
		assert.Empty(t, rows)
	})

	t.Run("missing cwd errors", func(t *testing.T) {
		f := setupDetector(t)
		err := f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookSessionStart,
			SessionID:     "ext-f",
		})
		assert.Error(t, err)
	})
}

func TestSessionEndHook(t *testing.T) {
	t.Run("completes an external session", func(t *testing.T) {
		f := setupDetector(t)
		ctx := context.Background()

		require.NoError(t, f.det.HandleHookEvent(ctx, HookPayload{
			HookEventName: HookSessionStart,
			SessionID:     "ext-end",
			CWD:           f.project.RepoPath,
		}))
		rows, err := f.sessions.LiveSessions(ctx, f.project.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)

		require.NoError(t, f.det.HandleHookEvent(ctx, HookPayload{
			HookEventName: HookSessionEnd,
			SessionID:     "ext-end",
		}))

		row, err := f.sessions.Get(ctx, rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.SessionCompleted), row.Status)
		require.NotNil(t, row.EndedAt)

		statuses := eventsOfType(
			f.sink.onChannel(t, events.SessionChannel(row.ID)),
			events.EventTypeSessionStatus)
		require.NotEmpty(t, statuses)
		assert.Equal(t, "completed", statuses[len(statuses)-1]["newStatus"])
	})

	t.Run("leaves pane backed sessions to the supervisor", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "ext-pane")

		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName: HookSessionEnd,
			SessionID:     "ext-pane",
		}))

		after, err := f.sessions.Get(context.Background(), row.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.SessionRunning), after.Status)
	})
}

func TestOutputPatterns(t *testing.T) {
	t.Run("immediate pattern flags a permission prompt", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "")
		f.det.WatchSession(row.ID)

		f.det.OnOutput(row.ID, []string{"Do you want to proceed?"}, true)

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, "permission_prompt", waits[len(waits)-1]["reason"])
		assert.Empty(t, f.reviews.triggersFor(row.ID))
	})

	t.Run("question waits out the idle threshold", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "")
		f.det.WatchSession(row.ID)

		f.det.OnOutput(row.ID, []string{"Should I refactor the parser too?"}, true)
		assert.False(t, f.det.IsWaiting(row.ID))

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, "question", waits[len(waits)-1]["reason"])

		require.Eventually(t, func() bool {
			return len(f.reviews.triggersFor(row.ID)) > 0
		}, 2*time.Second, 5*time.Millisecond)
		assert.Contains(t, f.reviews.triggersFor(row.ID), models.ReviewTriggerIdleTimeout)
	})

	t.Run("fresh output cancels a pending question", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "")
		f.det.WatchSession(row.ID)

		f.det.OnOutput(row.ID, []string{"Should I continue?"}, true)
		f.det.OnOutput(row.ID, []string{"Reading pkg/parser/parser.go..."}, true)

		time.Sleep(400 * time.Millisecond)
		assert.False(t, f.det.IsWaiting(row.ID))
		assert.Empty(t, f.reviews.triggersFor(row.ID))
	})

	t.Run("completion marker requests a completion review", func(t *testing.T) {
		f := setupDetector(t)
		row := f.liveSession(t, "")
		f.det.WatchSession(row.ID)

		f.det.OnOutput(row.ID, []string{"---TASK_COMPLETE---"}, true)

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, "stopped", waits[len(waits)-1]["reason"])

		require.Eventually(t, func() bool {
			return len(f.reviews.triggersFor(row.ID)) > 0
		}, 2*time.Second, 5*time.Millisecond)
		assert.Contains(t, f.reviews.triggersFor(row.ID), models.ReviewTriggerCompletionSignal)
	})
}

func TestActivityClearsWaiting(t *testing.T) {
	f := setupDetector(t)
	row := f.liveSession(t, "")
	f.det.WatchSession(row.ID)

	f.det.OnOutput(row.ID, []string{"Allow this action?"}, true)
	f.awaitWaiting(t, row.ID, true)
	require.Len(t, f.waitingNotifications(t, row.ID), 1)

	f.det.OnInput(row.ID)

	f.awaitWaiting(t, row.ID, false)
	waits := f.waitingEvents(t, row.ID)
	require.NotEmpty(t, waits)
	assert.Equal(t, false, waits[len(waits)-1]["waiting"])

	require.Eventually(t, func() bool {
		return len(f.waitingNotifications(t, row.ID)) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWaitingSignalOverridesClear(t *testing.T) {
	f := setupDetector(t)
	row := f.liveSession(t, "")
	f.det.WatchSession(row.ID)

	f.det.OnOutput(row.ID, []string{"Allow this action?"}, true)
	f.awaitWaiting(t, row.ID, true)

	// Input starts the clear countdown; the still-visible prompt is
	// re-detected before it fires.
	f.det.OnInput(row.ID)
	f.det.OnOutput(row.ID, []string{"Allow this action?"}, false)

	time.Sleep(250 * time.Millisecond)
	assert.True(t, f.det.IsWaiting(row.ID))
}

func TestSeverityFusion(t *testing.T) {
	f := setupDetector(t)
	row := f.liveSession(t, "ext-sev")
	ctx := context.Background()

	require.NoError(t, f.det.HandleHookEvent(ctx, HookPayload{
		HookEventName:    HookNotification,
		NotificationType: NotifIdlePrompt,
		SessionID:        "ext-sev",
	}))
	require.NoError(t, f.det.HandleHookEvent(ctx, HookPayload{
		HookEventName:    HookNotification,
		NotificationType: NotifPermissionPrompt,
		SessionID:        "ext-sev",
	}))

	f.awaitWaiting(t, row.ID, true)
	time.Sleep(150 * time.Millisecond)

	waits := f.waitingEvents(t, row.ID)
	require.Len(t, waits, 1)
	assert.Equal(t, "permission_prompt", waits[0]["reason"])
}

func TestReasonEscalationReemits(t *testing.T) {
	f := setupDetector(t)
	row := f.liveSession(t, "ext-esc")
	ctx := context.Background()

	require.NoError(t, f.det.HandleHookEvent(ctx, HookPayload{
		HookEventName:    HookNotification,
		NotificationType: NotifIdlePrompt,
		SessionID:        "ext-esc",
	}))
	f.awaitWaiting(t, row.ID, true)

	require.NoError(t, f.det.HandleHookEvent(ctx, HookPayload{
		HookEventName:    HookNotification,
		NotificationType: NotifPermissionPrompt,
		SessionID:        "ext-esc",
	}))

	require.Eventually(t, func() bool {
		return len(f.waitingEvents(t, row.ID)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	waits := f.waitingEvents(t, row.ID)
	assert.Equal(t, "idle_prompt", waits[0]["reason"])
	assert.Equal(t, "permission_prompt", waits[1]["reason"])

	// The escalation re-emits the event but never re-notifies.
	notifs := eventsOfType(f.sink.onChannel(t, events.BroadcastChannel), events.EventTypeNotification)
	upserts := 0
	for _, n := range notifs {
		if n["action"] == "upserted" {
			upserts++
		}
	}
	assert.Equal(t, 1, upserts)
}

func TestUnwatchClearsWaiting(t *testing.T) {
	f := setupDetector(t)
	row := f.liveSession(t, "")
	f.det.WatchSession(row.ID)

	f.det.OnOutput(row.ID, []string{"Do you want to proceed?"}, true)
	f.awaitWaiting(t, row.ID, true)

	f.det.UnwatchSession(row.ID)

	f.awaitWaiting(t, row.ID, false)
	require.Eventually(t, func() bool {
		return len(f.waitingNotifications(t, row.ID)) == 0
	}, 2*time.Second, 5*time.Millisecond)
	waits := f.waitingEvents(t, row.ID)
	require.NotEmpty(t, waits)
	assert.Equal(t, false, waits[len(waits)-1]["waiting"])
}

func TestIsWaitingUnknownSession(t *testing.T) {
	f := setupDetector(t)
	assert.False(t, f.det.IsWaiting("nope"))
}
