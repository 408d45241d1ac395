package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
)

// TestE2E_HookCorrelationAndWaiting links an assistant session id through
// the SessionStart hook, then walks a permission prompt through
// waiting=true and back down after user input.
func TestE2E_HookCorrelationAndWaiting(t *testing.T) {
	app := NewTestApp(t)
	ws := connectWS(t, app)

	w := app.StartWorkingTicket(t, "Wire up billing")
	mustSubscribe(t, ws, w.SessionID)

	sessionStart := map[string]any{
		"hook_event_name": "SessionStart",
		"session_id":      "assistant-abc",
		"cwd":             w.RepoPath,
		"transcript_path": "/tmp/assistant-abc.jsonl",
	}
	resp := app.ClaudeHook(t, sessionStart)
	assert.Equal(t, true, resp["received"])
	assert.Empty(t, resp["warning"])

	require.Eventually(t, func() bool {
		row, err := app.Sessions.Get(context.Background(), w.SessionID)
		return err == nil && row.AssistantSessionID == "assistant-abc"
	}, 5*time.Second, 10*time.Millisecond, "hook did not link the session")

	// Replaying the hook is a no-op: still one session, same link.
	app.ClaudeHook(t, sessionStart)
	app.AssertOneLiveSession(t, w.ProjectID, w.SessionID)

	// A permission prompt raises waiting on the correlated session.
	app.ClaudeHook(t, map[string]any{
		"hook_event_name":   "Notification",
		"notification_type": "permission_prompt",
		"session_id":        "assistant-abc",
	})

	frame, err := ws.WaitForWaiting(w.SessionID, true, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "permission_prompt", frame.Parsed["reason"])

	notif := app.WaitForNotification(t, w.SessionID, models.NotificationWaitingInput)
	assert.Equal(t, "Session is waiting for permission approval", notif.Message)

	// Input answers the prompt: waiting clears and the notification goes.
	app.SendSessionInput(t, w.SessionID, "yes")
	assert.Contains(t, app.Panes.SentTexts(w.PaneID), "yes")

	_, err = ws.WaitForWaiting(w.SessionID, false, 5*time.Second)
	require.NoError(t, err)
	app.WaitForNotificationGone(t, w.SessionID, models.NotificationWaitingInput)
}

// TestE2E_ContextHandoff exhausts a session's context and watches the
// coordinator swap in a fresh session on the same ticket.
func TestE2E_ContextHandoff(t *testing.T) {
	app := NewTestApp(t)
	ws := connectWS(t, app)

	w := app.StartWorkingTicket(t, "Port importer to v2")
	mustSubscribe(t, ws, w.SessionID)

	// The export command writes the handoff file, standing in for the
	// assistant's own export.
	handoffFile := filepath.Join(w.RepoPath, services.DefaultHandoffPath)
	app.Panes.SetOnText(func(paneID, text string) {
		if text == "/exportHandoff" {
			_ = os.MkdirAll(filepath.Dir(handoffFile), 0o755)
			_ = os.WriteFile(handoffFile, []byte("# Handoff\n\nExported state.\n"), 0o644)
		}
	})

	// Context above the threshold is tracked but triggers nothing.
	app.Panes.Append(w.PaneID, "Context left: 25%")
	_, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "session:context" &&
			e.Parsed["sessionId"] == w.SessionID &&
			toInt(e.Parsed["contextPercent"]) == 25
	}, 5*time.Second)
	require.NoError(t, err)
	app.WaitForContextPercent(t, w.SessionID, 25)

	// Dropping under the threshold starts the handoff.
	app.Panes.Append(w.PaneID, "Context left: 18%")

	started, err := ws.WaitForEventType("handoff:started", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, w.SessionID, started.Parsed["sessionId"])
	assert.Equal(t, 18, toInt(started.Parsed["contextPercent"]))

	completed, err := ws.WaitForEventType("handoff:completed", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, w.SessionID, completed.Parsed["fromSessionId"])
	assert.Equal(t, 18, toInt(completed.Parsed["contextAtHandoff"]))
	successorID, _ := completed.Parsed["toSessionId"].(string)
	require.NotEmpty(t, successorID)
	require.NotEqual(t, w.SessionID, successorID)

	// Old session closed and its pane is gone; the successor owns the
	// ticket.
	old := app.WaitForSessionStatus(t, w.SessionID, models.SessionCompleted)
	require.NotNil(t, old.EndedAt)
	assert.False(t, app.Panes.HasPane(w.PaneID))

	successor := app.WaitForSessionStatus(t, successorID, models.SessionRunning)
	require.NotNil(t, successor.TicketID)
	assert.Equal(t, w.TicketID, *successor.TicketID)
	app.AssertOneLiveSession(t, w.ProjectID, successorID)

	// The successor was resumed: import command, then the continuation
	// prompt naming the ticket.
	texts := app.Panes.SentTexts(successor.PaneID)
	require.Len(t, texts, 2)
	assert.Equal(t, "/importHandoff", texts[0])
	assert.Contains(t, texts[1], "Port importer to v2")

	// The ticket never left in_progress.
	ticket, err := app.Tickets.Get(context.Background(), w.TicketID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", ticket.State)

	app.WaitForNotificationGone(t, w.SessionID, models.NotificationContextLow)
}

// TestE2E_SyncReapsDeadPanes kills a pane out from under its session and
// lets the sync endpoint reconcile the bookkeeping.
func TestE2E_SyncReapsDeadPanes(t *testing.T) {
	cfg := fastTestConfig()
	// Park the output poller so the sweep, not the poll loop, is what
	// notices the dead pane.
	cfg.Supervisor.PollInterval = time.Minute
	app := NewTestApp(t, WithConfig(cfg))

	w := app.StartWorkingTicket(t, "Add retry budget")

	app.Panes.Kill(w.PaneID)

	result := app.SyncPanes(t)
	assert.Equal(t, []any{w.SessionID}, result["orphaned"])
	assert.Empty(t, result["alive"])
	assert.Equal(t, 1, toInt(result["totalChecked"]))

	row := app.WaitForSessionStatus(t, w.SessionID, models.SessionCompleted)
	require.NotNil(t, row.EndedAt)

	// A second sweep has nothing left to check.
	again := app.SyncPanes(t)
	assert.Empty(t, again["orphaned"])
	assert.Equal(t, 0, toInt(again["totalChecked"]))

	// Stopping an already-finished session stays a 204.
	app.StopSessionAPI(t, w.SessionID)

	// Only session bookkeeping changed; the ticket is untouched.
	ticket, err := app.Tickets.Get(context.Background(), w.TicketID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", ticket.State)
}
