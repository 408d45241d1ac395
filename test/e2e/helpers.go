package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/database"
	"github.com/sessionworks/maestro/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// CreateProject registers a project rooted at a fresh temp dir and returns
// the parsed response.
func (app *TestApp) CreateProject(t *testing.T) map[string]any {
	t.Helper()
	body := map[string]any{
		"name":       t.Name(),
		"repo_path":  t.TempDir(),
		"pane_group": "agents",
	}
	return app.postJSON(t, "/projects", body, http.StatusCreated)
}

// CreateTicket creates an adhoc backlog ticket in the project.
func (app *TestApp) CreateTicket(t *testing.T, projectID, title string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/projects/"+projectID+"/adhoc-tickets",
		map[string]any{"title": title}, http.StatusCreated)
}

// StartTicket moves the ticket to in_progress and spawns its session.
// Returns the ticket and session sub-objects of the response.
func (app *TestApp) StartTicket(t *testing.T, ticketID string) (ticket, session map[string]any) {
	t.Helper()
	resp := app.postJSON(t, "/tickets/"+ticketID+"/start", nil, http.StatusOK)
	ticket, _ = resp["ticket"].(map[string]any)
	session, _ = resp["session"].(map[string]any)
	require.NotNil(t, ticket, "start response missing ticket")
	require.NotNil(t, session, "start response missing session")
	return ticket, session
}

// ApproveTicket moves a review ticket to done.
func (app *TestApp) ApproveTicket(t *testing.T, ticketID string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/tickets/"+ticketID+"/approve", nil, http.StatusOK)
}

// RejectTicket returns a review ticket to in_progress with feedback.
func (app *TestApp) RejectTicket(t *testing.T, ticketID, feedback string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/tickets/"+ticketID+"/reject",
		map[string]any{"feedback": feedback}, http.StatusOK)
}

// ClaudeHook delivers an assistant hook payload. Hooks always answer 200;
// the returned map carries "warning" when the payload was unusable.
func (app *TestApp) ClaudeHook(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	return app.postJSON(t, "/hooks/claude", payload, http.StatusOK)
}

// SendSessionInput posts text to the session's pane.
func (app *TestApp) SendSessionInput(t *testing.T, sessionID, text string) {
	t.Helper()
	app.doNoContent(t, http.MethodPost, "/sessions/"+sessionID+"/input",
		map[string]any{"text": text})
}

// StopSessionAPI stops the session over HTTP.
func (app *TestApp) StopSessionAPI(t *testing.T, sessionID string) {
	t.Helper()
	app.doNoContent(t, http.MethodDelete, "/sessions/"+sessionID, nil)
}

// SyncPanes reconciles tracked sessions against live panes.
func (app *TestApp) SyncPanes(t *testing.T) map[string]any {
	t.Helper()
	return app.postJSON(t, "/sessions/sync", nil, http.StatusOK)
}

// TicketHistory fetches the ticket's state history oldest first.
func (app *TestApp) TicketHistory(t *testing.T, ticketID string) []any {
	t.Helper()
	return app.getJSONArray(t, "/tickets/"+ticketID+"/history", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status, body: %s", path, data)
	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result), "POST %s: body: %s", path, data)
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSONArray(t *testing.T, path string, expectedStatus int) []any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) doNoContent(t *testing.T, method, path string, body any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "%s %s: unexpected status, body: %s", method, path, data)
}

// ────────────────────────────────────────────────────────────
// WebSocket Setup
// ────────────────────────────────────────────────────────────

// connectWS opens a collector client and waits for the server's connected
// frame, so broadcasts published right afterwards cannot be missed.
func connectWS(t *testing.T, app *TestApp) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	ws, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	_, err = ws.WaitForEventType("connected", 5*time.Second)
	require.NoError(t, err)
	return ws
}

// mustSubscribe attaches the client to a session channel and waits for the
// ack, so session frames published next cannot race the registration.
func mustSubscribe(t *testing.T, ws *WSClient, sessionID string) {
	t.Helper()
	require.NoError(t, ws.Subscribe(sessionID))
	_, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "subscribed" && e.Parsed["sessionId"] == sessionID
	}, 5*time.Second)
	require.NoError(t, err)
}

// ────────────────────────────────────────────────────────────
// Scenario Setup
// ────────────────────────────────────────────────────────────

// workspace bundles the ids of one started ticket.
type workspace struct {
	ProjectID string
	RepoPath  string
	TicketID  string
	SessionID string
	PaneID    string
}

// StartWorkingTicket provisions a project with one backlog ticket and starts
// it, leaving a running session in a simulated pane.
func (app *TestApp) StartWorkingTicket(t *testing.T, title string) workspace {
	t.Helper()
	project := app.CreateProject(t)
	ticket := app.CreateTicket(t, project["id"].(string), title)
	started, session := app.StartTicket(t, ticket["id"].(string))

	require.Equal(t, "in_progress", started["state"])
	require.Equal(t, "running", session["status"])
	require.NotEmpty(t, session["pane_id"])

	return workspace{
		ProjectID: project["id"].(string),
		RepoPath:  project["repo_path"].(string),
		TicketID:  ticket["id"].(string),
		SessionID: session["session_id"].(string),
		PaneID:    session["pane_id"].(string),
	}
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForTicketState polls the DB until the ticket reaches the state.
func (app *TestApp) WaitForTicketState(t *testing.T, ticketID string, state models.TicketState) *database.Ticket {
	t.Helper()
	var last *database.Ticket
	require.Eventually(t, func() bool {
		ticket, err := app.Tickets.Get(context.Background(), ticketID)
		if err != nil {
			return false
		}
		last = ticket
		return ticket.State == string(state)
	}, 5*time.Second, 10*time.Millisecond,
		"ticket %s did not reach state %s", ticketID, state)
	return last
}

// WaitForSessionStatus polls the DB until the session reaches the status.
func (app *TestApp) WaitForSessionStatus(t *testing.T, sessionID string, status models.SessionStatus) *database.Session {
	t.Helper()
	var last *database.Session
	require.Eventually(t, func() bool {
		row, err := app.Sessions.Get(context.Background(), sessionID)
		if err != nil {
			return false
		}
		last = row
		return row.Status == string(status)
	}, 5*time.Second, 10*time.Millisecond,
		"session %s did not reach status %s", sessionID, status)
	return last
}

// WaitForNotification polls until a notification of the given type exists
// for the session and returns it.
func (app *TestApp) WaitForNotification(t *testing.T, sessionID string, typ models.NotificationType) *database.Notification {
	t.Helper()
	var found *database.Notification
	require.Eventually(t, func() bool {
		rows, err := app.Notifications.List(context.Background())
		if err != nil {
			return false
		}
		for _, n := range rows {
			if n.Type == string(typ) && n.SessionID != nil && *n.SessionID == sessionID {
				found = n
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond,
		"no %s notification for session %s", typ, sessionID)
	return found
}

// WaitForNotificationGone polls until no notification of the given type
// remains for the session.
func (app *TestApp) WaitForNotificationGone(t *testing.T, sessionID string, typ models.NotificationType) {
	t.Helper()
	require.Eventually(t, func() bool {
		rows, err := app.Notifications.List(context.Background())
		if err != nil {
			return false
		}
		for _, n := range rows {
			if n.Type == string(typ) && n.SessionID != nil && *n.SessionID == sessionID {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond,
		"%s notification for session %s was not cleared", typ, sessionID)
}

// WaitForContextPercent polls until the session's stored context level
// matches.
func (app *TestApp) WaitForContextPercent(t *testing.T, sessionID string, percent int) {
	t.Helper()
	var last int
	require.Eventually(t, func() bool {
		row, err := app.Sessions.Get(context.Background(), sessionID)
		if err != nil {
			return false
		}
		last = row.ContextPercent
		return row.ContextPercent == percent
	}, 5*time.Second, 10*time.Millisecond,
		"session %s context did not reach %d%% (last: %d%%)", sessionID, percent, last)
}

// WaitForReplacementSession polls until a second, different live session
// owns the ticket and returns it.
func (app *TestApp) WaitForReplacementSession(t *testing.T, ticketID, oldSessionID string) *database.Session {
	t.Helper()
	var found *database.Session
	require.Eventually(t, func() bool {
		row, err := app.Sessions.LiveSessionForTicket(context.Background(), ticketID)
		if err != nil || row.ID == oldSessionID {
			return false
		}
		found = row
		return true
	}, 5*time.Second, 10*time.Millisecond,
		"no replacement session took over ticket %s", ticketID)
	return found
}

// ────────────────────────────────────────────────────────────
// Assertions
// ────────────────────────────────────────────────────────────

// AssertHistoryChain verifies the ticket's history walks the given states in
// order, each entry's toState feeding the next entry's fromState.
func (app *TestApp) AssertHistoryChain(t *testing.T, ticketID string, states ...string) []*database.StateHistoryEntry {
	t.Helper()
	entries, err := app.Tickets.History(context.Background(), ticketID)
	require.NoError(t, err)
	require.Len(t, entries, len(states)-1, "history length mismatch")
	for i, entry := range entries {
		require.Equal(t, states[i], entry.FromState, "entry %d fromState", i)
		require.Equal(t, states[i+1], entry.ToState, "entry %d toState", i)
	}
	return entries
}

// AssertOneLiveSession verifies the project holds at most one live session
// and that it is the expected one.
func (app *TestApp) AssertOneLiveSession(t *testing.T, projectID, sessionID string) {
	t.Helper()
	rows, err := app.Sessions.LiveSessions(context.Background(), projectID)
	require.NoError(t, err)
	require.Len(t, rows, 1, "expected exactly one live session")
	require.Equal(t, sessionID, rows[0].ID)
}

// CountEvents returns the number of durable event rows.
func (app *TestApp) CountEvents(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, app.DBClient.Gorm().Model(&database.Event{}).Count(&n).Error)
	return n
}

// toInt converts a JSON-decoded numeric value (typically float64) to int.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
