package detector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/database"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func appendRaw(t *testing.T, path, raw string) {
	t.Helper()
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString(raw)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	appendRaw(t, path, line+"\n")
}

// tailedSession creates a running session linked to a transcript file and
// puts it under watch.
func (f *fixture) tailedSession(t *testing.T, assistantID, transcript string) *database.Session {
	t.Helper()
	row := f.liveSession(t, "")
	require.NoError(t, f.sessions.LinkAssistant(context.Background(), row.ID, assistantID, transcript))
	f.det.WatchSession(row.ID)
	return row
}

func TestTranscriptTail(t *testing.T) {
	t.Run("skips history and reacts to appended signals", func(t *testing.T) {
		f := setupDetector(t)
		transcript := filepath.Join(t.TempDir(), "session.jsonl")
		writeLines(t, transcript,
			`{"type":"assistant_message","text":"working"}`,
			`{"type":"permission_request","tool":"bash"}`)

		row := f.tailedSession(t, "ext-t1", transcript)

		// The permission_request already in the file predates the watch.
		time.Sleep(150 * time.Millisecond)
		assert.False(t, f.det.IsWaiting(row.ID))

		appendLine(t, transcript, `{"type":"permission_request","tool":"edit"}`)

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, "permission_prompt", waits[len(waits)-1]["reason"])
	})

	t.Run("context exhaustion as a system subtype", func(t *testing.T) {
		f := setupDetector(t)
		transcript := filepath.Join(t.TempDir(), "session.jsonl")
		writeLines(t, transcript, `{"type":"assistant_message"}`)

		row := f.tailedSession(t, "ext-t2", transcript)
		time.Sleep(100 * time.Millisecond)

		appendLine(t, transcript, `{"type":"system","subtype":"context_exhausted"}`)

		f.awaitWaiting(t, row.ID, true)
		waits := f.waitingEvents(t, row.ID)
		require.NotEmpty(t, waits)
		assert.Equal(t, "context_exhausted", waits[len(waits)-1]["reason"])
	})

	t.Run("carries partial lines across polls", func(t *testing.T) {
		f := setupDetector(t)
		transcript := filepath.Join(t.TempDir(), "session.jsonl")
		writeLines(t, transcript, `{"type":"assistant_message"}`)

		row := f.tailedSession(t, "ext-t3", transcript)
		time.Sleep(100 * time.Millisecond)

		appendRaw(t, transcript, `{"type":"permission_`)
		time.Sleep(100 * time.Millisecond)
		assert.False(t, f.det.IsWaiting(row.ID))

		appendRaw(t, transcript, "request\"}\n")
		f.awaitWaiting(t, row.ID, true)
	})

	t.Run("rereads after truncation", func(t *testing.T) {
		f := setupDetector(t)
		transcript := filepath.Join(t.TempDir(), "session.jsonl")
		filler := make([]string, 20)
		for i := range filler {
			filler[i] = `{"type":"assistant_message","text":"` + strings.Repeat("x", 80) + `"}`
		}
		writeLines(t, transcript, filler...)

		row := f.tailedSession(t, "ext-t4", transcript)
		time.Sleep(100 * time.Millisecond)

		writeLines(t, transcript, `{"type":"permission_request"}`)

		f.awaitWaiting(t, row.ID, true)
	})

	t.Run("picks up a transcript created after the watch", func(t *testing.T) {
		f := setupDetector(t)
		transcript := filepath.Join(t.TempDir(), "session.jsonl")

		row := f.tailedSession(t, "ext-t5", transcript)
		time.Sleep(100 * time.Millisecond)
		assert.False(t, f.det.IsWaiting(row.ID))

		writeLines(t, transcript, `{"type":"assistant_message"}`)
		time.Sleep(150 * time.Millisecond)

		appendLine(t, transcript, `{"type":"permission_request"}`)
		f.awaitWaiting(t, row.ID, true)
	})

	t.Run("ignores lines that are not transcript events", func(t *testing.T) {
		f := setupDetector(t)
		transcript := filepath.Join(t.TempDir(), "session.jsonl")
		writeLines(t, transcript, `{"type":"assistant_message"}`)

		row := f.tailedSession(t, "ext-t6", transcript)
		time.Sleep(100 * time.Millisecond)

		appendLine(t, transcript, "not json at all")
		appendLine(t, transcript, `{"type":"tool_result","subtype":"ok"}`)

		time.Sleep(150 * time.Millisecond)
		assert.False(t, f.det.IsWaiting(row.ID))
	})

	t.Run("unwatch stops the tail", func(t *testing.T) {
		f := setupDetector(t)
		transcript := filepath.Join(t.TempDir(), "session.jsonl")
		writeLines(t, transcript, `{"type":"assistant_message"}`)

		row := f.tailedSession(t, "ext-t7", transcript)
		time.Sleep(100 * time.Millisecond)

		f.det.UnwatchSession(row.ID)
		time.Sleep(50 * time.Millisecond)

		appendLine(t, transcript, `{"type":"permission_request"}`)
		time.Sleep(150 * time.Millisecond)
		assert.False(t, f.det.IsWaiting(row.ID))
	})

	t.Run("follows a replaced transcript path", func(t *testing.T) {
		f := setupDetector(t)
		dir := t.TempDir()
		oldPath := filepath.Join(dir, "old.jsonl")
		newPath := filepath.Join(dir, "new.jsonl")
		writeLines(t, oldPath, `{"type":"assistant_message"}`)
		writeLines(t, newPath, `{"type":"assistant_message"}`)

		row := f.tailedSession(t, "ext-t8", oldPath)
		time.Sleep(100 * time.Millisecond)

		// A resumed assistant session reports the same id with a new
		// transcript location.
		require.NoError(t, f.det.HandleHookEvent(context.Background(), HookPayload{
			HookEventName:  HookSessionStart,
			SessionID:      "ext-t8",
			CWD:            f.project.RepoPath,
			TranscriptPath: newPath,
		}))
		time.Sleep(100 * time.Millisecond)

		appendLine(t, newPath, `{"type":"permission_request"}`)
		f.awaitWaiting(t, row.ID, true)

		linked, err := f.sessions.Get(context.Background(), row.ID)
		require.NoError(t, err)
		assert.Equal(t, newPath, linked.TranscriptPath)
	})
}

func TestRecoverRewatchesLiveSessions(t *testing.T) {
	f := setupDetector(t)
	transcript := filepath.Join(t.TempDir(), "session.jsonl")
	writeLines(t, transcript, `{"type":"assistant_message"}`)

	row := f.liveSession(t, "")
	require.NoError(t, f.sessions.LinkAssistant(context.Background(), row.ID, "ext-r1", transcript))

	require.NoError(t, f.det.Recover(context.Background()))
	time.Sleep(100 * time.Millisecond)

	appendLine(t, transcript, `{"type":"permission_request"}`)
	f.awaitWaiting(t, row.ID, true)
}
