package detector

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sessionworks/maestro/pkg/models"
)

// transcriptTail follows one session's transcript file. The assistant
// appends JSONL to it; we only ever read.
type transcriptTail struct {
	sessionID string
	path      string
	stopCh    chan struct{}
}

// startTail begins tailing a transcript, replacing a tail that points at
// an older path. Tailing the same path twice is a no-op.
func (d *Detector) startTail(sessionID, path string) {
	d.tailsMu.Lock()
	if cur, ok := d.tails[sessionID]; ok {
		if cur.path == path {
			d.tailsMu.Unlock()
			return
		}
		delete(d.tails, sessionID)
		close(cur.stopCh)
	}
	t := &transcriptTail{sessionID: sessionID, path: path, stopCh: make(chan struct{})}
	d.tails[sessionID] = t
	d.tailsMu.Unlock()

	slog.Debug("Tailing transcript", "session_id", sessionID, "path", path)
	d.wg.Add(1)
	go d.runTail(t)
}

func (d *Detector) stopTail(sessionID string) {
	d.tailsMu.Lock()
	t, ok := d.tails[sessionID]
	if ok {
		delete(d.tails, sessionID)
	}
	d.tailsMu.Unlock()
	if ok {
		close(t.stopCh)
	}
}

func (d *Detector) stopAllTails() {
	d.tailsMu.Lock()
	tails := make([]*transcriptTail, 0, len(d.tails))
	for _, t := range d.tails {
		tails = append(tails, t)
	}
	d.tails = make(map[string]*transcriptTail)
	d.tailsMu.Unlock()

	for _, t := range tails {
		close(t.stopCh)
	}
}

// runTail polls the transcript file, carrying the byte offset and any
// partial trailing line between ticks. History present when the file is
// first sighted is skipped; a file that shrinks was rewritten and is read
// again from the top.
func (d *Detector) runTail(t *transcriptTail) {
	defer d.wg.Done()

	interval := d.cfg.TranscriptPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		offset     int64
		partial    string
		discovered bool
	)

	for {
		select {
		case <-t.stopCh:
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		info, err := os.Stat(t.path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Transcript stat failed",
					"session_id", t.sessionID, "path", t.path, "error", err)
			} else if discovered {
				slog.Debug("Transcript disappeared, waiting for rewrite",
					"session_id", t.sessionID, "path", t.path)
			}
			discovered = false
			offset = 0
			partial = ""
			continue
		}

		if !discovered {
			discovered = true
			offset = info.Size()
			partial = ""
			slog.Debug("Transcript discovered",
				"session_id", t.sessionID, "path", t.path, "offset", offset)
			continue
		}

		if info.Size() < offset {
			offset = 0
			partial = ""
		}
		if info.Size() == offset {
			continue
		}

		delta, err := readDelta(t.path, offset)
		if err != nil {
			slog.Warn("Transcript read failed",
				"session_id", t.sessionID, "path", t.path, "error", err)
			continue
		}
		offset += int64(len(delta))

		combined := partial + string(delta)
		lines := strings.Split(combined, "\n")
		partial = lines[len(lines)-1]
		for _, line := range lines[:len(lines)-1] {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			reason, ok := transcriptReason(line)
			if !ok {
				continue
			}
			d.post(message{kind: msgSignal, sessionID: t.sessionID, signal: WaitingSignal{
				SessionID: t.sessionID,
				Waiting:   true,
				Reason:    reason,
				Layer:     LayerTranscript,
				Timestamp: time.Now(),
				Context:   truncateContext(line),
			}})
		}
	}
}

func readDelta(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

// transcriptEvent is the slice of a transcript JSONL line we decode. The
// tag of interest appears as the type on dedicated lines or as a subtype
// on system lines, depending on the assistant version.
type transcriptEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// transcriptReason maps a transcript line to a waiting reason. Lines that
// are not JSON or carry other tags produce no signal.
func transcriptReason(line string) (models.WaitingReason, bool) {
	var evt transcriptEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return "", false
	}
	switch {
	case evt.Type == "permission_request" || evt.Subtype == "permission_request":
		return models.WaitingPermissionPrompt, true
	case evt.Type == "context_exhausted" || evt.Subtype == "context_exhausted":
		return models.WaitingContextExhausted, true
	}
	return "", false
}

// truncateContext caps the raw line carried in a signal for logging.
func truncateContext(line string) string {
	const max = 200
	if len(line) <= max {
		return line
	}
	return line[:max]
}
