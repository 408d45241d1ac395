package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/sessionworks/maestro/pkg/events"
	"github.com/sessionworks/maestro/pkg/models"
	"github.com/sessionworks/maestro/pkg/services"
)

// messageKind discriminates fusion loop messages.
type messageKind int

const (
	msgSignal messageKind = iota
	msgActivity
	msgQuestion
	msgFlushDebounce
	msgIdleTimeout
	msgClear
	msgWatch
	msgUnwatch
)

// message is the single envelope the fusion loop consumes. Timer kinds
// carry the seq they were armed with so stale fires are dropped.
type message struct {
	kind      messageKind
	sessionID string
	signal    WaitingSignal
	context   string
	seq       uint64
}

// sessionState is the fusion loop's record for one session. Only the loop
// goroutine touches it. The debounce, idle and clear windows are armed
// timers; a timer message is live only while its stored seq matches.
type sessionState struct {
	waiting    bool
	lastReason models.WaitingReason

	// thresholdNotified latches once the waiting notification went out,
	// so a reason escalation re-emits the event without a second upsert.
	thresholdNotified bool

	// pending is the highest-severity signal of the open debounce window.
	pending *WaitingSignal

	debounceSeq uint64
	idleSeq     uint64
	clearSeq    uint64

	questionContext string
}

// runFusion is the sole writer of waiting state.
func (d *Detector) runFusion() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case m := <-d.msgCh:
			d.handle(m)
		}
	}
}

// post hands a message to the fusion loop, dropping it during shutdown.
func (d *Detector) post(m message) {
	select {
	case d.msgCh <- m:
	case <-d.stopCh:
	}
}

// armTimer schedules a timer message and returns the seq that keeps it
// live. Overwriting the stored seq disarms the pending fire.
func (d *Detector) armTimer(kind messageKind, sessionID string, delay time.Duration) uint64 {
	d.seq++
	seq := d.seq
	time.AfterFunc(delay, func() {
		d.post(message{kind: kind, sessionID: sessionID, seq: seq})
	})
	return seq
}

func (d *Detector) handle(m message) {
	st, ok := d.states[m.sessionID]
	if !ok {
		switch m.kind {
		case msgFlushDebounce, msgIdleTimeout, msgClear, msgUnwatch:
			// Timer or teardown for a session already unwatched.
			return
		}
		st = &sessionState{}
		d.states[m.sessionID] = st
	}

	switch m.kind {
	case msgWatch:
		// State ensured above; nothing else to do.
	case msgUnwatch:
		d.removeState(m.sessionID, st)
	case msgSignal:
		d.ingestSignal(m.sessionID, st, m.signal)
	case msgActivity:
		d.noteActivity(m.sessionID, st)
	case msgQuestion:
		st.questionContext = m.context
		st.idleSeq = d.armTimer(msgIdleTimeout, m.sessionID, d.idleThreshold())
	case msgFlushDebounce:
		if m.seq != st.debounceSeq {
			return
		}
		st.debounceSeq = 0
		d.applyPending(m.sessionID, st)
	case msgIdleTimeout:
		if m.seq != st.idleSeq {
			return
		}
		st.idleSeq = 0
		d.ingestSignal(m.sessionID, st, WaitingSignal{
			SessionID: m.sessionID,
			Waiting:   true,
			Reason:    models.WaitingQuestion,
			Layer:     LayerOutput,
			Timestamp: time.Now(),
			Context:   st.questionContext,
		})
	case msgClear:
		if m.seq != st.clearSeq {
			return
		}
		st.clearSeq = 0
		d.clearWaiting(m.sessionID, st)
	}
}

// ingestSignal folds one layer signal into the session's debounce window.
func (d *Detector) ingestSignal(sessionID string, st *sessionState, sig WaitingSignal) {
	if !sig.Waiting {
		d.noteActivity(sessionID, st)
		return
	}
	slog.Debug("Waiting signal",
		"session_id", sessionID, "reason", sig.Reason, "layer", sig.Layer, "context", sig.Context)

	// A fresh waiting signal overrides a pending clear.
	st.clearSeq = 0
	if st.pending == nil || sig.Reason.Severity() > st.pending.Reason.Severity() {
		s := sig
		st.pending = &s
	}
	if st.debounceSeq == 0 {
		st.debounceSeq = d.armTimer(msgFlushDebounce, sessionID, d.debounce())
	}
}

// applyPending closes a debounce window: the surviving signal either
// establishes the waiting state or escalates its reason.
func (d *Detector) applyPending(sessionID string, st *sessionState) {
	sig := st.pending
	st.pending = nil
	if sig == nil {
		return
	}

	if !st.waiting {
		st.waiting = true
		st.lastReason = sig.Reason
		slog.Info("Session waiting for input",
			"session_id", sessionID, "reason", sig.Reason, "layer", sig.Layer)
		d.publishWaiting(sessionID, true, sig.Reason)
		if !st.thresholdNotified {
			st.thresholdNotified = true
			d.upsertWaitingNotification(sessionID, sig.Reason)
		}
		// An idle stop or an unanswered question is the cue to check
		// whether the ticket is actually done.
		if sig.Reason == models.WaitingStopped || sig.Reason == models.WaitingQuestion {
			d.requestReview(sessionID, models.ReviewTriggerIdleTimeout)
		}
		d.setMirror(sessionID, true)
		return
	}

	if sig.Reason.Severity() > st.lastReason.Severity() {
		st.lastReason = sig.Reason
		d.publishWaiting(sessionID, true, sig.Reason)
	}
}

// noteActivity records fresh output or delivered input. It cancels a
// pending question timer and, when the session is waiting, starts the
// clear countdown. Later activity does not restart an armed countdown;
// only a new waiting signal resets it, by disarming.
func (d *Detector) noteActivity(sessionID string, st *sessionState) {
	st.idleSeq = 0
	if st.waiting && st.clearSeq == 0 {
		st.clearSeq = d.armTimer(msgClear, sessionID, d.clearDelay())
	}
}

func (d *Detector) clearWaiting(sessionID string, st *sessionState) {
	if !st.waiting {
		return
	}
	st.waiting = false
	st.lastReason = ""
	st.thresholdNotified = false
	slog.Info("Session waiting cleared", "session_id", sessionID)
	d.publishWaiting(sessionID, false, "")
	d.clearWaitingNotification(sessionID)
	d.setMirror(sessionID, false)
}

// removeState drops a session from fusion, clearing waiting leftovers so
// the dashboard does not keep a badge for a finished session.
func (d *Detector) removeState(sessionID string, st *sessionState) {
	if st.waiting {
		d.publishWaiting(sessionID, false, "")
		d.clearWaitingNotification(sessionID)
	}
	delete(d.states, sessionID)
	d.waitingMu.Lock()
	delete(d.waiting, sessionID)
	d.waitingMu.Unlock()
}

func (d *Detector) setMirror(sessionID string, waiting bool) {
	d.waitingMu.Lock()
	d.waiting[sessionID] = waiting
	d.waitingMu.Unlock()
}

// publishWaiting emits the transient session:waiting event. Failures are
// logged, never propagated.
func (d *Detector) publishWaiting(sessionID string, waiting bool, reason models.WaitingReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := events.SessionWaitingPayload{
		Type:      events.EventTypeSessionWaiting,
		SessionID: sessionID,
		Waiting:   waiting,
		Reason:    reason,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
	if err := d.publisher.PublishSessionWaiting(ctx, payload); err != nil {
		slog.Warn("Failed to publish session waiting event",
			"session_id", sessionID, "waiting", waiting, "error", err)
	}
}

func (d *Detector) upsertWaitingNotification(sessionID string, reason models.WaitingReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := sessionID
	_, err := d.notifications.Upsert(ctx, services.UpsertNotification{
		Type:      models.NotificationWaitingInput,
		Message:   waitingMessage(reason),
		SessionID: &sid,
	})
	if err != nil {
		slog.Warn("Failed to upsert waiting notification", "session_id", sessionID, "error", err)
	}
}

func (d *Detector) clearWaitingNotification(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.notifications.Clear(ctx, sessionID, models.NotificationWaitingInput); err != nil {
		slog.Warn("Failed to clear waiting notification", "session_id", sessionID, "error", err)
	}
}

// waitingMessage renders the notification text for a waiting reason.
func waitingMessage(reason models.WaitingReason) string {
	switch reason {
	case models.WaitingPermissionPrompt:
		return "Session is waiting for permission approval"
	case models.WaitingContextExhausted:
		return "Session ran out of context and is waiting"
	case models.WaitingStopped:
		return "Session finished responding and is idle"
	case models.WaitingQuestion:
		return "Session asked a question and is waiting for an answer"
	case models.WaitingIdlePrompt:
		return "Session has been idle and may need attention"
	default:
		return "Session is waiting for input"
	}
}

func (d *Detector) debounce() time.Duration {
	if d.cfg.Debounce > 0 {
		return d.cfg.Debounce
	}
	return 500 * time.Millisecond
}

func (d *Detector) clearDelay() time.Duration {
	if d.cfg.ClearDelay > 0 {
		return d.cfg.ClearDelay
	}
	return 2 * time.Second
}

func (d *Detector) idleThreshold() time.Duration {
	if d.cfg.IdleThreshold > 0 {
		return d.cfg.IdleThreshold
	}
	return 5 * time.Second
}
