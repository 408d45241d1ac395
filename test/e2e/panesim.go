package e2e

import (
	"fmt"
	"sync"

	"github.com/sessionworks/maestro/pkg/tmux"
)

// PaneSim is an in-memory tmux.Driver. Tests append lines to a pane to
// stand in for assistant output and kill panes to stand in for external
// exits. An optional OnText hook observes injected input, which is how the
// handoff scenarios answer the export command by writing the handoff file.
type PaneSim struct {
	mu       sync.Mutex
	panes    map[string][]string
	nextPane int
	texts    map[string][]string
	keys     map[string][]string
	focused  []string
	onText   func(paneID, text string)
}

// NewPaneSim creates an empty pane simulator.
func NewPaneSim() *PaneSim {
	return &PaneSim{
		panes: make(map[string][]string),
		texts: make(map[string][]string),
		keys:  make(map[string][]string),
	}
}

// Append adds output lines to a pane, to be picked up by the next
// supervisor poll.
func (d *PaneSim) Append(paneID string, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panes[paneID] = append(d.panes[paneID], lines...)
}

// Kill removes a pane out from under the supervisor, as an external
// `tmux kill-pane` would.
func (d *PaneSim) Kill(paneID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.panes, paneID)
}

// SetOnText registers a hook invoked after each successful SendText.
func (d *PaneSim) SetOnText(fn func(paneID, text string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onText = fn
}

// SentTexts returns the texts delivered to a pane, in order.
func (d *PaneSim) SentTexts(paneID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.texts[paneID]...)
}

// HasPane reports whether the pane is alive.
func (d *PaneSim) HasPane(paneID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.panes[paneID]
	return ok
}

// PaneCount returns the number of live panes.
func (d *PaneSim) PaneCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.panes)
}

// FocusedPanes returns every pane focused so far.
func (d *PaneSim) FocusedPanes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.focused...)
}

// --- tmux.Driver ---

func (d *PaneSim) ListGroups() ([]tmux.GroupInfo, error)     { return nil, nil }
func (d *PaneSim) ListPanes(string) ([]tmux.PaneInfo, error) { return nil, nil }

func (d *PaneSim) PaneExists(paneID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.panes[paneID]
	return ok, nil
}

func (d *PaneSim) SpawnPane(group, window, cwd string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextPane++
	id := fmt.Sprintf("%%%d", d.nextPane)
	d.panes[id] = []string{}
	return id, nil
}

func (d *PaneSim) PanePID(paneID string) (int, error) { return 4242, nil }

func (d *PaneSim) SendText(paneID, text string) error {
	d.mu.Lock()
	if _, ok := d.panes[paneID]; !ok {
		d.mu.Unlock()
		return tmux.ErrPaneNotFound
	}
	d.texts[paneID] = append(d.texts[paneID], text)
	hook := d.onText
	d.mu.Unlock()
	if hook != nil {
		hook(paneID, text)
	}
	return nil
}

func (d *PaneSim) SendKey(paneID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.panes[paneID]; !ok {
		return tmux.ErrPaneNotFound
	}
	d.keys[paneID] = append(d.keys[paneID], key)
	return nil
}

func (d *PaneSim) CapturePane(paneID string, cursor int) (tmux.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lines, ok := d.panes[paneID]
	if !ok {
		return tmux.Capture{}, tmux.ErrPaneNotFound
	}
	if cursor > len(lines) {
		cursor = 0
	}
	return tmux.Capture{Lines: append([]string{}, lines[cursor:]...), Cursor: len(lines)}, nil
}

func (d *PaneSim) CaptureTail(paneID string, n int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lines, ok := d.panes[paneID]
	if !ok {
		return nil, tmux.ErrPaneNotFound
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]string{}, lines...), nil
}

func (d *PaneSim) KillPane(paneID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.panes[paneID]; !ok {
		return tmux.ErrPaneNotFound
	}
	delete(d.panes, paneID)
	return nil
}

func (d *PaneSim) FocusPane(paneID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.panes[paneID]; !ok {
		return tmux.ErrPaneNotFound
	}
	d.focused = append(d.focused, paneID)
	return nil
}
