// Package tmux drives terminal multiplexer panes through the tmux CLI.
//
// The Driver interface is the capability the orchestration core consumes;
// Adapter is the production implementation. Pane IDs are tmux unique pane
// identifiers ("%12"), stable across window moves.
package tmux

import "errors"

var (
	// ErrPaneNotFound indicates the pane handle no longer resolves.
	ErrPaneNotFound = errors.New("pane not found")

	// ErrDriverFailed indicates the multiplexer call itself failed.
	ErrDriverFailed = errors.New("pane driver failed")
)

// GroupInfo describes a pane group (a tmux session).
type GroupInfo struct {
	Name     string
	Windows  int
	Attached bool
}

// PaneInfo describes a single pane within a group.
type PaneInfo struct {
	ID     string
	Index  int
	Active bool
	PID    int
}

// Capture is the result of reading new output from a pane. Cursor is an
// opaque position token; pass it back to receive only newer lines.
type Capture struct {
	Lines  []string
	Cursor int
}

// Driver is the pane capability consumed by the supervisor and handoff
// coordinator. All methods may invoke an external process; callers must not
// hold locks across calls.
type Driver interface {
	ListGroups() ([]GroupInfo, error)
	ListPanes(group string) ([]PaneInfo, error)
	PaneExists(paneID string) (bool, error)
	// SpawnPane creates a pane in group (creating the group if needed),
	// optionally in a named window, with the given working directory.
	SpawnPane(group, window, cwd string) (string, error)
	PanePID(paneID string) (int, error)
	// SendText sends literal text (no key-name interpretation).
	SendText(paneID, text string) error
	// SendKey sends a tmux key name such as "Enter", "Escape" or "C-c".
	SendKey(paneID, key string) error
	// CapturePane returns lines appended since cursor. A cursor of 0 reads
	// the full retained history.
	CapturePane(paneID string, cursor int) (Capture, error)
	// CaptureTail returns up to n trailing lines of the pane's history.
	CaptureTail(paneID string, n int) ([]string, error)
	KillPane(paneID string) error
	FocusPane(paneID string) error
}
