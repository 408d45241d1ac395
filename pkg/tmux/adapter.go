package tmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Adapter implements Driver by shelling out to the tmux binary.
type Adapter struct {
	exec Exec
	bin  string
}

// NewAdapter creates a tmux-backed pane driver. bin is the tmux binary
// path; empty uses "tmux" from PATH.
func NewAdapter(e Exec, bin string) *Adapter {
	if bin == "" {
		bin = "tmux"
	}
	return &Adapter{exec: e, bin: bin}
}

func (a *Adapter) ListGroups() ([]GroupInfo, error) {
	out, err := a.exec.Output(a.bin, "list-sessions", "-F", "#{session_name}\t#{session_windows}\t#{session_attached}")
	if err != nil {
		// No server running means no groups, not a failure.
		if strings.Contains(err.Error(), "no server running") {
			return []GroupInfo{}, nil
		}
		return nil, fmt.Errorf("%w: list-sessions: %v", ErrDriverFailed, err)
	}
	var groups []GroupInfo
	for _, line := range splitLines(string(out)) {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		groups = append(groups, GroupInfo{
			Name:     parts[0],
			Windows:  windows,
			Attached: parts[2] != "0",
		})
	}
	return groups, nil
}

func (a *Adapter) ListPanes(group string) ([]PaneInfo, error) {
	out, err := a.exec.Output(a.bin, "list-panes", "-s", "-t", group,
		"-F", "#{pane_id}\t#{pane_index}\t#{pane_active}\t#{pane_pid}")
	if err != nil {
		return nil, a.classify("list-panes", err)
	}
	var panes []PaneInfo
	for _, line := range splitLines(string(out)) {
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 4 {
			continue
		}
		index, _ := strconv.Atoi(parts[1])
		pid, _ := strconv.Atoi(parts[3])
		panes = append(panes, PaneInfo{
			ID:     parts[0],
			Index:  index,
			Active: parts[2] == "1",
			PID:    pid,
		})
	}
	return panes, nil
}

func (a *Adapter) PaneExists(paneID string) (bool, error) {
	needle := strings.TrimSpace(paneID)
	if needle == "" {
		return false, nil
	}
	out, err := a.exec.Output(a.bin, "list-panes", "-a", "-F", "#{pane_id}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return false, nil
		}
		return false, fmt.Errorf("%w: list-panes: %v", ErrDriverFailed, err)
	}
	for _, pane := range splitLines(string(out)) {
		if strings.TrimSpace(pane) == needle {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) SpawnPane(group, window, cwd string) (string, error) {
	if err := a.exec.Run(a.bin, "has-session", "-t", group); err != nil {
		// Group missing: create it with the new pane as its first window.
		out, err := a.exec.Output(a.bin, "new-session", "-d", "-s", group, "-c", cwd, "-P", "-F", "#{pane_id}")
		if err != nil {
			return "", fmt.Errorf("%w: new-session: %v", ErrDriverFailed, err)
		}
		return strings.TrimSpace(string(out)), nil
	}

	if window != "" {
		out, err := a.exec.Output(a.bin, "new-window", "-t", group+":", "-n", window, "-c", cwd, "-P", "-F", "#{pane_id}")
		if err != nil {
			return "", fmt.Errorf("%w: new-window: %v", ErrDriverFailed, err)
		}
		return strings.TrimSpace(string(out)), nil
	}

	out, err := a.exec.Output(a.bin, "split-window", "-t", group+":", "-c", cwd, "-P", "-F", "#{pane_id}")
	if err != nil {
		return "", fmt.Errorf("%w: split-window: %v", ErrDriverFailed, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (a *Adapter) PanePID(paneID string) (int, error) {
	out, err := a.exec.Output(a.bin, "display-message", "-p", "-t", paneID, "#{pane_pid}")
	if err != nil {
		return 0, a.classify("display-message", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected pane_pid output %q", ErrDriverFailed, string(out))
	}
	return pid, nil
}

func (a *Adapter) SendText(paneID, text string) error {
	if err := a.exec.Run(a.bin, "send-keys", "-l", "-t", paneID, text); err != nil {
		return a.classify("send-keys", err)
	}
	return nil
}

func (a *Adapter) SendKey(paneID, key string) error {
	if err := a.exec.Run(a.bin, "send-keys", "-t", paneID, key); err != nil {
		return a.classify("send-keys", err)
	}
	return nil
}

func (a *Adapter) CapturePane(paneID string, cursor int) (Capture, error) {
	out, err := a.exec.Output(a.bin, "capture-pane", "-p", "-e", "-J", "-S", "-", "-E", "-", "-t", paneID)
	if err != nil {
		return Capture{}, a.classify("capture-pane", err)
	}
	lines := splitLines(string(out))
	// History shrank below the cursor: the pane was cleared or replaced.
	if cursor > len(lines) {
		cursor = 0
	}
	return Capture{Lines: lines[cursor:], Cursor: len(lines)}, nil
}

func (a *Adapter) CaptureTail(paneID string, n int) ([]string, error) {
	if n <= 0 {
		n = 200
	}
	start := fmt.Sprintf("-%d", n)
	out, err := a.exec.Output(a.bin, "capture-pane", "-p", "-e", "-J", "-S", start, "-E", "-", "-t", paneID)
	if err != nil {
		return nil, a.classify("capture-pane", err)
	}
	lines := splitLines(string(out))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (a *Adapter) KillPane(paneID string) error {
	if err := a.exec.Run(a.bin, "kill-pane", "-t", paneID); err != nil {
		return a.classify("kill-pane", err)
	}
	return nil
}

func (a *Adapter) FocusPane(paneID string) error {
	if err := a.exec.Run(a.bin, "select-window", "-t", paneID); err != nil {
		return a.classify("select-window", err)
	}
	if err := a.exec.Run(a.bin, "select-pane", "-t", paneID); err != nil {
		return a.classify("select-pane", err)
	}
	return nil
}

// classify maps tmux stderr text onto the driver error taxonomy.
func (a *Adapter) classify(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "can't find pane") ||
		strings.Contains(msg, "can't find window") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") {
		return fmt.Errorf("%w: %s: %v", ErrPaneNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDriverFailed, op, err)
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
