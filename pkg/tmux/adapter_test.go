package tmux

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec records invocations and replays canned results keyed by
// subcommand name.
type fakeExec struct {
	calls   [][]string
	outputs map[string][]byte
	errs    map[string]error
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		outputs: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func (f *fakeExec) Output(name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	sub := args[0]
	return f.outputs[sub], f.errs[sub]
}

func (f *fakeExec) Run(name string, args ...string) error {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.errs[args[0]]
}

func TestListGroups(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["list-sessions"] = []byte("dev\t3\t1\nops\t1\t0\n")

	a := NewAdapter(fe, "")
	groups, err := a.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, GroupInfo{Name: "dev", Windows: 3, Attached: true}, groups[0])
	assert.Equal(t, GroupInfo{Name: "ops", Windows: 1, Attached: false}, groups[1])
}

func TestListGroups_NoServer(t *testing.T) {
	fe := newFakeExec()
	fe.errs["list-sessions"] = errors.New("exit status 1: no server running on /tmp/tmux-0/default")

	a := NewAdapter(fe, "")
	groups, err := a.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestPaneExists(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["list-panes"] = []byte("%1\n%4\n%9\n")

	a := NewAdapter(fe, "")
	ok, err := a.PaneExists("%4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.PaneExists("%5")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.PaneExists("")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSpawnPane_CreatesGroupWhenMissing(t *testing.T) {
	fe := newFakeExec()
	fe.errs["has-session"] = errors.New("exit status 1: can't find session: dev")
	fe.outputs["new-session"] = []byte("%0\n")

	a := NewAdapter(fe, "")
	id, err := a.SpawnPane("dev", "", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "%0", id)

	last := fe.calls[len(fe.calls)-1]
	assert.Contains(t, strings.Join(last, " "), "new-session -d -s dev -c /repo")
}

func TestSpawnPane_NamedWindow(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["new-window"] = []byte("%7\n")

	a := NewAdapter(fe, "")
	id, err := a.SpawnPane("dev", "agents", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "%7", id)

	last := fe.calls[len(fe.calls)-1]
	joined := strings.Join(last, " ")
	assert.Contains(t, joined, "new-window")
	assert.Contains(t, joined, "-n agents")
}

func TestSpawnPane_SplitsExistingGroup(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["split-window"] = []byte("%12\n")

	a := NewAdapter(fe, "")
	id, err := a.SpawnPane("dev", "", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "%12", id)
}

func TestSendTextUsesLiteralFlag(t *testing.T) {
	fe := newFakeExec()
	a := NewAdapter(fe, "")

	require.NoError(t, a.SendText("%3", "hello -t world"))
	last := fe.calls[len(fe.calls)-1]
	assert.Equal(t, []string{"tmux", "send-keys", "-l", "-t", "%3", "hello -t world"}, last)
}

func TestSendKeyPassesKeyName(t *testing.T) {
	fe := newFakeExec()
	a := NewAdapter(fe, "")

	require.NoError(t, a.SendKey("%3", "Enter"))
	last := fe.calls[len(fe.calls)-1]
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "%3", "Enter"}, last)
}

func TestCapturePane_CursorSemantics(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["capture-pane"] = []byte("one\ntwo\nthree\n")
	a := NewAdapter(fe, "")

	cap1, err := a.CapturePane("%3", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, cap1.Lines)
	assert.Equal(t, 3, cap1.Cursor)

	fe.outputs["capture-pane"] = []byte("one\ntwo\nthree\nfour\n")
	cap2, err := a.CapturePane("%3", cap1.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"four"}, cap2.Lines)
	assert.Equal(t, 4, cap2.Cursor)

	// Cursor beyond history resets to a full read (pane was cleared).
	fe.outputs["capture-pane"] = []byte("fresh\n")
	cap3, err := a.CapturePane("%3", cap2.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, cap3.Lines)
	assert.Equal(t, 1, cap3.Cursor)
}

func TestCaptureTail_Bounds(t *testing.T) {
	fe := newFakeExec()
	fe.outputs["capture-pane"] = []byte("a\nb\nc\nd\ne\n")
	a := NewAdapter(fe, "")

	lines, err := a.CaptureTail("%3", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, lines)
}

func TestClassify_PaneNotFound(t *testing.T) {
	fe := newFakeExec()
	fe.errs["kill-pane"] = fmt.Errorf("exit status 1: can't find pane: %%99")
	a := NewAdapter(fe, "")

	err := a.KillPane("%99")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaneNotFound)
}

func TestClassify_DriverFailure(t *testing.T) {
	fe := newFakeExec()
	fe.errs["send-keys"] = errors.New("exit status 127: command not found")
	a := NewAdapter(fe, "")

	err := a.SendText("%1", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDriverFailed)
}

func TestCustomBinaryPath(t *testing.T) {
	fe := newFakeExec()
	a := NewAdapter(fe, "/opt/tmux/bin/tmux")

	_ = a.SendKey("%1", "Enter")
	last := fe.calls[len(fe.calls)-1]
	assert.Equal(t, "/opt/tmux/bin/tmux", last[0])
}
