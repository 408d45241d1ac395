// Package vcs reads git state for review prompts. Capture is best effort:
// callers treat any failure as "no changes detected".
package vcs

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepo indicates the directory is not a git repository.
var ErrNotRepo = errors.New("not a git repository")

// Executor defines the git operations the reviewer consumes.
// This abstraction allows for easy testing with fake implementations.
type Executor interface {
	IsRepo() bool
	// WorkingDiff returns the diff of uncommitted changes (staged +
	// unstaged vs HEAD).
	WorkingDiff() (string, error)
	// UntrackedFiles returns new files not yet staged.
	UntrackedFiles() ([]string, error)
}

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates an executor rooted at workDir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

func (e *RealExecutor) runGitOutput(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(stderrStr), "not a git repository") {
			return "", fmt.Errorf("%w: %s", ErrNotRepo, e.workDir)
		}
		if stderrStr != "" {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return stdout.String(), nil
}

func (e *RealExecutor) IsRepo() bool {
	_, err := e.runGitOutput("rev-parse", "--git-dir")
	return err == nil
}

func (e *RealExecutor) WorkingDiff() (string, error) {
	out, err := e.runGitOutput("diff", "HEAD")
	if err != nil {
		return "", err
	}
	return out, nil
}

func (e *RealExecutor) UntrackedFiles() ([]string, error) {
	out, err := e.runGitOutput("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// RemoteURL returns the URL of the origin remote. Not part of Executor:
// review prompts never need it, only the issue tracker import does.
func (e *RealExecutor) RemoteURL() (string, error) {
	out, err := e.runGitOutput("remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Summarize renders a combined diff view for review prompts: the working
// diff followed by a listing of untracked files. Empty when the tree is
// clean or workDir is not a repository.
func Summarize(exec Executor) string {
	if !exec.IsRepo() {
		return ""
	}

	var b strings.Builder
	if diff, err := exec.WorkingDiff(); err == nil {
		b.WriteString(diff)
	}
	if untracked, err := exec.UntrackedFiles(); err == nil && len(untracked) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Untracked files:\n")
		for _, f := range untracked {
			b.WriteString("  " + f + "\n")
		}
	}
	return b.String()
}
