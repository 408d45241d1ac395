package reviewer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Driver runs the external reviewer and returns its raw verdict text.
type Driver interface {
	Run(ctx context.Context, prompt, model string) (string, error)
}

// Compile-time check that CLIDriver implements Driver.
var _ Driver = (*CLIDriver)(nil)

// CLIDriver shells out to a claude-style assistant CLI in print mode, with
// the prompt on stdin. The context deadline bounds the subprocess.
type CLIDriver struct {
	path string
}

// NewCLIDriver creates a driver for the given CLI binary. An empty path
// falls back to "claude" on PATH.
func NewCLIDriver(path string) *CLIDriver {
	if path == "" {
		path = "claude"
	}
	return &CLIDriver{path: path}
}

func (d *CLIDriver) Run(ctx context.Context, prompt, model string) (string, error) {
	args := []string{
		"--print",                        // print the response instead of opening an interactive session
		"--dangerously-skip-permissions", // reviews run headless, nobody can answer prompts
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("reviewer CLI: %s: %w", msg, err)
		}
		return "", fmt.Errorf("reviewer CLI: %w", err)
	}
	return stdout.String(), nil
}
