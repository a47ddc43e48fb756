package merge

import (
	"bytes"
	"context"
	"os/exec"
)

// ExecGitRunner runs real git commands via os/exec.
type ExecGitRunner struct{}

// Run executes git with the given args in dir, capturing stdout and stderr
// separately. Conflict details arrive on stderr, so both streams matter.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
