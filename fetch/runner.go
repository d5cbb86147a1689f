package fetch

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/teranos/reel/errors"
)

// Runner executes the external retrieval tool and captures its output.
// A non-nil error means the process could not start or exited non-zero;
// stdout and stderr are returned either way.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr string, err error)
}

// ExecRunner runs the tool as a child process.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed; the tool spawns ffmpeg children that may hold them open.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ExitCode returns the process exit code carried by err, or -1 when err is
// not an exit status (start failure, context cancellation before start).
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
