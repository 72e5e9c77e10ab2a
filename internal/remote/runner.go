// Package remote executes shell commands on named hosts. The SSH path
// reuses the operator's ssh binary so ControlMaster multiplexing, agent
// forwarding, and per-host config all apply without reimplementation.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalHost is the pseudo-host that runs commands in-process instead of
// over SSH.
const LocalHost = "local"

// DefaultTimeout bounds a single remote invocation.
const DefaultTimeout = 15 * time.Second

// ErrTimeout marks a command killed by its deadline. Callers use it to
// distinguish an unreachable host from a failing command.
var ErrTimeout = errors.New("remote command timed out")

// Result carries one command's outcome.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports a zero exit.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Runner executes a command string on a host.
type Runner interface {
	Run(ctx context.Context, host, command string) (Result, error)
}

// SSHRunner shells out to ssh with connection multiplexing. Host
// "local" bypasses SSH entirely.
type SSHRunner struct {
	controlDir string
	timeout    time.Duration
}

// Option configures an SSHRunner.
type Option func(*SSHRunner)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *SSHRunner) { r.timeout = d }
}

// WithControlDir overrides the ControlMaster socket directory.
func WithControlDir(dir string) Option {
	return func(r *SSHRunner) { r.controlDir = dir }
}

// NewSSHRunner builds a runner. The control socket directory is created
// eagerly; failure there degrades to non-multiplexed connections.
func NewSSHRunner(opts ...Option) *SSHRunner {
	home, _ := os.UserHomeDir()
	r := &SSHRunner{
		controlDir: filepath.Join(home, ".ssh", "muxboard-cm"),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(r.controlDir, 0o700); err != nil {
		slog.Warn("control socket dir unavailable, multiplexing disabled", "dir", r.controlDir, "error", err)
		r.controlDir = ""
	}
	return r
}

func (r *SSHRunner) sshArgs(host, command string) []string {
	args := []string{
		"-o", "ConnectTimeout=5",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "BatchMode=yes",
	}
	if r.controlDir != "" {
		args = append(args,
			"-o", "ControlMaster=auto",
			"-o", "ControlPath="+filepath.Join(r.controlDir, "%r@%h:%p"),
			"-o", "ControlPersist=300",
		)
	}
	return append(args, host, command)
}

// Run executes command on host and returns its exit code and output.
// A deadline violation returns ErrTimeout; other spawn failures return
// the underlying error. Non-zero exits are not errors.
func (r *SSHRunner) Run(ctx context.Context, host, command string) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if host == LocalHost {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, "ssh", r.sshArgs(host, command)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("%w: %s on %s", ErrTimeout, firstWord(command), host)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("spawn %q on %s: %w", firstWord(command), host, err)
	}
	return res, nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

// Quote wraps s in single quotes with POSIX-safe escaping of embedded
// quotes. Every session name or user payload that reaches a command
// line goes through this.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
