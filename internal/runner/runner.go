// Package runner executes verification commands in their own process group
// so runaway children cannot outlive a canceled stage. Output streams are
// capped, timeouts escalate SIGTERM to SIGKILL, and a process that never
// spawned reports no exit code at all.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultMaxStreamBytes caps each of stdout and stderr.
	DefaultMaxStreamBytes = 1 << 20
	// DefaultKillGrace is how long a SIGTERM'd process group gets before
	// SIGKILL.
	DefaultKillGrace = 5 * time.Second

	truncationMarker = "\n[output truncated]\n"
)

// Cmd describes one command invocation.
type Cmd struct {
	Argv           []string
	Dir            string
	Env            []string // appended to the parent environment
	Timeout        time.Duration
	MaxStreamBytes int
	KillGrace      time.Duration
}

// Result is the observed outcome. ExitCode is nil when the process never
// spawned, so callers can distinguish "crashed before exec" from "exited
// nonzero".
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  *int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Run executes the command and always returns a Result describing whatever
// happened. The error is non-nil only for spawn failures and internal
// plumbing faults, never for ordinary nonzero exits or timeouts.
func Run(ctx context.Context, c Cmd) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	maxBytes := c.MaxStreamBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxStreamBytes
	}
	grace := c.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCappedBuffer(maxBytes)
	stderr := newCappedBuffer(maxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{Duration: time.Since(start)}, err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timedOut := false
	select {
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		_ = killProcessGroup(cmd, syscall.SIGTERM)
		select {
		case <-waitCh:
		case <-time.After(grace):
			_ = killProcessGroup(cmd, syscall.SIGKILL)
			select {
			case <-waitCh:
			case <-time.After(2 * time.Second):
				return Result{
					Stdout: stdout.String(), Stderr: stderr.String(),
					TimedOut: timedOut, Truncated: stdout.Truncated() || stderr.Truncated(),
					Duration: time.Since(start),
				}, errors.New("process group did not exit after SIGKILL")
			}
		}
	case <-waitCh:
	}

	code := exitCode(cmd)
	return Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  &code,
		TimedOut:  timedOut,
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}, nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// cappedBuffer accepts writes up to max bytes, then swallows the rest and
// appends a truncation marker.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return len(p), nil
	}
	room := b.max - b.buf.Len()
	if room >= len(p) {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.truncated = true
	b.buf.WriteString(truncationMarker)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
