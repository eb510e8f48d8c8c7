package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
)

// Result holds the captured outcome of one external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner is the privileged command-execution capability. Everything that
// talks to btrfs-progs, snapper, mount and friends goes through here so
// tests can substitute a fake.
type Runner interface {
	// Run executes a command and waits for it. A non-zero exit status is
	// returned as an *ExitError wrapping the Result, not swallowed.
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// Start launches a command detached from this process (own session,
	// no inherited stdio) and does not wait for it. Used for kernel
	// operations that must survive a daemon restart. The returned Proc
	// reports when and how the command eventually exited.
	Start(name string, args ...string) (*Proc, error)
}

// Proc is a handle to a detached command.
type Proc struct {
	Pid  int
	done chan struct{}
	err  error
}

// Done is closed once the command has exited.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Err returns the exit error, valid only after Done is closed.
func (p *Proc) Err() error { return p.err }

// DoneProc returns an already-exited Proc with the given error. Test fakes
// use it to model a detached command's outcome.
func DoneProc(err error) *Proc {
	p := &Proc{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// PendingProc returns a Proc that never completes on its own; Finish resolves
// it. Test fakes use it to model a long-running detached command.
func PendingProc() *Proc {
	return &Proc{done: make(chan struct{})}
}

// Finish resolves a pending Proc.
func (p *Proc) Finish(err error) {
	p.err = err
	close(p.done)
}

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Name   string
	Args   []string
	Result *Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return fmt.Sprintf("%s %s: exit %d: %s", e.Name, strings.Join(e.Args, " "), e.Result.ExitCode, msg)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger.With("component", "cmdexec")}
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command", "cmd", name, "args", args)

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Name: name, Args: args, Result: res}
	default:
		return nil, fmt.Errorf("exec %s: %w", name, err)
	}
}

func (r *ExecRunner) Start(name string, args ...string) (*Proc, error) {
	cmd := exec.Command(name, args...)

	// New session so the child is independent of this process. Stdio is
	// dropped, the kernel reports progress through its own channels.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	r.logger.Info("detached command started", "cmd", name, "args", args, "pid", cmd.Process.Pid)

	p := &Proc{Pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}
