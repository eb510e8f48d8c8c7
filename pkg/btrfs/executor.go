package btrfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btrman/btrman/pkg/cmdexec"
	"github.com/btrman/btrman/pkg/config"
	"github.com/cenkalti/backoff/v4"
)

// Executor turns an approved mutation into the exact sequence of privileged
// toolchain invocations and drives each long-running step to completion.
//
// Partial failure is fail-stop: the executor reports the step it reached and
// never rolls back, because unwinding an in-progress relocation is itself
// unsafe. Caller cancellation stops the waiting, never the issued command.
type Executor struct {
	runner    cmdexec.Runner
	logger    *slog.Logger
	policy    config.Policy
	mountBase string
}

func NewExecutor(runner cmdexec.Runner, logger *slog.Logger, cfg *config.Config) *Executor {
	return &Executor{
		runner:    runner,
		logger:    logger.With("component", "executor"),
		policy:    cfg.Policy,
		mountBase: cfg.MountBase,
	}
}

// Execute applies an already-validated mutation to the filesystem described
// by topo. It returns every step it issued, completed or not.
func (e *Executor) Execute(ctx context.Context, topo *Topology, req *MutationRequest) ([]Step, error) {
	switch req.Op {
	case OpAddDevice:
		return e.addDevice(ctx, topo, req)
	case OpRemoveDevice:
		return e.removeDevice(ctx, topo, req)
	case OpChangeRaidProfile:
		return e.changeProfile(ctx, topo, req)
	case OpMarkDegraded:
		return e.markDegraded(ctx, topo)
	}
	return nil, &ExecutionError{Stage: "dispatch", Err: fmt.Errorf("unknown operation %q", req.Op)}
}

func (e *Executor) addDevice(ctx context.Context, topo *Topology, req *MutationRequest) ([]Step, error) {
	var steps []Step
	err := e.runStep(ctx, &steps, "device-add",
		"btrfs", "device", "add", "-f", req.DevicePath, topo.MountPoint)
	return steps, err
}

func (e *Executor) removeDevice(ctx context.Context, topo *Topology, req *MutationRequest) ([]Step, error) {
	var steps []Step

	// Remove relocates every chunk off the device before dropping it, so
	// it can run for hours. Start it detached and poll membership.
	target := req.DevicePath
	if slot := topo.Device(req.DevicePath); slot != nil && slot.Role == RoleMissing {
		target = "missing"
	}

	cmdline := fmt.Sprintf("btrfs device remove %s %s", target, topo.MountPoint)
	start := time.Now()
	proc, err := e.runner.Start("btrfs", "device", "remove", target, topo.MountPoint)
	if err != nil {
		steps = append(steps, Step{Stage: "device-remove-start", Command: cmdline, StartedAt: start, FinishedAt: time.Now()})
		return steps, &ExecutionError{Stage: "device-remove-start", Err: err}
	}
	steps = append(steps, Step{Stage: "device-remove-start", Command: cmdline, StartedAt: start, FinishedAt: time.Now(), Completed: true})

	err = e.waitStep(ctx, &steps, "device-remove-wait", proc, func(ctx context.Context) (bool, error) {
		gone, err := e.deviceGone(ctx, topo.UUID, req.DevicePath)
		return gone, err
	})
	return steps, err
}

func (e *Executor) changeProfile(ctx context.Context, topo *Topology, req *MutationRequest) ([]Step, error) {
	var steps []Step

	// One conversion per chunk class, strictly sequential: concurrent
	// balances on the same filesystem corrupt allocation state.
	for _, class := range req.Classes {
		stage := "convert-" + string(class)

		args := []string{"balance", "start", "--bg", class.convertFlag(req.TargetProfile)}
		if class == ClassSystem {
			// btrfs requires an explicit force to touch system chunks.
			args = append(args, "-f")
		}
		args = append(args, topo.MountPoint)

		if err := e.runStep(ctx, &steps, stage, "btrfs", args...); err != nil {
			return steps, err
		}

		if err := e.waitStep(ctx, &steps, stage+"-wait", nil, e.balanceIdle(topo.MountPoint)); err != nil {
			return steps, err
		}
	}
	return steps, nil
}

func (e *Executor) markDegraded(ctx context.Context, topo *Topology) ([]Step, error) {
	var steps []Step

	if topo.Mounted {
		err := e.runStep(ctx, &steps, "remount-degraded",
			"mount", "-o", "remount,degraded", topo.MountPoint)
		return steps, err
	}

	var device string
	for _, d := range topo.Devices {
		if d.Active() && d.Path != "" {
			device = d.Path
			break
		}
	}
	if device == "" {
		return steps, &ExecutionError{Stage: "mount-degraded", Err: errors.New("no present device to mount from")}
	}

	target := filepath.Join(e.mountBase, "btrfs_"+shortUUID(topo.UUID))
	if err := os.MkdirAll(target, 0755); err != nil {
		return steps, &ExecutionError{Stage: "mount-degraded", Err: err}
	}

	err := e.runStep(ctx, &steps, "mount-degraded",
		"mount", "-o", "degraded", device, target)
	return steps, err
}

// runStep issues one short synchronous command. The command itself is shielded
// from caller cancellation; only waits are cancellable.
func (e *Executor) runStep(ctx context.Context, steps *[]Step, stage, name string, args ...string) error {
	step := Step{
		Stage:     stage,
		Command:   name + " " + strings.Join(args, " "),
		StartedAt: time.Now(),
	}
	_, err := e.runner.Run(context.WithoutCancel(ctx), name, args...)
	step.FinishedAt = time.Now()
	step.Completed = err == nil
	*steps = append(*steps, step)

	if err != nil {
		e.logger.Error("mutation step failed", "stage", stage, "error", err)
		return &ExecutionError{Stage: stage, Err: err}
	}
	e.logger.Info("mutation step completed", "stage", stage, "command", step.Command)
	return nil
}

// waitStep polls a completion condition with capped exponential backoff until
// it reports done, the optional detached process exits, the caller cancels,
// or the mutation timeout elapses.
func (e *Executor) waitStep(ctx context.Context, steps *[]Step, stage string, proc *cmdexec.Proc, done func(context.Context) (bool, error)) error {
	step := Step{Stage: stage, Command: "(poll)", StartedAt: time.Now()}
	finish := func(completed bool) {
		step.FinishedAt = time.Now()
		step.Completed = completed
		*steps = append(*steps, step)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.PollInterval
	bo.MaxInterval = e.policy.PollMaxInterval
	bo.MaxElapsedTime = 0 // the deadline below owns the timeout
	bo.Reset()

	deadline := time.Now().Add(e.policy.MutationTimeout)

	for {
		if proc != nil {
			select {
			case <-proc.Done():
				if err := proc.Err(); err != nil {
					finish(false)
					return &ExecutionError{Stage: stage, Err: err}
				}
				finish(true)
				return nil
			default:
			}
		}

		ok, err := done(context.WithoutCancel(ctx))
		if err != nil {
			finish(false)
			return &ExecutionError{Stage: stage, Err: err}
		}
		if ok {
			finish(true)
			return nil
		}

		if time.Now().After(deadline) {
			finish(false)
			return &TimeoutError{Stage: stage, Elapsed: e.policy.MutationTimeout}
		}

		select {
		case <-ctx.Done():
			// The kernel operation keeps running; only our wait ends.
			finish(false)
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// deviceGone re-reads membership and reports whether the device has left the
// filesystem.
func (e *Executor) deviceGone(ctx context.Context, uuid, devicePath string) (bool, error) {
	res, err := e.runner.Run(ctx, "btrfs", "filesystem", "show", "--raw", uuid)
	if err != nil {
		return false, fmt.Errorf("re-read membership: %w", err)
	}
	topos, err := parseFilesystemShow(res.Stdout)
	if err != nil || len(topos) == 0 {
		return false, fmt.Errorf("re-read membership: unparseable output")
	}
	return topos[0].Device(devicePath) == nil, nil
}

// balanceIdle reports whether no balance is running on the mount point.
// btrfs-progs exits non-zero while a balance is in flight, so that case is
// read from the captured output instead of treated as a failure.
func (e *Executor) balanceIdle(mountPoint string) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		res, err := e.runner.Run(ctx, "btrfs", "balance", "status", mountPoint)
		if err != nil {
			var xerr *cmdexec.ExitError
			if errors.As(err, &xerr) && xerr.Result.ExitCode == 1 {
				res = xerr.Result
			} else {
				return false, fmt.Errorf("balance status: %w", err)
			}
		}

		out := res.Stdout + res.Stderr
		switch {
		case strings.Contains(out, "No balance found"):
			return true, nil
		case strings.Contains(out, "running"), strings.Contains(out, "paused"):
			return false, nil
		}
		return false, fmt.Errorf("balance status: unrecognized output %q", strings.TrimSpace(out))
	}
}

func shortUUID(uuid string) string {
	if len(uuid) >= 8 {
		return uuid[:8]
	}
	return uuid
}
