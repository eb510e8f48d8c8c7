package btrfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btrman/btrman/pkg/cmdexec"
	"github.com/btrman/btrman/pkg/metrics"
	"github.com/google/uuid"
)

// HistoryRecorder persists finished mutation results. The reconciler treats
// it as best-effort: a failed write is logged, never surfaced to the caller.
type HistoryRecorder interface {
	RecordMutation(res *MutationResult) error
}

// Reconciler owns the probe → validate → execute → confirm sequence and the
// per-filesystem exclusive lock that guarantees at most one structural
// mutation per filesystem at a time.
//
// The lock plus the confirmation re-probe stand in for transactional
// semantics the btrfs toolchain does not offer. This is best effort: races
// with btrfs invocations outside this process are not detectable.
type Reconciler struct {
	prober    *Prober
	validator *Validator
	executor  *Executor
	runner    cmdexec.Runner
	logger    *slog.Logger

	history HistoryRecorder  // optional
	metrics *metrics.Metrics // optional

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciler(prober *Prober, validator *Validator, executor *Executor, runner cmdexec.Runner, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		prober:    prober,
		validator: validator,
		executor:  executor,
		runner:    runner,
		logger:    logger.With("component", "reconciler"),
		locks:     map[string]*sync.Mutex{},
	}
}

// SetHistory attaches a mutation-history sink.
func (r *Reconciler) SetHistory(h HistoryRecorder) { r.history = h }

// SetMetrics attaches reconcile counters.
func (r *Reconciler) SetMetrics(m *metrics.Metrics) { r.metrics = m }

func (r *Reconciler) lockFor(fsID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[fsID]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[fsID] = l
	return l
}

// Reconcile applies one structural mutation end to end and always returns a
// structured result with enough of the pre-mutation topology for the caller
// to explain to an operator exactly what was and wasn't changed. Probe
// errors are additionally returned verbatim; every other condition is folded
// into the result's outcome and diagnostic.
func (r *Reconciler) Reconcile(ctx context.Context, req *MutationRequest) (*MutationResult, error) {
	res := &MutationResult{
		ID:        uuid.New().String(),
		Request:   req,
		StartedAt: time.Now(),
	}
	defer func() {
		res.FinishedAt = time.Now()
		r.record(res)
	}()

	logger := r.logger.With("mutation_id", res.ID, "fs", req.FilesystemID, "op", req.Op)

	lock := r.lockFor(req.FilesystemID)
	if !lock.TryLock() {
		// Never queued: a concurrent mutation owns the filesystem. The
		// advisory probe below runs without the lock and may observe a
		// mid-mutation transient.
		res.Outcome = OutcomeBusy
		res.Diagnostic = ErrBusy.Error()
		if pre, err := r.prober.Probe(ctx, req.FilesystemID); err == nil {
			res.Pre = pre
		}
		logger.Info("mutation rejected, filesystem busy")
		return res, nil
	}
	defer lock.Unlock()

	pre, err := r.prober.Probe(ctx, req.FilesystemID)
	if err == nil {
		err = requireValidatorFields(pre, req.Op)
	}
	if err != nil {
		res.Outcome = OutcomeProbeError
		res.Diagnostic = fmt.Sprintf("cannot read current state, nothing was changed: %v", err)
		logger.Error("probe failed", "error", err)
		return res, err
	}
	res.Pre = pre

	if req.Op == OpAddDevice && req.DeviceSizeBytes == 0 {
		if size, err := r.deviceSize(ctx, req.DevicePath); err == nil {
			req.DeviceSizeBytes = size
		} else {
			logger.Warn("device size lookup failed", "device", req.DevicePath, "error", err)
		}
	}

	if verdict := r.validator.Validate(pre, req); !verdict.Approved {
		res.Outcome = OutcomeRejected
		res.Diagnostic = verdict.Reason
		logger.Info("mutation rejected", "reason", verdict.Reason)
		return res, nil
	}

	steps, execErr := r.executor.Execute(ctx, pre, req)
	res.Steps = steps

	if execErr != nil {
		r.finishFailed(ctx, res, execErr, logger)
		return res, nil
	}

	// Confirmation re-probe: compare reality against intent. A lagging
	// toolchain downgrades success to Applied-with-warning, never to a
	// silent pass.
	post, err := r.prober.Probe(ctx, req.FilesystemID)
	if err != nil {
		res.Outcome = OutcomeApplied
		res.ConsistencyWarning = fmt.Sprintf("mutation applied but confirmation probe failed: %v; re-probe before trusting displayed state", err)
		res.Diagnostic = "all steps completed"
		logger.Warn("confirmation probe failed", "error", err)
		return res, nil
	}

	res.Outcome = OutcomeApplied
	res.Post = post
	res.Diagnostic = "all steps completed"
	if ok, detail := intentSatisfied(req, post); !ok {
		res.ConsistencyWarning = fmt.Sprintf("post-mutation state does not reflect the change yet: %s; toolchain state may lag intent", detail)
		logger.Warn("post-state lags intent", "detail", detail)
	} else {
		logger.Info("mutation applied")
	}
	return res, nil
}

// finishFailed classifies an execution error into Failed, Timeout or
// Abandoned and attaches a best-effort post probe for the operator.
func (r *Reconciler) finishFailed(ctx context.Context, res *MutationResult, execErr error, logger *slog.Logger) {
	req := res.Request

	var timeoutErr *TimeoutError
	switch {
	case errors.As(execErr, &timeoutErr):
		res.Outcome = OutcomeTimeout
		res.Diagnostic = fmt.Sprintf("%v; the filesystem may still be working on it", execErr)
	case errors.Is(execErr, context.Canceled), errors.Is(execErr, context.DeadlineExceeded):
		res.Outcome = OutcomeAbandoned
		res.Diagnostic = "caller abandoned the wait; the issued command was not aborted and may still be running; re-probe required"
	default:
		res.Outcome = OutcomeFailed
		res.Diagnostic = fmt.Sprintf("mutation failed: %v; no rollback was attempted, re-probe and decide manually", execErr)
	}
	logger.Error("mutation did not complete", "outcome", res.Outcome, "error", execErr)

	// The probe context must outlive the caller's cancellation for the
	// Abandoned case.
	post, err := r.prober.Probe(context.WithoutCancel(ctx), req.FilesystemID)
	if err != nil {
		return
	}
	if req.Op == OpRemoveDevice {
		// A device still present after an unfinished remove is mid
		// relocation, not a member in good standing.
		if slot := post.Device(req.DevicePath); slot != nil && slot.Role == RoleActive {
			post = post.clone()
			post.Device(req.DevicePath).Role = RolePendingRemoval
		}
	}
	res.Post = post
}

// intentSatisfied checks a post-mutation topology against what the request
// asked for.
func intentSatisfied(req *MutationRequest, post *Topology) (bool, string) {
	switch req.Op {
	case OpAddDevice:
		if post.Device(req.DevicePath) == nil {
			return false, fmt.Sprintf("device %s is not yet listed as a member", req.DevicePath)
		}
	case OpRemoveDevice:
		if post.Device(req.DevicePath) != nil {
			return false, fmt.Sprintf("device %s is still listed as a member", req.DevicePath)
		}
	case OpChangeRaidProfile:
		for _, class := range req.Classes {
			if got := post.Profile(class); got != req.TargetProfile {
				return false, fmt.Sprintf("%s chunks still report profile %q", class, got)
			}
		}
	case OpMarkDegraded:
		if !post.Mounted || !hasMountOption(post.MountOptions, "degraded") {
			return false, "filesystem is not mounted with the degraded option"
		}
	}
	return true, ""
}

// requireValidatorFields enforces the probe contract: fields the validator
// will decide on must be present, their absence is a ProbeError rather than
// a guessed validation.
func requireValidatorFields(topo *Topology, op Operation) error {
	if len(topo.Devices) == 0 {
		return &ProbeError{FilesystemID: topo.UUID, Reason: "probe returned no device slots"}
	}
	if (op == OpRemoveDevice || op == OpChangeRaidProfile) && topo.Mounted {
		for _, class := range ChunkClasses {
			if topo.Profile(class) == ProfileUnknown {
				return &ProbeError{
					FilesystemID: topo.UUID,
					Reason:       fmt.Sprintf("%s chunk profile missing from toolchain output", class),
				}
			}
		}
	}
	return nil
}

// deviceSize reads the raw size of a block device for the validator's
// minimum-size rule.
func (r *Reconciler) deviceSize(ctx context.Context, path string) (int64, error) {
	res, err := r.runner.Run(ctx, "lsblk", "-bdno", "SIZE", path)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse lsblk size output: %w", err)
	}
	return size, nil
}

func (r *Reconciler) record(res *MutationResult) {
	if r.metrics != nil {
		r.metrics.ObserveMutation(string(res.Request.Op), string(res.Outcome), res.FinishedAt.Sub(res.StartedAt))
	}
	if r.history == nil {
		return
	}
	if err := r.history.RecordMutation(res); err != nil {
		r.logger.Warn("failed to record mutation history", "error", err, "mutation_id", res.ID)
	}
}
