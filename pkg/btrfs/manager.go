package btrfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/btrman/btrman/pkg/cmdexec"
	"github.com/btrman/btrman/pkg/config"
	"github.com/btrman/btrman/pkg/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("btrfs",
	fx.Provide(
		func(logger *slog.Logger) cmdexec.Runner { return cmdexec.NewExecRunner(logger) },
		NewManager,
	),
)

// Manager bundles the probe/validate/execute/reconcile pipeline with the
// handful of non-structural filesystem operations (mount, unmount, mkfs)
// the web layer needs.
type Manager struct {
	logger     *slog.Logger
	runner     cmdexec.Runner
	cfg        *config.Config
	prober     *Prober
	reconciler *Reconciler
	metrics    *metrics.Metrics
}

func NewManager(logger *slog.Logger, cfg *config.Config, runner cmdexec.Runner) *Manager {
	log := logger.With("component", "btrfs")
	prober := NewProber(runner, log)
	validator := NewValidator(cfg.Policy)
	executor := NewExecutor(runner, log, cfg)
	reconciler := NewReconciler(prober, validator, executor, runner, log)

	return &Manager{
		logger:     log,
		runner:     runner,
		cfg:        cfg,
		prober:     prober,
		reconciler: reconciler,
	}
}

// AttachHistory wires the mutation-history sink once the database is up.
func (m *Manager) AttachHistory(h HistoryRecorder) {
	m.reconciler.SetHistory(h)
}

// AttachMetrics wires the prometheus collectors.
func (m *Manager) AttachMetrics(mx *metrics.Metrics) {
	m.metrics = mx
	m.reconciler.SetMetrics(mx)
}

// Probe reads one filesystem's topology without taking the mutation lock.
// Data read this way is advisory while a mutation is in flight.
func (m *Manager) Probe(ctx context.Context, fsID string) (*Topology, error) {
	start := time.Now()
	topo, err := m.prober.Probe(ctx, fsID)
	if m.metrics != nil {
		m.metrics.ObserveProbe(err, time.Since(start))
	}
	return topo, err
}

// Filesystems lists every visible btrfs filesystem.
func (m *Manager) Filesystems(ctx context.Context) ([]*Topology, error) {
	start := time.Now()
	topos, err := m.prober.List(ctx)
	if m.metrics != nil {
		m.metrics.ObserveProbe(err, time.Since(start))
	}
	return topos, err
}

// Reconcile applies one structural mutation under the per-filesystem lock.
func (m *Manager) Reconcile(ctx context.Context, req *MutationRequest) (*MutationResult, error) {
	return m.reconciler.Reconcile(ctx, req)
}

// Mount mounts a filesystem by UUID under the configured mount base and
// returns the mount point.
func (m *Manager) Mount(ctx context.Context, fsUUID string) (string, error) {
	topo, err := m.Probe(ctx, fsUUID)
	if err != nil {
		return "", err
	}
	if topo.Mounted {
		return topo.MountPoint, nil
	}

	var device string
	for _, d := range topo.Devices {
		if d.Active() && d.Path != "" {
			device = d.Path
			break
		}
	}
	if device == "" {
		return "", fmt.Errorf("filesystem %s has no present device to mount", fsUUID)
	}

	target := filepath.Join(m.cfg.MountBase, "btrfs_"+shortUUID(topo.UUID))
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("create mount point: %w", err)
	}
	if _, err := m.runner.Run(ctx, "mount", device, target); err != nil {
		return "", fmt.Errorf("mount %s: %w", device, err)
	}

	m.logger.Info("filesystem mounted", "uuid", topo.UUID, "device", device, "target", target)
	return target, nil
}

// Unmount unmounts a filesystem by UUID.
func (m *Manager) Unmount(ctx context.Context, fsUUID string) error {
	topo, err := m.Probe(ctx, fsUUID)
	if err != nil {
		return err
	}
	if !topo.Mounted {
		return fmt.Errorf("filesystem %s is not mounted", fsUUID)
	}
	if _, err := m.runner.Run(ctx, "umount", topo.MountPoint); err != nil {
		return fmt.Errorf("umount %s: %w", topo.MountPoint, err)
	}
	m.logger.Info("filesystem unmounted", "uuid", topo.UUID, "mount_point", topo.MountPoint)
	return nil
}

// CreateFilesystem formats a device as a new btrfs filesystem.
func (m *Manager) CreateFilesystem(ctx context.Context, device, label string) error {
	args := []string{}
	if label != "" {
		args = append(args, "-L", label)
	}
	args = append(args, device)
	if _, err := m.runner.Run(ctx, "mkfs.btrfs", args...); err != nil {
		return fmt.Errorf("mkfs.btrfs %s: %w", device, err)
	}
	m.logger.Info("filesystem created", "device", device, "label", label)
	return nil
}
