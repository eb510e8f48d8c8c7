package iostat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"

	"github.com/btrman/btrman/pkg/config"
)

// Module wires the sample store and the scheduled collector.
var Module = fx.Module("iostat",
	fx.Provide(newStore),
	fx.Provide(NewCollector),
	fx.Invoke(registerHooks),
)

func newStore(cfg *config.Config, lc fx.Lifecycle) (*Store, error) {
	store, err := NewStore(cfg.IOStatDir)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// Collector samples /proc/diskstats on a cron schedule and persists
// the readings. The previous tick's samples are kept in memory so
// rates can be served without touching the store.
type Collector struct {
	store  *Store
	logger *slog.Logger
	cfg    *config.Config

	mu   sync.Mutex
	prev map[string]Sample

	read func() ([]Sample, error)
}

func NewCollector(store *Store, cfg *config.Config, logger *slog.Logger) *Collector {
	return &Collector{
		store:  store,
		logger: logger.With("component", "iostat"),
		cfg:    cfg,
		prev:   make(map[string]Sample),
		read:   ReadDiskstats,
	}
}

// Tick takes one sample round. Partition rows are skipped; only whole
// disk counters are persisted.
func (c *Collector) Tick() {
	samples, err := c.read()
	if err != nil {
		c.logger.Error("diskstats read failed", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sample := range samples {
		if isPartition(sample.Device) {
			continue
		}
		if err := c.store.Put(sample); err != nil {
			c.logger.Error("store sample failed", "device", sample.Device, "error", err)
			continue
		}
		c.prev[sample.Device] = sample
	}
}

// Rates returns per-device rates between the last persisted tick and a
// fresh reading taken now.
func (c *Collector) Rates() ([]Rate, error) {
	samples, err := c.read()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var rates []Rate
	for _, cur := range samples {
		if isPartition(cur.Device) {
			continue
		}
		prev, ok := c.prev[cur.Device]
		if !ok {
			continue
		}
		if rate, ok := RateBetween(prev, cur); ok {
			rates = append(rates, rate)
		}
	}
	return rates, nil
}

// History returns stored samples for one device since the given time.
func (c *Collector) History(device string, since time.Time) ([]Sample, error) {
	return c.store.Recent(device, since)
}

// isPartition filters rows like sda1 and nvme0n1p2. Loop, device mapper,
// md and mmc rows carry digits in the whole-device name, so the trailing
// digit check only applies to sd-style names.
func isPartition(name string) bool {
	if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "dm-") {
		return false
	}
	if strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "md") {
		// Partitions here are marked by a trailing pN suffix.
		idx := strings.LastIndexByte(name, 'p')
		return idx > 0 && idx < len(name)-1 && name[idx+1] >= '0' && name[idx+1] <= '9'
	}
	return len(name) > 0 && name[len(name)-1] >= '0' && name[len(name)-1] <= '9'
}

func registerHooks(lc fx.Lifecycle, c *Collector) {
	sched := cron.New()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := sched.AddFunc(c.cfg.IOStatCron, c.Tick); err != nil {
				return err
			}
			// Prime the previous-sample map so the first rate query
			// after startup has a baseline.
			c.Tick()
			sched.Start()
			c.logger.Info("iostat collector started", "schedule", c.cfg.IOStatCron)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx := sched.Stop()
			select {
			case <-stopCtx.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
}
