package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/btrman/btrman/pkg/api"
	"github.com/btrman/btrman/pkg/btrfs"
	"github.com/btrman/btrman/pkg/cmdexec"
	"github.com/btrman/btrman/pkg/config"
	"github.com/btrman/btrman/pkg/db"
	"github.com/btrman/btrman/pkg/iostat"
	"github.com/btrman/btrman/pkg/metrics"
	"github.com/btrman/btrman/pkg/snapper"
)

// CLI is the root command structure
type CLI struct {
	// Global flags
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`

	// Subcommands
	Serve    ServeCmd    `cmd:"" help:"Run the management server"`
	Fs       FsCmd       `cmd:"" help:"Filesystem operations"`
	Device   DeviceCmd   `cmd:"" help:"Device membership operations"`
	Raid     RaidCmd     `cmd:"" help:"RAID profile operations"`
	Snapshot SnapshotCmd `cmd:"" help:"Snapper snapshot operations"`
	History  HistoryCmd  `cmd:"" help:"Show mutation history"`
}

// ServeCmd runs the HTTP server with the iostat collector
type ServeCmd struct {
	Address string `short:"a" default:":8787" help:"API server address"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	app := fx.New(
		fx.Provide(
			func() *config.Config {
				cfg := config.New()
				cfg.APIAddress = c.Address
				cfg.LogLevel = cli.LogLevel
				return cfg
			},
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		db.Module,
		btrfs.Module,
		iostat.Module,
		api.Module,
		fx.Invoke(func(m *btrfs.Manager, database *db.DB, mx *metrics.Metrics) {
			m.AttachHistory(database)
			m.AttachMetrics(mx)
		}),
	)

	app.Run()
	return nil
}

// FsCmd contains filesystem subcommands
type FsCmd struct {
	List FsListCmd `cmd:"" help:"List btrfs filesystems"`
	Show FsShowCmd `cmd:"" help:"Show filesystem topology"`
}

type FsListCmd struct{}

func (c *FsListCmd) Run(cli *CLI) error {
	mgr := newManager(cli)
	filesystems, err := mgr.Filesystems(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list filesystems: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"UUID", "Label", "Devices", "Size", "Used", "Mounted", "Degraded"})

	for _, topo := range filesystems {
		mounted := ""
		if topo.Mounted {
			mounted = topo.MountPoint
		}
		degraded := ""
		if topo.Degraded {
			degraded = "yes"
		}
		t.AppendRow(table.Row{
			topo.UUID,
			topo.Label,
			len(topo.Devices),
			humanize.IBytes(uint64(topo.TotalBytes)),
			humanize.IBytes(uint64(topo.UsedBytes)),
			mounted,
			degraded,
		})
	}
	t.Render()
	return nil
}

type FsShowCmd struct {
	Filesystem string `arg:"" help:"Filesystem UUID or mount path"`
}

func (c *FsShowCmd) Run(cli *CLI) error {
	mgr := newManager(cli)
	topo, err := mgr.Probe(context.Background(), c.Filesystem)
	if err != nil {
		return fmt.Errorf("failed to probe filesystem: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{"UUID", topo.UUID})
	if topo.Label != "" {
		t.AppendRow(table.Row{"Label", topo.Label})
	}
	t.AppendRow(table.Row{"Mounted", topo.Mounted})
	if topo.Mounted {
		t.AppendRow(table.Row{"Mount Point", topo.MountPoint})
	}
	t.AppendRow(table.Row{"Degraded", topo.Degraded})
	t.AppendRow(table.Row{"Size", humanize.IBytes(uint64(topo.TotalBytes))})
	t.AppendRow(table.Row{"Used", humanize.IBytes(uint64(topo.UsedBytes))})
	t.AppendRow(table.Row{"Free", humanize.IBytes(uint64(topo.FreeBytes))})
	for _, row := range profileRows(topo) {
		t.AppendRow(row)
	}
	t.Render()

	dt := table.NewWriter()
	dt.SetOutputMirror(os.Stdout)
	dt.SetStyle(table.StyleRounded)
	dt.AppendHeader(table.Row{"DevID", "Path", "Size", "Used", "Role"})
	for _, dev := range topo.Devices {
		dt.AppendRow(table.Row{
			dev.DevID,
			dev.Path,
			humanize.IBytes(uint64(dev.SizeBytes)),
			humanize.IBytes(uint64(dev.UsedBytes)),
			dev.Role,
		})
	}
	dt.Render()
	return nil
}

// profileRows renders per-class profile rows in the fixed chunk class
// order so output is stable across runs.
func profileRows(topo *btrfs.Topology) []table.Row {
	var rows []table.Row
	for _, class := range btrfs.ChunkClasses {
		if profile, ok := topo.Profiles[class]; ok {
			rows = append(rows, table.Row{fmt.Sprintf("Profile (%s)", class), profile})
		}
	}
	return rows
}

// DeviceCmd contains device membership subcommands
type DeviceCmd struct {
	Add      DeviceAddCmd      `cmd:"" help:"Add a device to a filesystem"`
	Remove   DeviceRemoveCmd   `cmd:"" help:"Remove a device from a filesystem"`
	Degraded DeviceDegradedCmd `cmd:"" help:"Mount or remount a filesystem degraded"`
}

type DeviceAddCmd struct {
	Filesystem string `arg:"" help:"Filesystem UUID or mount path"`
	Device     string `arg:"" help:"Block device path to add"`
}

func (c *DeviceAddCmd) Run(cli *CLI) error {
	return runMutation(cli, &btrfs.MutationRequest{
		FilesystemID: c.Filesystem,
		Op:           btrfs.OpAddDevice,
		DevicePath:   c.Device,
	})
}

type DeviceRemoveCmd struct {
	Filesystem string `arg:"" help:"Filesystem UUID or mount path"`
	Device     string `arg:"" help:"Block device path to remove"`
}

func (c *DeviceRemoveCmd) Run(cli *CLI) error {
	return runMutation(cli, &btrfs.MutationRequest{
		FilesystemID: c.Filesystem,
		Op:           btrfs.OpRemoveDevice,
		DevicePath:   c.Device,
	})
}

type DeviceDegradedCmd struct {
	Filesystem string `arg:"" help:"Filesystem UUID or mount path"`
}

func (c *DeviceDegradedCmd) Run(cli *CLI) error {
	return runMutation(cli, &btrfs.MutationRequest{
		FilesystemID: c.Filesystem,
		Op:           btrfs.OpMarkDegraded,
	})
}

// RaidCmd contains RAID profile subcommands
type RaidCmd struct {
	Convert RaidConvertCmd `cmd:"" help:"Convert RAID profile"`
}

type RaidConvertCmd struct {
	Filesystem string   `arg:"" help:"Filesystem UUID or mount path"`
	Target     string   `arg:"" help:"Target profile (single, dup, raid0, raid1, raid1c3, raid1c4, raid10, raid5, raid6)"`
	Classes    []string `short:"c" default:"data,metadata" help:"Chunk classes to convert"`
}

func (c *RaidConvertCmd) Run(cli *CLI) error {
	profile := btrfs.ParseProfile(c.Target)
	if profile == btrfs.ProfileUnknown {
		return fmt.Errorf("unknown RAID profile %q", c.Target)
	}
	classes := make([]btrfs.ChunkClass, 0, len(c.Classes))
	for _, raw := range c.Classes {
		class, err := btrfs.ParseChunkClass(raw)
		if err != nil {
			return err
		}
		classes = append(classes, class)
	}
	return runMutation(cli, &btrfs.MutationRequest{
		FilesystemID:  c.Filesystem,
		Op:            btrfs.OpChangeRaidProfile,
		TargetProfile: profile,
		Classes:       classes,
	})
}

// SnapshotCmd contains snapper subcommands
type SnapshotCmd struct {
	List    SnapshotListCmd    `cmd:"" help:"List snapshots"`
	Configs SnapshotConfigsCmd `cmd:"" help:"List snapper configs"`
	Create  SnapshotCreateCmd  `cmd:"" help:"Create a snapshot"`
	Delete  SnapshotDeleteCmd  `cmd:"" help:"Delete a snapshot"`
}

type SnapshotListCmd struct {
	Config string `short:"c" help:"Snapper config (all configs when empty)"`
}

func (c *SnapshotListCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	mgr := snapper.New(cmdexec.NewExecRunner(logger), logger)

	var (
		snapshots []*snapper.Snapshot
		err       error
	)
	if c.Config == "" {
		snapshots, err = mgr.ListAll(context.Background())
	} else {
		snapshots, err = mgr.List(context.Background(), c.Config)
	}
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Config", "ID", "Type", "Date", "Cleanup", "Description"})
	for _, s := range snapshots {
		date := ""
		if !s.Date.IsZero() {
			date = s.Date.Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{s.Config, s.ID, s.Type, date, s.Cleanup, s.Description})
	}
	t.Render()
	return nil
}

type SnapshotConfigsCmd struct{}

func (c *SnapshotConfigsCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	mgr := snapper.New(cmdexec.NewExecRunner(logger), logger)
	configs, err := mgr.ListConfigs(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list configs: %w", err)
	}
	for _, cfg := range configs {
		fmt.Println(cfg)
	}
	return nil
}

type SnapshotCreateCmd struct {
	Config      string `arg:"" help:"Snapper config"`
	Description string `short:"d" help:"Snapshot description"`
}

func (c *SnapshotCreateCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	mgr := snapper.New(cmdexec.NewExecRunner(logger), logger)
	id, err := mgr.Create(context.Background(), c.Config, c.Description)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	fmt.Printf("created snapshot %d in config %s\n", id, c.Config)
	return nil
}

type SnapshotDeleteCmd struct {
	Config string `arg:"" help:"Snapper config"`
	ID     int    `arg:"" help:"Snapshot number"`
}

func (c *SnapshotDeleteCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	mgr := snapper.New(cmdexec.NewExecRunner(logger), logger)
	if err := mgr.Delete(context.Background(), c.Config, c.ID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// HistoryCmd prints recorded mutations
type HistoryCmd struct {
	Filesystem string `short:"f" help:"Filter by filesystem UUID"`
	Limit      int    `short:"n" default:"50" help:"Maximum rows"`
}

func (c *HistoryCmd) Run(cli *CLI) error {
	cfg := config.New()
	logger := makeLogger(cli.LogLevel)

	database, err := db.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	records, err := database.History(c.Filesystem, c.Limit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Started", "Filesystem", "Operation", "Detail", "Outcome"})
	for _, rec := range records {
		detail := rec.DevicePath.String
		if rec.TargetProfile.Valid {
			detail = rec.TargetProfile.String
			if rec.ChunkClasses.Valid {
				detail += " (" + rec.ChunkClasses.String + ")"
			}
		}
		outcome := rec.Outcome
		if rec.ConsistencyWarning {
			outcome += " (warn)"
		}
		t.AppendRow(table.Row{
			rec.StartedAt.Format("2006-01-02 15:04:05"),
			rec.FilesystemUUID,
			rec.Operation,
			detail,
			outcome,
		})
	}
	t.Render()
	return nil
}

// newManager builds a one-shot unwired manager for CLI commands that do
// not need the server, history, or metrics.
func newManager(cli *CLI) *btrfs.Manager {
	cfg := config.New()
	logger := makeLogger(cli.LogLevel)
	return btrfs.NewManager(logger, cfg, cmdexec.NewExecRunner(logger))
}

// runMutation runs one reconcile pass from the CLI, records it in the
// local database, and reports the outcome.
func runMutation(cli *CLI, req *btrfs.MutationRequest) error {
	cfg := config.New()
	logger := makeLogger(cli.LogLevel)
	mgr := btrfs.NewManager(logger, cfg, cmdexec.NewExecRunner(logger))

	if database, err := db.Open(cfg.DBPath, logger); err == nil {
		defer database.Close()
		mgr.AttachHistory(database)
	} else {
		logger.Warn("history disabled", "error", err)
	}

	res, err := mgr.Reconcile(context.Background(), req)
	if res == nil {
		return err
	}

	fmt.Printf("mutation %s: %s\n", res.ID, res.Outcome)
	if res.Diagnostic != "" {
		fmt.Printf("  %s\n", res.Diagnostic)
	}
	if res.ConsistencyWarning != "" {
		fmt.Printf("  warning: %s\n", res.ConsistencyWarning)
	}
	for _, step := range res.Steps {
		fmt.Printf("  step %s: %s\n", step.Stage, step.Command)
	}

	if res.Outcome != btrfs.OutcomeApplied {
		return fmt.Errorf("mutation %s", res.Outcome)
	}
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("btrman"),
		kong.Description("BTRFS state management daemon"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return makeLogger(cfg.LogLevel)
}

func makeLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
