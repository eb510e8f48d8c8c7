package btrfs

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/btrman/btrman/pkg/cmdexec"
	"github.com/moby/sys/mountinfo"
)

// Prober reads the current on-disk topology of btrfs filesystems by running
// the btrfs toolchain and parsing its output. It is read-only and holds no
// state between calls; callers that need mutation-safe data must hold the
// reconciler lock while probing.
type Prober struct {
	runner cmdexec.Runner
	logger *slog.Logger

	// mounts is swappable for tests; defaults to /proc/self/mountinfo.
	mounts func() ([]*mountinfo.Info, error)
}

func NewProber(runner cmdexec.Runner, logger *slog.Logger) *Prober {
	return &Prober{
		runner: runner,
		logger: logger.With("component", "probe"),
		mounts: func() ([]*mountinfo.Info, error) {
			return mountinfo.GetMounts(mountinfo.FSTypeFilter("btrfs"))
		},
	}
}

// Probe reads the topology of one filesystem, identified by UUID, label or
// any member device / mount path. Optional fields the toolchain omits stay
// zero; output that cannot be parsed at all is a ProbeError, never a guess.
func (p *Prober) Probe(ctx context.Context, fsID string) (*Topology, error) {
	res, err := p.runner.Run(ctx, "btrfs", "filesystem", "show", "--raw", fsID)
	if err != nil {
		return nil, &ProbeError{FilesystemID: fsID, Reason: "btrfs filesystem show failed", Err: err}
	}

	topos, err := parseFilesystemShow(res.Stdout)
	if err != nil {
		return nil, &ProbeError{FilesystemID: fsID, Reason: "unparseable filesystem show output", Err: err}
	}
	if len(topos) == 0 {
		return nil, &ProbeError{FilesystemID: fsID, Reason: "filesystem not found"}
	}
	topo := topos[0]

	p.fillMountState(topo)
	if topo.Mounted {
		if err := p.fillUsage(ctx, topo); err != nil {
			// Usage carries the profiles the validator depends on, so a
			// mounted filesystem that won't report usage is a hard stop.
			return nil, err
		}
	}

	topo.ProbedAt = time.Now()
	return topo, nil
}

// List probes every btrfs filesystem visible to the toolchain. Per-filesystem
// usage failures degrade that entry to unknown rather than failing the list;
// dashboard data is advisory.
func (p *Prober) List(ctx context.Context) ([]*Topology, error) {
	res, err := p.runner.Run(ctx, "btrfs", "filesystem", "show", "--raw")
	if err != nil {
		return nil, &ProbeError{FilesystemID: "*", Reason: "btrfs filesystem show failed", Err: err}
	}

	topos, err := parseFilesystemShow(res.Stdout)
	if err != nil {
		return nil, &ProbeError{FilesystemID: "*", Reason: "unparseable filesystem show output", Err: err}
	}

	now := time.Now()
	for _, topo := range topos {
		p.fillMountState(topo)
		if topo.Mounted {
			if err := p.fillUsage(ctx, topo); err != nil {
				p.logger.Warn("usage probe failed, profiles unknown", "uuid", topo.UUID, "error", err)
			}
		}
		topo.ProbedAt = now
	}
	return topos, nil
}

// fillMountState resolves mount point, options and the degraded flag from
// the mount table by matching member device paths.
func (p *Prober) fillMountState(topo *Topology) {
	mounts, err := p.mounts()
	if err != nil {
		p.logger.Warn("reading mount table failed", "error", err)
		return
	}

	for _, m := range mounts {
		for _, dev := range topo.Devices {
			if dev.Path == "" || m.Source != dev.Path {
				continue
			}
			topo.Mounted = true
			topo.MountPoint = m.Mountpoint
			opts := m.Options
			if m.VFSOptions != "" {
				opts += "," + m.VFSOptions
			}
			topo.MountOptions = opts
			if hasMountOption(opts, "degraded") {
				topo.Degraded = true
			}
			return
		}
	}
}

// fillUsage parses `btrfs filesystem usage -b` for per-class profiles and
// the overall space figures.
func (p *Prober) fillUsage(ctx context.Context, topo *Topology) error {
	res, err := p.runner.Run(ctx, "btrfs", "filesystem", "usage", "-b", topo.MountPoint)
	if err != nil {
		return &ProbeError{FilesystemID: topo.UUID, Reason: "btrfs filesystem usage failed", Err: err}
	}

	usage, err := parseFilesystemUsage(res.Stdout)
	if err != nil {
		return &ProbeError{FilesystemID: topo.UUID, Reason: "unparseable filesystem usage output", Err: err}
	}

	if len(usage.profiles) == 0 {
		// Older progs omit the per-class table in some modes; the kernel's
		// sysfs tree still has the profiles.
		if fromSysfs, err := sysfsProfiles(topo.UUID); err == nil {
			usage.profiles = fromSysfs
		}
	}

	topo.Profiles = usage.profiles
	if usage.deviceSize > 0 {
		topo.TotalBytes = usage.deviceSize
	}
	if usage.used > 0 {
		topo.UsedBytes = usage.used
	}
	topo.FreeBytes = usage.unallocated
	return nil
}

var (
	showLabelRe      = regexp.MustCompile(`^Label:\s+(none|'[^']*')\s+uuid:\s+([0-9a-fA-F-]+)`)
	showTotalRe      = regexp.MustCompile(`^Total devices\s+(\d+)\s+FS bytes used\s+(\d+)`)
	showDevidRe      = regexp.MustCompile(`^devid\s+(\d+)\s+size\s+(\d+)\s+used\s+(\d+)\s+path\s+(\S+)(\s+MISSING)?$`)
	showDevMissingRe = regexp.MustCompile(`^devid\s+(\d+)\s+size\s+(\d+)\s+used\s+(\d+)\s+path\s+MISSING$`)
)

// parseFilesystemShow parses `btrfs filesystem show --raw` output, which may
// describe several filesystems separated by blank lines.
func parseFilesystemShow(out string) ([]*Topology, error) {
	var (
		topos   []*Topology
		current *Topology
	)

	declaredDevices := map[string]int{}

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, "Label:"):
			m := showLabelRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("bad label line %q", line)
			}
			current = &Topology{
				UUID:     m[2],
				Profiles: map[ChunkClass]Profile{},
			}
			if m[1] != "none" {
				current.Label = strings.Trim(m[1], "'")
			}
			topos = append(topos, current)

		case strings.HasPrefix(line, "Total devices"):
			if current == nil {
				return nil, fmt.Errorf("device summary before label: %q", line)
			}
			m := showTotalRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("bad total line %q", line)
			}
			n, _ := strconv.Atoi(m[1])
			declaredDevices[current.UUID] = n
			current.UsedBytes, _ = strconv.ParseInt(m[2], 10, 64)

		case strings.HasPrefix(line, "devid"):
			if current == nil {
				return nil, fmt.Errorf("devid before label: %q", line)
			}
			if m := showDevMissingRe.FindStringSubmatch(line); m != nil {
				id, _ := strconv.ParseUint(m[1], 10, 64)
				current.Devices = append(current.Devices, DeviceSlot{
					DevID: id,
					Role:  RoleMissing,
				})
				continue
			}
			m := showDevidRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("bad devid line %q", line)
			}
			id, _ := strconv.ParseUint(m[1], 10, 64)
			size, _ := strconv.ParseInt(m[2], 10, 64)
			used, _ := strconv.ParseInt(m[3], 10, 64)
			slot := DeviceSlot{
				Path:      m[4],
				DevID:     id,
				SizeBytes: size,
				UsedBytes: used,
				Role:      RoleActive,
			}
			if m[5] != "" {
				slot.Role = RoleMissing
			}
			current.Devices = append(current.Devices, slot)
			current.TotalBytes += size

		case strings.HasPrefix(line, "*** Some devices missing"):
			if current == nil {
				return nil, fmt.Errorf("missing marker before label: %q", line)
			}
			current.Degraded = true

		case strings.HasPrefix(line, "warning,"):
			// btrfs-progs prints advisory warnings about missing devices
			// alongside the marker line; nothing to extract here.
		}
	}

	// A filesystem whose declared device count exceeds the listed slots has
	// members the kernel cannot see at all.
	for _, topo := range topos {
		if n := declaredDevices[topo.UUID]; n > len(topo.Devices) {
			topo.Degraded = true
			for i := len(topo.Devices); i < n; i++ {
				topo.Devices = append(topo.Devices, DeviceSlot{Role: RoleMissing})
			}
		}
		if topo.HasMissingDevice() {
			topo.Degraded = true
		}
	}

	return topos, nil
}

type usageInfo struct {
	deviceSize  int64
	allocated   int64
	unallocated int64
	used        int64
	profiles    map[ChunkClass]Profile
}

var (
	usageOverallRe = regexp.MustCompile(`^(Device size|Device allocated|Device unallocated|Used):\s+(\d+)`)
	usageClassRe   = regexp.MustCompile(`^(Data|Metadata|System),([A-Za-z0-9]+):\s+Size:(\d+),\s+Used:(\d+)`)
)

// parseFilesystemUsage parses `btrfs filesystem usage -b` output.
func parseFilesystemUsage(out string) (*usageInfo, error) {
	u := &usageInfo{profiles: map[ChunkClass]Profile{}}
	sawOverall := false

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)

		if m := usageOverallRe.FindStringSubmatch(line); m != nil {
			v, _ := strconv.ParseInt(m[2], 10, 64)
			switch m[1] {
			case "Device size":
				u.deviceSize = v
			case "Device allocated":
				u.allocated = v
			case "Device unallocated":
				u.unallocated = v
			case "Used":
				u.used = v
			}
			sawOverall = true
			continue
		}

		if m := usageClassRe.FindStringSubmatch(line); m != nil {
			class, err := ParseChunkClass(m[1])
			if err != nil {
				continue
			}
			u.profiles[class] = ParseProfile(m[2])
		}
	}

	if !sawOverall && len(u.profiles) == 0 {
		return nil, fmt.Errorf("no recognizable usage output")
	}
	return u, nil
}

func hasMountOption(opts, want string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == want {
			return true
		}
	}
	return false
}
