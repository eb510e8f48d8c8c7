package btrfs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/btrman/btrman/pkg/cmdexec"
	"github.com/moby/sys/mountinfo"
)

const showHealthy = `Label: 'tank'  uuid: 11111111-2222-3333-4444-555555555555
	Total devices 2 FS bytes used 1073741824
	devid    1 size 10737418240 used 2147483648 path /dev/sda
	devid    2 size 10737418240 used 2147483648 path /dev/sdb

`

const showMissing = `warning, device 2 is missing
Label: none  uuid: aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee
	Total devices 2 FS bytes used 524288
	devid    1 size 10737418240 used 1073741824 path /dev/sdc
	*** Some devices missing

`

const showMulti = showHealthy + showMissing

const usageHealthy = `Overall:
    Device size:		21474836480
    Device allocated:		4294967296
    Device unallocated:		17179869184
    Device missing:		0
    Used:			2147483648
    Free (estimated):		9663676416	(min: 9663676416)

Data,RAID1: Size:2147483648, Used:1073741824
   /dev/sda	2147483648
   /dev/sdb	2147483648

Metadata,RAID1: Size:1073741824, Used:536870912
   /dev/sda	1073741824
   /dev/sdb	1073741824

System,RAID1: Size:8388608, Used:16384
   /dev/sda	8388608
   /dev/sdb	8388608
`

func TestParseFilesystemShow(t *testing.T) {
	topos, err := parseFilesystemShow(showHealthy)
	if err != nil {
		t.Fatalf("parseFilesystemShow: %v", err)
	}
	if len(topos) != 1 {
		t.Fatalf("got %d filesystems, want 1", len(topos))
	}

	topo := topos[0]
	if topo.UUID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("uuid = %q", topo.UUID)
	}
	if topo.Label != "tank" {
		t.Errorf("label = %q, want tank", topo.Label)
	}
	if len(topo.Devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(topo.Devices))
	}
	if topo.Degraded {
		t.Error("healthy filesystem reported degraded")
	}

	dev := topo.Device("/dev/sda")
	if dev == nil {
		t.Fatal("device /dev/sda not found")
	}
	if dev.DevID != 1 || dev.SizeBytes != 10737418240 || dev.UsedBytes != 2147483648 {
		t.Errorf("devid 1 parsed as %+v", dev)
	}
	if dev.Role != RoleActive {
		t.Errorf("devid 1 role = %q, want active", dev.Role)
	}
	if topo.UsedBytes != 1073741824 {
		t.Errorf("used bytes = %d", topo.UsedBytes)
	}
	if topo.TotalBytes != 2*10737418240 {
		t.Errorf("total bytes = %d", topo.TotalBytes)
	}
}

func TestParseFilesystemShowMissingDevice(t *testing.T) {
	topos, err := parseFilesystemShow(showMissing)
	if err != nil {
		t.Fatalf("parseFilesystemShow: %v", err)
	}
	if len(topos) != 1 {
		t.Fatalf("got %d filesystems, want 1", len(topos))
	}

	topo := topos[0]
	if topo.Label != "" {
		t.Errorf("label = %q, want empty for none", topo.Label)
	}
	if !topo.Degraded {
		t.Error("filesystem with missing devices not marked degraded")
	}
	if !topo.HasMissingDevice() {
		t.Error("no missing device slot synthesized")
	}
	// Declared 2 devices, listed 1: the absent member gets a placeholder
	// slot so device-count rules still see it.
	if len(topo.Devices) != 2 {
		t.Errorf("got %d device slots, want 2", len(topo.Devices))
	}
	if topo.ActiveDevices() != 1 {
		t.Errorf("active devices = %d, want 1", topo.ActiveDevices())
	}
}

func TestParseFilesystemShowMultiple(t *testing.T) {
	topos, err := parseFilesystemShow(showMulti)
	if err != nil {
		t.Fatalf("parseFilesystemShow: %v", err)
	}
	if len(topos) != 2 {
		t.Fatalf("got %d filesystems, want 2", len(topos))
	}
	if topos[0].UUID == topos[1].UUID {
		t.Error("filesystems not separated")
	}
}

func TestParseFilesystemShowGarbage(t *testing.T) {
	if _, err := parseFilesystemShow("Label: broken line without uuid\n"); err == nil {
		t.Error("garbage label line accepted")
	}
	if _, err := parseFilesystemShow("devid 1 size 10 used 5 path /dev/sda\n"); err == nil {
		t.Error("devid before label accepted")
	}
}

func TestParseFilesystemUsage(t *testing.T) {
	u, err := parseFilesystemUsage(usageHealthy)
	if err != nil {
		t.Fatalf("parseFilesystemUsage: %v", err)
	}
	if u.deviceSize != 21474836480 {
		t.Errorf("device size = %d", u.deviceSize)
	}
	if u.unallocated != 17179869184 {
		t.Errorf("unallocated = %d", u.unallocated)
	}
	if u.used != 2147483648 {
		t.Errorf("used = %d", u.used)
	}
	for _, class := range ChunkClasses {
		if got := u.profiles[class]; got != ProfileRaid1 {
			t.Errorf("%s profile = %q, want raid1", class, got)
		}
	}
}

func TestParseFilesystemUsageEmpty(t *testing.T) {
	if _, err := parseFilesystemUsage("not usage output at all"); err == nil {
		t.Error("unrecognizable usage output accepted")
	}
}

func TestHasMountOption(t *testing.T) {
	opts := "rw,relatime,degraded,space_cache=v2"
	if !hasMountOption(opts, "degraded") {
		t.Error("degraded option not found")
	}
	if hasMountOption(opts, "ro") {
		t.Error("ro matched rw option list")
	}
	if hasMountOption("rw,space_cache=v2", "degraded") {
		t.Error("degraded found where absent")
	}
}

// fakeRunner scripts responses per command line and records every call.
// Shared by the probe, executor and reconciler tests.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string

	run   func(name string, args []string) (*cmdexec.Result, error)
	start func(name string, args []string) (*cmdexec.Proc, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (*cmdexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	f.mu.Unlock()
	if f.run == nil {
		return &cmdexec.Result{}, nil
	}
	return f.run(name, args)
}

func (f *fakeRunner) Start(name string, args ...string) (*cmdexec.Proc, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "start: "+name+" "+strings.Join(args, " "))
	f.mu.Unlock()
	if f.start == nil {
		return cmdexec.DoneProc(nil), nil
	}
	return f.start(name, args)
}

func (f *fakeRunner) calledWith(fragment string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.Contains(call, fragment) {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func tankMounts() func() ([]*mountinfo.Info, error) {
	return func() ([]*mountinfo.Info, error) {
		return []*mountinfo.Info{
			{
				Source:     "/dev/sda",
				Mountpoint: "/mnt/tank",
				FSType:     "btrfs",
				Options:    "rw,relatime",
				VFSOptions: "rw,space_cache=v2",
			},
		}, nil
	}
}

func TestProbeMountedFilesystem(t *testing.T) {
	runner := &fakeRunner{
		run: func(name string, args []string) (*cmdexec.Result, error) {
			switch args[1] {
			case "show":
				return &cmdexec.Result{Stdout: showHealthy}, nil
			case "usage":
				return &cmdexec.Result{Stdout: usageHealthy}, nil
			}
			t.Fatalf("unexpected command: %s %v", name, args)
			return nil, nil
		},
	}

	prober := NewProber(runner, discardLogger())
	prober.mounts = tankMounts()

	topo, err := prober.Probe(context.Background(), "11111111-2222-3333-4444-555555555555")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !topo.Mounted || topo.MountPoint != "/mnt/tank" {
		t.Errorf("mount state = %v %q", topo.Mounted, topo.MountPoint)
	}
	if topo.Profile(ClassData) != ProfileRaid1 {
		t.Errorf("data profile = %q", topo.Profile(ClassData))
	}
	if topo.FreeBytes != 17179869184 {
		t.Errorf("free bytes = %d", topo.FreeBytes)
	}
	if topo.ProbedAt.IsZero() {
		t.Error("ProbedAt not set")
	}
}

func TestProbeUsageFailureIsHardError(t *testing.T) {
	runner := &fakeRunner{
		run: func(name string, args []string) (*cmdexec.Result, error) {
			if args[1] == "show" {
				return &cmdexec.Result{Stdout: showHealthy}, nil
			}
			return nil, &cmdexec.ExitError{Name: name, Args: args, Result: &cmdexec.Result{ExitCode: 1, Stderr: "ERROR: cannot access"}}
		},
	}

	prober := NewProber(runner, discardLogger())
	prober.mounts = tankMounts()

	_, err := prober.Probe(context.Background(), "tank")
	var perr *ProbeError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProbeError", err)
	}
}

func TestProbeUnmountedSkipsUsage(t *testing.T) {
	runner := &fakeRunner{
		run: func(name string, args []string) (*cmdexec.Result, error) {
			if args[1] != "show" {
				t.Fatalf("unexpected command on unmounted fs: %s %v", name, args)
			}
			return &cmdexec.Result{Stdout: showHealthy}, nil
		},
	}

	prober := NewProber(runner, discardLogger())
	prober.mounts = func() ([]*mountinfo.Info, error) { return nil, nil }

	topo, err := prober.Probe(context.Background(), "tank")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if topo.Mounted {
		t.Error("unmounted filesystem reported mounted")
	}
	if topo.Profile(ClassData) != ProfileUnknown {
		t.Errorf("data profile = %q, want unknown without usage", topo.Profile(ClassData))
	}
}
