package blockdev

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/btrman/btrman/pkg/cmdexec"
)

// Device is one block device as reported by lsblk. Partitions and other
// children are flattened into the same list with Parent set.
type Device struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Type       string `json:"type"`
	SizeBytes  int64  `json:"size_bytes"`
	MountPoint string `json:"mount_point,omitempty"`
	FSType     string `json:"fstype,omitempty"`
	Model      string `json:"model,omitempty"`
	Serial     string `json:"serial,omitempty"`
	Parent     string `json:"parent,omitempty"`
}

// Available reports whether the device looks usable as a new filesystem
// member: no filesystem signature and not mounted.
func (d Device) Available() bool {
	return d.FSType == "" && d.MountPoint == ""
}

type Lister struct {
	runner cmdexec.Runner
	logger *slog.Logger
}

func New(runner cmdexec.Runner, logger *slog.Logger) *Lister {
	return &Lister{
		runner: runner,
		logger: logger.With("component", "blockdev"),
	}
}

// lsblkOutput mirrors the lsblk -J JSON document.
type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	Size       int64         `json:"size"`
	MountPoint string        `json:"mountpoint"`
	FSType     string        `json:"fstype"`
	Model      string        `json:"model"`
	Serial     string        `json:"serial"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

// List returns every block device, children flattened, sizes in bytes.
func (l *Lister) List(ctx context.Context) ([]*Device, error) {
	res, err := l.runner.Run(ctx, "lsblk", "-J", "-b", "-o",
		"NAME,PATH,TYPE,SIZE,MOUNTPOINT,FSTYPE,MODEL,SERIAL")
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}
	return parseLsblk(res.Stdout)
}

func parseLsblk(out string) ([]*Device, error) {
	var doc lsblkOutput
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, fmt.Errorf("parse lsblk json: %w", err)
	}

	var devices []*Device
	for _, dev := range doc.Blockdevices {
		flatten(dev, "", &devices)
	}
	return devices, nil
}

func flatten(dev lsblkDevice, parent string, devices *[]*Device) {
	d := &Device{
		Name:       dev.Name,
		Path:       dev.Path,
		Type:       dev.Type,
		SizeBytes:  dev.Size,
		MountPoint: dev.MountPoint,
		FSType:     dev.FSType,
		Model:      dev.Model,
		Serial:     dev.Serial,
		Parent:     parent,
	}
	*devices = append(*devices, d)

	for _, child := range dev.Children {
		flatten(child, dev.Name, devices)
	}
}
