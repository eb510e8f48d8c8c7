package btrfs

import (
	"time"
)

// DeviceRole describes how a device slot currently participates in the
// filesystem.
type DeviceRole string

const (
	RoleActive         DeviceRole = "active"
	RoleMissing        DeviceRole = "missing"
	RolePendingRemoval DeviceRole = "pending-removal"
)

// DeviceSlot is one member device of a multi-device filesystem.
type DeviceSlot struct {
	Path      string     `json:"path"`
	DevID     uint64     `json:"devid"`
	SizeBytes int64      `json:"size_bytes"`
	UsedBytes int64      `json:"used_bytes"`
	Role      DeviceRole `json:"role"`
}

// Active reports whether the slot currently participates in the filesystem.
func (d DeviceSlot) Active() bool {
	return d.Role == RoleActive
}

// Topology is an immutable snapshot of one filesystem's structure, produced
// fresh by every probe. It is never mutated in place and never cached across
// requests.
type Topology struct {
	UUID         string                 `json:"uuid"`
	Label        string                 `json:"label"`
	Devices      []DeviceSlot           `json:"devices"`
	Profiles     map[ChunkClass]Profile `json:"profiles"`
	Mounted      bool                   `json:"mounted"`
	MountPoint   string                 `json:"mount_point,omitempty"`
	MountOptions string                 `json:"mount_options,omitempty"`
	Degraded     bool                   `json:"degraded"`
	TotalBytes   int64                  `json:"total_bytes"`
	UsedBytes    int64                  `json:"used_bytes"`
	// FreeBytes is the unallocated raw space across all devices, the
	// conservative figure used for relocation headroom decisions.
	FreeBytes int64     `json:"free_bytes"`
	ProbedAt  time.Time `json:"probed_at"`
}

// ActiveDevices counts devices that currently participate in the filesystem.
func (t *Topology) ActiveDevices() int {
	n := 0
	for _, d := range t.Devices {
		if d.Active() {
			n++
		}
	}
	return n
}

// Device returns the slot for a device path, or nil.
func (t *Topology) Device(path string) *DeviceSlot {
	for i := range t.Devices {
		if t.Devices[i].Path == path {
			return &t.Devices[i]
		}
	}
	return nil
}

// HasMissingDevice reports whether any slot is missing.
func (t *Topology) HasMissingDevice() bool {
	for _, d := range t.Devices {
		if d.Role == RoleMissing {
			return true
		}
	}
	return false
}

// Profile returns the profile for a chunk class, ProfileUnknown when the
// probe could not determine it.
func (t *Topology) Profile(c ChunkClass) Profile {
	if t.Profiles == nil {
		return ProfileUnknown
	}
	return t.Profiles[c]
}

// clone returns a deep copy so result annotations never alias probe output.
func (t *Topology) clone() *Topology {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Devices = append([]DeviceSlot(nil), t.Devices...)
	cp.Profiles = make(map[ChunkClass]Profile, len(t.Profiles))
	for k, v := range t.Profiles {
		cp.Profiles[k] = v
	}
	return &cp
}

// Operation is a structural mutation kind.
type Operation string

const (
	OpAddDevice         Operation = "add-device"
	OpRemoveDevice      Operation = "remove-device"
	OpMarkDegraded      Operation = "mark-degraded"
	OpChangeRaidProfile Operation = "change-raid-profile"
)

// MutationRequest asks for one structural change to one filesystem. It is
// created by the caller and consumed by exactly one Reconcile call.
type MutationRequest struct {
	FilesystemID string    `json:"filesystem_id"` // UUID or mount path
	Op           Operation `json:"op"`

	// AddDevice / RemoveDevice
	DevicePath string `json:"device_path,omitempty"`
	// DeviceSizeBytes is filled in by the reconciler before validation;
	// callers may pre-populate it (tests do).
	DeviceSizeBytes int64 `json:"device_size_bytes,omitempty"`

	// ChangeRaidProfile
	TargetProfile Profile      `json:"target_profile,omitempty"`
	Classes       []ChunkClass `json:"classes,omitempty"`
}

// Outcome is the terminal state of one Reconcile call.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeRejected   Outcome = "rejected"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeBusy       Outcome = "busy"
	OutcomeAbandoned  Outcome = "abandoned"
	OutcomeProbeError Outcome = "probe-error"
)

// Step records one executed command of a multi-step mutation.
type Step struct {
	Stage      string    `json:"stage"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Completed  bool      `json:"completed"`
}

// MutationResult reports what a Reconcile call did. Pre is always populated
// once a probe succeeded; Post is present on Applied and, best effort, on
// Failed, Timeout and Abandoned so the caller can see where execution left
// the filesystem. Diagnostic is operator-readable prose covering exactly
// what was and wasn't changed.
type MutationResult struct {
	ID         string           `json:"id"`
	Request    *MutationRequest `json:"request"`
	Outcome    Outcome          `json:"outcome"`
	Pre        *Topology        `json:"pre,omitempty"`
	Post       *Topology        `json:"post,omitempty"`
	Steps      []Step           `json:"steps,omitempty"`
	Diagnostic string           `json:"diagnostic"`
	// ConsistencyWarning is set when the confirmation re-probe does not
	// yet reflect the applied change.
	ConsistencyWarning string    `json:"consistency_warning,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}
