package btrfs

import (
	"fmt"

	"github.com/btrman/btrman/pkg/config"
	"github.com/dustin/go-humanize"
)

// Verdict is the validator's answer: approved, or rejected with a reason an
// operator can act on.
type Verdict struct {
	Approved bool
	Reason   string
}

func approved() Verdict { return Verdict{Approved: true} }

func rejected(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// Validator decides whether a requested mutation is structurally legal
// against a given topology snapshot. It is a pure function over its inputs:
// no I/O, no mutation, deterministic. When the topology leaves a rule
// undecidable the validator rejects rather than risks data loss.
type Validator struct {
	policy config.Policy
}

func NewValidator(policy config.Policy) *Validator {
	return &Validator{policy: policy}
}

func (v *Validator) Validate(topo *Topology, req *MutationRequest) Verdict {
	switch req.Op {
	case OpAddDevice:
		return v.validateAdd(topo, req)
	case OpRemoveDevice:
		return v.validateRemove(topo, req)
	case OpMarkDegraded:
		return v.validateDegraded(topo)
	case OpChangeRaidProfile:
		return v.validateConvert(topo, req)
	}
	return rejected("unknown operation %q", req.Op)
}

func (v *Validator) validateAdd(topo *Topology, req *MutationRequest) Verdict {
	if req.DevicePath == "" {
		return rejected("add-device requires a device path")
	}
	if topo.Device(req.DevicePath) != nil {
		return rejected("device %s is already a member of filesystem %s", req.DevicePath, topo.UUID)
	}
	if !topo.Mounted {
		return rejected("filesystem %s is not mounted; devices can only be added to a mounted filesystem", topo.UUID)
	}
	if req.DeviceSizeBytes <= 0 {
		return rejected("size of device %s is unknown; refusing to add it", req.DevicePath)
	}
	if req.DeviceSizeBytes < v.policy.MinDeviceBytes {
		return rejected("device %s is %s, below the %s minimum usable size",
			req.DevicePath, humanize.IBytes(uint64(req.DeviceSizeBytes)), humanize.IBytes(uint64(v.policy.MinDeviceBytes)))
	}
	return approved()
}

func (v *Validator) validateRemove(topo *Topology, req *MutationRequest) Verdict {
	slot := topo.Device(req.DevicePath)
	if slot == nil {
		return rejected("device %s is not a member of filesystem %s", req.DevicePath, topo.UUID)
	}
	if !topo.Mounted {
		return rejected("filesystem %s is not mounted; device removal requires a mounted filesystem", topo.UUID)
	}

	// Removal must not leave any chunk class below its profile's device
	// floor. Unknown profiles are undecidable and therefore rejections.
	remaining := topo.ActiveDevices()
	if slot.Active() {
		remaining--
	}
	for _, class := range ChunkClasses {
		profile := topo.Profile(class)
		if profile == ProfileUnknown {
			return rejected("%s profile of filesystem %s is unknown; refusing to remove a device", class, topo.UUID)
		}
		if remaining < profile.MinDevices() {
			return rejected("removing %s would leave %d devices, below the %d required by the %s %s profile",
				req.DevicePath, remaining, profile.MinDevices(), class, profile)
		}
	}

	// Remove relocates the device's data elsewhere first; a slot that is
	// already missing has nothing left to relocate.
	if slot.Role != RoleMissing {
		needed := int64(float64(slot.UsedBytes) * v.policy.HeadroomFactor)
		var available int64
		for _, d := range topo.Devices {
			if d.Path == slot.Path || !d.Active() {
				continue
			}
			available += d.SizeBytes - d.UsedBytes
		}
		if available < needed {
			return rejected("removing %s needs %s of free space on the remaining devices to absorb relocated data, only %s available",
				req.DevicePath, humanize.IBytes(uint64(needed)), humanize.IBytes(uint64(available)))
		}
	}

	return approved()
}

func (v *Validator) validateDegraded(topo *Topology) Verdict {
	// Degraded mount is strictly an emergency measure for a filesystem
	// with absent members; a healthy filesystem never qualifies.
	if !topo.Degraded && !topo.HasMissingDevice() {
		return rejected("filesystem %s has no missing devices; degraded mount is not applicable", topo.UUID)
	}
	if topo.Mounted && hasMountOption(topo.MountOptions, "degraded") {
		return rejected("filesystem %s is already mounted degraded", topo.UUID)
	}
	return approved()
}

func (v *Validator) validateConvert(topo *Topology, req *MutationRequest) Verdict {
	target := req.TargetProfile
	if !target.Valid() {
		return rejected("unknown target RAID profile %q", req.TargetProfile)
	}
	if len(req.Classes) == 0 {
		return rejected("change-raid-profile requires at least one chunk class")
	}
	if !topo.Mounted {
		return rejected("filesystem %s is not mounted; profile conversion requires a mounted filesystem", topo.UUID)
	}

	active := topo.ActiveDevices()
	if active < target.MinDevices() {
		return rejected("profile %s requires at least %d devices, filesystem %s has %d active",
			target, target.MinDevices(), topo.UUID, active)
	}

	var growth int64
	for _, class := range req.Classes {
		current := topo.Profile(class)
		if current == ProfileUnknown {
			return rejected("current %s profile of filesystem %s is unknown; refusing to convert", class, topo.UUID)
		}
		if current == target {
			return rejected("%s chunks of filesystem %s already use profile %s", class, topo.UUID, target)
		}

		// Conversion is a full re-balance; when the target replicates
		// more than the source the relocated copy needs transient
		// headroom on top of the existing allocation.
		delta := target.ReplicationRatio() - current.ReplicationRatio()
		if delta > 0 {
			growth += int64(float64(topo.UsedBytes) * delta * v.policy.HeadroomFactor)
		}
	}

	if growth > 0 && topo.FreeBytes < growth {
		return rejected("converting filesystem %s needs about %s of unallocated space, only %s available",
			topo.UUID, humanize.IBytes(uint64(growth)), humanize.IBytes(uint64(topo.FreeBytes)))
	}

	return approved()
}
