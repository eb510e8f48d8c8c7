package btrfs

import (
	"strings"
	"testing"

	"github.com/btrman/btrman/pkg/config"
)

func testPolicy() config.Policy {
	return config.Policy{
		MinDeviceBytes: 114294784,
		HeadroomFactor: 1.0,
	}
}

// raid1Topology builds a mounted two-device raid1 filesystem with room to
// spare; tests tweak the copy they get.
func raid1Topology() *Topology {
	return &Topology{
		UUID:  "11111111-2222-3333-4444-555555555555",
		Label: "tank",
		Devices: []DeviceSlot{
			{Path: "/dev/sda", DevID: 1, SizeBytes: 10 << 30, UsedBytes: 2 << 30, Role: RoleActive},
			{Path: "/dev/sdb", DevID: 2, SizeBytes: 10 << 30, UsedBytes: 2 << 30, Role: RoleActive},
		},
		Profiles: map[ChunkClass]Profile{
			ClassData:     ProfileRaid1,
			ClassMetadata: ProfileRaid1,
			ClassSystem:   ProfileRaid1,
		},
		Mounted:      true,
		MountPoint:   "/mnt/tank",
		MountOptions: "rw,relatime",
		TotalBytes:   20 << 30,
		UsedBytes:    2 << 30,
		FreeBytes:    16 << 30,
	}
}

func TestValidateAddDevice(t *testing.T) {
	v := NewValidator(testPolicy())

	tests := []struct {
		name    string
		mutate  func(*Topology, *MutationRequest)
		approve bool
		reason  string
	}{
		{
			name:    "approved",
			mutate:  func(*Topology, *MutationRequest) {},
			approve: true,
		},
		{
			name: "missing path",
			mutate: func(_ *Topology, req *MutationRequest) {
				req.DevicePath = ""
			},
			reason: "device path",
		},
		{
			name: "already a member",
			mutate: func(_ *Topology, req *MutationRequest) {
				req.DevicePath = "/dev/sda"
			},
			reason: "already a member",
		},
		{
			name: "not mounted",
			mutate: func(topo *Topology, _ *MutationRequest) {
				topo.Mounted = false
			},
			reason: "not mounted",
		},
		{
			name: "unknown size",
			mutate: func(_ *Topology, req *MutationRequest) {
				req.DeviceSizeBytes = 0
			},
			reason: "unknown",
		},
		{
			name: "below minimum size",
			mutate: func(_ *Topology, req *MutationRequest) {
				req.DeviceSizeBytes = 1 << 20
			},
			reason: "minimum usable size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := raid1Topology()
			req := &MutationRequest{
				FilesystemID:    topo.UUID,
				Op:              OpAddDevice,
				DevicePath:      "/dev/sdc",
				DeviceSizeBytes: 10 << 30,
			}
			tt.mutate(topo, req)

			verdict := v.Validate(topo, req)
			if verdict.Approved != tt.approve {
				t.Fatalf("approved = %v, want %v (reason %q)", verdict.Approved, tt.approve, verdict.Reason)
			}
			if !tt.approve && !strings.Contains(verdict.Reason, tt.reason) {
				t.Errorf("reason %q does not mention %q", verdict.Reason, tt.reason)
			}
		})
	}
}

func TestValidateRemoveDevice(t *testing.T) {
	v := NewValidator(testPolicy())

	t.Run("raid1 two devices is at its floor", func(t *testing.T) {
		topo := raid1Topology()
		verdict := v.Validate(topo, &MutationRequest{
			FilesystemID: topo.UUID,
			Op:           OpRemoveDevice,
			DevicePath:   "/dev/sdb",
		})
		if verdict.Approved {
			t.Fatal("removal below the raid1 device floor approved")
		}
		if !strings.Contains(verdict.Reason, "raid1") {
			t.Errorf("reason %q does not name the profile", verdict.Reason)
		}
	})

	t.Run("three devices with headroom", func(t *testing.T) {
		topo := raid1Topology()
		topo.Devices = append(topo.Devices, DeviceSlot{
			Path: "/dev/sdc", DevID: 3, SizeBytes: 10 << 30, UsedBytes: 2 << 30, Role: RoleActive,
		})
		verdict := v.Validate(topo, &MutationRequest{
			FilesystemID: topo.UUID,
			Op:           OpRemoveDevice,
			DevicePath:   "/dev/sdc",
		})
		if !verdict.Approved {
			t.Fatalf("legal removal rejected: %s", verdict.Reason)
		}
	})

	t.Run("no relocation headroom", func(t *testing.T) {
		topo := raid1Topology()
		topo.Devices = []DeviceSlot{
			{Path: "/dev/sda", DevID: 1, SizeBytes: 10 << 30, UsedBytes: 9 << 30, Role: RoleActive},
			{Path: "/dev/sdb", DevID: 2, SizeBytes: 10 << 30, UsedBytes: 9 << 30, Role: RoleActive},
			{Path: "/dev/sdc", DevID: 3, SizeBytes: 10 << 30, UsedBytes: 9 << 30, Role: RoleActive},
		}
		verdict := v.Validate(topo, &MutationRequest{
			FilesystemID: topo.UUID,
			Op:           OpRemoveDevice,
			DevicePath:   "/dev/sdc",
		})
		if verdict.Approved {
			t.Fatal("removal without relocation headroom approved")
		}
		if !strings.Contains(verdict.Reason, "free space") {
			t.Errorf("reason %q does not mention free space", verdict.Reason)
		}
	})

	t.Run("missing slot needs no headroom", func(t *testing.T) {
		topo := raid1Topology()
		topo.Devices = append(topo.Devices, DeviceSlot{
			Path: "/dev/sdc", DevID: 3, SizeBytes: 10 << 30, UsedBytes: 10 << 30, Role: RoleMissing,
		})
		topo.Degraded = true
		verdict := v.Validate(topo, &MutationRequest{
			FilesystemID: topo.UUID,
			Op:           OpRemoveDevice,
			DevicePath:   "/dev/sdc",
		})
		if !verdict.Approved {
			t.Fatalf("removal of missing device rejected: %s", verdict.Reason)
		}
	})

	t.Run("unknown profile is undecidable", func(t *testing.T) {
		topo := raid1Topology()
		topo.Devices = append(topo.Devices, DeviceSlot{
			Path: "/dev/sdc", DevID: 3, SizeBytes: 10 << 30, Role: RoleActive,
		})
		delete(topo.Profiles, ClassMetadata)
		verdict := v.Validate(topo, &MutationRequest{
			FilesystemID: topo.UUID,
			Op:           OpRemoveDevice,
			DevicePath:   "/dev/sdc",
		})
		if verdict.Approved {
			t.Fatal("removal with unknown profile approved")
		}
	})

	t.Run("not a member", func(t *testing.T) {
		topo := raid1Topology()
		verdict := v.Validate(topo, &MutationRequest{
			FilesystemID: topo.UUID,
			Op:           OpRemoveDevice,
			DevicePath:   "/dev/sdz",
		})
		if verdict.Approved {
			t.Fatal("removal of a non-member approved")
		}
	})
}

func TestValidateMarkDegraded(t *testing.T) {
	v := NewValidator(testPolicy())

	t.Run("healthy filesystem", func(t *testing.T) {
		topo := raid1Topology()
		verdict := v.Validate(topo, &MutationRequest{FilesystemID: topo.UUID, Op: OpMarkDegraded})
		if verdict.Approved {
			t.Fatal("degraded mount of a healthy filesystem approved")
		}
	})

	t.Run("missing device", func(t *testing.T) {
		topo := raid1Topology()
		topo.Devices[1].Role = RoleMissing
		topo.Degraded = true
		verdict := v.Validate(topo, &MutationRequest{FilesystemID: topo.UUID, Op: OpMarkDegraded})
		if !verdict.Approved {
			t.Fatalf("legal degraded mount rejected: %s", verdict.Reason)
		}
	})

	t.Run("already mounted degraded", func(t *testing.T) {
		topo := raid1Topology()
		topo.Devices[1].Role = RoleMissing
		topo.Degraded = true
		topo.MountOptions = "rw,relatime,degraded"
		verdict := v.Validate(topo, &MutationRequest{FilesystemID: topo.UUID, Op: OpMarkDegraded})
		if verdict.Approved {
			t.Fatal("double degraded mount approved")
		}
	})
}

func TestValidateChangeRaidProfile(t *testing.T) {
	v := NewValidator(testPolicy())

	baseReq := func(target Profile) *MutationRequest {
		return &MutationRequest{
			FilesystemID:  "11111111-2222-3333-4444-555555555555",
			Op:            OpChangeRaidProfile,
			TargetProfile: target,
			Classes:       []ChunkClass{ClassData, ClassMetadata},
		}
	}

	t.Run("raid10 needs four devices", func(t *testing.T) {
		topo := raid1Topology()
		verdict := v.Validate(topo, baseReq(ProfileRaid10))
		if verdict.Approved {
			t.Fatal("raid10 on two devices approved")
		}
		if !strings.Contains(verdict.Reason, "4") {
			t.Errorf("reason %q does not state the device floor", verdict.Reason)
		}
	})

	t.Run("single to raid1 shrinks nothing", func(t *testing.T) {
		topo := raid1Topology()
		topo.Profiles[ClassData] = ProfileSingle
		topo.Profiles[ClassMetadata] = ProfileDup
		verdict := v.Validate(topo, baseReq(ProfileRaid1))
		if !verdict.Approved {
			t.Fatalf("legal conversion rejected: %s", verdict.Reason)
		}
	})

	t.Run("same profile", func(t *testing.T) {
		topo := raid1Topology()
		verdict := v.Validate(topo, baseReq(ProfileRaid1))
		if verdict.Approved {
			t.Fatal("no-op conversion approved")
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		topo := raid1Topology()
		verdict := v.Validate(topo, baseReq(Profile("raid9")))
		if verdict.Approved {
			t.Fatal("invalid profile approved")
		}
	})

	t.Run("no classes", func(t *testing.T) {
		topo := raid1Topology()
		req := baseReq(ProfileSingle)
		req.Classes = nil
		verdict := v.Validate(topo, req)
		if verdict.Approved {
			t.Fatal("conversion without classes approved")
		}
	})

	t.Run("not mounted", func(t *testing.T) {
		topo := raid1Topology()
		topo.Mounted = false
		verdict := v.Validate(topo, baseReq(ProfileSingle))
		if verdict.Approved {
			t.Fatal("conversion of unmounted filesystem approved")
		}
	})

	t.Run("insufficient headroom for growth", func(t *testing.T) {
		topo := raid1Topology()
		topo.Devices = append(topo.Devices,
			DeviceSlot{Path: "/dev/sdc", DevID: 3, SizeBytes: 10 << 30, Role: RoleActive},
			DeviceSlot{Path: "/dev/sdd", DevID: 4, SizeBytes: 10 << 30, Role: RoleActive},
		)
		topo.Profiles[ClassData] = ProfileSingle
		topo.Profiles[ClassMetadata] = ProfileSingle
		topo.UsedBytes = 8 << 30
		topo.FreeBytes = 1 << 30
		// single -> raid1c4 triples raw consumption per class; 1 GiB of
		// unallocated space cannot absorb it.
		verdict := v.Validate(topo, baseReq(ProfileRaid1C4))
		if verdict.Approved {
			t.Fatal("conversion without headroom approved")
		}
		if !strings.Contains(verdict.Reason, "unallocated") {
			t.Errorf("reason %q does not mention unallocated space", verdict.Reason)
		}
	})

	t.Run("unknown current profile", func(t *testing.T) {
		topo := raid1Topology()
		delete(topo.Profiles, ClassData)
		verdict := v.Validate(topo, baseReq(ProfileSingle))
		if verdict.Approved {
			t.Fatal("conversion with unknown current profile approved")
		}
	})
}

func TestValidateUnknownOperation(t *testing.T) {
	v := NewValidator(testPolicy())
	verdict := v.Validate(raid1Topology(), &MutationRequest{Op: Operation("shrink")})
	if verdict.Approved {
		t.Fatal("unknown operation approved")
	}
}
