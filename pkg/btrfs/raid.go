package btrfs

import (
	"fmt"
	"strings"
)

// Profile is a btrfs chunk allocation profile.
type Profile string

const (
	ProfileUnknown Profile = ""
	ProfileSingle  Profile = "single"
	ProfileDup     Profile = "dup"
	ProfileRaid0   Profile = "raid0"
	ProfileRaid1   Profile = "raid1"
	ProfileRaid1C3 Profile = "raid1c3"
	ProfileRaid1C4 Profile = "raid1c4"
	ProfileRaid10  Profile = "raid10"
	ProfileRaid5   Profile = "raid5"
	ProfileRaid6   Profile = "raid6"
)

// Profiles lists every profile the planner understands, in conversion-menu order.
var Profiles = []Profile{
	ProfileSingle, ProfileDup, ProfileRaid0, ProfileRaid1,
	ProfileRaid1C3, ProfileRaid1C4, ProfileRaid10, ProfileRaid5, ProfileRaid6,
}

// ChunkClass identifies which chunk type a profile applies to.
type ChunkClass string

const (
	ClassData     ChunkClass = "data"
	ClassMetadata ChunkClass = "metadata"
	ClassSystem   ChunkClass = "system"
)

// ChunkClasses in the order btrfs reports them.
var ChunkClasses = []ChunkClass{ClassData, ClassMetadata, ClassSystem}

// minDevices is the kernel's device-count floor per profile. mkfs and balance
// enforce these; the validator enforces them before any command is issued.
var minDevices = map[Profile]int{
	ProfileSingle:  1,
	ProfileDup:     1,
	ProfileRaid0:   2,
	ProfileRaid1:   2,
	ProfileRaid1C3: 3,
	ProfileRaid1C4: 4,
	ProfileRaid10:  4,
	ProfileRaid5:   2,
	ProfileRaid6:   3,
}

// replicationRatio approximates raw bytes consumed per byte of data. Parity
// profiles depend on stripe width, so these are the conservative two-device
// (raid5) and three-device (raid6) figures.
var replicationRatio = map[Profile]float64{
	ProfileSingle:  1.0,
	ProfileDup:     2.0,
	ProfileRaid0:   1.0,
	ProfileRaid1:   2.0,
	ProfileRaid1C3: 3.0,
	ProfileRaid1C4: 4.0,
	ProfileRaid10:  2.0,
	ProfileRaid5:   1.5,
	ProfileRaid6:   2.0,
}

// MinDevices returns the minimum device count required by a profile.
// Unknown profiles report a count that no topology can satisfy, so the
// validator rejects rather than guesses.
func (p Profile) MinDevices() int {
	if n, ok := minDevices[p]; ok {
		return n
	}
	return int(^uint(0) >> 1)
}

// ReplicationRatio returns the raw-to-logical ratio for the profile, or 0
// when the profile is unknown.
func (p Profile) ReplicationRatio() float64 {
	return replicationRatio[p]
}

// Valid reports whether p is a profile btrfs accepts for conversion.
func (p Profile) Valid() bool {
	_, ok := minDevices[p]
	return ok
}

// ParseProfile normalizes toolchain spellings ("RAID1", "DUP", "raid1c3")
// into a Profile. Unrecognized input maps to ProfileUnknown.
func ParseProfile(s string) Profile {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p
	}
	return ProfileUnknown
}

// ParseChunkClass maps toolchain spellings ("Data", "METADATA") to a ChunkClass.
func ParseChunkClass(s string) (ChunkClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "data":
		return ClassData, nil
	case "metadata":
		return ClassMetadata, nil
	case "system":
		return ClassSystem, nil
	}
	return "", fmt.Errorf("unknown chunk class %q", s)
}

// convertFlag returns the balance filter flag that converts one chunk class.
func (c ChunkClass) convertFlag(target Profile) string {
	switch c {
	case ClassData:
		return "-dconvert=" + string(target)
	case ClassMetadata:
		return "-mconvert=" + string(target)
	default:
		return "-sconvert=" + string(target)
	}
}
