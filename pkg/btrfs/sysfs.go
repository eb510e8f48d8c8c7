package btrfs

import (
	"fmt"
	"os"
	"path/filepath"
)

const btrfsSysfsPath = "/sys/fs/btrfs"

// sysfsProfiles reads per-class allocation profiles straight from the
// kernel's sysfs tree. Used as a fallback when `btrfs filesystem usage`
// output lacks them; sysfs is authoritative, not a guess.
func sysfsProfiles(fsUUID string) (map[ChunkClass]Profile, error) {
	allocPath := filepath.Join(btrfsSysfsPath, fsUUID, "allocation")

	profiles := map[ChunkClass]Profile{}
	for _, class := range ChunkClasses {
		typePath := filepath.Join(allocPath, string(class))
		entries, err := os.ReadDir(typePath)
		if err != nil {
			continue
		}
		// The profile shows up as a subdirectory name (raid1, single, ...).
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if p := ParseProfile(entry.Name()); p != ProfileUnknown {
				profiles[class] = p
				break
			}
		}
	}

	if len(profiles) == 0 {
		return nil, fmt.Errorf("no allocation profiles under %s", allocPath)
	}
	return profiles, nil
}
