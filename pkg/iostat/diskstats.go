package iostat

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sample is one /proc/diskstats reading for a single device. Sector
// counts are converted to bytes using the kernel's fixed 512-byte
// sector unit.
type Sample struct {
	Device       string    `json:"device"`
	ReadsDone    uint64    `json:"reads_done"`
	ReadBytes    uint64    `json:"read_bytes"`
	WritesDone   uint64    `json:"writes_done"`
	WriteBytes   uint64    `json:"write_bytes"`
	IOTimeMillis uint64    `json:"io_time_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Rate is the delta between two samples of the same device, normalized
// per second.
type Rate struct {
	Device           string  `json:"device"`
	ReadBytesPerSec  float64 `json:"read_bytes_per_sec"`
	WriteBytesPerSec float64 `json:"write_bytes_per_sec"`
	ReadsPerSec      float64 `json:"reads_per_sec"`
	WritesPerSec     float64 `json:"writes_per_sec"`
	Utilization      float64 `json:"utilization"`
}

const sectorSize = 512

var diskstatsPath = "/proc/diskstats"

// ReadDiskstats parses /proc/diskstats. Partitions are included; the
// caller filters by device name if it only wants whole disks.
func ReadDiskstats() ([]Sample, error) {
	data, err := os.ReadFile(diskstatsPath)
	if err != nil {
		return nil, fmt.Errorf("read diskstats: %w", err)
	}
	return parseDiskstats(string(data), time.Now())
}

func parseDiskstats(data string, now time.Time) ([]Sample, error) {
	var samples []Sample
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 14 {
			continue
		}
		// Field layout per Documentation/admin-guide/iostats.rst:
		// major minor name reads merged rd_sectors rd_ms writes merged
		// wr_sectors wr_ms in_flight io_ms weighted_ms ...
		nums := make([]uint64, 0, 11)
		ok := true
		for _, f := range fields[3:14] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				ok = false
				break
			}
			nums = append(nums, v)
		}
		if !ok {
			continue
		}
		samples = append(samples, Sample{
			Device:       fields[2],
			ReadsDone:    nums[0],
			ReadBytes:    nums[2] * sectorSize,
			WritesDone:   nums[4],
			WriteBytes:   nums[6] * sectorSize,
			IOTimeMillis: nums[9],
			Timestamp:    now,
		})
	}
	return samples, nil
}

// RateBetween computes per-second rates from two samples of the same
// device. Returns false when the samples cannot be compared, for
// example after a counter reset.
func RateBetween(prev, cur Sample) (Rate, bool) {
	elapsed := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 || prev.Device != cur.Device {
		return Rate{}, false
	}
	if cur.ReadsDone < prev.ReadsDone || cur.WritesDone < prev.WritesDone {
		return Rate{}, false
	}
	return Rate{
		Device:           cur.Device,
		ReadBytesPerSec:  float64(cur.ReadBytes-prev.ReadBytes) / elapsed,
		WriteBytesPerSec: float64(cur.WriteBytes-prev.WriteBytes) / elapsed,
		ReadsPerSec:      float64(cur.ReadsDone-prev.ReadsDone) / elapsed,
		WritesPerSec:     float64(cur.WritesDone-prev.WritesDone) / elapsed,
		Utilization:      float64(cur.IOTimeMillis-prev.IOTimeMillis) / (elapsed * 1000),
	}, true
}
