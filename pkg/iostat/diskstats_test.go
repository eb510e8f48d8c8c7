package iostat

import (
	"testing"
	"time"
)

const diskstatsFixture = `   8       0 sda 124412 4852 7810312 45200 88412 12456 9871232 120400 0 62100 165600 0 0 0 0 0 0
   8       1 sda1 124000 4852 7800000 45000 88000 12456 9800000 120000 0 62000 165000 0 0 0 0 0 0
 259       0 nvme0n1 51234 120 4104320 8120 20412 512 2051200 15200 0 18400 23320 0 0 0 0 0 0
 short line
`

func TestParseDiskstats(t *testing.T) {
	now := time.Now()
	samples, err := parseDiskstats(diskstatsFixture, now)
	if err != nil {
		t.Fatalf("parseDiskstats: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}

	sda := samples[0]
	if sda.Device != "sda" {
		t.Errorf("device = %q", sda.Device)
	}
	if sda.ReadsDone != 124412 {
		t.Errorf("reads = %d", sda.ReadsDone)
	}
	if sda.ReadBytes != 7810312*512 {
		t.Errorf("read bytes = %d", sda.ReadBytes)
	}
	if sda.WriteBytes != 9871232*512 {
		t.Errorf("write bytes = %d", sda.WriteBytes)
	}
	if sda.IOTimeMillis != 62100 {
		t.Errorf("io time = %d", sda.IOTimeMillis)
	}
	if !sda.Timestamp.Equal(now) {
		t.Error("timestamp not propagated")
	}
}

func TestRateBetween(t *testing.T) {
	base := time.Now()
	prev := Sample{
		Device:       "sda",
		ReadsDone:    100,
		ReadBytes:    1 << 20,
		WritesDone:   50,
		WriteBytes:   2 << 20,
		IOTimeMillis: 500,
		Timestamp:    base,
	}
	cur := Sample{
		Device:       "sda",
		ReadsDone:    300,
		ReadBytes:    3 << 20,
		WritesDone:   150,
		WriteBytes:   6 << 20,
		IOTimeMillis: 1500,
		Timestamp:    base.Add(2 * time.Second),
	}

	rate, ok := RateBetween(prev, cur)
	if !ok {
		t.Fatal("comparable samples rejected")
	}
	if rate.ReadBytesPerSec != float64(2<<20)/2 {
		t.Errorf("read rate = %v", rate.ReadBytesPerSec)
	}
	if rate.WriteBytesPerSec != float64(4<<20)/2 {
		t.Errorf("write rate = %v", rate.WriteBytesPerSec)
	}
	if rate.ReadsPerSec != 100 {
		t.Errorf("reads/s = %v", rate.ReadsPerSec)
	}
	if rate.Utilization != 0.5 {
		t.Errorf("utilization = %v", rate.Utilization)
	}
}

func TestRateBetweenCounterReset(t *testing.T) {
	base := time.Now()
	prev := Sample{Device: "sda", ReadsDone: 500, Timestamp: base}
	cur := Sample{Device: "sda", ReadsDone: 10, Timestamp: base.Add(time.Second)}
	if _, ok := RateBetween(prev, cur); ok {
		t.Error("counter reset produced a rate")
	}
}

func TestRateBetweenMismatchedDevices(t *testing.T) {
	base := time.Now()
	prev := Sample{Device: "sda", Timestamp: base}
	cur := Sample{Device: "sdb", Timestamp: base.Add(time.Second)}
	if _, ok := RateBetween(prev, cur); ok {
		t.Error("mismatched devices compared")
	}
}

func TestIsPartition(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"sda", false},
		{"sda1", true},
		{"nvme0n1", false},
		{"nvme0n1p2", true},
		{"loop0", false},
		{"dm-0", false},
		{"md0", false},
		{"md0p1", true},
		{"mmcblk0", false},
		{"mmcblk0p1", true},
	}
	for _, tt := range tests {
		if got := isPartition(tt.name); got != tt.want {
			t.Errorf("isPartition(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
