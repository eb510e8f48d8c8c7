package sysinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Info is a point-in-time view of the host.
type Info struct {
	Hostname      string    `json:"hostname"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Load1         float64   `json:"load_1m"`
	Load5         float64   `json:"load_5m"`
	Load15        float64   `json:"load_15m"`
	BootedAt      time.Time `json:"booted_at"`
}

var (
	uptimePath  = "/proc/uptime"
	loadavgPath = "/proc/loadavg"
)

// Collect reads the host name, uptime, and load averages from procfs.
func Collect() (*Info, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	uptime, err := readUptime(uptimePath)
	if err != nil {
		return nil, err
	}

	load1, load5, load15, err := readLoadavg(loadavgPath)
	if err != nil {
		return nil, err
	}

	return &Info{
		Hostname:      hostname,
		UptimeSeconds: uptime,
		Load1:         load1,
		Load5:         load5,
		Load15:        load15,
		BootedAt:      time.Now().Add(-time.Duration(uptime * float64(time.Second))),
	}, nil
}

func readUptime(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read uptime: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed uptime: %q", string(data))
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime: %w", err)
	}
	return uptime, nil
}

func readLoadavg(path string) (load1, load5, load15 float64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("malformed loadavg: %q", string(data))
	}
	for i, dst := range []*float64{&load1, &load5, &load15} {
		v, perr := strconv.ParseFloat(fields[i], 64)
		if perr != nil {
			return 0, 0, 0, fmt.Errorf("parse loadavg: %w", perr)
		}
		*dst = v
	}
	return load1, load5, load15, nil
}
