package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// AppName is the application name used in paths
	AppName = "btrman"
)

// Config holds all application configuration.
type Config struct {
	// Paths
	DataDir   string // Base data directory (XDG_DATA_HOME/btrman)
	ConfigDir string // Config directory (XDG_CONFIG_HOME/btrman)
	CacheDir  string // Cache directory (XDG_CACHE_HOME/btrman)

	// Derived paths
	DBPath    string // SQLite database path
	IOStatDir string // iostat sample store directory
	MountBase string // base directory for mounts created through the API

	// Server
	APIAddress string

	// Collector schedule
	IOStatCron string

	// Logging
	LogLevel string

	Policy Policy
}

// Policy holds the structural-mutation policy knobs. btrfs-progs does not
// publish the per-profile minimums or the conversion headroom as stable
// numbers, so every value here can be overridden from the environment.
type Policy struct {
	// MinDeviceBytes is the smallest device AddDevice will accept. Matches
	// the mkfs.btrfs minimum filesystem size.
	MinDeviceBytes int64

	// HeadroomFactor scales the free-space requirement for profile
	// conversions and device removals.
	HeadroomFactor float64

	// MutationTimeout bounds the poll-to-completion wait for device
	// removal and profile conversion.
	MutationTimeout time.Duration

	// PollInterval and PollMaxInterval shape the executor's exponential
	// backoff while it waits on long-running kernel operations.
	PollInterval    time.Duration
	PollMaxInterval time.Duration
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	// Base directories (XDG Base Directory Specification)
	cfg.DataDir = getDataDir()
	cfg.ConfigDir = getConfigDir()
	cfg.CacheDir = getCacheDir()

	// Ensure directories exist
	os.MkdirAll(cfg.DataDir, 0755)
	os.MkdirAll(cfg.ConfigDir, 0755)
	os.MkdirAll(cfg.CacheDir, 0755)

	// Derived paths
	cfg.DBPath = envOrDefault("BTRMAN_DB_PATH", filepath.Join(cfg.DataDir, "btrman.db"))
	cfg.IOStatDir = envOrDefault("BTRMAN_IOSTAT_DIR", filepath.Join(cfg.DataDir, "iostat"))
	cfg.MountBase = envOrDefault("BTRMAN_MOUNT_BASE", "/mnt")

	// Server config
	cfg.APIAddress = envOrDefault("BTRMAN_API_ADDRESS", ":8787")

	// Collector schedule (every minute by default)
	cfg.IOStatCron = envOrDefault("BTRMAN_IOSTAT_CRON", "* * * * *")

	// Logging
	cfg.LogLevel = envOrDefault("BTRMAN_LOG_LEVEL", "info")

	cfg.Policy = Policy{
		MinDeviceBytes:  envInt64("BTRMAN_MIN_DEVICE_BYTES", 114294784), // 109 MiB
		HeadroomFactor:  envFloat("BTRMAN_HEADROOM_FACTOR", 1.0),
		MutationTimeout: envDuration("BTRMAN_MUTATION_TIMEOUT", 4*time.Hour),
		PollInterval:    envDuration("BTRMAN_POLL_INTERVAL", 2*time.Second),
		PollMaxInterval: envDuration("BTRMAN_POLL_MAX_INTERVAL", time.Minute),
	}

	return cfg
}

// getDataDir returns the data directory following XDG spec.
// $XDG_DATA_HOME/btrman or ~/.local/share/btrman
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// getConfigDir returns the config directory following XDG spec.
// $XDG_CONFIG_HOME/btrman or ~/.config/btrman
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getCacheDir returns the cache directory following XDG spec.
// $XDG_CACHE_HOME/btrman or ~/.cache/btrman
func getCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache")
	}
	return filepath.Join(home, ".cache", AppName)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// SubPath returns a path under the data directory.
func (c *Config) SubPath(parts ...string) string {
	return filepath.Join(append([]string{c.DataDir}, parts...)...)
}
