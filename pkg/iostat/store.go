package iostat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// Store keeps historical IO samples in a single shared PebbleDB. Keys
// are "io:<device>:<unix-nanos>" so an iterator over a device prefix
// walks samples in time order.
type Store struct {
	db *pebble.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dbPath := filepath.Join(baseDir, "iostat.db")

	opts := &pebble.Options{
		MemTableSize: 16 << 20,
		// Suppress noisy logs
		Logger: &silentLogger{},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

// silentLogger suppresses Pebble's info logs
type silentLogger struct{}

func (l *silentLogger) Infof(format string, args ...interface{})  {}
func (l *silentLogger) Errorf(format string, args ...interface{}) {}
func (l *silentLogger) Fatalf(format string, args ...interface{}) {}

func (s *Store) Close() error {
	return s.db.Close()
}

func sampleKey(device string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("io:%s:%020d", device, ts.UnixNano()))
}

// Put persists one sample.
func (s *Store) Put(sample Sample) error {
	val, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	return s.db.Set(sampleKey(sample.Device, sample.Timestamp), val, pebble.NoSync)
}

// Recent returns samples for a device taken at or after since, oldest
// first.
func (s *Store) Recent(device string, since time.Time) ([]Sample, error) {
	lower := sampleKey(device, since)
	prefix := []byte("io:" + device + ":")

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var samples []Sample
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var sample Sample
		if err := json.Unmarshal(iter.Value(), &sample); err != nil {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// Devices returns the distinct device names present in the store.
func (s *Store) Devices() ([]string, error) {
	prefix := []byte("io:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	seen := make(map[string]bool)
	var devices []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		rest := key[len(prefix):]
		idx := bytes.LastIndexByte(rest, ':')
		if idx < 0 {
			continue
		}
		device := string(rest[:idx])
		if !seen[device] {
			seen[device] = true
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// Prune drops samples older than the cutoff for every device.
func (s *Store) Prune(cutoff time.Time) error {
	devices, err := s.Devices()
	if err != nil {
		return err
	}
	for _, device := range devices {
		lower := []byte("io:" + device + ":")
		upper := sampleKey(device, cutoff)
		if err := s.db.DeleteRange(lower, upper, pebble.NoSync); err != nil {
			return err
		}
	}
	return nil
}
