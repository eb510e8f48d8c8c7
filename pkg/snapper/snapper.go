package snapper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/btrman/btrman/pkg/cmdexec"
)

// Package snapper is a thin pass-through to the snapper CLI: config
// discovery, snapshot listing, creation and deletion. Retention policy stays
// with snapper itself.

// Snapshot is one snapper snapshot row.
type Snapshot struct {
	Config      string    `json:"config"`
	ID          int       `json:"id"`
	Type        string    `json:"type"`
	PreNumber   int       `json:"pre_number,omitempty"`
	Date        time.Time `json:"date,omitempty"`
	User        string    `json:"user"`
	Cleanup     string    `json:"cleanup,omitempty"`
	Description string    `json:"description"`
}

type Manager struct {
	runner cmdexec.Runner
	logger *slog.Logger
}

func New(runner cmdexec.Runner, logger *slog.Logger) *Manager {
	return &Manager{
		runner: runner,
		logger: logger.With("component", "snapper"),
	}
}

// ListConfigs returns the names of all snapper configurations.
func (m *Manager) ListConfigs(ctx context.Context) ([]string, error) {
	res, err := m.runner.Run(ctx, "snapper", "list-configs")
	if err != nil {
		return nil, fmt.Errorf("snapper list-configs: %w", err)
	}
	return parseConfigs(res.Stdout), nil
}

// List returns the snapshots of one configuration.
func (m *Manager) List(ctx context.Context, cfg string) ([]*Snapshot, error) {
	res, err := m.runner.Run(ctx, "snapper", "-c", cfg, "list")
	if err != nil {
		return nil, fmt.Errorf("snapper -c %s list: %w", cfg, err)
	}
	return parseList(cfg, res.Stdout), nil
}

// ListAll returns snapshots across every configuration. Configurations that
// fail to list are skipped; the dashboard view is advisory.
func (m *Manager) ListAll(ctx context.Context) ([]*Snapshot, error) {
	configs, err := m.ListConfigs(ctx)
	if err != nil {
		return nil, err
	}

	var all []*Snapshot
	for _, cfg := range configs {
		snaps, err := m.List(ctx, cfg)
		if err != nil {
			m.logger.Warn("listing snapshots failed", "config", cfg, "error", err)
			continue
		}
		all = append(all, snaps...)
	}
	return all, nil
}

// Create creates a snapshot in a configuration and returns its ID.
func (m *Manager) Create(ctx context.Context, cfg, description string) (int, error) {
	res, err := m.runner.Run(ctx, "snapper", "-c", cfg, "create", "--print-number", "--description", description)
	if err != nil {
		return 0, fmt.Errorf("snapper create: %w", err)
	}

	id, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		// Older snapper without --print-number still created the snapshot.
		m.logger.Warn("could not parse created snapshot id", "output", res.Stdout)
		return 0, nil
	}
	m.logger.Info("snapshot created", "config", cfg, "id", id)
	return id, nil
}

// Delete removes a snapshot by ID.
func (m *Manager) Delete(ctx context.Context, cfg string, id int) error {
	if _, err := m.runner.Run(ctx, "snapper", "-c", cfg, "delete", strconv.Itoa(id)); err != nil {
		return fmt.Errorf("snapper delete %d: %w", id, err)
	}
	m.logger.Info("snapshot deleted", "config", cfg, "id", id)
	return nil
}

// parseConfigs parses the `snapper list-configs` table:
//
//	Config | Subvolume
//	-------+----------
//	root   | /
func parseConfigs(out string) []string {
	var configs []string
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if i < 2 || line == "" {
			continue // header and separator
		}
		name := strings.TrimSpace(strings.SplitN(line, "|", 2)[0])
		if name != "" {
			configs = append(configs, name)
		}
	}
	return configs
}

// snapperDateFormats covers the timestamp spellings snapper emits depending
// on locale settings.
var snapperDateFormats = []string{
	"Mon Jan _2 15:04:05 2006",
	"Mon 02 Jan 2006 03:04:05 PM MST",
	"2006-01-02 15:04:05",
}

// parseList parses the pipe-separated `snapper list` table. Rows that do not
// look like snapshots (the header, the baseline snapshot 0's blank fields)
// are tolerated rather than fatal.
func parseList(cfg, out string) []*Snapshot {
	var snaps []*Snapshot

	for i, line := range strings.Split(out, "\n") {
		if i < 2 || strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "|")
		if len(cols) < 7 {
			continue
		}
		for j := range cols {
			cols[j] = strings.TrimSpace(cols[j])
		}

		id, err := strconv.Atoi(strings.TrimSuffix(cols[0], "*"))
		if err != nil {
			continue
		}

		snap := &Snapshot{
			Config:      cfg,
			ID:          id,
			Type:        cols[1],
			User:        cols[4],
			Cleanup:     cols[5],
			Description: cols[6],
		}
		if cols[2] != "" && cols[2] != "-" {
			snap.PreNumber, _ = strconv.Atoi(cols[2])
		}
		if cols[3] != "" {
			for _, format := range snapperDateFormats {
				if t, err := time.Parse(format, cols[3]); err == nil {
					snap.Date = t
					break
				}
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps
}
