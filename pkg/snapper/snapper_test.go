package snapper

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/btrman/btrman/pkg/cmdexec"
)

const configsOutput = `Config | Subvolume
-------+----------
root   | /
home   | /home
`

const listOutput = ` # | Type   | Pre # | Date                     | User | Cleanup  | Description           | Userdata
---+--------+-------+--------------------------+------+----------+-----------------------+---------
0  | single |       |                          | root |          | current               |
1* | single |       | Mon Jan  5 14:00:00 2026 | root |          | first root filesystem |
2  | pre    |       | Mon Jan  5 15:30:00 2026 | root | number   | zypp(zypper)          |
3  | post   |     2 | Mon Jan  5 15:31:12 2026 | root | number   | zypp(zypper)          |
`

func TestParseConfigs(t *testing.T) {
	configs := parseConfigs(configsOutput)
	if len(configs) != 2 {
		t.Fatalf("got %d configs, want 2", len(configs))
	}
	if configs[0] != "root" || configs[1] != "home" {
		t.Errorf("configs = %v", configs)
	}
}

func TestParseList(t *testing.T) {
	snaps := parseList("root", listOutput)
	if len(snaps) != 4 {
		t.Fatalf("got %d snapshots, want 4", len(snaps))
	}

	current := snaps[0]
	if current.ID != 0 || current.Type != "single" || current.Description != "current" {
		t.Errorf("snapshot 0 = %+v", current)
	}
	if !current.Date.IsZero() {
		t.Errorf("baseline snapshot has a date: %v", current.Date)
	}

	// The asterisk marks the active snapshot; the ID must still parse.
	if snaps[1].ID != 1 {
		t.Errorf("active snapshot id = %d, want 1", snaps[1].ID)
	}
	if snaps[1].Date.IsZero() {
		t.Error("dated snapshot parsed without date")
	}

	post := snaps[3]
	if post.Type != "post" || post.PreNumber != 2 {
		t.Errorf("post snapshot = %+v", post)
	}
	if post.Cleanup != "number" {
		t.Errorf("cleanup = %q", post.Cleanup)
	}
	for _, s := range snaps {
		if s.Config != "root" {
			t.Errorf("snapshot %d config = %q", s.ID, s.Config)
		}
	}
}

func TestParseListTolerantOfGarbage(t *testing.T) {
	out := listOutput + "some trailing notice from snapper\n"
	snaps := parseList("root", out)
	if len(snaps) != 4 {
		t.Errorf("got %d snapshots, want 4 with garbage ignored", len(snaps))
	}
}

type scriptRunner struct {
	calls []string
	out   map[string]string
}

func (s *scriptRunner) Run(ctx context.Context, name string, args ...string) (*cmdexec.Result, error) {
	call := name + " " + strings.Join(args, " ")
	s.calls = append(s.calls, call)
	return &cmdexec.Result{Stdout: s.out[call]}, nil
}

func (s *scriptRunner) Start(name string, args ...string) (*cmdexec.Proc, error) {
	return cmdexec.DoneProc(nil), nil
}

func TestCreateParsesPrintedNumber(t *testing.T) {
	runner := &scriptRunner{out: map[string]string{
		"snapper -c root create --print-number --description pre-upgrade": "42\n",
	}}
	m := New(runner, slog.New(slog.DiscardHandler))

	id, err := m.Create(context.Background(), "root", "pre-upgrade")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
}

func TestListAllSkipsFailingConfigs(t *testing.T) {
	runner := &scriptRunner{out: map[string]string{
		"snapper list-configs": configsOutput,
		"snapper -c root list": listOutput,
		"snapper -c home list": "", // parses to zero snapshots
	}}
	m := New(runner, slog.New(slog.DiscardHandler))

	snaps, err := m.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(snaps) != 4 {
		t.Errorf("got %d snapshots, want 4", len(snaps))
	}
}
