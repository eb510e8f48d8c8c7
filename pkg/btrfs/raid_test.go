package btrfs

import "testing"

func TestMinDevices(t *testing.T) {
	tests := []struct {
		profile Profile
		want    int
	}{
		{ProfileSingle, 1},
		{ProfileDup, 1},
		{ProfileRaid0, 2},
		{ProfileRaid1, 2},
		{ProfileRaid1C3, 3},
		{ProfileRaid1C4, 4},
		{ProfileRaid10, 4},
		{ProfileRaid5, 2},
		{ProfileRaid6, 3},
	}
	for _, tt := range tests {
		if got := tt.profile.MinDevices(); got != tt.want {
			t.Errorf("%s: MinDevices() = %d, want %d", tt.profile, got, tt.want)
		}
	}
}

func TestMinDevicesUnknownProfile(t *testing.T) {
	unknown := Profile("raid7")
	if got := unknown.MinDevices(); got < 1<<30 {
		t.Errorf("unknown profile MinDevices() = %d, want unsatisfiable", got)
	}
	if unknown.Valid() {
		t.Error("unknown profile reports Valid()")
	}
}

func TestReplicationRatio(t *testing.T) {
	tests := []struct {
		profile Profile
		want    float64
	}{
		{ProfileSingle, 1.0},
		{ProfileDup, 2.0},
		{ProfileRaid1, 2.0},
		{ProfileRaid1C3, 3.0},
		{ProfileRaid1C4, 4.0},
		{ProfileRaid10, 2.0},
		{ProfileRaid5, 1.5},
		{ProfileRaid6, 2.0},
		{ProfileUnknown, 0},
	}
	for _, tt := range tests {
		if got := tt.profile.ReplicationRatio(); got != tt.want {
			t.Errorf("%s: ReplicationRatio() = %v, want %v", tt.profile, got, tt.want)
		}
	}
}

func TestParseProfile(t *testing.T) {
	tests := []struct {
		in   string
		want Profile
	}{
		{"RAID1", ProfileRaid1},
		{"raid1c3", ProfileRaid1C3},
		{"DUP", ProfileDup},
		{" single ", ProfileSingle},
		{"garbage", ProfileUnknown},
		{"", ProfileUnknown},
	}
	for _, tt := range tests {
		if got := ParseProfile(tt.in); got != tt.want {
			t.Errorf("ParseProfile(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseChunkClass(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want ChunkClass
	}{
		{"Data", ClassData},
		{"METADATA", ClassMetadata},
		{"system", ClassSystem},
	} {
		got, err := ParseChunkClass(tt.in)
		if err != nil {
			t.Fatalf("ParseChunkClass(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseChunkClass(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParseChunkClass("mixed"); err == nil {
		t.Error("ParseChunkClass accepted an unknown class")
	}
}

func TestConvertFlag(t *testing.T) {
	tests := []struct {
		class ChunkClass
		want  string
	}{
		{ClassData, "-dconvert=raid1"},
		{ClassMetadata, "-mconvert=raid1"},
		{ClassSystem, "-sconvert=raid1"},
	}
	for _, tt := range tests {
		if got := tt.class.convertFlag(ProfileRaid1); got != tt.want {
			t.Errorf("%s: convertFlag = %q, want %q", tt.class, got, tt.want)
		}
	}
}
