package capability

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Capability
		wantErr bool
	}{
		{"GAIN_ADJUSTMENT", GainAdjustment, false},
		{"FILE_WRITE", FileWrite, false},
		{"UI_NAVIGATION", UINavigation, false},
		{"gain_adjustment", "", true},
		{"LAUNCH_MISSILES", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScopeCovers(t *testing.T) {
	tests := []struct {
		name  string
		grant Scope
		req   Scope
		want  bool
	}{
		{
			name:  "same owner, unrestricted grant",
			grant: Scope{OwnerID: "alice"},
			req:   Scope{OwnerID: "alice", WindowID: "win-1"},
			want:  true,
		},
		{
			name:  "owner mismatch",
			grant: Scope{OwnerID: "alice"},
			req:   Scope{OwnerID: "bob"},
			want:  false,
		},
		{
			name:  "window restricted, match",
			grant: Scope{OwnerID: "alice", WindowID: "win-1"},
			req:   Scope{OwnerID: "alice", WindowID: "win-1"},
			want:  true,
		},
		{
			name:  "window restricted, mismatch",
			grant: Scope{OwnerID: "alice", WindowID: "win-1"},
			req:   Scope{OwnerID: "alice", WindowID: "win-2"},
			want:  false,
		},
		{
			name:  "resources restricted, subset requested",
			grant: Scope{OwnerID: "alice", ResourceIDs: []string{"track-1", "track-2"}},
			req:   Scope{OwnerID: "alice", ResourceIDs: []string{"track-2"}},
			want:  true,
		},
		{
			name:  "resources restricted, outside resource requested",
			grant: Scope{OwnerID: "alice", ResourceIDs: []string{"track-1"}},
			req:   Scope{OwnerID: "alice", ResourceIDs: []string{"track-3"}},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.grant.Covers(tt.req); got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGrantExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := Grant{ExpiresAt: now.Add(time.Minute)}

	if g.Expired(now) {
		t.Error("grant should not be expired before its deadline")
	}
	if !g.Expired(now.Add(time.Minute)) {
		t.Error("grant should be expired exactly at its deadline")
	}
	if !g.Expired(now.Add(2 * time.Minute)) {
		t.Error("grant should be expired after its deadline")
	}
}
