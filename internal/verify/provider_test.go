package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestLevelOfMapsScores(t *testing.T) {
	cases := []struct {
		score int
		want  int
	}{
		{score: 100, want: 5},
		{score: 99, want: 4},
		{score: 80, want: 4},
		{score: 40, want: 2},
		{score: 19, want: 0},
		{score: 0, want: 0},
		{score: -5, want: 0},
		{score: 500, want: 5},
	}
	for _, tc := range cases {
		got := Attestation{Score: tc.score}.LevelOf()
		if got != tc.want {
			t.Fatalf("LevelOf(score=%d) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestLoadStaticProvider(t *testing.T) {
	alice := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	path := filepath.Join(t.TempDir(), "identities.yaml")
	raw := `identities:
  "0x00000000000000000000000000000000000000aa":
    platform: github
    account_id: alice
    score: 100
  "0x00000000000000000000000000000000000000bb":
    platform: github
    account_id: bob
    score: 35
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	provider, err := LoadStaticProvider(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx := context.Background()
	if level, _ := provider.Level(ctx, alice); level != 5 {
		t.Fatalf("alice level = %d, want 5", level)
	}
	if level, _ := provider.Level(ctx, bob); level != 1 {
		t.Fatalf("bob level = %d, want 1", level)
	}
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	if level, _ := provider.Level(ctx, unknown); level != 0 {
		t.Fatalf("unknown level = %d, want 0", level)
	}
}

func TestLoadStaticProviderRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.yaml")
	raw := `identities:
  "not-an-address":
    platform: github
    account_id: eve
    score: 100
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if _, err := LoadStaticProvider(path); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}

func TestAttestCollapsesOnAccountChange(t *testing.T) {
	principal := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	provider := NewMemoryProvider()
	ctx := context.Background()

	first := Attestation{Platform: "github", AccountID: "alice", Score: 100}
	provider.Attest(principal, Attestation{}, first)
	if level, _ := provider.Level(ctx, principal); level != 5 {
		t.Fatalf("level after first attestation = %d, want 5", level)
	}

	// Re-verification against the same account keeps the derived level.
	refreshed := Attestation{Platform: "github", AccountID: "alice", Score: 60}
	provider.Attest(principal, first, refreshed)
	if level, _ := provider.Level(ctx, principal); level != 3 {
		t.Fatalf("level after refresh = %d, want 3", level)
	}

	// A different bound account collapses trust entirely.
	swapped := Attestation{Platform: "github", AccountID: "mallory", Score: 100}
	provider.Attest(principal, refreshed, swapped)
	if level, _ := provider.Level(ctx, principal); level != 0 {
		t.Fatalf("level after account swap = %d, want 0", level)
	}
}
