// Package verify exposes the external identity oracle consumed by the
// sponsorship policy engine. A provider answers one question: what
// verification level does a principal currently hold.
package verify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Provider resolves the verification level of a principal. Level 0 means
// unverified; higher levels correspond to stronger identity attestation.
type Provider interface {
	Level(ctx context.Context, principal common.Address) (int, error)
}

// MaxConsistencyScore is the score of a freshly attested binding.
const MaxConsistencyScore = 100

// Attestation records a social-identity binding for a wallet, as produced
// by an external verifier: which platform account is bound, how consistent
// re-verifications have been, and when the binding was last refreshed.
type Attestation struct {
	Platform   string    `yaml:"platform"`
	AccountID  string    `yaml:"account_id"`
	Score      int       `yaml:"score"`
	VerifiedAt time.Time `yaml:"verified_at"`
}

// LevelOf maps a consistency score to a verification level. A new or fully
// consistent binding (score 100) is level 5; every 20 points below that
// drops one level, and a collapsed score is level 0.
func (a Attestation) LevelOf() int {
	score := a.Score
	if score <= 0 {
		return 0
	}
	if score > MaxConsistencyScore {
		score = MaxConsistencyScore
	}
	return score / 20
}

// StaticProvider serves attestation levels from a YAML snapshot file.
type StaticProvider struct {
	levels map[common.Address]int
}

type attestationFile struct {
	Identities map[string]Attestation `yaml:"identities"`
}

// LoadStaticProvider parses a YAML file mapping wallet addresses to
// attestations.
func LoadStaticProvider(path string) (*StaticProvider, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity snapshot: %w", err)
	}
	var file attestationFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse identity snapshot: %w", err)
	}
	levels := make(map[common.Address]int, len(file.Identities))
	for raw, att := range file.Identities {
		if !common.IsHexAddress(strings.TrimSpace(raw)) {
			return nil, fmt.Errorf("identity snapshot: %q is not an address", raw)
		}
		levels[common.HexToAddress(raw)] = att.LevelOf()
	}
	return &StaticProvider{levels: levels}, nil
}

// Level implements Provider.
func (p *StaticProvider) Level(_ context.Context, principal common.Address) (int, error) {
	return p.levels[principal], nil
}

// MemoryProvider is a mutable provider for tests and the memory driver.
type MemoryProvider struct {
	mu     sync.RWMutex
	levels map[common.Address]int
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{levels: make(map[common.Address]int)}
}

// SetLevel assigns a verification level to a principal.
func (p *MemoryProvider) SetLevel(principal common.Address, level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels[principal] = level
}

// Attest records an attestation, deriving the level from its score. A
// re-verification that reports a different platform account collapses the
// binding to level 0.
func (p *MemoryProvider) Attest(principal common.Address, previous, current Attestation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if previous.AccountID != "" && previous.AccountID != current.AccountID {
		p.levels[principal] = 0
		return
	}
	p.levels[principal] = current.LevelOf()
}

// Level implements Provider.
func (p *MemoryProvider) Level(_ context.Context, principal common.Address) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.levels[principal], nil
}

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*MemoryProvider)(nil)
)
