package sponsor

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "Patron-Relay/internal/errors"
)

// SeedFile models the structure of configs/policies.yaml.
type SeedFile struct {
	Global    *Policy            `yaml:"global"`
	Accounts  map[string]*Policy `yaml:"accounts"`
	Whitelist []string           `yaml:"whitelist"`
}

// ParseSeed parses the YAML policy seed document.
func ParseSeed(content []byte) (*SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse policy seed")
	}
	if seed.Global != nil {
		if err := seed.Global.Validate(); err != nil {
			return nil, err
		}
	}
	for key, policy := range seed.Accounts {
		if !common.IsHexAddress(key) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid account address in policy seed: "+key)
		}
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}
	for _, entry := range seed.Whitelist {
		if !common.IsHexAddress(strings.TrimSpace(entry)) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid whitelist address in policy seed: "+entry)
		}
	}
	return &seed, nil
}

// ApplySeed installs a parsed seed into the engine. Existing entries are
// overwritten; entries absent from the seed are left untouched.
func ApplySeed(ctx context.Context, engine *Engine, seed *SeedFile) error {
	if seed == nil {
		return nil
	}
	if seed.Global != nil {
		if err := engine.SetGlobalPolicy(ctx, seed.Global); err != nil {
			return err
		}
	}
	for key, policy := range seed.Accounts {
		if err := engine.SetAccountPolicy(ctx, common.HexToAddress(key), policy); err != nil {
			return err
		}
	}
	for _, entry := range seed.Whitelist {
		if err := engine.SetWhitelist(ctx, common.HexToAddress(strings.TrimSpace(entry)), true); err != nil {
			return err
		}
	}
	return nil
}
