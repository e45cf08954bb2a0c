package sponsor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists sponsorship configuration and usage counters.
// Implementations must be safe for concurrent use; the engine supplies the
// per-principal serialization around admit and record.
type Store interface {
	// GlobalPolicy returns the default policy, ErrPolicyNotFound if unset.
	GlobalPolicy(ctx context.Context) (*Policy, error)
	// AccountPolicy returns the per-principal override, ErrPolicyNotFound
	// if none exists.
	AccountPolicy(ctx context.Context, principal common.Address) (*Policy, error)
	SetGlobalPolicy(ctx context.Context, policy *Policy) error
	SetAccountPolicy(ctx context.Context, principal common.Address, policy *Policy) error

	// Whitelisted reports membership of the sponsorship whitelist.
	Whitelisted(ctx context.Context, principal common.Address) (bool, error)
	SetWhitelist(ctx context.Context, principal common.Address, allowed bool) error

	// Usage returns the counters for (principal, day); a zero Usage with
	// the requested day if none was recorded yet.
	Usage(ctx context.Context, principal common.Address, day int64) (Usage, error)
	// AddUsage atomically adds consumption to the (principal, day) record.
	AddUsage(ctx context.Context, principal common.Address, day int64, gas, operations uint64) error

	Close() error
}
