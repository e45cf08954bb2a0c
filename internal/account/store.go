package account

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists account state keyed by principal identity.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the state for an address, ErrAccountNotFound if none.
	Get(ctx context.Context, addr common.Address) (State, error)
	// Put creates or replaces the state record.
	Put(ctx context.Context, state State) error
	// List returns every persisted account state.
	List(ctx context.Context) ([]State, error)
	Close() error
}
