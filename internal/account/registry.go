package account

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/ledger"
	"Patron-Relay/pkg/logger"
)

// Registry owns the live accounts of the daemon, keyed by principal
// identity. Accounts are created on first delegation and never destroyed.
type Registry struct {
	mu       sync.Mutex
	accounts map[common.Address]*Account
	chainID  *big.Int
	invoker  ledger.Invoker
	store    Store
}

// NewRegistry constructs a Registry backed by the given store. Existing
// state records are rehydrated lazily on first access.
func NewRegistry(chainID *big.Int, invoker ledger.Invoker, store Store) *Registry {
	return &Registry{
		accounts: make(map[common.Address]*Account),
		chainID:  new(big.Int).Set(chainID),
		invoker:  invoker,
		store:    store,
	}
}

// Delegate creates and initializes the account for a principal. It succeeds
// exactly once per principal; a second delegation fails with
// ALREADY_INITIALIZED regardless of arguments.
func (r *Registry) Delegate(ctx context.Context, owner, sponsor common.Address) (*Account, error) {
	if owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner address is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[owner]; ok {
		return nil, ErrAlreadyInitialized
	}
	if r.store != nil {
		if _, err := r.store.Get(ctx, owner); err == nil {
			return nil, ErrAlreadyInitialized
		} else if !stdErrors.Is(err, ErrAccountNotFound) {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "check existing account state")
		}
	}

	now := time.Now().Unix()
	state := State{
		Schema:    SchemaVersion,
		Address:   owner,
		Owner:     owner,
		Sponsor:   sponsor,
		Nonce:     0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.store != nil {
		if err := r.store.Put(ctx, state); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist new account")
		}
	}

	acct := newAccount(state, r.chainID, r.invoker, r.store)
	r.accounts[owner] = acct
	logger.Audit().Info("account delegated",
		slog.String("account", owner.Hex()),
		slog.String("sponsor", sponsor.Hex()),
	)
	return acct, nil
}

// Get returns the live account for a principal, loading persisted state on
// first access. ErrAccountNotFound if the principal never delegated.
func (r *Registry) Get(ctx context.Context, addr common.Address) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if acct, ok := r.accounts[addr]; ok {
		return acct, nil
	}
	if r.store == nil {
		return nil, ErrAccountNotFound
	}
	state, err := r.store.Get(ctx, addr)
	if err != nil {
		if stdErrors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load account state")
	}
	if state.Schema != SchemaVersion {
		return nil, xerrors.New(xerrors.CodeStorageFailure,
			"account state schema mismatch",
			xerrors.WithMetadata("account", addr.Hex()))
	}
	acct := newAccount(state, r.chainID, r.invoker, r.store)
	r.accounts[addr] = acct
	return acct, nil
}

// ChainID returns the chain context accounts bind their signatures to.
func (r *Registry) ChainID() *big.Int {
	return new(big.Int).Set(r.chainID)
}
