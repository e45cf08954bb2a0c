package account

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/ledger"
	"Patron-Relay/pkg/logger"
)

// SchemaVersion identifies the layout of the persisted account state.
// Fields are only ever appended; existing fields are never re-laid-out.
const SchemaVersion = 1

// State is the persisted portion of an account. One record exists per
// principal, created on first delegation and never destroyed.
type State struct {
	Schema    uint8          `json:"schema"`
	Address   common.Address `json:"address"`
	Owner     common.Address `json:"owner"`
	Sponsor   common.Address `json:"sponsor"`
	Nonce     uint64         `json:"nonce"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// ExecutionResult is the execution record emitted for every completed
// operation.
type ExecutionResult struct {
	Success    bool
	GasUsed    uint64
	ReturnData []byte
	NewNonce   uint64
}

// Account validates and executes operations for a single principal. All
// nonce mutation happens under the account's own lock, so concurrent
// submissions carrying the same nonce resolve deterministically: the first
// to apply wins, the rest fail with INVALID_NONCE.
type Account struct {
	mu       sync.Mutex
	state    State
	chainID  *big.Int
	invoker  ledger.Invoker
	store    Store
	received *big.Int
}

func newAccount(state State, chainID *big.Int, invoker ledger.Invoker, store Store) *Account {
	return &Account{
		state:    state,
		chainID:  new(big.Int).Set(chainID),
		invoker:  invoker,
		store:    store,
		received: new(big.Int),
	}
}

// Address returns the account's own identity.
func (a *Account) Address() common.Address {
	return a.state.Address
}

// Owner returns the principal that controls the account.
func (a *Account) Owner() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Owner
}

// Nonce returns the next expected operation nonce.
func (a *Account) Nonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Nonce
}

// Sponsor returns the currently configured sponsor, zero if none.
func (a *Account) Sponsor() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Sponsor
}

// Snapshot returns a copy of the persisted state.
func (a *Account) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OperationHash computes the replay-protected hash an owner must sign for
// this account.
func (a *Account) OperationHash(op *Operation) common.Hash {
	return op.Hash(a.state.Address, a.chainID)
}

// VerifySignature reports whether the operation carries a valid owner
// signature for this account and chain.
func (a *Account) VerifySignature(op *Operation) bool {
	signer, err := op.RecoverSigner(a.state.Address, a.chainID)
	if err != nil {
		return false
	}
	a.mu.Lock()
	owner := a.state.Owner
	a.mu.Unlock()
	return signer == owner
}

// SetSponsor changes the sponsor pointer. Only the owner may call it.
func (a *Account) SetSponsor(ctx context.Context, caller, newSponsor common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.state.Owner {
		return ErrUnauthorized
	}
	a.state.Sponsor = newSponsor
	a.state.UpdatedAt = time.Now().Unix()
	a.persist(ctx)
	logger.Audit().Info("sponsor updated",
		slog.String("account", a.state.Address.Hex()),
		slog.String("sponsor", newSponsor.Hex()),
	)
	return nil
}

// Receive is the explicit generic entry point: it accepts value sent to the
// account and no-ops on unrecognized calls.
func (a *Account) Receive(from common.Address, value *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value != nil && value.Sign() > 0 {
		a.received.Add(a.received, value)
	}
	logger.L().Debug("value received",
		slog.String("account", a.state.Address.Hex()),
		slog.String("from", from.Hex()),
	)
}

// Received returns the total value accepted through Receive.
func (a *Account) Received() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.received)
}

// ExecuteOperation validates and applies a single signed operation. The
// nonce advances only when the target call fully succeeds; a failed call
// leaves the nonce unchanged and rolls back all invocation state, so the
// same operation may be resubmitted.
func (a *Account) ExecuteOperation(ctx context.Context, caller common.Address, op *Operation) (*ExecutionResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.state.Owner && caller != a.state.Sponsor && len(op.Signature) == 0 {
		return nil, ErrUnauthorized
	}
	if op.Nonce != a.state.Nonce {
		return nil, xerrors.New(CodeInvalidNonce,
			fmt.Sprintf("operation nonce %d, account nonce %d", op.Nonce, a.state.Nonce))
	}
	signer, err := op.RecoverSigner(a.state.Address, a.chainID)
	if err != nil {
		return nil, err
	}
	if signer != a.state.Owner {
		return nil, ErrInvalidSignature
	}

	result, err := a.invoke(ctx, op)
	if err != nil {
		a.record(op, false, 0)
		return nil, err
	}

	a.state.Nonce++
	a.state.UpdatedAt = time.Now().Unix()
	a.persist(ctx)
	result.NewNonce = a.state.Nonce
	a.record(op, true, result.GasUsed)
	return result, nil
}

// ExecuteBatch applies the operations atomically. Nonces must be exactly
// consecutive starting at the account nonce, each operation is signature
// checked independently, and any call failure aborts the whole batch with
// no nonce advance and no surviving state changes.
func (a *Account) ExecuteBatch(ctx context.Context, caller common.Address, ops []*Operation) ([]*ExecutionResult, error) {
	if len(ops) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "empty batch")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		if caller != a.state.Owner && caller != a.state.Sponsor && len(op.Signature) == 0 {
			return nil, ErrUnauthorized
		}
		if op.Nonce != a.state.Nonce+uint64(i) {
			return nil, xerrors.New(CodeInvalidNonce,
				fmt.Sprintf("batch position %d carries nonce %d, expected %d", i, op.Nonce, a.state.Nonce+uint64(i)))
		}
		signer, err := op.RecoverSigner(a.state.Address, a.chainID)
		if err != nil {
			return nil, err
		}
		if signer != a.state.Owner {
			return nil, xerrors.New(CodeInvalidSignature,
				fmt.Sprintf("batch position %d is not signed by the owner", i))
		}
	}

	snapID, snapshotter := a.takeSnapshot()
	var results []*ExecutionResult
	var err error
	if batcher, ok := a.invoker.(ledger.BatchInvoker); ok {
		results, err = a.invokeBatch(ctx, batcher, ops)
	} else {
		results, err = a.invokeSequential(ctx, ops)
	}
	if err != nil {
		a.revert(snapshotter, snapID)
		return nil, err
	}

	a.state.Nonce += uint64(len(ops))
	a.state.UpdatedAt = time.Now().Unix()
	a.persist(ctx)
	for _, result := range results {
		result.NewNonce = a.state.Nonce
	}
	logger.Audit().Info("batch executed",
		slog.String("account", a.state.Address.Hex()),
		slog.Int("operations", len(ops)),
		slog.Uint64("nonce", a.state.Nonce),
	)
	return results, nil
}

// SimulateOperation runs the same admission checks as ExecuteOperation and
// runs the target call without committing anything: no nonce advance, no
// surviving state change.
func (a *Account) SimulateOperation(ctx context.Context, op *Operation) (*ExecutionResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if op.Nonce != a.state.Nonce {
		return nil, xerrors.New(CodeInvalidNonce,
			fmt.Sprintf("operation nonce %d, account nonce %d", op.Nonce, a.state.Nonce))
	}
	signer, err := op.RecoverSigner(a.state.Address, a.chainID)
	if err != nil {
		return nil, err
	}
	if signer != a.state.Owner {
		return nil, ErrInvalidSignature
	}

	result, err := a.invoker.SimulateCall(ctx, ledger.CallMsg{
		From:  a.state.Address,
		To:    op.Target,
		Value: op.Value,
		Data:  op.Payload,
		Gas:   op.GasLimit,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "ledger simulation failed")
	}
	return &ExecutionResult{
		Success:    result.Success,
		GasUsed:    result.GasUsed,
		ReturnData: result.ReturnData,
		NewNonce:   a.state.Nonce,
	}, nil
}

// EstimateOperation asks the ledger how much gas the operation's call
// would consume. It performs no authorization checks and commits nothing.
func (a *Account) EstimateOperation(ctx context.Context, op *Operation) (uint64, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}
	estimate, err := a.invoker.EstimateGas(ctx, ledger.CallMsg{
		From:  a.state.Address,
		To:    op.Target,
		Value: op.Value,
		Data:  op.Payload,
		Gas:   op.GasLimit,
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "ledger gas estimation failed")
	}
	return estimate, nil
}

// Execute is the owner's direct escape hatch. It bypasses the nonce and
// signature machinery entirely and is not available to sponsors.
func (a *Account) Execute(ctx context.Context, caller, target common.Address, value *big.Int, payload []byte) (*ExecutionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.state.Owner {
		return nil, ErrUnauthorized
	}
	result, err := a.invoke(ctx, &Operation{
		Sender:  a.state.Owner,
		Target:  target,
		Value:   value,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	result.NewNonce = a.state.Nonce
	logger.Audit().Info("direct call executed",
		slog.String("account", a.state.Address.Hex()),
		slog.String("target", target.Hex()),
		slog.Uint64("gas_used", result.GasUsed),
	)
	return result, nil
}

// invokeBatch sends the whole batch to the ledger in one round trip. Any
// operation the target rejects aborts the batch; the caller reverts.
func (a *Account) invokeBatch(ctx context.Context, batcher ledger.BatchInvoker, ops []*Operation) ([]*ExecutionResult, error) {
	msgs := make([]ledger.CallMsg, len(ops))
	for i, op := range ops {
		msgs[i] = ledger.CallMsg{
			From:  a.state.Address,
			To:    op.Target,
			Value: op.Value,
			Data:  op.Payload,
			Gas:   op.GasLimit,
		}
	}
	raw, err := batcher.CallBatch(ctx, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "ledger submission timed out")
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "ledger batch invocation failed")
	}
	if len(raw) != len(ops) {
		return nil, xerrors.New(xerrors.CodeLedgerFailure,
			fmt.Sprintf("ledger returned %d results for %d operations", len(raw), len(ops)))
	}
	results := make([]*ExecutionResult, len(ops))
	for i, result := range raw {
		if !result.Success {
			a.record(ops[i], false, result.GasUsed)
			return nil, xerrors.New(CodeTargetCallFailed,
				fmt.Sprintf("batch aborted: operation %d failed", i),
				xerrors.WithMetadata("return_data", string(result.ReturnData)))
		}
		results[i] = &ExecutionResult{
			Success:    true,
			GasUsed:    result.GasUsed,
			ReturnData: result.ReturnData,
		}
	}
	return results, nil
}

// invokeSequential is the fallback for invokers without batch support.
func (a *Account) invokeSequential(ctx context.Context, ops []*Operation) ([]*ExecutionResult, error) {
	results := make([]*ExecutionResult, 0, len(ops))
	for i, op := range ops {
		result, err := a.rawInvoke(ctx, op)
		if err != nil {
			a.record(op, false, 0)
			return nil, err
		}
		if !result.Success {
			a.record(op, false, result.GasUsed)
			return nil, xerrors.New(CodeTargetCallFailed,
				fmt.Sprintf("batch aborted: operation %d failed", i),
				xerrors.WithMetadata("return_data", string(result.ReturnData)))
		}
		results = append(results, result)
	}
	return results, nil
}

// invoke runs the target call with rollback on failure and converts a
// target rejection into TARGET_CALL_FAILED.
func (a *Account) invoke(ctx context.Context, op *Operation) (*ExecutionResult, error) {
	snapID, snapshotter := a.takeSnapshot()
	result, err := a.rawInvoke(ctx, op)
	if err != nil {
		a.revert(snapshotter, snapID)
		return nil, err
	}
	if !result.Success {
		a.revert(snapshotter, snapID)
		return nil, xerrors.New(CodeTargetCallFailed, "",
			xerrors.WithMetadata("return_data", string(result.ReturnData)))
	}
	return result, nil
}

func (a *Account) rawInvoke(ctx context.Context, op *Operation) (*ExecutionResult, error) {
	result, err := a.invoker.Call(ctx, ledger.CallMsg{
		From:  a.state.Address,
		To:    op.Target,
		Value: op.Value,
		Data:  op.Payload,
		Gas:   op.GasLimit,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "ledger submission timed out")
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "ledger invocation failed")
	}
	return &ExecutionResult{
		Success:    result.Success,
		GasUsed:    result.GasUsed,
		ReturnData: result.ReturnData,
	}, nil
}

func (a *Account) takeSnapshot() (int, ledger.Snapshotter) {
	if snapshotter, ok := a.invoker.(ledger.Snapshotter); ok {
		return snapshotter.Snapshot(), snapshotter
	}
	return 0, nil
}

func (a *Account) revert(snapshotter ledger.Snapshotter, id int) {
	if snapshotter != nil {
		snapshotter.Rollback(id)
	}
}

// persist writes the state through the configured store. Persistence errors
// do not undo an applied execution; they are surfaced to the audit log for
// operator attention.
func (a *Account) persist(ctx context.Context) {
	if a.store == nil {
		return
	}
	if err := a.store.Put(ctx, a.state); err != nil {
		logger.L().Error("persist account state failed",
			slog.Any("error", err),
			slog.String("account", a.state.Address.Hex()),
		)
	}
}

func (a *Account) record(op *Operation, success bool, gasUsed uint64) {
	logger.Audit().Info("operation executed",
		slog.String("account", a.state.Address.Hex()),
		slog.String("target", op.Target.Hex()),
		slog.Uint64("op_nonce", op.Nonce),
		slog.Bool("success", success),
		slog.Uint64("gas_used", gasUsed),
	)
}
