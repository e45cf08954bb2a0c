package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CallMsg describes a single target invocation.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
	Gas   uint64
}

// Result carries the outcome of an invocation. Success false means the
// target itself rejected the call; infrastructure problems are reported as
// errors instead.
type Result struct {
	Success    bool
	ReturnData []byte
	GasUsed    uint64
}

// Invoker executes calls against the underlying ledger.
type Invoker interface {
	// Call applies a state-changing invocation.
	Call(ctx context.Context, msg CallMsg) (Result, error)
	// SimulateCall runs the invocation without persisting any state change.
	SimulateCall(ctx context.Context, msg CallMsg) (Result, error)
	// EstimateGas predicts the gas an invocation will consume.
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
}

// BatchInvoker is implemented by invokers that can apply several
// state-changing invocations in one round trip. Results are returned in
// call order and callers decide how to react to individual failures.
type BatchInvoker interface {
	CallBatch(ctx context.Context, msgs []CallMsg) ([]Result, error)
}

// Snapshotter is implemented by invokers that can revert state, which the
// account layer relies on for all-or-nothing batch execution.
type Snapshotter interface {
	Snapshot() int
	Rollback(id int)
}
