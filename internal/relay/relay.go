package relay

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Patron-Relay/internal/account"
	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/sponsor"
	"Patron-Relay/pkg/logger"
)

const defaultExecuteTimeout = 30 * time.Second

// Relay executes admitted operations against their accounts. It carries its
// own caller identity so signature authorization is always exercised: the
// relay is never the account owner.
type Relay struct {
	registry *account.Registry
	engine   *sponsor.Engine
	address  common.Address
	timeout  time.Duration
}

// RelayOption configures the relay.
type RelayOption func(*Relay)

// WithExecuteTimeout bounds how long a single submission may spend in the
// ledger before its reservation is released.
func WithExecuteTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRelay constructs a Relay with the given identity.
func NewRelay(registry *account.Registry, engine *sponsor.Engine, address common.Address, opts ...RelayOption) *Relay {
	r := &Relay{
		registry: registry,
		engine:   engine,
		address:  address,
		timeout:  defaultExecuteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Address returns the relay's caller identity.
func (r *Relay) Address() common.Address {
	return r.address
}

// Sponsored reports whether an operation requests sponsorship from this
// relay.
func (r *Relay) Sponsored(op *account.Operation) bool {
	return op != nil && op.Sponsor == r.address
}

// Execute runs a submission end to end: admit every operation, apply the
// batch through the account, then settle the reservations. Every operation
// must name this relay as sponsor; the relay pays for all its submissions,
// so nothing bypasses the policy engine. Admission is all-or-nothing; a
// single rejected operation rejects the whole submission and consumes no
// allowance.
func (r *Relay) Execute(ctx context.Context, ops []*account.Operation) ([]Receipt, error) {
	acct, err := r.prepare(ctx, ops)
	if err != nil {
		return nil, err
	}

	reservations, err := r.admitAll(ctx, acct, ops)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var results []*account.ExecutionResult
	if len(ops) == 1 {
		var result *account.ExecutionResult
		result, err = acct.ExecuteOperation(execCtx, r.address, ops[0])
		if result != nil {
			results = []*account.ExecutionResult{result}
		}
	} else {
		results, err = acct.ExecuteBatch(execCtx, r.address, ops)
	}
	if err != nil {
		r.releaseAll(reservations)
		return nil, err
	}

	receipts := make([]Receipt, len(results))
	for i, result := range results {
		cost := r.settle(ctx, reservations, i, ops[i], result.GasUsed)
		receipts[i] = Receipt{
			OperationHash: acct.OperationHash(ops[i]).Hex(),
			Success:       result.Success,
			GasUsed:       result.GasUsed,
			SponsoredCost: cost,
			ReturnData:    encodeReturnData(result.ReturnData),
			NewNonce:      result.NewNonce,
		}
	}
	return receipts, nil
}

// Simulate answers what Execute would decide without consuming a nonce or
// any sponsorship allowance.
func (r *Relay) Simulate(ctx context.Context, op *account.Operation) (*Receipt, *sponsor.Admission, error) {
	acct, err := r.prepare(ctx, []*account.Operation{op})
	if err != nil {
		return nil, nil, err
	}

	admission, err := r.engine.Check(ctx, op.Sender, r.estimateGas(ctx, acct, op), op.MaxFeePerGas)
	if err != nil {
		return nil, nil, err
	}

	result, err := acct.SimulateOperation(ctx, op)
	if err != nil {
		return nil, admission, err
	}
	receipt := &Receipt{
		OperationHash: acct.OperationHash(op).Hex(),
		Success:       result.Success,
		GasUsed:       result.GasUsed,
		ReturnData:    encodeReturnData(result.ReturnData),
		NewNonce:      result.NewNonce,
	}
	return receipt, admission, nil
}

func (r *Relay) prepare(ctx context.Context, ops []*account.Operation) (*account.Account, error) {
	if len(ops) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "empty submission")
	}
	sender := ops[0].Sender
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		if op.Sender != sender {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "batch mixes senders")
		}
		if !r.Sponsored(op) {
			return nil, ErrSponsorMismatch
		}
	}
	acct, err := r.registry.Get(ctx, sender)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// admitAll reserves allowance for every operation; any rejection releases
// the reservations already taken.
func (r *Relay) admitAll(ctx context.Context, acct *account.Account, ops []*account.Operation) ([]*sponsor.Reservation, error) {
	reservations := make([]*sponsor.Reservation, 0, len(ops))
	for _, op := range ops {
		admission, err := r.engine.Admit(ctx, op.Sender, r.estimateGas(ctx, acct, op), op.MaxFeePerGas)
		if err != nil {
			r.releaseAll(reservations)
			return nil, err
		}
		reservations = append(reservations, admission.Reservation)
	}
	return reservations, nil
}

// estimateGas asks the ledger what the operation will consume so admission
// reserves realistic cost instead of the full gas limit. The limit stays
// the upper bound: estimates above it, estimation failures, and zero
// estimates all fall back to the limit.
func (r *Relay) estimateGas(ctx context.Context, acct *account.Account, op *account.Operation) uint64 {
	estimate, err := acct.EstimateOperation(ctx, op)
	if err != nil || estimate == 0 || estimate > op.GasLimit {
		return op.GasLimit
	}
	return estimate
}

func (r *Relay) releaseAll(reservations []*sponsor.Reservation) {
	for _, reservation := range reservations {
		r.engine.Release(reservation)
	}
}

// settle confirms the i-th reservation with the actual cost and returns
// the amount charged against the daily budget.
func (r *Relay) settle(ctx context.Context, reservations []*sponsor.Reservation, i int, op *account.Operation, gasUsed uint64) uint64 {
	if i >= len(reservations) {
		return 0
	}
	reservation := reservations[i]
	cost, ok := op.CostAt(gasUsed)
	if !ok {
		// Admission already bounded the worst case; fall back to it.
		cost = reservation.Cost
	}
	if err := r.engine.Confirm(ctx, reservation, cost); err != nil {
		logger.L().Error("confirm reservation failed",
			slog.Any("error", err),
			slog.String("principal", op.Sender.Hex()),
			slog.String("reservation", reservation.ID),
		)
	}
	return cost
}

func encodeReturnData(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(data)
}
