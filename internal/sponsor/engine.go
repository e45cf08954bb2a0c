package sponsor

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/verify"
	"Patron-Relay/pkg/logger"
)

// Reservation is the in-flight hold an admission places on a principal's
// daily counters. It must be settled with Confirm or returned with Release.
type Reservation struct {
	ID        string         `json:"id"`
	Principal common.Address `json:"principal"`
	Day       int64          `json:"day"`
	Cost      uint64         `json:"cost"`
	CreatedAt time.Time      `json:"created_at"`
}

// Admission is a successful admit decision.
type Admission struct {
	Reservation *Reservation `json:"reservation,omitempty"`
	// MaxGasPrice is the highest gas price the sponsor will cover for this
	// operation, derived from the per-operation budget.
	MaxGasPrice *big.Int `json:"max_gas_price"`
	// GasRemaining and OpsRemaining describe the allowance left for the
	// day after this reservation.
	GasRemaining uint64 `json:"gas_remaining"`
	OpsRemaining uint64 `json:"ops_remaining"`
}

// Allowance is the read-only remaining budget view exposed to clients.
type Allowance struct {
	Day          int64  `json:"day"`
	GasRemaining uint64 `json:"gas_remaining"`
	OpsRemaining uint64 `json:"ops_remaining"`
}

// Engine answers admission questions against the configured policies and
// usage counters. Admission is reserve-then-confirm: Admit atomically holds
// the estimated cost under a per-principal lock, so two concurrently
// admitted operations can never jointly exceed a daily budget. Policies are
// re-resolved on every admission, never cached across the admit/execute
// boundary.
type Engine struct {
	store    Store
	verifier verify.Provider
	now      func() time.Time

	mu           sync.Mutex
	locks        map[common.Address]*sync.Mutex
	reservations map[string]*Reservation
}

// Option configures the engine.
type Option func(*Engine)

// WithVerifier injects the verification-level oracle.
func WithVerifier(provider verify.Provider) Option {
	return func(e *Engine) {
		e.verifier = provider
	}
}

// WithClock overrides the time source, used by tests to simulate day
// rollover.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine around the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		now:          time.Now,
		locks:        make(map[common.Address]*sync.Mutex),
		reservations: make(map[string]*Reservation),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ResolvePolicy returns the per-principal override when present and active,
// else the global default. It fails closed: no active policy means no
// sponsorship.
func (e *Engine) ResolvePolicy(ctx context.Context, principal common.Address) (*Policy, error) {
	override, err := e.store.AccountPolicy(ctx, principal)
	switch {
	case err == nil:
		if override.Active {
			return override, nil
		}
		// An inactive override does not fall through to the global
		// default; the administrator explicitly switched this principal
		// off.
		return nil, ErrPolicyInactive
	case !isNotFound(err):
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load account policy")
	}

	global, err := e.store.GlobalPolicy(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load global policy")
	}
	if !global.Active {
		return nil, ErrPolicyInactive
	}
	return global, nil
}

// Admit decides whether the sponsor covers an operation with the given gas
// estimate and fee cap. On success it returns an Admission holding a live
// reservation; every rejection is a coded error and costs nothing.
func (e *Engine) Admit(ctx context.Context, principal common.Address, estimatedGas uint64, maxFeePerGas *big.Int) (*Admission, error) {
	unlock := e.lockPrincipal(principal)
	defer unlock()
	return e.admit(ctx, principal, estimatedGas, maxFeePerGas, true)
}

// Check runs the same decision as Admit without reserving anything. Used
// for simulations and allowance queries.
func (e *Engine) Check(ctx context.Context, principal common.Address, estimatedGas uint64, maxFeePerGas *big.Int) (*Admission, error) {
	unlock := e.lockPrincipal(principal)
	defer unlock()
	return e.admit(ctx, principal, estimatedGas, maxFeePerGas, false)
}

func (e *Engine) admit(ctx context.Context, principal common.Address, estimatedGas uint64, maxFeePerGas *big.Int, reserve bool) (*Admission, error) {
	policy, err := e.ResolvePolicy(ctx, principal)
	if err != nil {
		return nil, err
	}

	if policy.RequireWhitelist {
		allowed, err := e.store.Whitelisted(ctx, principal)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query whitelist")
		}
		if !allowed {
			return nil, ErrWhitelistRequired
		}
	}

	if policy.RequireVerification {
		level := 0
		if e.verifier != nil {
			level, err = e.verifier.Level(ctx, principal)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "query verification level")
			}
		}
		if level < policy.MinVerificationLevel {
			return nil, ErrVerificationInsufficient
		}
	}

	cost, ok := costUnits(estimatedGas, maxFeePerGas)
	if !ok || cost > policy.PerOperationGasBudget {
		// Overflowing uint64 cost arithmetic exceeds any budget.
		return nil, ErrPerOperationLimit
	}

	day := DayIndex(e.now())
	usage, err := e.store.Usage(ctx, principal, day)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load usage")
	}
	reservedGas, reservedOps := e.reservedFor(principal, day)

	gasUsed := usage.GasConsumed + reservedGas
	if gasUsed+cost > policy.DailyGasBudget {
		return nil, ErrDailyGasLimit
	}
	opsUsed := usage.Operations + reservedOps
	if opsUsed+1 > policy.DailyOperationCount {
		return nil, ErrDailyCountLimit
	}

	admission := &Admission{
		MaxGasPrice:  maxGasPrice(policy, estimatedGas),
		GasRemaining: policy.DailyGasBudget - gasUsed - cost,
		OpsRemaining: policy.DailyOperationCount - opsUsed - 1,
	}
	if reserve {
		reservation := &Reservation{
			ID:        uuid.NewString(),
			Principal: principal,
			Day:       day,
			Cost:      cost,
			CreatedAt: e.now(),
		}
		e.mu.Lock()
		e.reservations[reservation.ID] = reservation
		e.mu.Unlock()
		admission.Reservation = reservation
	}
	return admission, nil
}

// Confirm settles a reservation with the actual consumed cost. The usage is
// recorded against the day the reservation was admitted into, so a call
// that straddles a day boundary settles into the budget it was charged
// against rather than leaking into the new day.
func (e *Engine) Confirm(ctx context.Context, reservation *Reservation, actualCost uint64) error {
	if reservation == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "nil reservation")
	}
	unlock := e.lockPrincipal(reservation.Principal)
	defer unlock()

	if !e.takeReservation(reservation.ID) {
		return xerrors.New(xerrors.CodeConflict, "reservation already settled")
	}
	day := reservation.Day
	if err := e.store.AddUsage(ctx, reservation.Principal, day, actualCost, 1); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record usage")
	}
	logger.L().Debug("usage confirmed",
		slog.String("principal", reservation.Principal.Hex()),
		slog.Uint64("cost", actualCost),
		slog.Int64("day", day),
	)
	return nil
}

// Release returns a reservation without recording any usage, used when the
// submission fails, times out, or is abandoned.
func (e *Engine) Release(reservation *Reservation) {
	if reservation == nil {
		return
	}
	unlock := e.lockPrincipal(reservation.Principal)
	defer unlock()
	e.takeReservation(reservation.ID)
}

// RemainingAllowance reports today's unreserved allowance for a principal.
func (e *Engine) RemainingAllowance(ctx context.Context, principal common.Address) (Allowance, error) {
	unlock := e.lockPrincipal(principal)
	defer unlock()

	policy, err := e.ResolvePolicy(ctx, principal)
	if err != nil {
		return Allowance{}, err
	}
	day := DayIndex(e.now())
	usage, err := e.store.Usage(ctx, principal, day)
	if err != nil {
		return Allowance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load usage")
	}
	reservedGas, reservedOps := e.reservedFor(principal, day)

	allowance := Allowance{Day: day}
	if total := usage.GasConsumed + reservedGas; total < policy.DailyGasBudget {
		allowance.GasRemaining = policy.DailyGasBudget - total
	}
	if total := usage.Operations + reservedOps; total < policy.DailyOperationCount {
		allowance.OpsRemaining = policy.DailyOperationCount - total
	}
	return allowance, nil
}

// GlobalPolicy returns the configured default policy as stored, without
// the fall-through and activity rules ResolvePolicy applies.
func (e *Engine) GlobalPolicy(ctx context.Context) (*Policy, error) {
	policy, err := e.store.GlobalPolicy(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load global policy")
	}
	return policy, nil
}

// SetGlobalPolicy validates and installs the default policy.
func (e *Engine) SetGlobalPolicy(ctx context.Context, policy *Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if err := e.store.SetGlobalPolicy(ctx, policy); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store global policy")
	}
	logger.Audit().Info("global policy updated",
		slog.Uint64("daily_gas_budget", policy.DailyGasBudget),
		slog.Uint64("per_op_budget", policy.PerOperationGasBudget),
		slog.Bool("active", policy.Active),
	)
	return nil
}

// SetAccountPolicy validates and installs a per-principal override.
func (e *Engine) SetAccountPolicy(ctx context.Context, principal common.Address, policy *Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if err := e.store.SetAccountPolicy(ctx, principal, policy); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store account policy")
	}
	logger.Audit().Info("account policy updated",
		slog.String("principal", principal.Hex()),
		slog.Bool("active", policy.Active),
	)
	return nil
}

// SetWhitelist mutates sponsorship whitelist membership.
func (e *Engine) SetWhitelist(ctx context.Context, principal common.Address, allowed bool) error {
	if err := e.store.SetWhitelist(ctx, principal, allowed); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store whitelist entry")
	}
	logger.Audit().Info("whitelist updated",
		slog.String("principal", principal.Hex()),
		slog.Bool("allowed", allowed),
	)
	return nil
}

// lockPrincipal serializes admission and settlement per principal.
func (e *Engine) lockPrincipal(principal common.Address) func() {
	e.mu.Lock()
	lock, ok := e.locks[principal]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[principal] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (e *Engine) reservedFor(principal common.Address, day int64) (gas, ops uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, reservation := range e.reservations {
		if reservation.Principal == principal && reservation.Day == day {
			gas += reservation.Cost
			ops++
		}
	}
	return gas, ops
}

func (e *Engine) takeReservation(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.reservations[id]; !ok {
		return false
	}
	delete(e.reservations, id)
	return true
}

func costUnits(gas uint64, price *big.Int) (uint64, bool) {
	if price == nil || price.Sign() <= 0 {
		return 0, false
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	if !cost.IsUint64() {
		return 0, false
	}
	return cost.Uint64(), true
}

func maxGasPrice(policy *Policy, estimatedGas uint64) *big.Int {
	if estimatedGas == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(
		new(big.Int).SetUint64(policy.PerOperationGasBudget),
		new(big.Int).SetUint64(estimatedGas),
	)
}

func isNotFound(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeNotFound
}
