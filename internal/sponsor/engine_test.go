package sponsor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Patron-Relay/internal/verify"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

func basePolicy() *Policy {
	return &Policy{
		DailyGasBudget:        100,
		PerOperationGasBudget: 60,
		DailyOperationCount:   10,
		Active:                true,
	}
}

func newTestEngine(t *testing.T, policy *Policy, opts ...Option) *Engine {
	t.Helper()
	store := NewMemoryStore()
	engine := NewEngine(store, opts...)
	if policy != nil {
		if err := engine.SetGlobalPolicy(context.Background(), policy); err != nil {
			t.Fatalf("seed global policy: %v", err)
		}
	}
	return engine
}

func admitAndConfirm(t *testing.T, engine *Engine, principal common.Address, gas uint64, price int64) {
	t.Helper()
	ctx := context.Background()
	admission, err := engine.Admit(ctx, principal, gas, big.NewInt(price))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := engine.Confirm(ctx, admission.Reservation, admission.Reservation.Cost); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func TestAdmitEnforcesDailyGasBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine := newTestEngine(t, basePolicy(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	admitAndConfirm(t, engine, alice, 60, 1)

	if _, err := engine.Admit(ctx, alice, 60, big.NewInt(1)); !errors.Is(err, ErrDailyGasLimit) {
		t.Fatalf("expected daily gas limit, got %v", err)
	}

	// The remainder of the budget still admits a smaller operation.
	admitAndConfirm(t, engine, alice, 40, 1)

	// Another principal's budget is untouched.
	admitAndConfirm(t, engine, bob, 60, 1)

	// Rolling into the next day resets the counters.
	now = now.Add(24 * time.Hour)
	admitAndConfirm(t, engine, alice, 60, 1)
}

func TestAdmitEnforcesPerOperationBudget(t *testing.T) {
	engine := newTestEngine(t, basePolicy())
	ctx := context.Background()

	if _, err := engine.Admit(ctx, alice, 61, big.NewInt(1)); !errors.Is(err, ErrPerOperationLimit) {
		t.Fatalf("expected per-operation limit, got %v", err)
	}
	// Cost overflow is treated as exceeding any budget.
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	if _, err := engine.Admit(ctx, alice, 21000, huge); !errors.Is(err, ErrPerOperationLimit) {
		t.Fatalf("expected per-operation limit on overflow, got %v", err)
	}
}

func TestAdmitEnforcesDailyOperationCount(t *testing.T) {
	policy := basePolicy()
	policy.DailyOperationCount = 2
	engine := newTestEngine(t, policy)

	admitAndConfirm(t, engine, alice, 1, 1)
	admitAndConfirm(t, engine, alice, 1, 1)
	if _, err := engine.Admit(context.Background(), alice, 1, big.NewInt(1)); !errors.Is(err, ErrDailyCountLimit) {
		t.Fatalf("expected daily count limit, got %v", err)
	}
}

func TestAdmitRequiresWhitelist(t *testing.T) {
	policy := basePolicy()
	policy.RequireWhitelist = true
	engine := newTestEngine(t, policy)
	ctx := context.Background()

	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrWhitelistRequired) {
		t.Fatalf("expected whitelist rejection, got %v", err)
	}
	if err := engine.SetWhitelist(ctx, alice, true); err != nil {
		t.Fatalf("set whitelist: %v", err)
	}
	admitAndConfirm(t, engine, alice, 10, 1)

	if err := engine.SetWhitelist(ctx, alice, false); err != nil {
		t.Fatalf("clear whitelist: %v", err)
	}
	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrWhitelistRequired) {
		t.Fatalf("expected whitelist rejection after removal, got %v", err)
	}
}

func TestAdmitRequiresVerificationLevel(t *testing.T) {
	policy := basePolicy()
	policy.RequireVerification = true
	policy.MinVerificationLevel = 3
	verifier := verify.NewMemoryProvider()
	engine := newTestEngine(t, policy, WithVerifier(verifier))
	ctx := context.Background()

	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrVerificationInsufficient) {
		t.Fatalf("expected verification rejection, got %v", err)
	}
	verifier.SetLevel(alice, 2)
	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrVerificationInsufficient) {
		t.Fatalf("expected rejection below minimum level, got %v", err)
	}
	verifier.SetLevel(alice, 3)
	admitAndConfirm(t, engine, alice, 10, 1)
}

func TestAccountPolicyOverridesGlobal(t *testing.T) {
	engine := newTestEngine(t, basePolicy())
	ctx := context.Background()

	override := basePolicy()
	override.PerOperationGasBudget = 5
	if err := engine.SetAccountPolicy(ctx, alice, override); err != nil {
		t.Fatalf("set override: %v", err)
	}

	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrPerOperationLimit) {
		t.Fatalf("expected override per-operation limit, got %v", err)
	}
	// Other principals still get the global policy.
	admitAndConfirm(t, engine, bob, 10, 1)
}

func TestInactivePoliciesFailClosed(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("expected policy-not-found, got %v", err)
	}

	inactive := basePolicy()
	inactive.Active = false
	if err := engine.SetGlobalPolicy(ctx, inactive); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrPolicyInactive) {
		t.Fatalf("expected inactive rejection, got %v", err)
	}

	// An inactive override switches a principal off even when the global
	// default is active.
	if err := engine.SetGlobalPolicy(ctx, basePolicy()); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if err := engine.SetAccountPolicy(ctx, alice, inactive); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if _, err := engine.Admit(ctx, alice, 10, big.NewInt(1)); !errors.Is(err, ErrPolicyInactive) {
		t.Fatalf("expected override inactive rejection, got %v", err)
	}
	admitAndConfirm(t, engine, bob, 10, 1)
}

func TestConcurrentAdmissionsCannotOverrunBudget(t *testing.T) {
	policy := basePolicy()
	policy.DailyGasBudget = 60
	policy.PerOperationGasBudget = 60
	engine := newTestEngine(t, policy)

	const attempts = 8
	var wg sync.WaitGroup
	admitted := make(chan *Admission, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admission, err := engine.Admit(context.Background(), alice, 60, big.NewInt(1))
			if err == nil {
				admitted <- admission
			}
		}()
	}
	wg.Wait()
	close(admitted)

	var winners []*Admission
	for admission := range admitted {
		winners = append(winners, admission)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one admission, got %d", len(winners))
	}

	// Releasing the reservation makes the allowance available again.
	engine.Release(winners[0].Reservation)
	admitAndConfirm(t, engine, alice, 60, 1)
}

func TestConfirmSettlesActualCost(t *testing.T) {
	engine := newTestEngine(t, basePolicy())
	ctx := context.Background()

	admission, err := engine.Admit(ctx, alice, 60, big.NewInt(1))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	// Execution ended up cheaper than the reservation.
	if err := engine.Confirm(ctx, admission.Reservation, 30); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := engine.Confirm(ctx, admission.Reservation, 30); err == nil {
		t.Fatal("expected double confirm to fail")
	}

	allowance, err := engine.RemainingAllowance(ctx, alice)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.GasRemaining != 70 {
		t.Fatalf("gas remaining = %d, want 70", allowance.GasRemaining)
	}
	if allowance.OpsRemaining != 9 {
		t.Fatalf("ops remaining = %d, want 9", allowance.OpsRemaining)
	}
}

func TestConfirmSettlesIntoReservationDay(t *testing.T) {
	// Reserve shortly before midnight, confirm after the rollover. The
	// cost belongs to the day the reservation was admitted into; the new
	// day's budget stays whole.
	now := time.Unix(1_700_000_000, 0)
	beforeMidnight := time.Unix((DayIndex(now)+1)*SecondsPerDay-1, 0)
	engine := newTestEngine(t, basePolicy(), WithClock(func() time.Time { return beforeMidnight }))
	ctx := context.Background()

	admission, err := engine.Admit(ctx, alice, 60, big.NewInt(1))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	reservedDay := admission.Reservation.Day

	beforeMidnight = beforeMidnight.Add(2 * time.Second)
	if err := engine.Confirm(ctx, admission.Reservation, 60); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// The new day admits a full budget's worth.
	admitAndConfirm(t, engine, alice, 60, 1)
	admitAndConfirm(t, engine, alice, 40, 1)

	// And the settled cost landed on the old day.
	usage, err := engine.store.Usage(ctx, alice, reservedDay)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.GasConsumed != 60 || usage.Operations != 1 {
		t.Fatalf("old-day usage = %+v, want the settled cost", usage)
	}
}

func TestCheckReservesNothing(t *testing.T) {
	engine := newTestEngine(t, basePolicy())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		admission, err := engine.Check(ctx, alice, 60, big.NewInt(1))
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if admission.Reservation != nil {
			t.Fatal("check must not create reservations")
		}
		if admission.GasRemaining != 40 {
			t.Fatalf("gas remaining = %d, want 40", admission.GasRemaining)
		}
	}
}

func TestAdmissionReportsMaxGasPrice(t *testing.T) {
	engine := newTestEngine(t, basePolicy())

	admission, err := engine.Check(context.Background(), alice, 20, big.NewInt(1))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// 60 budget units across 20 gas.
	if admission.MaxGasPrice.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("max gas price = %s, want 3", admission.MaxGasPrice)
	}
}

func TestSeedInstallsPoliciesAndWhitelist(t *testing.T) {
	raw := []byte(`
global:
  daily_gas_budget: 100
  per_operation_gas_budget: 60
  daily_operation_count: 10
  require_whitelist: true
  active: true
accounts:
  "0xb0b0000000000000000000000000000000000002":
    daily_gas_budget: 50
    per_operation_gas_budget: 50
    daily_operation_count: 2
    active: true
whitelist:
  - "0xa11ce00000000000000000000000000000000001"
`)
	seed, err := ParseSeed(raw)
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	if err := ApplySeed(ctx, engine, seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}

	admitAndConfirm(t, engine, alice, 10, 1)

	policy, err := engine.ResolvePolicy(ctx, bob)
	if err != nil {
		t.Fatalf("resolve override: %v", err)
	}
	if policy.DailyGasBudget != 50 {
		t.Fatalf("override daily budget = %d, want 50", policy.DailyGasBudget)
	}
}

func TestParseSeedRejectsBadInput(t *testing.T) {
	if _, err := ParseSeed([]byte("global: {daily_gas_budget: 0}")); err == nil {
		t.Fatal("expected invalid global policy to fail")
	}
	if _, err := ParseSeed([]byte("whitelist: [not-an-address]")); err == nil {
		t.Fatal("expected invalid whitelist entry to fail")
	}
}
