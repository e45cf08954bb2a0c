package account

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Patron-Relay/internal/ledger"
)

var testChainID = big.NewInt(1337)

func newTestAccount(t *testing.T) (*Account, *ecdsa.PrivateKey, *ledger.Memory) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	mem := ledger.NewMemory()
	registry := NewRegistry(testChainID, mem, NewMemoryStore())
	acct, err := registry.Delegate(context.Background(), owner, common.HexToAddress("0x50"))
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	return acct, key, mem
}

func signedOp(t *testing.T, acct *Account, key *ecdsa.PrivateKey, nonce uint64, target common.Address) *Operation {
	t.Helper()
	op := &Operation{
		Sender:       acct.Address(),
		Target:       target,
		Value:        big.NewInt(0),
		Payload:      []byte("ping"),
		Nonce:        nonce,
		GasLimit:     100000,
		MaxFeePerGas: big.NewInt(1),
	}
	if err := op.Sign(key, acct.Address(), testChainID); err != nil {
		t.Fatalf("sign op: %v", err)
	}
	return op
}

func TestDelegateInitializesExactlyOnce(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	registry := NewRegistry(testChainID, ledger.NewMemory(), NewMemoryStore())
	ctx := context.Background()

	acct, err := registry.Delegate(ctx, owner, common.Address{})
	if err != nil {
		t.Fatalf("first delegate: %v", err)
	}
	if acct.Owner() != owner {
		t.Fatalf("unexpected owner %s", acct.Owner().Hex())
	}
	if acct.Nonce() != 0 {
		t.Fatalf("fresh account nonce should be 0, got %d", acct.Nonce())
	}

	if _, err := registry.Delegate(ctx, owner, common.Address{}); !stdErrors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second delegate: expected ALREADY_INITIALIZED, got %v", err)
	}
}

func TestExecuteOperationAdvancesNonceAndRejectsReplay(t *testing.T) {
	acct, key, _ := newTestAccount(t)
	ctx := context.Background()
	target := common.HexToAddress("0x1000")

	op := signedOp(t, acct, key, 0, target)
	relayCaller := common.HexToAddress("0xabc")

	result, err := acct.ExecuteOperation(ctx, relayCaller, op)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.NewNonce != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if acct.Nonce() != 1 {
		t.Fatalf("nonce should be 1, got %d", acct.Nonce())
	}

	// Resubmitting the same signed operation must fail the nonce check.
	if _, err := acct.ExecuteOperation(ctx, relayCaller, op); !stdErrors.Is(err, ErrInvalidNonce) {
		t.Fatalf("replay: expected INVALID_NONCE, got %v", err)
	}
}

func TestSignatureMalleability(t *testing.T) {
	acct, key, _ := newTestAccount(t)
	ctx := context.Background()
	caller := common.HexToAddress("0xabc")

	mutations := map[string]func(op *Operation){
		"target":  func(op *Operation) { op.Target = common.HexToAddress("0xdead") },
		"value":   func(op *Operation) { op.Value = big.NewInt(7) },
		"payload": func(op *Operation) { op.Payload = []byte("pong") },
		"nonce":   func(op *Operation) { op.Nonce = 1 },
	}
	for name, mutate := range mutations {
		op := signedOp(t, acct, key, 0, common.HexToAddress("0x1000"))
		mutate(op)
		if op.Nonce == acct.Nonce() {
			if _, err := acct.ExecuteOperation(ctx, caller, op); !stdErrors.Is(err, ErrInvalidSignature) {
				t.Fatalf("mutation %q: expected INVALID_SIGNATURE, got %v", name, err)
			}
		} else {
			// A mutated nonce fails ordering before signature recovery.
			if _, err := acct.ExecuteOperation(ctx, caller, op); !stdErrors.Is(err, ErrInvalidNonce) {
				t.Fatalf("mutation %q: expected INVALID_NONCE, got %v", name, err)
			}
		}
	}

	// A signature from a different key never verifies.
	otherKey, _ := crypto.GenerateKey()
	op := signedOp(t, acct, otherKey, 0, common.HexToAddress("0x1000"))
	if _, err := acct.ExecuteOperation(ctx, caller, op); !stdErrors.Is(err, ErrInvalidSignature) {
		t.Fatalf("foreign key: expected INVALID_SIGNATURE, got %v", err)
	}
}

func TestCrossAccountAndCrossChainHashDiffers(t *testing.T) {
	op := &Operation{
		Sender:       common.HexToAddress("0x1"),
		Target:       common.HexToAddress("0x2"),
		Value:        big.NewInt(1),
		Nonce:        0,
		GasLimit:     21000,
		MaxFeePerGas: big.NewInt(1),
	}
	base := op.Hash(common.HexToAddress("0xa"), big.NewInt(1))
	if op.Hash(common.HexToAddress("0xb"), big.NewInt(1)) == base {
		t.Fatal("hash must bind the account identity")
	}
	if op.Hash(common.HexToAddress("0xa"), big.NewInt(2)) == base {
		t.Fatal("hash must bind the chain id")
	}
}

func TestTargetFailureRollsBackAndKeepsNonce(t *testing.T) {
	acct, key, mem := newTestAccount(t)
	ctx := context.Background()
	target := common.HexToAddress("0x2000")

	mem.RegisterHandler(target, func(msg ledger.CallMsg, state *ledger.KV) ([]byte, uint64, error) {
		state.Set(msg.To, "touched", []byte("yes"))
		return nil, 30000, stdErrors.New("vault rejected deposit")
	})

	op := signedOp(t, acct, key, 0, target)
	_, err := acct.ExecuteOperation(ctx, common.HexToAddress("0xabc"), op)
	if !stdErrors.Is(err, ErrTargetCallFailed) {
		t.Fatalf("expected TARGET_CALL_FAILED, got %v", err)
	}
	if acct.Nonce() != 0 {
		t.Fatalf("nonce must not advance on target failure, got %d", acct.Nonce())
	}
	// Retrying with the same nonce after the target recovers must work.
	mem.RegisterHandler(target, func(msg ledger.CallMsg, state *ledger.KV) ([]byte, uint64, error) {
		return []byte("ok"), 30000, nil
	})
	if _, err := acct.ExecuteOperation(ctx, common.HexToAddress("0xabc"), op); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if acct.Nonce() != 1 {
		t.Fatalf("nonce should be 1 after successful retry, got %d", acct.Nonce())
	}
}

func TestBatchAtomicity(t *testing.T) {
	acct, key, mem := newTestAccount(t)
	ctx := context.Background()

	good := common.HexToAddress("0x3001")
	bad := common.HexToAddress("0x3002")
	mem.RegisterHandler(good, func(msg ledger.CallMsg, state *ledger.KV) ([]byte, uint64, error) {
		if string(msg.Data) == "read" {
			stored, _ := state.Get(msg.To, "counter")
			return stored, 25000, nil
		}
		count := byte(1)
		if stored, ok := state.Get(msg.To, "counter"); ok && len(stored) == 1 {
			count = stored[0] + 1
		}
		state.Set(msg.To, "counter", []byte{count})
		return nil, 25000, nil
	})
	mem.RegisterHandler(bad, func(msg ledger.CallMsg, state *ledger.KV) ([]byte, uint64, error) {
		return nil, 25000, stdErrors.New("harvest reverted")
	})

	ops := []*Operation{
		signedOp(t, acct, key, 0, good),
		signedOp(t, acct, key, 1, bad),
		signedOp(t, acct, key, 2, good),
	}
	if _, err := acct.ExecuteBatch(ctx, common.HexToAddress("0xabc"), ops); !stdErrors.Is(err, ErrTargetCallFailed) {
		t.Fatalf("expected TARGET_CALL_FAILED, got %v", err)
	}
	if acct.Nonce() != 0 {
		t.Fatalf("nonce must be unchanged after aborted batch, got %d", acct.Nonce())
	}

	// Target-side state from the first (successful) call must be gone.
	readBack, err := mem.SimulateCall(ctx, ledger.CallMsg{From: acct.Address(), To: good, Data: []byte("read"), Gas: 100000})
	if err != nil {
		t.Fatalf("read back target state: %v", err)
	}
	if len(readBack.ReturnData) != 0 {
		t.Fatalf("target state survived an aborted batch: %v", readBack.ReturnData)
	}

	// Replace the failing target and rerun the full batch.
	mem.RegisterHandler(bad, func(msg ledger.CallMsg, state *ledger.KV) ([]byte, uint64, error) {
		return nil, 25000, nil
	})
	results, err := acct.ExecuteBatch(ctx, common.HexToAddress("0xabc"), ops)
	if err != nil {
		t.Fatalf("batch after fix: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if acct.Nonce() != 3 {
		t.Fatalf("nonce should advance by batch length, got %d", acct.Nonce())
	}
}

// batchLedger counts how operations reach the ledger so tests can tell the
// batched round trip from sequential calls.
type batchLedger struct {
	calls      int
	batchCalls int
	batchSize  int
}

func (b *batchLedger) Call(_ context.Context, _ ledger.CallMsg) (ledger.Result, error) {
	b.calls++
	return ledger.Result{Success: true, GasUsed: 21000}, nil
}

func (b *batchLedger) SimulateCall(_ context.Context, _ ledger.CallMsg) (ledger.Result, error) {
	return ledger.Result{Success: true, GasUsed: 21000}, nil
}

func (b *batchLedger) EstimateGas(_ context.Context, _ ledger.CallMsg) (uint64, error) {
	return 21000, nil
}

func (b *batchLedger) CallBatch(_ context.Context, msgs []ledger.CallMsg) ([]ledger.Result, error) {
	b.batchCalls++
	b.batchSize = len(msgs)
	results := make([]ledger.Result, len(msgs))
	for i := range results {
		results[i] = ledger.Result{Success: true, GasUsed: 21000}
	}
	return results, nil
}

func TestExecuteBatchUsesSingleLedgerRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	stub := &batchLedger{}
	registry := NewRegistry(testChainID, stub, NewMemoryStore())
	ctx := context.Background()
	acct, err := registry.Delegate(ctx, owner, common.HexToAddress("0x50"))
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	target := common.HexToAddress("0x1000")
	ops := []*Operation{
		signedOp(t, acct, key, 0, target),
		signedOp(t, acct, key, 1, target),
		signedOp(t, acct, key, 2, target),
	}
	results, err := acct.ExecuteBatch(ctx, common.HexToAddress("0xabc"), ops)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 3 || acct.Nonce() != 3 {
		t.Fatalf("results=%d nonce=%d", len(results), acct.Nonce())
	}
	if stub.batchCalls != 1 || stub.batchSize != 3 {
		t.Fatalf("batchCalls=%d batchSize=%d, want one batch of 3", stub.batchCalls, stub.batchSize)
	}
	if stub.calls != 0 {
		t.Fatalf("batch fell back to %d sequential calls", stub.calls)
	}
}

func TestBatchRejectsGapsAndReordering(t *testing.T) {
	acct, key, _ := newTestAccount(t)
	ctx := context.Background()
	target := common.HexToAddress("0x1000")

	gapped := []*Operation{
		signedOp(t, acct, key, 0, target),
		signedOp(t, acct, key, 2, target),
	}
	if _, err := acct.ExecuteBatch(ctx, common.HexToAddress("0xabc"), gapped); !stdErrors.Is(err, ErrInvalidNonce) {
		t.Fatalf("gap: expected INVALID_NONCE, got %v", err)
	}

	swapped := []*Operation{
		signedOp(t, acct, key, 1, target),
		signedOp(t, acct, key, 0, target),
	}
	if _, err := acct.ExecuteBatch(ctx, common.HexToAddress("0xabc"), swapped); !stdErrors.Is(err, ErrInvalidNonce) {
		t.Fatalf("reorder: expected INVALID_NONCE, got %v", err)
	}
}

func TestDirectExecuteIsOwnerOnly(t *testing.T) {
	acct, _, _ := newTestAccount(t)
	ctx := context.Background()
	target := common.HexToAddress("0x1000")

	if _, err := acct.Execute(ctx, common.HexToAddress("0xbad"), target, nil, nil); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger: expected UNAUTHORIZED, got %v", err)
	}
	if _, err := acct.Execute(ctx, acct.Owner(), target, nil, nil); err != nil {
		t.Fatalf("owner direct call: %v", err)
	}
	if acct.Nonce() != 0 {
		t.Fatalf("direct call must not touch the nonce, got %d", acct.Nonce())
	}
}

func TestSetSponsorIsOwnerOnly(t *testing.T) {
	acct, _, _ := newTestAccount(t)
	ctx := context.Background()
	next := common.HexToAddress("0x5000")

	if err := acct.SetSponsor(ctx, common.HexToAddress("0xbad"), next); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger: expected UNAUTHORIZED, got %v", err)
	}
	if err := acct.SetSponsor(ctx, acct.Owner(), next); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if acct.Sponsor() != next {
		t.Fatalf("sponsor not updated, got %s", acct.Sponsor().Hex())
	}
}

func TestUnsignedOperationFromStrangerIsUnauthorized(t *testing.T) {
	acct, _, _ := newTestAccount(t)
	ctx := context.Background()

	op := &Operation{
		Sender:       acct.Address(),
		Target:       common.HexToAddress("0x1000"),
		Nonce:        0,
		GasLimit:     21000,
		MaxFeePerGas: big.NewInt(1),
	}
	if _, err := acct.ExecuteOperation(ctx, common.HexToAddress("0xbad"), op); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestRegistryRehydratesFromStore(t *testing.T) {
	key, _ := crypto.GenerateKey()
	owner := crypto.PubkeyToAddress(key.PublicKey)
	store := NewMemoryStore()
	mem := ledger.NewMemory()
	ctx := context.Background()

	first := NewRegistry(testChainID, mem, store)
	acct, err := first.Delegate(ctx, owner, common.Address{})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	op := signedOp(t, acct, key, 0, common.HexToAddress("0x1000"))
	if _, err := acct.ExecuteOperation(ctx, owner, op); err != nil {
		t.Fatalf("execute: %v", err)
	}

	second := NewRegistry(testChainID, mem, store)
	reloaded, err := second.Get(ctx, owner)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Nonce() != 1 {
		t.Fatalf("reloaded nonce should be 1, got %d", reloaded.Nonce())
	}
	if _, err := second.Delegate(ctx, owner, common.Address{}); !stdErrors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("delegate over persisted account: expected ALREADY_INITIALIZED, got %v", err)
	}
}
