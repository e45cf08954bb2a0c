package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Patron-Relay/internal/errors"
)

// BaseCallGas is charged for any invocation without a registered handler.
const BaseCallGas = 21000

// Handler implements the behaviour of one target address on the memory
// ledger. Returning an error marks the call as failed; any state written
// through the store during a failed call is rolled back by the caller.
type Handler func(msg CallMsg, state *KV) (ret []byte, gasUsed uint64, err error)

// KV is the address-keyed persistent storage exposed to handlers.
type KV struct {
	entries map[string][]byte
}

func newKV() *KV {
	return &KV{entries: make(map[string][]byte)}
}

// Get returns the stored value for a target-scoped key.
func (s *KV) Get(target common.Address, key string) ([]byte, bool) {
	v, ok := s.entries[target.Hex()+"/"+key]
	return v, ok
}

// Set writes a target-scoped key.
func (s *KV) Set(target common.Address, key string, value []byte) {
	s.entries[target.Hex()+"/"+key] = append([]byte(nil), value...)
}

func (s *KV) clone() *KV {
	clone := newKV()
	for k, v := range s.entries {
		clone.entries[k] = append([]byte(nil), v...)
	}
	return clone
}

// Memory is an in-process ledger with programmable targets, balance
// accounting and snapshot/rollback support. It backs tests and the "memory"
// ledger driver.
type Memory struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	state     *KV
	handlers  map[common.Address]Handler
	snapshots []memSnapshot
}

type memSnapshot struct {
	id       int
	balances map[common.Address]*big.Int
	state    *KV
}

// NewMemory creates an empty memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[common.Address]*big.Int),
		state:    newKV(),
		handlers: make(map[common.Address]Handler),
	}
}

// RegisterHandler installs the behaviour of a target address.
func (m *Memory) RegisterHandler(target common.Address, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[target] = handler
}

// Credit funds an address so value transfers can succeed.
func (m *Memory) Credit(addr common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addBalance(addr, amount)
}

// Balance returns the tracked balance of an address.
func (m *Memory) Balance(addr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Call applies the invocation, transferring value and dispatching to the
// registered handler. Unrecognized targets accept value and no-op.
func (m *Memory) Call(_ context.Context, msg CallMsg) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call(msg, true)
}

// CallBatch applies the invocations back to back under a single lock so no
// other caller interleaves with the batch.
func (m *Memory) CallBatch(_ context.Context, msgs []CallMsg) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]Result, len(msgs))
	for i, msg := range msgs {
		result, err := m.call(msg, true)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

// SimulateCall runs the invocation against a throwaway snapshot.
func (m *Memory) SimulateCall(_ context.Context, msg CallMsg) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.snapshot()
	result, err := m.call(msg, true)
	m.rollback(id)
	return result, err
}

// EstimateGas executes a trial call and reports the gas it consumed.
func (m *Memory) EstimateGas(_ context.Context, msg CallMsg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.snapshot()
	result, err := m.call(msg, false)
	m.rollback(id)
	if err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, xerrors.New(xerrors.CodeLedgerFailure, "gas estimation against reverting call")
	}
	return result.GasUsed, nil
}

// Snapshot captures the current ledger state.
func (m *Memory) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Rollback restores the state captured by Snapshot. Later snapshots are
// discarded.
func (m *Memory) Rollback(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollback(id)
}

func (m *Memory) snapshot() int {
	id := len(m.snapshots)
	balances := make(map[common.Address]*big.Int, len(m.balances))
	for addr, b := range m.balances {
		balances[addr] = new(big.Int).Set(b)
	}
	m.snapshots = append(m.snapshots, memSnapshot{id: id, balances: balances, state: m.state.clone()})
	return id
}

func (m *Memory) rollback(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	snap := m.snapshots[id]
	m.balances = snap.balances
	m.state = snap.state
	m.snapshots = m.snapshots[:id]
}

func (m *Memory) call(msg CallMsg, enforceGas bool) (Result, error) {
	if msg.Value != nil && msg.Value.Sign() > 0 {
		from := m.balanceOf(msg.From)
		if from.Cmp(msg.Value) < 0 {
			return Result{Success: false, ReturnData: []byte("insufficient balance")}, nil
		}
		from.Sub(from, msg.Value)
		m.addBalance(msg.To, msg.Value)
	}

	handler, ok := m.handlers[msg.To]
	if !ok {
		// Generic receive: value accepted above, unknown calldata is a no-op.
		return Result{Success: true, GasUsed: BaseCallGas}, nil
	}

	ret, gasUsed, err := handler(msg, m.state)
	if gasUsed == 0 {
		gasUsed = BaseCallGas
	}
	if err != nil {
		return Result{Success: false, ReturnData: []byte(err.Error()), GasUsed: gasUsed}, nil
	}
	if enforceGas && msg.Gas > 0 && gasUsed > msg.Gas {
		return Result{Success: false, ReturnData: fmt.Appendf(nil, "out of gas: used %d limit %d", gasUsed, msg.Gas), GasUsed: msg.Gas}, nil
	}
	return Result{Success: true, ReturnData: ret, GasUsed: gasUsed}, nil
}

func (m *Memory) balanceOf(addr common.Address) *big.Int {
	b, ok := m.balances[addr]
	if !ok {
		b = new(big.Int)
		m.balances[addr] = b
	}
	return b
}

func (m *Memory) addBalance(addr common.Address, amount *big.Int) {
	if amount == nil {
		return
	}
	m.balanceOf(addr).Add(m.balanceOf(addr), amount)
}

var (
	_ Invoker      = (*Memory)(nil)
	_ BatchInvoker = (*Memory)(nil)
	_ Snapshotter  = (*Memory)(nil)
)
