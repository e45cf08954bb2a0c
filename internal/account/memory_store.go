package account

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps account state in process memory. It backs the "memory"
// storage driver and the test suite.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[common.Address]State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[common.Address]State)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, addr common.Address) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.accounts[addr]
	if !ok {
		return State{}, ErrAccountNotFound
	}
	return state, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[state.Address] = state
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make([]State, 0, len(m.accounts))
	for _, state := range m.accounts {
		states = append(states, state)
	}
	return states, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
