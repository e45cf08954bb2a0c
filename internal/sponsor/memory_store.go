package sponsor

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type usageKey struct {
	principal common.Address
	day       int64
}

// MemoryStore keeps sponsorship configuration and usage in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	global    *Policy
	overrides map[common.Address]*Policy
	whitelist map[common.Address]bool
	usage     map[usageKey]Usage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		overrides: make(map[common.Address]*Policy),
		whitelist: make(map[common.Address]bool),
		usage:     make(map[usageKey]Usage),
	}
}

// GlobalPolicy implements Store.
func (m *MemoryStore) GlobalPolicy(_ context.Context) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.global == nil {
		return nil, ErrPolicyNotFound
	}
	return m.global.clone(), nil
}

// AccountPolicy implements Store.
func (m *MemoryStore) AccountPolicy(_ context.Context, principal common.Address) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policy, ok := m.overrides[principal]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return policy.clone(), nil
}

// SetGlobalPolicy implements Store.
func (m *MemoryStore) SetGlobalPolicy(_ context.Context, policy *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = policy.clone()
	return nil
}

// SetAccountPolicy implements Store.
func (m *MemoryStore) SetAccountPolicy(_ context.Context, principal common.Address, policy *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[principal] = policy.clone()
	return nil
}

// Whitelisted implements Store.
func (m *MemoryStore) Whitelisted(_ context.Context, principal common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.whitelist[principal], nil
}

// SetWhitelist implements Store.
func (m *MemoryStore) SetWhitelist(_ context.Context, principal common.Address, allowed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.whitelist[principal] = true
	} else {
		delete(m.whitelist, principal)
	}
	return nil
}

// Usage implements Store.
func (m *MemoryStore) Usage(_ context.Context, principal common.Address, day int64) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if usage, ok := m.usage[usageKey{principal: principal, day: day}]; ok {
		return usage, nil
	}
	return Usage{Day: day}, nil
}

// AddUsage implements Store.
func (m *MemoryStore) AddUsage(_ context.Context, principal common.Address, day int64, gas, operations uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey{principal: principal, day: day}
	usage := m.usage[key]
	usage.Day = day
	usage.GasConsumed += gas
	usage.Operations += operations
	m.usage[key] = usage
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
