package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Patron-Relay/internal/errors"
)

// MemoryStore keeps submissions in process memory, mainly for tests and
// single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*Submission
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{submissions: make(map[string]*Submission)}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, sub *Submission) error {
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission is nil")
	}
	if sub.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission ID is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submissions[sub.ID]; ok {
		return ErrSubmissionConflict
	}
	now := time.Now().Unix()
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m.submissions[sub.ID] = cloneSubmission(sub)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return cloneSubmission(sub), nil
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, id string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	switch sub.Status {
	case StatusSucceeded:
		return cloneSubmission(sub), ErrSubmissionCompleted
	case StatusRunning:
		return cloneSubmission(sub), ErrSubmissionConflict
	}
	if sub.Attempts >= sub.MaxRetries {
		return cloneSubmission(sub), ErrSubmissionExhausted
	}
	sub.Status = StatusRunning
	sub.Attempts++
	sub.LastError = ""
	sub.ErrorCode = ""
	sub.UpdatedAt = time.Now().Unix()
	return cloneSubmission(sub), nil
}

// MarkSucceeded implements Store.
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, receipts []Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.Status = StatusSucceeded
	sub.Receipts = append([]Receipt(nil), receipts...)
	sub.LastError = ""
	sub.ErrorCode = ""
	sub.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	if terminal {
		sub.Status = StatusFailed
	} else {
		sub.Status = StatusPending
	}
	sub.LastError = lastError
	sub.ErrorCode = string(code)
	sub.UpdatedAt = time.Now().Unix()
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Submission, error) {
	options := buildListOptions(opts)
	m.mu.RLock()
	matched := make([]*Submission, 0, len(m.submissions))
	for _, sub := range m.submissions {
		if options.matches(sub) {
			matched = append(matched, cloneSubmission(sub))
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if options.Order == SortByUpdatedAsc {
			return matched[i].UpdatedAt < matched[j].UpdatedAt
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})

	if options.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, sub := range m.submissions {
		stats.observe(sub)
	}
	return stats, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func cloneSubmission(sub *Submission) *Submission {
	clone := *sub
	clone.Operations = append(clone.Operations[:0:0], sub.Operations...)
	clone.Receipts = append([]Receipt(nil), sub.Receipts...)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
