package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// rolePermissions expands the relay's well-known roles into concrete
// permissions. Unknown roles grant nothing on their own; explicit
// permissions in a seed are always additive.
var rolePermissions = map[string][]string{
	"admin":    {PermRelaySubmit, PermRelayRead, PermPolicyAdmin},
	"operator": {PermRelaySubmit, PermRelayRead},
	"reader":   {PermRelayRead},
}

// memoryRecord pairs the credential half with the authorization half of an
// account so both stay consistent under upserts.
type memoryRecord struct {
	user    User
	subject Subject
}

// MemoryStore is the in-process user catalogue backing the jwt mode in
// development and small deployments without an external directory.
type MemoryStore struct {
	mu     sync.RWMutex
	byName map[string]*memoryRecord
	byID   map[int64]*memoryRecord
	nextID int64
}

// NewMemoryStore builds a catalogue from the configured seeds. Duplicate
// usernames keep the first occurrence.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		byName: make(map[string]*memoryRecord),
		byID:   make(map[int64]*memoryRecord),
		nextID: 1,
	}
	for _, seed := range seeds {
		username := strings.TrimSpace(seed.Username)
		if username == "" {
			continue
		}
		if _, exists := store.byName[username]; exists {
			continue
		}
		if err := store.insert(username, seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed upserts one account, replacing credentials and grants while
// keeping the account's identifier stable.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.byName[username]; ok {
		return s.update(record, seed)
	}
	return s.insert(username, seed)
}

// FindUserByUsername retrieves the credential record for login.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byName[strings.TrimSpace(username)]
	if !ok {
		return nil, errors.New("user not found")
	}
	user := record.user
	return &user, nil
}

// LoadSubject returns the authorization view with roles expanded into
// permissions.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byID[userID]
	if !ok {
		return nil, errors.New("subject not found")
	}
	return record.subject.Clone(), nil
}

// insert assumes the write lock is held or the store is not yet shared.
func (s *MemoryStore) insert(username string, seed Seed) error {
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	record := &memoryRecord{
		user: User{
			ID:           s.nextID,
			Username:     username,
			PasswordHash: hashed,
			Disabled:     seed.Disabled,
		},
	}
	record.subject = buildSubject(s.nextID, username, seed)
	s.byName[username] = record
	s.byID[record.user.ID] = record
	s.nextID++
	return nil
}

func (s *MemoryStore) update(record *memoryRecord, seed Seed) error {
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	record.user.PasswordHash = hashed
	record.user.Disabled = seed.Disabled
	record.subject = buildSubject(record.user.ID, record.user.Username, seed)
	return nil
}

func buildSubject(id int64, username string, seed Seed) Subject {
	subject := Subject{
		ID:          id,
		Username:    username,
		Roles:       normalizeGrants(seed.Roles),
		Permissions: normalizeGrants(append(expandRoles(seed.Roles), seed.Permissions...)),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	return subject
}

// expandRoles maps role names onto the relay permission catalogue.
func expandRoles(roles []string) []string {
	var perms []string
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		perms = append(perms, rolePermissions[role]...)
	}
	return perms
}

// normalizeGrants lowercases, deduplicates and sorts grant names so token
// claims stay stable across restarts.
func normalizeGrants(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
