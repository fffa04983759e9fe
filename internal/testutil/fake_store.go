package testutil

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// FakeStore is an in-memory storage.CredentialStore for testing. Records are
// copied on the way in and out so callers never share memory with the store.
type FakeStore struct {
	mu      sync.RWMutex
	users   map[string]*gateway.User
	keys    map[string]*gateway.APIKey
	touches map[string]int // key or user id -> touch count
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:   make(map[string]*gateway.User),
		keys:    make(map[string]*gateway.APIKey),
		touches: make(map[string]int),
	}
}

// Touches returns how many times TouchKeyUsed or TouchUserLogin hit id.
func (s *FakeStore) Touches(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touches[id]
}

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return gateway.ErrConflict
		}
	}
	if _, ok := s.users[u.ID]; ok {
		return gateway.ErrConflict
	}
	c := *u
	s.users[u.ID] = &c
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *FakeStore) GetUserByUsername(_ context.Context, username string) (*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListUsers(_ context.Context, offset, limit int) ([]*gateway.User, error) {
	s.mu.RLock()
	out := make([]*gateway.User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		out = append(out, &c)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *gateway.User) int { return strings.Compare(a.ID, b.ID) })
	return page(out, offset, limit), nil
}

func (s *FakeStore) UpdateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return gateway.ErrNotFound
	}
	c := *u
	s.users[u.ID] = &c
	return nil
}

func (s *FakeStore) TouchUserLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return gateway.ErrNotFound
	}
	u.LastLogin = &at
	s.touches[id]++
	return nil
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return gateway.ErrConflict
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	c := *k
	return &c, nil
}

func (s *FakeStore) ListKeys(_ context.Context, userID string, offset, limit int) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if userID == "" || k.UserID == userID {
			c := *k
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *gateway.APIKey) int { return strings.Compare(a.ID, b.ID) })
	return page(out, offset, limit), nil
}

func (s *FakeStore) RevokeKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.Enabled = false
	k.RevokedAt = &at
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.LastUsedAt = &at
	s.touches[id]++
	return nil
}

func (s *FakeStore) CountKeys(context.Context) (active, revoked int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		switch {
		case k.RevokedAt != nil:
			revoked++
		case k.Enabled:
			active++
		}
	}
	return active, revoked, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
