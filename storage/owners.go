package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// MemoryDataOwnerStore is an in-process DataOwnerStore with optimistic
// concurrency on the record revision. Records are copied on the way in and
// out so callers never share maps with the store.
type MemoryDataOwnerStore struct {
	mu     sync.RWMutex
	owners map[string]*interfaces.DataOwner
}

// NewMemoryDataOwnerStore creates an empty store.
func NewMemoryDataOwnerStore() *MemoryDataOwnerStore {
	return &MemoryDataOwnerStore{owners: make(map[string]*interfaces.DataOwner)}
}

// Put inserts or replaces a record unconditionally and assigns a new revision.
func (s *MemoryDataOwnerStore) Put(owner *interfaces.DataOwner) *interfaces.DataOwner {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := owner.Clone()
	stored.Rev = uuid.NewString()
	s.owners[stored.ID] = stored
	return stored.Clone()
}

func (s *MemoryDataOwnerStore) Get(ctx context.Context, id string) (*interfaces.DataOwner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.owners[id]
	if !ok {
		return nil, fmt.Errorf("%w: data owner %s", interfaces.ErrNotFound, id)
	}
	return owner.Clone(), nil
}

func (s *MemoryDataOwnerStore) Update(ctx context.Context, owner *interfaces.DataOwner) (*interfaces.DataOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.owners[owner.ID]
	if !ok {
		return nil, fmt.Errorf("%w: data owner %s", interfaces.ErrNotFound, owner.ID)
	}
	if current.Rev != owner.Rev {
		return nil, fmt.Errorf("%w: data owner %s at rev %s, update based on %s",
			interfaces.ErrConcurrentModification, owner.ID, current.Rev, owner.Rev)
	}

	stored := owner.Clone()
	stored.Rev = uuid.NewString()
	s.owners[stored.ID] = stored
	return stored.Clone(), nil
}
