package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"go.uber.org/atomic"
)

// MemoryExchangeDataStore is an in-process ExchangeDataStore. Listing by
// participant pages through entities ordered by id; the page token is the
// last id of the previous page.
type MemoryExchangeDataStore struct {
	mu   sync.RWMutex
	rows map[string]*interfaces.ExchangeData

	reads  atomic.Int64
	writes atomic.Int64
}

// NewMemoryExchangeDataStore creates an empty store.
func NewMemoryExchangeDataStore() *MemoryExchangeDataStore {
	return &MemoryExchangeDataStore{rows: make(map[string]*interfaces.ExchangeData)}
}

func (s *MemoryExchangeDataStore) Create(ctx context.Context, data *interfaces.ExchangeData) (*interfaces.ExchangeData, error) {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := data.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := s.rows[stored.ID]; exists {
		return nil, fmt.Errorf("%w: exchange data %s already exists", interfaces.ErrConcurrentModification, stored.ID)
	}
	stored.Rev = uuid.NewString()
	s.rows[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryExchangeDataStore) Modify(ctx context.Context, data *interfaces.ExchangeData) (*interfaces.ExchangeData, error) {
	s.writes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rows[data.ID]
	if !ok {
		return nil, fmt.Errorf("%w: exchange data %s", interfaces.ErrNotFound, data.ID)
	}
	if current.Rev != data.Rev {
		return nil, fmt.Errorf("%w: exchange data %s", interfaces.ErrConcurrentModification, data.ID)
	}

	stored := data.Clone()
	stored.Rev = uuid.NewString()
	s.rows[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryExchangeDataStore) GetByID(ctx context.Context, id string) (*interfaces.ExchangeData, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: exchange data %s", interfaces.ErrNotFound, id)
	}
	return row.Clone(), nil
}

func (s *MemoryExchangeDataStore) GetByDelegatorDelegate(ctx context.Context, delegatorID, delegateID string) ([]*interfaces.ExchangeData, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*interfaces.ExchangeData
	for _, row := range s.sortedLocked() {
		if row.Delegator == delegatorID && row.Delegate == delegateID {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (s *MemoryExchangeDataStore) GetByParticipant(ctx context.Context, ownerID string, pageToken string, pageSize int) (interfaces.ExchangeDataPage, error) {
	s.reads.Inc()
	if pageSize <= 0 {
		return interfaces.ExchangeDataPage{}, fmt.Errorf("invalid page size %d", pageSize)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var page interfaces.ExchangeDataPage
	for _, row := range s.sortedLocked() {
		if pageToken != "" && row.ID <= pageToken {
			continue
		}
		if row.Delegator != ownerID && row.Delegate != ownerID {
			continue
		}
		if len(page.Rows) == pageSize {
			page.NextPageToken = page.Rows[len(page.Rows)-1].ID
			break
		}
		page.Rows = append(page.Rows, row.Clone())
	}
	return page, nil
}

// Reads returns the number of read calls served.
func (s *MemoryExchangeDataStore) Reads() int64 {
	return s.reads.Load()
}

// Writes returns the number of create and modify calls served.
func (s *MemoryExchangeDataStore) Writes() int64 {
	return s.writes.Load()
}

// Tamper applies fn to the stored entity, bypassing revision checks.
func (s *MemoryExchangeDataStore) Tamper(id string, fn func(*interfaces.ExchangeData)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: exchange data %s", interfaces.ErrNotFound, id)
	}
	fn(row)
	return nil
}

func (s *MemoryExchangeDataStore) sortedLocked() []*interfaces.ExchangeData {
	rows := make([]*interfaces.ExchangeData, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b *interfaces.ExchangeData) int {
		return strings.Compare(a.ID, b.ID)
	})
	return rows
}
