package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// MemoryBackend keeps documents in process memory. Used for tests and for
// ephemeral sessions that must not touch the disk.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
	name string
	log  *slog.Logger
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(log *slog.Logger) *MemoryBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBackend{
		data: make(map[string][]byte),
		name: "memory-" + uuid.NewString()[:8],
		log:  log,
	}
}

func (b *MemoryBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[key] = append([]byte(nil), data...)
	b.log.Debug("Stored document in memory", slog.String("key", key), slog.Int("size", len(data)))
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.data, key)
	return nil
}

// Available always reports true.
func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return b.name
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://" + b.name
}

// Len returns the number of stored documents.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}
