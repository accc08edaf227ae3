package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// MultiStorageBackend combines several key storage backends. Writes and
// deletes fan out to every reachable backend. Reads go through the backends
// in order; a document found in a later backend is copied back to the
// earlier ones that reported it missing.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{backends: backends, log: logger}
}

func (m *MultiStorageBackend) reachable(ctx context.Context) []interfaces.StorageBackend {
	res := make([]interfaces.StorageBackend, 0, len(m.backends))
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			res = append(res, backend)
		} else {
			m.log.Debug("Skipping unavailable backend", slog.String("backend", backend.Name()))
		}
	}
	return res
}

// Fetch returns ErrNotFound only if every reachable backend reported it.
func (m *MultiStorageBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	var missing []interfaces.StorageBackend
	var failures []error

	for _, backend := range m.reachable(ctx) {
		data, err := backend.Fetch(ctx, key)
		if err == nil {
			m.repair(ctx, missing, key, data)
			return data, nil
		}
		if errors.Is(err, interfaces.ErrNotFound) {
			missing = append(missing, backend)
			continue
		}
		m.log.Warn("Backend failed to fetch document", slog.String("backend", backend.Name()), slog.String("key", key), "err", err)
		failures = append(failures, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if len(failures) == 0 && len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, key)
	}
	return nil, fmt.Errorf("%w: no backend could serve %s: %w", interfaces.ErrBackendUnavailable, key, errors.Join(failures...))
}

func (m *MultiStorageBackend) repair(ctx context.Context, backends []interfaces.StorageBackend, key string, data []byte) {
	for _, backend := range backends {
		if err := backend.Store(ctx, key, data); err != nil {
			m.log.Warn("Failed to repair backend", slog.String("backend", backend.Name()), slog.String("key", key), "err", err)
			continue
		}
		m.log.Debug("Repaired backend", slog.String("backend", backend.Name()), slog.String("key", key))
	}
}

// Store succeeds when at least one reachable backend accepted the document.
func (m *MultiStorageBackend) Store(ctx context.Context, key string, data []byte) error {
	var failures []error
	stored := 0
	for _, backend := range m.reachable(ctx) {
		if err := backend.Store(ctx, key, data); err != nil {
			m.log.Warn("Backend failed to store document", slog.String("backend", backend.Name()), slog.String("key", key), "err", err)
			failures = append(failures, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		stored++
	}
	if stored == 0 {
		return fmt.Errorf("%w: no backend stored %s: %w", interfaces.ErrBackendUnavailable, key, errors.Join(failures...))
	}
	return nil
}

// Delete removes key from every reachable backend.
func (m *MultiStorageBackend) Delete(ctx context.Context, key string) error {
	var failures []error
	for _, backend := range m.reachable(ctx) {
		if err := backend.Delete(ctx, key); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(failures...)
}

func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	return len(m.reachable(ctx)) > 0
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}

// Close closes every backend holding resources.
func (m *MultiStorageBackend) Close() error {
	var errs []error
	for _, backend := range m.backends {
		if closer, ok := backend.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
