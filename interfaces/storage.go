package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// DataOwnerStore reads and updates published data owner records.
type DataOwnerStore interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*DataOwner, error)

	// Update persists the record. Returns ErrConcurrentModification when the
	// record's Rev is stale.
	Update(ctx context.Context, owner *DataOwner) (*DataOwner, error)
}

// ExchangeDataStore persists exchange data entities remotely.
type ExchangeDataStore interface {
	// Create stores a new entity.
	Create(ctx context.Context, data *ExchangeData) (*ExchangeData, error)

	// Modify updates an entity. Returns ErrConcurrentModification on a stale Rev.
	Modify(ctx context.Context, data *ExchangeData) (*ExchangeData, error)

	// GetByID returns the entity or ErrNotFound.
	GetByID(ctx context.Context, id string) (*ExchangeData, error)

	// GetByDelegatorDelegate returns all entities for the pair.
	GetByDelegatorDelegate(ctx context.Context, delegatorID, delegateID string) ([]*ExchangeData, error)

	// GetByParticipant lists entities where ownerID is delegator or delegate.
	// An empty NextPageToken marks the last page.
	GetByParticipant(ctx context.Context, ownerID string, pageToken string, pageSize int) (ExchangeDataPage, error)
}

// StorageBackend is a local key-value store for small secret documents.
type StorageBackend interface {
	// Fetch retrieves data by key. Returns ErrNotFound if absent.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Store saves data under key, replacing any previous value.
	Store(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StorageBackendLocation is a storage backend URI:
// [scheme]://[auth@]host[:port][/path][?params]
type StorageBackendLocation string

// Parse validates the location and returns its parsed form.
func (loc StorageBackendLocation) Parse() (*url.URL, error) {
	parsed, err := url.Parse(string(loc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	switch parsed.Scheme {
	case "file", "vault", "memory", "badger":
	default:
		return nil, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}
	return parsed, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return string(loc)
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates backend from URI.
	// Supports file://, vault://, memory://, badger://
	StorageBackendFor(locationURI StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend creates aggregated storage backend.
	CreateMultiBackend(locationURIs []StorageBackendLocation) (StorageBackend, error)
}
