package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// BadgerBackend keeps documents in an embedded badger database. The
// directory is locked by the process while the backend is open.
type BadgerBackend struct {
	db          *badger.DB
	log         *slog.Logger
	locationURI string
}

// NewBadgerBackend opens (or creates) the database in dir. An empty dir
// opens an in-memory database.
func NewBadgerBackend(dir string, log *slog.Logger) (*BadgerBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	// key material must survive a crash right after it was generated
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	location := "badger://" + dir
	if dir == "" {
		location = "badger://"
	}
	return &BadgerBackend{db: db, log: log, locationURI: location}, nil
}

func (b *BadgerBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (b *BadgerBackend) Store(ctx context.Context, key string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	b.log.Debug("Stored document in badger", slog.String("key", key), slog.Int("size", len(data)))
	return nil
}

func (b *BadgerBackend) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Available reports whether the database is still open.
func (b *BadgerBackend) Available(ctx context.Context) bool {
	return !b.db.IsClosed()
}

func (b *BadgerBackend) Name() string {
	return "badger"
}

func (b *BadgerBackend) LocationURI() string {
	return b.locationURI
}

// Close releases the database and its directory lock.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
