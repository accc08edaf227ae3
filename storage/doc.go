// Package storage provides local key-value storage for private key material
// and in-memory implementations of the remote data owner and exchange data
// stores.
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory://
//   - file:///var/lib/e2ee/keys/?passphrase=secret
//   - vault://vault.example.com:8200/secret/e2ee/device-1
//   - badger:///var/lib/e2ee/db
//
// # Sealed File Storage
//
// When a passphrase is given, the file backend derives an AES-256 key with
// argon2id from the passphrase and a random salt kept in the base directory.
// Each document is sealed with AES-GCM, using the storage key as additional
// data, so documents cannot be swapped between keys on disk.
//
// # Multi-Backend Storage
//
// MultiStorageBackend writes every document to all available backends and
// reads from the first backend that has it. Backends earlier in the list that
// reported the document missing receive a copy. ErrNotFound is returned only
// when every reachable backend reported the key as missing.
//
// # Badger Storage
//
// BadgerBackend keeps documents in an embedded badger database with
// synchronous writes. The database directory is locked while open; call
// Close when done.
//
// # Remote Stores
//
// MemoryDataOwnerStore and MemoryExchangeDataStore implement the remote
// entity stores with revision-based optimistic concurrency. They back tests
// and the local tooling; production deployments plug their own clients into
// the same interfaces.
package storage
