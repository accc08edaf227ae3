// Package interfaces defines the data model and the collaborator contracts of
// the key exchange subsystem, separating them from their implementations.
//
// # Data Model
//
//   - DataOwner: published record of an identity (public keys, legacy and
//     current exchange keys, transfer keys, Shamir splits)
//   - ExchangeData: exchange key, access control secret and shared signature
//     key encrypted for every recipient key, with a shared HMAC signature and
//     delegator RSA-PSS signatures
//   - FingerprintV1/FingerprintV2: public key fingerprints (see cryptoutils)
//
// # Collaborator Interfaces
//
//   - DataOwnerStore: reads and updates data owner records with optimistic
//     concurrency
//   - ExchangeDataStore: remote exchange data persistence
//   - StorageBackend and KeyStorage: local persistent key storage
//   - CryptoStrategies: application decision points (key verification, key
//     generation)
//   - KeyRecoverer: reconstruction of lost private keys
//
// # Error Types
//
//   - ErrNotFound: absent entity or key, recoverable by the caller
//   - ErrConcurrentModification: stale revision, retry with fresh data
//   - ErrInvariantViolation: corrupt data or forbidden write, never repaired
//   - ErrVerificationFailed: signature mismatch
//   - ErrNotInHierarchy: request for keys of unrelated data owners
//
// Decryption failures are not errors: batch operations return them as the
// failed part of their result.
package interfaces
