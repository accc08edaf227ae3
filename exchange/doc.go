// Package exchange shares symmetric keys between data owners.
//
// BaseKeysManager handles the legacy format, where exchange keys are stored
// on the delegator's own data owner record, either in hcPartyKeys or in
// aesExchangeKeys. BaseDataManager handles exchange data entities, which
// carry an exchange key, an access control secret and a shared HMAC key,
// each encrypted for every recipient key, plus two signatures:
//
//   - the shared signature, an HMAC-SHA-512 over the canonical content,
//     verifiable by anyone who can decrypt the entity;
//   - the delegator signatures, RSA-PSS over the SHA-256 of the HMAC key,
//     proving the delegator created the entity.
//
// KeysManager adds the caches. Exchange data written by the current
// hierarchy is cached until explicitly cleared; data shared by others is
// kept in a bounded LRU whose entries expire sooner when nothing was found.
// Only verified exchange data is ever used to encrypt new content. Tampered
// or unverifiable data is still used to decrypt, and a fresh entity is
// created for encryption.
package exchange
