// Package kms manages the key material of the current data owner on this
// device.
//
// # Device Keys
//
// DeviceKeyManager walks the data owner hierarchy (self, then every parent)
// and loads the locally stored RSA-OAEP key pairs whose public keys are
// published on each record. Keys created on this device are verified from
// the start. Keys obtained in any other way, through transfer keys or Shamir
// splits, stay unverified until the CryptoStrategies confirm them. When no
// verified key of the current data owner is available, the strategies decide
// whether to generate a key, use one they supply, or abort.
//
// Publishing a new public key is a read-modify-write of the data owner record
// and runs under the owner's named lock.
//
// # Signature Keys
//
// SignatureKeyManager keeps one RSA-PSS key pair used only to sign exchange
// data as delegator. The public half of every signature key is stored under
// its fingerprint so signatures made by replaced keys stay verifiable.
//
// # Key Storage
//
// JWKKeyStorage persists key pairs as JWK pairs on any StorageBackend.
// KeyVerificationStore keeps the verification status next to, but separate
// from, the key material.
//
// # Shamir Secret Sharing
//
// SplitSecret and CombineShares wrap github.com/hashicorp/vault/shamir. Every
// split secret carries a fixed marker so that combining unrelated or too few
// shares is detected before the output is parsed as a key.
package kms
