// Package cryptoutils wraps the cryptographic primitives used by the key
// exchange subsystem.
//
// The package provides:
//
//   - AES-256-CBC with PKCS#7 padding (EncryptAES, DecryptAES)
//   - RSA-OAEP with SHA-1 or SHA-256 (EncryptRSA, DecryptRSA); the variant
//     travels with the key as a ShaVersion
//   - RSA-PSS over SHA-256 (SignPSS, VerifyPSS)
//   - HMAC-SHA-512 (SignHMAC, VerifyHMAC)
//   - SHA-256, random bytes and random UUIDs
//   - SPKI (hex), PKCS8 and JWK codecs for RSA keys
//
// # Fingerprints
//
// Public keys are referenced by fingerprints derived from their hex SPKI
// encoding. Two formats coexist:
//
//   - FingerprintV1: the last 32 hex characters of the SPKI encoding
//   - FingerprintV2: a V1 fingerprint without its last 10 characters, which
//     always encode the public exponent
//
// Both are distinct types with total conversions (FingerprintV1.V2,
// FingerprintV2.V1). Values read from published records go through
// NormalizeFingerprint so that every comparison happens on V2 values.
//
// # Encryption Format
//
// AES ciphertexts follow this binary format:
//
//	[iv (16 bytes)][ciphertext]
//
// # Key Validation
//
// SelfTest runs a live encrypt/decrypt round trip; recovered keys must pass it
// before being used.
package cryptoutils
