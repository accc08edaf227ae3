package cryptoutils

import (
	"crypto/rsa"
	"errors"
	"fmt"
)

// ShaVersion identifies the hash function used with RSA-OAEP. Keys created by
// older clients use SHA-1; every key created by this module uses SHA-256.
type ShaVersion int

const (
	// OAEPWithSHA1 is the legacy RSA-OAEP variant.
	OAEPWithSHA1 ShaVersion = iota
	// OAEPWithSHA256 is the current RSA-OAEP variant.
	OAEPWithSHA256
)

// String returns the JWK algorithm name of the variant.
func (v ShaVersion) String() string {
	switch v {
	case OAEPWithSHA1:
		return "RSA-OAEP"
	case OAEPWithSHA256:
		return "RSA-OAEP-256"
	default:
		return "unknown"
	}
}

// DefaultRSAKeySize is the modulus size of generated key pairs.
const DefaultRSAKeySize = 2048

// PublicKey is an RSA public key together with the OAEP variant it must be
// used with.
type PublicKey struct {
	Key  *rsa.PublicKey
	Hash ShaVersion
}

// NewPublicKeyFromSpkiHex parses a hex SPKI public key.
func NewPublicKeyFromSpkiHex(spkiHex string, hash ShaVersion) (PublicKey, error) {
	key, err := ParseSpkiHex(spkiHex)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{Key: key, Hash: hash}, nil
}

// SpkiHex returns the hex SPKI encoding of the key.
func (p PublicKey) SpkiHex() (string, error) {
	return MarshalSpkiHex(p.Key)
}

// Fingerprint returns the V2 fingerprint of the key.
func (p PublicKey) Fingerprint() (FingerprintV2, error) {
	return FingerprintOf(p.Key)
}

// KeyPair is an RSA key pair usable for encryption (with the given OAEP
// variant) or for RSA-PSS signatures.
type KeyPair struct {
	Private *rsa.PrivateKey
	Hash    ShaVersion
}

// NewKeyPair wraps an existing private key.
func NewKeyPair(priv *rsa.PrivateKey, hash ShaVersion) (KeyPair, error) {
	if priv == nil {
		return KeyPair{}, errors.New("nil private key")
	}
	return KeyPair{Private: priv, Hash: hash}, nil
}

// Public returns the public half of the pair.
func (k KeyPair) Public() PublicKey {
	return PublicKey{Key: &k.Private.PublicKey, Hash: k.Hash}
}

// Fingerprint returns the V2 fingerprint of the pair's public key.
func (k KeyPair) Fingerprint() (FingerprintV2, error) {
	if k.Private == nil {
		return "", errors.New("empty key pair")
	}
	return FingerprintOf(&k.Private.PublicKey)
}

// MustFingerprint is Fingerprint for key pairs known to be well formed.
func (k KeyPair) MustFingerprint() FingerprintV2 {
	fp, err := k.Fingerprint()
	if err != nil {
		panic(fmt.Sprintf("invalid key pair: %v", err))
	}
	return fp
}
