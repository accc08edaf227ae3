package interfaces

import (
	"context"
	"fmt"
)

// KeyPurpose separates the kinds of material kept in key storage.
type KeyPurpose string

const (
	// PurposeEncryption marks RSA-OAEP device key pairs.
	PurposeEncryption KeyPurpose = "encryption"
	// PurposeSignature marks the current RSA-PSS signature key pair.
	PurposeSignature KeyPurpose = "signature"
	// PurposeSignatureVerification marks public halves of every signature key.
	PurposeSignatureVerification KeyPurpose = "signature-verification"
	// PurposeVerificationStatus marks the per-owner key verification map.
	PurposeVerificationStatus KeyPurpose = "verification"
)

// KeyStorageKey is the composite key of an entry in key storage.
type KeyStorageKey struct {
	OwnerID     string
	Fingerprint FingerprintV2
	Purpose     KeyPurpose
}

// String renders the key as a storage backend key.
func (k KeyStorageKey) String() string {
	if k.Fingerprint == "" {
		return fmt.Sprintf("e2ee/%s/%s", k.Purpose, k.OwnerID)
	}
	return fmt.Sprintf("e2ee/%s/%s/%s", k.Purpose, k.OwnerID, k.Fingerprint)
}

// KeyStorage keeps key pairs in an exportable (JWK) format.
type KeyStorage interface {
	// GetKeyPair returns the stored pair or ErrNotFound.
	GetKeyPair(ctx context.Context, key KeyStorageKey) (KeyPair, error)

	// StoreKeyPair saves a pair, replacing any previous one.
	StoreKeyPair(ctx context.Context, key KeyStorageKey, kp KeyPair) error

	// DeleteKeyPair removes a pair.
	DeleteKeyPair(ctx context.Context, key KeyStorageKey) error
}

// KeyRecoverer reconstructs missing private keys of a data owner.
type KeyRecoverer interface {
	// RecoverKeys recovers the published keys of owner missing from
	// knownKeys. Transfer keys and key shares are opened only with
	// trustedKeys, the verified keys of the whole hierarchy, and with keys
	// recovered from them. It returns only keys that were not in knownKeys.
	RecoverKeys(ctx context.Context, owner *DataOwner, knownKeys, trustedKeys map[FingerprintV2]KeyPair) (map[FingerprintV2]KeyPair, error)
}
