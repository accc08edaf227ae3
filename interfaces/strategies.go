package interfaces

import "context"

// KeyGenerationAction is the decision taken when a data owner has no
// verified key available on this device.
type KeyGenerationAction int

const (
	// GenerateNewKey creates a fresh device key pair.
	GenerateNewKey KeyGenerationAction = iota
	// UseProvidedKey uses KeyGenerationDecision.KeyPair.
	UseProvidedKey
	// AbortKeyGeneration stops initialization with ErrKeyGenerationAborted.
	AbortKeyGeneration
)

// KeyGenerationDecision is returned by CryptoStrategies.GenerateNewKeyForDataOwner.
type KeyGenerationDecision struct {
	Action  KeyGenerationAction
	KeyPair KeyPair
}

// CryptoStrategies are the application decision points of the key
// management flow. They usually involve the user.
type CryptoStrategies interface {
	// VerifyRecoveredKeys is called with the fingerprints of keys that are
	// available but unverified (recovered or loaded from elsewhere). It returns
	// the new verification status of any of them; omitted keys keep their status.
	VerifyRecoveredKeys(ctx context.Context, owner *DataOwner, unverified []FingerprintV2) (map[FingerprintV2]bool, error)

	// GenerateNewKeyForDataOwner is called when owner has no verified key
	// available.
	GenerateNewKeyForDataOwner(ctx context.Context, owner *DataOwner) (KeyGenerationDecision, error)
}
