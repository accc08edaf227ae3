package kms

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// SignatureKeyManager owns the RSA-PSS key pair the current data owner signs
// exchange data with. Public halves of every signature key ever created are
// kept so that old signatures remain verifiable.
type SignatureKeyManager struct {
	selfID  string
	storage SignatureKeyStorage
	keySize int
	log     *slog.Logger

	mu           sync.Mutex
	current      *interfaces.KeyPair
	verification map[interfaces.FingerprintV2]*rsa.PublicKey
}

// NewSignatureKeyManager creates a manager for selfID. keySize 0 selects
// cryptoutils.DefaultRSAKeySize.
func NewSignatureKeyManager(selfID string, storage SignatureKeyStorage, keySize int, log *slog.Logger) *SignatureKeyManager {
	return &SignatureKeyManager{
		selfID:       selfID,
		storage:      storage,
		keySize:      keySize,
		log:          common.LoggerOrDefault(log),
		verification: map[interfaces.FingerprintV2]*rsa.PublicKey{},
	}
}

// GetOrCreateSignatureKeyPair returns the current signature key pair,
// loading it from storage or creating it on first use.
func (m *SignatureKeyManager) GetOrCreateSignatureKeyPair(ctx context.Context) (interfaces.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return *m.current, nil
	}

	storageKey := interfaces.KeyStorageKey{OwnerID: m.selfID, Purpose: interfaces.PurposeSignature}
	kp, err := m.storage.GetKeyPair(ctx, storageKey)
	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrNotFound):
		kp, err = cryptoutils.GenerateRSAKeyPair(m.keySize, cryptoutils.OAEPWithSHA256)
		if err != nil {
			return interfaces.KeyPair{}, err
		}
		if err := m.storage.StoreKeyPair(ctx, storageKey, kp); err != nil {
			return interfaces.KeyPair{}, err
		}
		m.log.Info("Created signature key", slog.String("owner", m.selfID), slog.String("fingerprint", kp.MustFingerprint().String()))
	default:
		return interfaces.KeyPair{}, fmt.Errorf("failed to load signature key: %w", err)
	}

	fp, err := kp.Fingerprint()
	if err != nil {
		return interfaces.KeyPair{}, err
	}
	if err := m.storage.StorePublicKey(ctx, m.verificationKey(fp), &kp.Private.PublicKey); err != nil {
		return interfaces.KeyPair{}, fmt.Errorf("failed to store signature verification key: %w", err)
	}

	m.current = &kp
	m.verification[fp] = &kp.Private.PublicKey
	return kp, nil
}

// GetSignatureVerificationKey returns the public key of a signature key this
// data owner created, or ErrNotFound.
func (m *SignatureKeyManager) GetSignatureVerificationKey(ctx context.Context, fp interfaces.FingerprintV2) (*rsa.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pub, ok := m.verification[fp]; ok {
		return pub, nil
	}

	pub, err := m.storage.GetPublicKey(ctx, m.verificationKey(fp))
	if err != nil {
		return nil, err
	}
	m.verification[fp] = pub
	return pub, nil
}

// ClearCache drops cached keys, the next call reloads them from storage.
func (m *SignatureKeyManager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.verification = map[interfaces.FingerprintV2]*rsa.PublicKey{}
}

func (m *SignatureKeyManager) verificationKey(fp interfaces.FingerprintV2) interfaces.KeyStorageKey {
	return interfaces.KeyStorageKey{OwnerID: m.selfID, Fingerprint: fp, Purpose: interfaces.PurposeSignatureVerification}
}
