package kms

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// PublicKeyStorage keeps standalone public keys.
type PublicKeyStorage interface {
	GetPublicKey(ctx context.Context, key interfaces.KeyStorageKey) (*rsa.PublicKey, error)
	StorePublicKey(ctx context.Context, key interfaces.KeyStorageKey, pub *rsa.PublicKey) error
}

// SignatureKeyStorage is what the SignatureKeyManager needs from key storage.
type SignatureKeyStorage interface {
	interfaces.KeyStorage
	PublicKeyStorage
}

// JWKKeyStorage persists key pairs as a pair of JWKs on a storage backend.
// Signature keys are tagged PS256, encryption keys carry their OAEP variant.
type JWKKeyStorage struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

// NewJWKKeyStorage creates a key storage on top of backend.
func NewJWKKeyStorage(backend interfaces.StorageBackend, log *slog.Logger) *JWKKeyStorage {
	if log == nil {
		log = slog.Default()
	}
	return &JWKKeyStorage{backend: backend, log: log}
}

// GetKeyPair loads a pair and checks it against the fingerprint in key.
func (s *JWKKeyStorage) GetKeyPair(ctx context.Context, key interfaces.KeyStorageKey) (interfaces.KeyPair, error) {
	data, err := s.backend.Fetch(ctx, key.String())
	if err != nil {
		return interfaces.KeyPair{}, err
	}

	kp, err := cryptoutils.UnmarshalKeyPairJWK(data)
	if err != nil {
		return interfaces.KeyPair{}, fmt.Errorf("%w: stored key %s: %v", interfaces.ErrInvariantViolation, key, err)
	}

	if key.Fingerprint != "" {
		fp, err := kp.Fingerprint()
		if err != nil {
			return interfaces.KeyPair{}, err
		}
		if fp != key.Fingerprint {
			return interfaces.KeyPair{}, fmt.Errorf("%w: key stored under %s has fingerprint %s",
				interfaces.ErrInvariantViolation, key, fp)
		}
	}
	return kp, nil
}

func (s *JWKKeyStorage) StoreKeyPair(ctx context.Context, key interfaces.KeyStorageKey, kp interfaces.KeyPair) error {
	var (
		data []byte
		err  error
	)
	if key.Purpose == interfaces.PurposeSignature {
		data, err = cryptoutils.MarshalSignatureKeyPairJWK(kp)
	} else {
		data, err = cryptoutils.MarshalKeyPairJWK(kp)
	}
	if err != nil {
		return fmt.Errorf("failed to export key pair: %w", err)
	}

	if err := s.backend.Store(ctx, key.String(), data); err != nil {
		return fmt.Errorf("failed to store key pair: %w", err)
	}

	s.log.Debug("Stored key pair",
		slog.String("owner", key.OwnerID),
		slog.String("purpose", string(key.Purpose)),
		slog.String("fingerprint", key.Fingerprint.String()))
	return nil
}

func (s *JWKKeyStorage) DeleteKeyPair(ctx context.Context, key interfaces.KeyStorageKey) error {
	return s.backend.Delete(ctx, key.String())
}

func (s *JWKKeyStorage) GetPublicKey(ctx context.Context, key interfaces.KeyStorageKey) (*rsa.PublicKey, error) {
	data, err := s.backend.Fetch(ctx, key.String())
	if err != nil {
		return nil, err
	}
	pub, err := cryptoutils.UnmarshalPublicKeyJWK(data)
	if err != nil {
		return nil, fmt.Errorf("%w: stored public key %s: %v", interfaces.ErrInvariantViolation, key, err)
	}
	return pub, nil
}

func (s *JWKKeyStorage) StorePublicKey(ctx context.Context, key interfaces.KeyStorageKey, pub *rsa.PublicKey) error {
	data, err := cryptoutils.MarshalPublicKeyJWK(pub, cryptoutils.AlgorithmPSS)
	if err != nil {
		return fmt.Errorf("failed to export public key: %w", err)
	}
	return s.backend.Store(ctx, key.String(), data)
}

// KeyVerificationStore persists, per data owner, which key fingerprints the
// user verified. The status is kept apart from key material so it can be
// revised without touching the keys.
type KeyVerificationStore struct {
	backend interfaces.StorageBackend
	lock    *common.NamedLock
}

// NewKeyVerificationStore creates a store on top of backend. Stores sharing
// a backend within a process should share lock, nil creates a private one.
func NewKeyVerificationStore(backend interfaces.StorageBackend, lock *common.NamedLock) *KeyVerificationStore {
	if lock == nil {
		lock = common.NewNamedLock()
	}
	return &KeyVerificationStore{backend: backend, lock: lock}
}

func verificationKey(ownerID string) string {
	return interfaces.KeyStorageKey{OwnerID: ownerID, Purpose: interfaces.PurposeVerificationStatus}.String()
}

// Get returns the verification map of ownerID, empty if none was saved.
func (s *KeyVerificationStore) Get(ctx context.Context, ownerID string) (map[interfaces.FingerprintV2]bool, error) {
	data, err := s.backend.Fetch(ctx, verificationKey(ownerID))
	if errors.Is(err, interfaces.ErrNotFound) {
		return map[interfaces.FingerprintV2]bool{}, nil
	}
	if err != nil {
		return nil, err
	}

	status := map[interfaces.FingerprintV2]bool{}
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("%w: verification status of %s: %v", interfaces.ErrInvariantViolation, ownerID, err)
	}
	return status, nil
}

// Set merges updates into the stored map and returns the result.
func (s *KeyVerificationStore) Set(ctx context.Context, ownerID string, updates map[interfaces.FingerprintV2]bool) (map[interfaces.FingerprintV2]bool, error) {
	unlock, err := s.lock.Lock(ctx, common.VerificationLockName(ownerID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	status, err := s.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	maps.Copy(status, updates)

	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Store(ctx, verificationKey(ownerID), data); err != nil {
		return nil, fmt.Errorf("failed to store verification status: %w", err)
	}
	return status, nil
}
