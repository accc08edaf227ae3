package exchange

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// AccessControlSecretSize is the size of the raw access control secret.
const AccessControlSecretSize = 16

// Secrets are the decrypted payload of one exchange data entity.
type Secrets struct {
	ExchangeKey         []byte
	AccessControlSecret string
	SharedSignatureKey  []byte
}

// CreatedExchangeData is a newly created entity and the secrets its caller
// may use. The shared signature key is not exposed.
type CreatedExchangeData struct {
	Data                *interfaces.ExchangeData
	ExchangeKey         []byte
	AccessControlSecret string
}

// VerificationKeyFunc resolves a delegator signature key by fingerprint.
type VerificationKeyFunc func(ctx context.Context, fp interfaces.FingerprintV2) (*rsa.PublicKey, error)

// BaseDataManager creates, decrypts, verifies and extends exchange data.
type BaseDataManager struct {
	selfID string
	store  interfaces.ExchangeDataStore
	log    *slog.Logger
}

// NewBaseDataManager creates a manager acting as selfID.
func NewBaseDataManager(selfID string, store interfaces.ExchangeDataStore, log *slog.Logger) *BaseDataManager {
	return &BaseDataManager{
		selfID: selfID,
		store:  store,
		log:    common.LoggerOrDefault(log),
	}
}

// CreateExchangeData creates and stores exchange data from the current data
// owner to delegateID, encrypted for every key in encryptionKeys and signed
// with every key in signatureKeys.
func (m *BaseDataManager) CreateExchangeData(ctx context.Context, delegateID string, signatureKeys []interfaces.KeyPair, encryptionKeys map[interfaces.FingerprintV2]interfaces.PublicKey) (*CreatedExchangeData, error) {
	if len(encryptionKeys) == 0 {
		return nil, fmt.Errorf("%w: exchange data needs at least one recipient", interfaces.ErrInvariantViolation)
	}
	if len(signatureKeys) == 0 {
		return nil, fmt.Errorf("%w: exchange data needs at least one signature key", interfaces.ErrInvariantViolation)
	}

	exchangeKey, err := cryptoutils.GenerateAESKey()
	if err != nil {
		return nil, err
	}
	rawAccessControlSecret, err := cryptoutils.RandomBytes(AccessControlSecretSize)
	if err != nil {
		return nil, err
	}
	sharedSignatureKey, err := cryptoutils.GenerateHMACKey()
	if err != nil {
		return nil, err
	}
	secrets := Secrets{
		ExchangeKey:         exchangeKey,
		AccessControlSecret: hex.EncodeToString(rawAccessControlSecret),
		SharedSignatureKey:  sharedSignatureKey,
	}

	data := &interfaces.ExchangeData{
		ID:                  cryptoutils.RandomUUID(),
		Delegator:           m.selfID,
		Delegate:            delegateID,
		ExchangeKey:         map[interfaces.FingerprintV2]string{},
		AccessControlSecret: map[interfaces.FingerprintV2]string{},
		SharedSignatureKey:  map[interfaces.FingerprintV2]string{},
		DelegatorSignature:  map[interfaces.FingerprintV2]string{},
	}
	if err := encryptFor(data, secrets, rawAccessControlSecret, encryptionKeys); err != nil {
		return nil, err
	}

	if data.SharedSignature, err = sharedSignature(data, secrets); err != nil {
		return nil, err
	}
	for _, kp := range signatureKeys {
		fp, err := kp.Fingerprint()
		if err != nil {
			return nil, err
		}
		sig, err := cryptoutils.SignPSS(kp.Private, cryptoutils.SHA256(sharedSignatureKey))
		if err != nil {
			return nil, fmt.Errorf("failed to sign exchange data: %w", err)
		}
		data.DelegatorSignature[fp] = base64.StdEncoding.EncodeToString(sig)
	}

	stored, err := m.store.Create(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store exchange data: %w", err)
	}

	m.log.Debug("Created exchange data",
		slog.String("id", stored.ID),
		slog.String("delegate", delegateID),
		slog.Int("recipients", len(encryptionKeys)))

	return &CreatedExchangeData{
		Data:                stored,
		ExchangeKey:         exchangeKey,
		AccessControlSecret: secrets.AccessControlSecret,
	}, nil
}

// encryptFor adds payload entries for every key in keys.
func encryptFor(data *interfaces.ExchangeData, secrets Secrets, rawAccessControlSecret []byte, keys map[interfaces.FingerprintV2]interfaces.PublicKey) error {
	for _, fp := range slices.Sorted(maps.Keys(keys)) {
		pub := keys[fp]
		for _, field := range []struct {
			target map[interfaces.FingerprintV2]string
			plain  []byte
		}{
			{data.ExchangeKey, secrets.ExchangeKey},
			{data.AccessControlSecret, rawAccessControlSecret},
			{data.SharedSignatureKey, secrets.SharedSignatureKey},
		} {
			ct, err := cryptoutils.EncryptRSA(pub, field.plain)
			if err != nil {
				return fmt.Errorf("failed to encrypt exchange data for %s: %w", fp, err)
			}
			field.target[fp] = base64.StdEncoding.EncodeToString(ct)
		}
	}
	return nil
}

// signedContent is the canonical encoding covered by the shared signature:
// [delegator, delegate, hex(exchange key), access control secret, sorted recipient fingerprints].
func signedContent(data *interfaces.ExchangeData, secrets Secrets) ([]byte, error) {
	return json.Marshal([]any{
		data.Delegator,
		data.Delegate,
		hex.EncodeToString(secrets.ExchangeKey),
		secrets.AccessControlSecret,
		data.RecipientFingerprints(),
	})
}

func sharedSignature(data *interfaces.ExchangeData, secrets Secrets) (string, error) {
	content, err := signedContent(data, secrets)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(cryptoutils.SignHMAC(secrets.SharedSignatureKey, content)), nil
}

// TryDecryptExchangeKeys decrypts the exchange key of every entity.
func (m *BaseDataManager) TryDecryptExchangeKeys(data []*interfaces.ExchangeData, keys map[interfaces.FingerprintV2]interfaces.KeyPair) Batch[*interfaces.ExchangeData, []byte] {
	return tryDecryptField(data, keys, func(e *interfaces.ExchangeData) map[interfaces.FingerprintV2]string { return e.ExchangeKey }, decodeAESKey)
}

// TryDecryptAccessControlSecret decrypts the access control secret of every
// entity, hex encoded.
func (m *BaseDataManager) TryDecryptAccessControlSecret(data []*interfaces.ExchangeData, keys map[interfaces.FingerprintV2]interfaces.KeyPair) Batch[*interfaces.ExchangeData, string] {
	return tryDecryptField(data, keys, func(e *interfaces.ExchangeData) map[interfaces.FingerprintV2]string { return e.AccessControlSecret }, decodeAccessControlSecret)
}

// TryDecryptSharedSignatureKeys decrypts the HMAC key of every entity.
func (m *BaseDataManager) TryDecryptSharedSignatureKeys(data []*interfaces.ExchangeData, keys map[interfaces.FingerprintV2]interfaces.KeyPair) Batch[*interfaces.ExchangeData, []byte] {
	return tryDecryptField(data, keys, func(e *interfaces.ExchangeData) map[interfaces.FingerprintV2]string { return e.SharedSignatureKey }, cryptoutils.ImportHMACKey)
}

// TryDecryptSecrets decrypts all three payload fields. An entity succeeds
// only if every field could be decrypted.
func (m *BaseDataManager) TryDecryptSecrets(data []*interfaces.ExchangeData, keys map[interfaces.FingerprintV2]interfaces.KeyPair) Batch[*interfaces.ExchangeData, Secrets] {
	var batch Batch[*interfaces.ExchangeData, Secrets]
	for _, e := range data {
		secrets, ok := decryptSecrets(e, keys)
		if !ok {
			batch.Failures = append(batch.Failures, e)
			continue
		}
		batch.Successes = append(batch.Successes, Decrypted[*interfaces.ExchangeData, Secrets]{Entity: e, Value: secrets})
	}
	return batch
}

func decryptSecrets(e *interfaces.ExchangeData, keys map[interfaces.FingerprintV2]interfaces.KeyPair) (Secrets, bool) {
	exchangeKey, ok := firstDecrypted(base64Candidates(e.ExchangeKey, keys), decodeAESKey)
	if !ok {
		return Secrets{}, false
	}
	acs, ok := firstDecrypted(base64Candidates(e.AccessControlSecret, keys), decodeAccessControlSecret)
	if !ok {
		return Secrets{}, false
	}
	ssk, ok := firstDecrypted(base64Candidates(e.SharedSignatureKey, keys), cryptoutils.ImportHMACKey)
	if !ok {
		return Secrets{}, false
	}
	return Secrets{ExchangeKey: exchangeKey, AccessControlSecret: acs, SharedSignatureKey: ssk}, true
}

func tryDecryptField[T any](data []*interfaces.ExchangeData, keys map[interfaces.FingerprintV2]interfaces.KeyPair, field func(*interfaces.ExchangeData) map[interfaces.FingerprintV2]string, decode func([]byte) (T, error)) Batch[*interfaces.ExchangeData, T] {
	var batch Batch[*interfaces.ExchangeData, T]
	for _, e := range data {
		value, ok := firstDecrypted(base64Candidates(field(e), keys), decode)
		if !ok {
			batch.Failures = append(batch.Failures, e)
			continue
		}
		batch.Successes = append(batch.Successes, Decrypted[*interfaces.ExchangeData, T]{Entity: e, Value: value})
	}
	return batch
}

func decodeAccessControlSecret(raw []byte) (string, error) {
	if len(raw) != AccessControlSecretSize {
		return "", fmt.Errorf("invalid access control secret length %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// VerifyExchangeData checks the shared signature of data against the
// decrypted secrets. With verifyAsDelegator the current data owner must be
// the delegator, at least one delegator signature must verify, and every
// signature made with a key getVerificationKey knows must verify.
// Mismatched recipient sets are reported as ErrInvariantViolation.
func (m *BaseDataManager) VerifyExchangeData(ctx context.Context, data *interfaces.ExchangeData, secrets Secrets, getVerificationKey VerificationKeyFunc, verifyAsDelegator bool) (bool, error) {
	if err := data.CheckKeySets(); err != nil {
		return false, err
	}

	content, err := signedContent(data, secrets)
	if err != nil {
		return false, err
	}
	signature, err := base64.StdEncoding.DecodeString(data.SharedSignature)
	if err != nil || !cryptoutils.VerifyHMAC(secrets.SharedSignatureKey, content, signature) {
		return false, nil
	}

	if !verifyAsDelegator {
		return true, nil
	}
	if data.Delegator != m.selfID {
		return false, nil
	}

	digest := cryptoutils.SHA256(secrets.SharedSignatureKey)
	verified := 0
	for _, fp := range slices.Sorted(maps.Keys(data.DelegatorSignature)) {
		pub, err := getVerificationKey(ctx, fp)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		sig, err := base64.StdEncoding.DecodeString(data.DelegatorSignature[fp])
		if err != nil || !cryptoutils.VerifyPSS(pub, digest, sig) {
			return false, nil
		}
		verified++
	}
	return verified > 0, nil
}

// TryUpdateExchangeData shares the secrets of data with the keys in newKeys
// it is not encrypted for yet. The secrets are never rotated. The entity is
// re-signed only if it verified before the update; otherwise the new entries
// are added and the stale signature is left in place.
func (m *BaseDataManager) TryUpdateExchangeData(ctx context.Context, data *interfaces.ExchangeData, secrets Secrets, newKeys map[interfaces.FingerprintV2]interfaces.PublicKey, signatureKey *interfaces.KeyPair, getVerificationKey VerificationKeyFunc) (*interfaces.ExchangeData, error) {
	missing := map[interfaces.FingerprintV2]interfaces.PublicKey{}
	for fp, pub := range newKeys {
		if _, ok := data.ExchangeKey[fp]; !ok {
			missing[fp] = pub
		}
	}
	if len(missing) == 0 {
		return data, nil
	}

	asDelegator := data.Delegator == m.selfID
	verified, err := m.VerifyExchangeData(ctx, data, secrets, getVerificationKey, asDelegator)
	if err != nil {
		return nil, err
	}

	rawAccessControlSecret, err := hex.DecodeString(secrets.AccessControlSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid access control secret: %w", err)
	}

	updated := data.Clone()
	if err := encryptFor(updated, secrets, rawAccessControlSecret, missing); err != nil {
		return nil, err
	}

	if verified {
		if updated.SharedSignature, err = sharedSignature(updated, secrets); err != nil {
			return nil, err
		}
		if asDelegator && signatureKey != nil {
			fp, err := signatureKey.Fingerprint()
			if err != nil {
				return nil, err
			}
			if _, signed := updated.DelegatorSignature[fp]; !signed {
				sig, err := cryptoutils.SignPSS(signatureKey.Private, cryptoutils.SHA256(secrets.SharedSignatureKey))
				if err != nil {
					return nil, err
				}
				if updated.DelegatorSignature == nil {
					updated.DelegatorSignature = map[interfaces.FingerprintV2]string{}
				}
				updated.DelegatorSignature[fp] = base64.StdEncoding.EncodeToString(sig)
			}
		}
	} else {
		m.log.Warn("Extending unverified exchange data without re-signing",
			slog.String("id", data.ID),
			slog.Int("new_recipients", len(missing)))
	}

	stored, err := m.store.Modify(ctx, updated)
	if err != nil {
		return nil, fmt.Errorf("failed to update exchange data %s: %w", data.ID, err)
	}
	return stored, nil
}

// GetExchangeDataByDelegatorDelegate lists the entities for a pair.
func (m *BaseDataManager) GetExchangeDataByDelegatorDelegate(ctx context.Context, delegatorID, delegateID string) ([]*interfaces.ExchangeData, error) {
	return m.store.GetByDelegatorDelegate(ctx, delegatorID, delegateID)
}

// GetExchangeDataByID returns an entity or ErrNotFound.
func (m *BaseDataManager) GetExchangeDataByID(ctx context.Context, id string) (*interfaces.ExchangeData, error) {
	return m.store.GetByID(ctx, id)
}

// GetExchangeDataByParticipant lists one page of entities involving ownerID.
func (m *BaseDataManager) GetExchangeDataByParticipant(ctx context.Context, ownerID, pageToken string, pageSize int) (interfaces.ExchangeDataPage, error) {
	return m.store.GetByParticipant(ctx, ownerID, pageToken, pageSize)
}
