package exchange

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// EncryptedExchangeKey holds the copies of one legacy exchange key, by
// recipient V2 fingerprint, as hex RSA ciphertext. The empty fingerprint
// marks an unlabeled copy whose recipient key is unknown.
type EncryptedExchangeKey map[interfaces.FingerprintV2]string

// LegacyKey is a legacy exchange key created or reused for a delegate.
type LegacyKey struct {
	Key []byte
	// Updated is false when the existing key was already shared with every
	// requested recipient and nothing was written.
	Updated bool
}

// BaseKeysManager handles exchange keys stored directly on the delegator's
// data owner record.
type BaseKeysManager struct {
	selfID string
	owners interfaces.DataOwnerStore
	lock   *common.NamedLock
	log    *slog.Logger
}

// NewBaseKeysManager creates a manager writing only to selfID's record.
func NewBaseKeysManager(selfID string, owners interfaces.DataOwnerStore, lock *common.NamedLock, log *slog.Logger) *BaseKeysManager {
	if lock == nil {
		lock = common.NewNamedLock()
	}
	return &BaseKeysManager{
		selfID: selfID,
		owners: owners,
		lock:   lock,
		log:    common.LoggerOrDefault(log),
	}
}

// CreateOrUpdateEncryptedExchangeKeyTo shares an exchange key from
// delegatorID, identified by its mainKey, with delegateID. The existing key
// is reused when mainKey can decrypt it, and the record is only written when
// some recipient is missing a copy. Recipients are mainKey, every published
// key of the delegate and extraPublicKeys.
func (m *BaseKeysManager) CreateOrUpdateEncryptedExchangeKeyTo(ctx context.Context, delegatorID, delegateID string, mainKey interfaces.KeyPair, extraPublicKeys []interfaces.PublicKey) (LegacyKey, error) {
	if delegatorID != m.selfID {
		return LegacyKey{}, fmt.Errorf("%w: %s cannot write exchange keys of %s", interfaces.ErrInvariantViolation, m.selfID, delegatorID)
	}

	unlock, err := m.lock.Lock(ctx, common.OwnerLockName(delegatorID))
	if err != nil {
		return LegacyKey{}, err
	}
	defer unlock()

	delegator, err := m.owners.Get(ctx, delegatorID)
	if err != nil {
		return LegacyKey{}, err
	}

	mainSpki, err := mainKey.Public().SpkiHex()
	if err != nil {
		return LegacyKey{}, err
	}
	mainFp := cryptoutils.FingerprintV2FromSpkiHex(mainSpki)

	recipients := map[interfaces.FingerprintV2]interfaces.PublicKey{mainFp: mainKey.Public()}
	if delegateID != delegatorID {
		delegate, err := m.owners.Get(ctx, delegateID)
		if err != nil {
			return LegacyKey{}, err
		}
		if err := addPublishedKeys(recipients, delegate); err != nil {
			return LegacyKey{}, err
		}
	}
	for _, pub := range extraPublicKeys {
		fp, err := pub.Fingerprint()
		if err != nil {
			return LegacyKey{}, err
		}
		recipients[fp] = pub
	}

	existing := delegator.AesExchangeKeys[mainSpki][delegateID]
	key, reused := m.decryptExisting(existing, mainKey, mainFp)

	entry := map[string]string{}
	if reused {
		maps.Copy(entry, existing)
		if coversAll(existing, recipients) {
			return LegacyKey{Key: key}, nil
		}
	} else {
		if key, err = cryptoutils.GenerateAESKey(); err != nil {
			return LegacyKey{}, err
		}
	}

	for _, fp := range slices.Sorted(maps.Keys(recipients)) {
		if _, ok := entry[fp.V1().String()]; ok && reused {
			continue
		}
		ct, err := cryptoutils.EncryptRSA(recipients[fp], key)
		if err != nil {
			return LegacyKey{}, fmt.Errorf("failed to encrypt exchange key for %s: %w", fp, err)
		}
		entry[fp.V1().String()] = hex.EncodeToString(ct)
	}

	if delegator.AesExchangeKeys == nil {
		delegator.AesExchangeKeys = map[string]map[string]map[string]string{}
	}
	if delegator.AesExchangeKeys[mainSpki] == nil {
		delegator.AesExchangeKeys[mainSpki] = map[string]map[string]string{}
	}
	delegator.AesExchangeKeys[mainSpki][delegateID] = entry

	if _, err := m.owners.Update(ctx, delegator); err != nil {
		return LegacyKey{}, err
	}

	m.log.Debug("Updated legacy exchange key",
		slog.String("delegator", delegatorID),
		slog.String("delegate", delegateID),
		slog.Bool("reused", reused),
		slog.Int("recipients", len(entry)))

	return LegacyKey{Key: key, Updated: true}, nil
}

func (m *BaseKeysManager) decryptExisting(existing map[string]string, mainKey interfaces.KeyPair, mainFp interfaces.FingerprintV2) ([]byte, bool) {
	for label, ctHex := range existing {
		if cryptoutils.NormalizeFingerprint(label) != mainFp {
			continue
		}
		ct, err := hex.DecodeString(ctHex)
		if err != nil {
			return nil, false
		}
		key, err := cryptoutils.DecryptRSA(mainKey, ct)
		if err != nil || len(key) != cryptoutils.AESKeySize {
			return nil, false
		}
		return key, true
	}
	return nil, false
}

func coversAll(existing map[string]string, recipients map[interfaces.FingerprintV2]interfaces.PublicKey) bool {
	covered := map[interfaces.FingerprintV2]bool{}
	for label := range existing {
		covered[cryptoutils.NormalizeFingerprint(label)] = true
	}
	for fp := range recipients {
		if !covered[fp] {
			return false
		}
	}
	return true
}

// addPublishedKeys adds every parsable published key of owner to keys.
func addPublishedKeys(keys map[interfaces.FingerprintV2]interfaces.PublicKey, owner *interfaces.DataOwner) error {
	for fp, entry := range owner.PublicKeys() {
		pub, err := entry.Parse()
		if err != nil {
			return fmt.Errorf("%w: data owner %s publishes an invalid key %s: %v", interfaces.ErrInvariantViolation, owner.ID, fp, err)
		}
		keys[fp] = pub
	}
	return nil
}

// GetEncryptedExchangeKeysFor returns every encrypted copy of the exchange
// keys from delegatorID to delegateID, legacy hcPartyKeys first. When both
// formats hold a copy for the same fingerprint the legacy copy wins.
func (m *BaseKeysManager) GetEncryptedExchangeKeysFor(ctx context.Context, delegatorID, delegateID string) ([]EncryptedExchangeKey, error) {
	delegator, err := m.owners.Get(ctx, delegatorID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []EncryptedExchangeKey

	legacy, err := m.legacyEntry(ctx, delegator, delegateID)
	if err != nil {
		return nil, err
	}
	if len(legacy) > 0 {
		out = append(out, legacy)
	}

	for _, spki := range slices.Sorted(maps.Keys(delegator.AesExchangeKeys)) {
		byFp, ok := delegator.AesExchangeKeys[spki][delegateID]
		if !ok {
			continue
		}
		entry := EncryptedExchangeKey{}
		for label, ct := range byFp {
			fp := cryptoutils.NormalizeFingerprint(label)
			if _, shadowed := legacy[fp]; shadowed {
				continue
			}
			entry[fp] = ct
		}
		if len(entry) > 0 {
			out = append(out, entry)
		}
	}
	return out, nil
}

// legacyEntry converts hcPartyKeys[delegateID] = [for delegator, for delegate].
func (m *BaseKeysManager) legacyEntry(ctx context.Context, delegator *interfaces.DataOwner, delegateID string) (EncryptedExchangeKey, error) {
	pair, ok := delegator.HcPartyKeys[delegateID]
	if !ok || len(pair) == 0 {
		return nil, nil
	}

	entry := EncryptedExchangeKey{}
	entry[legacyLabel(delegator.PublicKey)] = pair[0]

	if len(pair) > 1 && pair[1] != "" {
		delegatePublicKey := delegator.PublicKey
		if delegateID != delegator.ID {
			delegate, err := m.owners.Get(ctx, delegateID)
			switch {
			case err == nil:
				delegatePublicKey = delegate.PublicKey
			case errors.Is(err, interfaces.ErrNotFound):
				delegatePublicKey = ""
			default:
				return nil, err
			}
		}
		label := legacyLabel(delegatePublicKey)
		if _, taken := entry[label]; !taken {
			entry[label] = pair[1]
		}
	}
	return entry, nil
}

func legacyLabel(spki string) interfaces.FingerprintV2 {
	if spki == "" {
		return ""
	}
	return cryptoutils.FingerprintV2FromSpkiHex(spki)
}

// TryDecryptExchangeKeys decrypts each encrypted exchange key with the
// available keys. Copies labeled with an available fingerprint are tried
// first; unlabeled or single-copy entries are then tried with every key.
// Identical keys are returned once.
func (m *BaseKeysManager) TryDecryptExchangeKeys(encrypted []EncryptedExchangeKey, keys map[interfaces.FingerprintV2]interfaces.KeyPair) Batch[EncryptedExchangeKey, []byte] {
	var batch Batch[EncryptedExchangeKey, []byte]
	sortedKeys := slices.Sorted(maps.Keys(keys))

	for _, entry := range encrypted {
		var candidates []candidate
		for _, fp := range slices.Sorted(maps.Keys(entry)) {
			if kp, ok := keys[fp]; ok {
				if ct, err := hex.DecodeString(entry[fp]); err == nil {
					candidates = append(candidates, candidate{pair: kp, ciphertext: ct})
				}
			}
		}
		if ctHex, ok := fallbackCopy(entry); ok {
			if ct, err := hex.DecodeString(ctHex); err == nil {
				for _, fp := range sortedKeys {
					candidates = append(candidates, candidate{pair: keys[fp], ciphertext: ct})
				}
			}
		}

		key, ok := firstDecrypted(candidates, decodeAESKey)
		if !ok {
			batch.Failures = append(batch.Failures, entry)
			continue
		}
		if slices.ContainsFunc(batch.Successes, func(d Decrypted[EncryptedExchangeKey, []byte]) bool {
			return bytes.Equal(d.Value, key)
		}) {
			continue
		}
		batch.Successes = append(batch.Successes, Decrypted[EncryptedExchangeKey, []byte]{Entity: entry, Value: key})
	}
	return batch
}

// fallbackCopy returns the copy to brute force with every available key.
func fallbackCopy(entry EncryptedExchangeKey) (string, bool) {
	if ct, ok := entry[""]; ok {
		return ct, true
	}
	if len(entry) == 1 {
		for _, ct := range entry {
			return ct, true
		}
	}
	return "", false
}

func decodeAESKey(raw []byte) ([]byte, error) {
	if len(raw) != cryptoutils.AESKeySize {
		return nil, fmt.Errorf("invalid exchange key length %d", len(raw))
	}
	return raw, nil
}
