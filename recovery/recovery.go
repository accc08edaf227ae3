package recovery

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/exchange"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/kms"
)

// KeyRecovery reconstructs missing private keys of a data owner from its
// transfer keys and Shamir splits.
type KeyRecovery struct {
	base *exchange.BaseKeysManager
	data *exchange.BaseDataManager
	log  *slog.Logger
}

var _ interfaces.KeyRecoverer = (*KeyRecovery)(nil)

func NewKeyRecovery(base *exchange.BaseKeysManager, data *exchange.BaseDataManager, log *slog.Logger) *KeyRecovery {
	return &KeyRecovery{base: base, data: data, log: common.LoggerOrDefault(log)}
}

// RecoverKeys recovers the published keys of owner missing from knownKeys.
// Ciphertexts are opened with trustedKeys only, which may belong to any data
// owner of the hierarchy. Every recovered key is trusted for further
// recoveries until a pass finds nothing new. Only new keys are returned.
func (r *KeyRecovery) RecoverKeys(ctx context.Context, owner *interfaces.DataOwner, knownKeys, trustedKeys map[interfaces.FingerprintV2]interfaces.KeyPair) (map[interfaces.FingerprintV2]interfaces.KeyPair, error) {
	recovered := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	if owner == nil {
		return recovered, nil
	}

	known := maps.Clone(knownKeys)
	if known == nil {
		known = map[interfaces.FingerprintV2]interfaces.KeyPair{}
	}
	trusted := maps.Clone(trustedKeys)
	if trusted == nil {
		trusted = map[interfaces.FingerprintV2]interfaces.KeyPair{}
	}
	published := owner.PublicKeys()

	for pass := 1; ; pass++ {
		missing := map[interfaces.FingerprintV2]interfaces.PublicKeyEntry{}
		for fp, entry := range published {
			if _, ok := known[fp]; !ok {
				missing[fp] = entry
			}
		}
		if len(missing) == 0 {
			break
		}

		found, err := r.recoverFromTransferKeys(ctx, owner, trusted, missing)
		if err != nil {
			return nil, err
		}
		fromSplits, err := r.recoverFromShamirSplits(ctx, owner, trusted, missing)
		if err != nil {
			return nil, err
		}
		maps.Copy(found, fromSplits)

		if len(found) == 0 {
			break
		}
		r.log.Debug("Key recovery pass",
			slog.String("owner", owner.ID),
			slog.Int("pass", pass),
			slog.Int("recovered", len(found)))

		maps.Copy(known, found)
		maps.Copy(trusted, found)
		maps.Copy(recovered, found)
	}
	return recovered, nil
}

func (r *KeyRecovery) recoverFromTransferKeys(ctx context.Context, owner *interfaces.DataOwner, trusted map[interfaces.FingerprintV2]interfaces.KeyPair, missing map[interfaces.FingerprintV2]interfaces.PublicKeyEntry) (map[interfaces.FingerprintV2]interfaces.KeyPair, error) {
	found := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	if len(owner.TransferKeys) == 0 {
		return found, nil
	}

	exchangeKeys, err := r.exchangeKeys(ctx, owner.ID, owner.ID, trusted)
	if err != nil {
		return nil, err
	}
	if len(exchangeKeys) == 0 {
		return found, nil
	}

	for _, source := range slices.Sorted(maps.Keys(owner.TransferKeys)) {
		for target, ctHex := range owner.TransferKeys[source] {
			fp := cryptoutils.NormalizeFingerprint(target)
			entry, isMissing := missing[fp]
			if !isMissing {
				continue
			}
			if _, done := found[fp]; done {
				continue
			}
			ct, err := hex.DecodeString(ctHex)
			if err != nil {
				continue
			}
			for _, key := range exchangeKeys {
				der, err := cryptoutils.DecryptAES(key, ct)
				if err != nil {
					continue
				}
				if kp, ok := r.validate(der, fp, entry.Hash); ok {
					found[fp] = kp
					break
				}
			}
		}
	}
	return found, nil
}

func (r *KeyRecovery) recoverFromShamirSplits(ctx context.Context, owner *interfaces.DataOwner, trusted map[interfaces.FingerprintV2]interfaces.KeyPair, missing map[interfaces.FingerprintV2]interfaces.PublicKeyEntry) (map[interfaces.FingerprintV2]interfaces.KeyPair, error) {
	found := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	delegateKeys := map[string][][]byte{}

	for _, label := range slices.Sorted(maps.Keys(owner.KeyShamirPartitions)) {
		fp := cryptoutils.NormalizeFingerprint(label)
		entry, isMissing := missing[fp]
		if !isMissing {
			continue
		}
		split := owner.KeyShamirPartitions[label]

		var shares [][]byte
		for _, delegateID := range slices.Sorted(maps.Keys(split.Shares)) {
			keys, cached := delegateKeys[delegateID]
			if !cached {
				var err error
				if keys, err = r.exchangeKeys(ctx, owner.ID, delegateID, trusted); err != nil {
					return nil, err
				}
				delegateKeys[delegateID] = keys
			}
			if share, ok := decryptShare(split.Shares[delegateID], keys); ok {
				shares = append(shares, share)
			}
		}
		if len(shares) == 0 || len(shares) < split.Threshold {
			continue
		}

		secret, err := kms.CombineShares(shares)
		if err != nil {
			r.log.Warn("Could not combine key shares",
				slog.String("owner", owner.ID),
				slog.String("fingerprint", fp.String()),
				"err", err)
			continue
		}
		if kp, ok := r.validate(secret, fp, entry.Hash); ok {
			found[fp] = kp
		}
	}
	return found, nil
}

func decryptShare(ctHex string, keys [][]byte) ([]byte, bool) {
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, false
	}
	for _, key := range keys {
		if share, err := cryptoutils.DecryptAES(key, ct); err == nil {
			return share, true
		}
	}
	return nil, false
}

// exchangeKeys decrypts every exchange key from delegatorID to delegateID,
// from exchange data and legacy keys, with the given keys.
func (r *KeyRecovery) exchangeKeys(ctx context.Context, delegatorID, delegateID string, keys map[interfaces.FingerprintV2]interfaces.KeyPair) ([][]byte, error) {
	rows, err := r.data.GetExchangeDataByDelegatorDelegate(ctx, delegatorID, delegateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange data %s -> %s: %w", delegatorID, delegateID, err)
	}
	out := r.data.TryDecryptExchangeKeys(rows, keys).Values()

	legacy, err := r.base.GetEncryptedExchangeKeysFor(ctx, delegatorID, delegateID)
	if err != nil {
		return nil, err
	}
	for _, key := range r.base.TryDecryptExchangeKeys(legacy, keys).Values() {
		if !slices.ContainsFunc(out, func(k []byte) bool { return bytes.Equal(k, key) }) {
			out = append(out, key)
		}
	}
	return out, nil
}

// validate accepts a PKCS8 candidate only if it is the key with fingerprint
// fp and survives an encryption round trip.
func (r *KeyRecovery) validate(der []byte, fp interfaces.FingerprintV2, hash cryptoutils.ShaVersion) (interfaces.KeyPair, bool) {
	priv, err := cryptoutils.ParsePKCS8(der)
	if err != nil {
		return interfaces.KeyPair{}, false
	}
	kp, err := cryptoutils.NewKeyPair(priv, hash)
	if err != nil {
		return interfaces.KeyPair{}, false
	}
	if actual, err := kp.Fingerprint(); err != nil || actual != fp {
		r.log.Warn("Recovered key does not match its fingerprint",
			slog.String("expected", fp.String()))
		return interfaces.KeyPair{}, false
	}
	if err := cryptoutils.SelfTest(kp); err != nil {
		r.log.Warn("Recovered key failed self test",
			slog.String("fingerprint", fp.String()),
			"err", err)
		return interfaces.KeyPair{}, false
	}
	return kp, true
}
