package recovery

import (
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

// SplitRequest asks for a key to be split among delegates, any Threshold of
// which can recover it.
type SplitRequest struct {
	Delegates []string
	Threshold int
}

// SplitInfo describes an existing split.
type SplitInfo struct {
	Threshold int
	Delegates []string
}

// EncryptionKeys provides the exchange keys the shares are encrypted with.
type EncryptionKeys interface {
	GetOrCreateEncryptionDataTo(ctx context.Context, delegateID string) (exchange.EncryptionData, error)
}

// SelfKeys provides the key pairs of the current data owner.
type SelfKeys interface {
	SelfID() string
	KeysFor(ownerID string) map[interfaces.FingerprintV2]interfaces.KeyPair
}

// ShamirKeysManager maintains the Shamir splits of the current data owner's
// private keys.
type ShamirKeysManager struct {
	device SelfKeys
	owners interfaces.DataOwnerStore
	keys   EncryptionKeys
	lock   *common.NamedLock
	log    *slog.Logger
}

func NewShamirKeysManager(device SelfKeys, owners interfaces.DataOwnerStore, keys EncryptionKeys, lock *common.NamedLock, log *slog.Logger) *ShamirKeysManager {
	if lock == nil {
		lock = common.NewNamedLock()
	}
	return &ShamirKeysManager{
		device: device,
		owners: owners,
		keys:   keys,
		lock:   lock,
		log:    common.LoggerOrDefault(log),
	}
}

// GetExistingSplitsInfo lists the splits published by the current data owner.
func (m *ShamirKeysManager) GetExistingSplitsInfo(ctx context.Context) (map[interfaces.FingerprintV2]SplitInfo, error) {
	record, err := m.owners.Get(ctx, m.device.SelfID())
	if err != nil {
		return nil, err
	}
	out := map[interfaces.FingerprintV2]SplitInfo{}
	for label, split := range record.KeyShamirPartitions {
		out[cryptoutils.NormalizeFingerprint(label)] = SplitInfo{
			Threshold: split.Threshold,
			Delegates: slices.Sorted(maps.Keys(split.Shares)),
		}
	}
	return out, nil
}

// UpdateSelfSplits creates or replaces the splits in updates and removes the
// splits of the keys in deletions. Only keys available on this device can be
// split. It returns the updated record.
func (m *ShamirKeysManager) UpdateSelfSplits(ctx context.Context, updates map[interfaces.FingerprintV2]SplitRequest, deletions []interfaces.FingerprintV2) (*interfaces.DataOwner, error) {
	selfID := m.device.SelfID()
	available := m.device.KeysFor(selfID)

	for _, fp := range deletions {
		if _, ok := updates[fp]; ok {
			return nil, fmt.Errorf("%w: key %s is both split and deleted", interfaces.ErrInvariantViolation, fp)
		}
	}

	splits := map[interfaces.FingerprintV2]interfaces.ShamirSplit{}
	for _, fp := range slices.Sorted(maps.Keys(updates)) {
		kp, ok := available[fp]
		if !ok {
			return nil, fmt.Errorf("%w: key %s of %s is not available", interfaces.ErrNotFound, fp, selfID)
		}
		split, err := m.split(ctx, kp, updates[fp])
		if err != nil {
			return nil, fmt.Errorf("failed to split key %s: %w", fp, err)
		}
		splits[fp] = split
	}

	unlock, err := m.lock.Lock(ctx, common.OwnerLockName(selfID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := m.owners.Get(ctx, selfID)
	if err != nil {
		return nil, err
	}
	if record.KeyShamirPartitions == nil {
		record.KeyShamirPartitions = map[string]interfaces.ShamirSplit{}
	}
	for _, fp := range deletions {
		for label := range record.KeyShamirPartitions {
			if cryptoutils.NormalizeFingerprint(label) == fp {
				delete(record.KeyShamirPartitions, label)
			}
		}
	}
	for fp, split := range splits {
		for label := range record.KeyShamirPartitions {
			if cryptoutils.NormalizeFingerprint(label) == fp {
				delete(record.KeyShamirPartitions, label)
			}
		}
		record.KeyShamirPartitions[fp.V1().String()] = split
	}

	updated, err := m.owners.Update(ctx, record)
	if err != nil {
		return nil, err
	}

	m.log.Info("Updated key splits",
		slog.String("owner", selfID),
		slog.Int("split", len(splits)),
		slog.Int("deleted", len(deletions)))
	return updated, nil
}

func (m *ShamirKeysManager) split(ctx context.Context, kp interfaces.KeyPair, req SplitRequest) (interfaces.ShamirSplit, error) {
	delegates := slices.Compact(slices.Sorted(slices.Values(req.Delegates)))
	if len(delegates) != len(req.Delegates) {
		return interfaces.ShamirSplit{}, fmt.Errorf("%w: duplicate delegates", kms.ErrInvalidSplitParameters)
	}
	if slices.Contains(delegates, m.device.SelfID()) {
		return interfaces.ShamirSplit{}, fmt.Errorf("%w: a data owner cannot hold a share of its own key", kms.ErrInvalidSplitParameters)
	}

	der, err := cryptoutils.MarshalPKCS8(kp.Private)
	if err != nil {
		return interfaces.ShamirSplit{}, err
	}
	shares, err := kms.SplitSecret(der, len(delegates), req.Threshold)
	if err != nil {
		return interfaces.ShamirSplit{}, err
	}

	split := interfaces.ShamirSplit{Threshold: req.Threshold, Shares: map[string]string{}}
	for i, delegateID := range delegates {
		enc, err := m.keys.GetOrCreateEncryptionDataTo(ctx, delegateID)
		if err != nil {
			return interfaces.ShamirSplit{}, err
		}
		ct, err := cryptoutils.EncryptAES(enc.ExchangeKey, shares[i])
		if err != nil {
			return interfaces.ShamirSplit{}, err
		}
		split.Shares[delegateID] = hex.EncodeToString(ct)
	}
	return split, nil
}
