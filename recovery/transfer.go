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

// DeviceKeys is what the transfer keys manager needs from the device key
// manager.
type DeviceKeys interface {
	SelfID() string
	KeyInfosFor(ownerID string) map[interfaces.FingerprintV2]kms.KeyInfo
}

// SignatureKeys provides the key signing new exchange data.
type SignatureKeys interface {
	GetOrCreateSignatureKeyPair(ctx context.Context) (interfaces.KeyPair, error)
}

// VerificationStatus returns the persisted verification status of the keys
// of an owner, including keys not available on this device.
type VerificationStatus interface {
	Get(ctx context.Context, ownerID string) (map[interfaces.FingerprintV2]bool, error)
}

// TransferEdge is a published transfer key: Target can be recovered by
// whoever holds Source.
type TransferEdge struct {
	Source interfaces.FingerprintV2
	Target interfaces.FingerprintV2
}

// TransferKeysManager publishes transfer keys so that every key of the
// current data owner available on this device can be recovered from every
// verified key.
type TransferKeysManager struct {
	device       DeviceKeys
	owners       interfaces.DataOwnerStore
	verification VerificationStatus
	signatures   SignatureKeys
	data         *exchange.BaseDataManager
	lock         *common.NamedLock
	log          *slog.Logger
}

// TransferKeysManagerConfig holds the collaborators of a TransferKeysManager.
type TransferKeysManagerConfig struct {
	Device       DeviceKeys
	Owners       interfaces.DataOwnerStore
	Verification VerificationStatus
	Signatures   SignatureKeys
	Data         *exchange.BaseDataManager
	Lock         *common.NamedLock
	Log          *slog.Logger
}

func NewTransferKeysManager(cfg TransferKeysManagerConfig) *TransferKeysManager {
	if cfg.Lock == nil {
		cfg.Lock = common.NewNamedLock()
	}
	return &TransferKeysManager{
		device:       cfg.Device,
		owners:       cfg.Owners,
		verification: cfg.Verification,
		signatures:   cfg.Signatures,
		data:         cfg.Data,
		lock:         cfg.Lock,
		log:          common.LoggerOrDefault(cfg.Log),
	}
}

// UpdateTransferKeys computes and publishes the missing transfer keys of
// the current data owner. Published edges are never removed. It returns the
// edges added by this call.
func (m *TransferKeysManager) UpdateTransferKeys(ctx context.Context) ([]TransferEdge, error) {
	selfID := m.device.SelfID()
	record, err := m.owners.Get(ctx, selfID)
	if err != nil {
		return nil, err
	}
	status, err := m.verification.Get(ctx, selfID)
	if err != nil {
		return nil, err
	}

	published := record.PublicKeys()
	available := m.device.KeyInfosFor(selfID)
	verified := func(fp interfaces.FingerprintV2) bool {
		if info, ok := available[fp]; ok && info.Verified {
			return true
		}
		return status[fp]
	}

	edges := planTransferEdges(published, transferEdges(record), available, verified)
	if len(edges) == 0 {
		return nil, nil
	}

	recipients := map[interfaces.FingerprintV2]interfaces.PublicKey{}
	for _, edge := range edges {
		for _, fp := range []interfaces.FingerprintV2{edge.Source, edge.Target} {
			pub, err := published[fp].Parse()
			if err != nil {
				return nil, fmt.Errorf("%w: published key %s: %v", interfaces.ErrInvariantViolation, fp, err)
			}
			recipients[fp] = pub
		}
	}

	signatureKey, err := m.signatures.GetOrCreateSignatureKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	created, err := m.data.CreateExchangeData(ctx, selfID, []interfaces.KeyPair{signatureKey}, recipients)
	if err != nil {
		return nil, err
	}

	encrypted := map[TransferEdge]string{}
	for _, edge := range edges {
		der, err := cryptoutils.MarshalPKCS8(available[edge.Target].Pair.Private)
		if err != nil {
			return nil, err
		}
		ct, err := cryptoutils.EncryptAES(created.ExchangeKey, der)
		if err != nil {
			return nil, err
		}
		encrypted[edge] = hex.EncodeToString(ct)
	}

	if err := m.publish(ctx, encrypted); err != nil {
		return nil, err
	}

	m.log.Info("Published transfer keys",
		slog.String("owner", selfID),
		slog.String("exchange_data", created.Data.ID),
		slog.Int("edges", len(edges)))
	return edges, nil
}

// publish merges the new edges into the current record. Existing edges are
// kept as they are.
func (m *TransferKeysManager) publish(ctx context.Context, encrypted map[TransferEdge]string) error {
	selfID := m.device.SelfID()
	unlock, err := m.lock.Lock(ctx, common.OwnerLockName(selfID))
	if err != nil {
		return err
	}
	defer unlock()

	record, err := m.owners.Get(ctx, selfID)
	if err != nil {
		return err
	}
	if record.TransferKeys == nil {
		record.TransferKeys = map[string]map[string]string{}
	}
	for edge, ct := range encrypted {
		source := edge.Source.V1().String()
		if record.TransferKeys[source] == nil {
			record.TransferKeys[source] = map[string]string{}
		}
		target := edge.Target.V1().String()
		if _, exists := record.TransferKeys[source][target]; !exists {
			record.TransferKeys[source][target] = ct
		}
	}

	_, err = m.owners.Update(ctx, record)
	return err
}

// transferEdges reads the published edges with normalized fingerprints.
func transferEdges(record *interfaces.DataOwner) map[interfaces.FingerprintV2][]interfaces.FingerprintV2 {
	edges := map[interfaces.FingerprintV2][]interfaces.FingerprintV2{}
	for source, targets := range record.TransferKeys {
		from := cryptoutils.NormalizeFingerprint(source)
		for target := range targets {
			edges[from] = append(edges[from], cryptoutils.NormalizeFingerprint(target))
		}
	}
	return edges
}

// planTransferEdges picks the new edges. For every group of keys available
// on this device, the target, each group that cannot reach it yet and has a
// verified member becomes a source, unless it already reaches another
// source. The smallest verified member of a source group signs for it.
func planTransferEdges(
	published map[interfaces.FingerprintV2]interfaces.PublicKeyEntry,
	existing map[interfaces.FingerprintV2][]interfaces.FingerprintV2,
	available map[interfaces.FingerprintV2]kms.KeyInfo,
	verified func(interfaces.FingerprintV2) bool,
) []TransferEdge {
	c := newKeyGraph(slices.Collect(maps.Keys(published)), existing).condense()

	targets := map[int]interfaces.FingerprintV2{}
	for _, fp := range slices.Sorted(maps.Keys(available)) {
		group, ok := c.group[fp]
		if !ok {
			continue
		}
		if _, taken := targets[group]; !taken {
			targets[group] = fp
		}
	}

	var edges []TransferEdge
	for _, targetGroup := range slices.Sorted(maps.Keys(targets)) {
		var sources []int
		for group := range c.groups() {
			if group == targetGroup || c.reaches(group, targetGroup) {
				continue
			}
			if representative(c.members[group], verified) == "" {
				continue
			}
			sources = append(sources, group)
		}

		for _, source := range sources {
			redundant := slices.ContainsFunc(sources, func(other int) bool {
				return other != source && c.reaches(source, other)
			})
			if redundant {
				continue
			}
			edges = append(edges, TransferEdge{
				Source: representative(c.members[source], verified),
				Target: targets[targetGroup],
			})
		}
	}
	return edges
}

// representative returns the smallest verified member, or "" when none is.
func representative(members []interfaces.FingerprintV2, verified func(interfaces.FingerprintV2) bool) interfaces.FingerprintV2 {
	for _, fp := range members {
		if verified(fp) {
			return fp
		}
	}
	return ""
}
