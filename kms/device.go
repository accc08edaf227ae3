package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// KeyInfo is a locally available key pair and its verification status.
type KeyInfo struct {
	Pair     interfaces.KeyPair
	Verified bool
}

// DeviceKeyManagerConfig holds the collaborators of a DeviceKeyManager.
type DeviceKeyManagerConfig struct {
	SelfID       string
	Owners       interfaces.DataOwnerStore
	Keys         interfaces.KeyStorage
	Verification *KeyVerificationStore
	Strategies   interfaces.CryptoStrategies
	Lock         *common.NamedLock
	// KeySize of generated RSA keys, 0 for cryptoutils.DefaultRSAKeySize.
	KeySize int
	Log     *slog.Logger
}

// DeviceKeyManager owns the key pairs of the current data owner and of its
// ancestors that are available on this device.
type DeviceKeyManager struct {
	selfID       string
	owners       interfaces.DataOwnerStore
	keys         interfaces.KeyStorage
	verification *KeyVerificationStore
	strategies   interfaces.CryptoStrategies
	lock         *common.NamedLock
	keySize      int
	log          *slog.Logger

	mu        sync.RWMutex
	hierarchy []string
	records   map[string]*interfaces.DataOwner
	available map[string]map[interfaces.FingerprintV2]KeyInfo
}

// NewDeviceKeyManager creates a manager. Keys are not available before
// Initialize or LoadKeys.
func NewDeviceKeyManager(cfg DeviceKeyManagerConfig) *DeviceKeyManager {
	if cfg.Lock == nil {
		cfg.Lock = common.NewNamedLock()
	}
	return &DeviceKeyManager{
		selfID:       cfg.SelfID,
		owners:       cfg.Owners,
		keys:         cfg.Keys,
		verification: cfg.Verification,
		strategies:   cfg.Strategies,
		lock:         cfg.Lock,
		keySize:      cfg.KeySize,
		log:          common.LoggerOrDefault(cfg.Log),
		records:      map[string]*interfaces.DataOwner{},
		available:    map[string]map[interfaces.FingerprintV2]KeyInfo{},
	}
}

// SelfID returns the id of the current data owner.
func (m *DeviceKeyManager) SelfID() string {
	return m.selfID
}

// Initialize loads local keys, recovers missing ones through recoverer (may
// be nil), lets the strategies verify recovered keys and makes sure the
// current data owner has at least one verified key.
func (m *DeviceKeyManager) Initialize(ctx context.Context, recoverer interfaces.KeyRecoverer) error {
	if err := m.LoadKeys(ctx); err != nil {
		return err
	}

	if recoverer != nil {
		trusted := m.verifiedDecryptionKeys()
		// Ancestors first, their recovered keys may open shares held for
		// descendants.
		for _, ownerID := range slices.Backward(m.HierarchyIDs()) {
			recovered, err := m.recoverFor(ctx, recoverer, ownerID, trusted)
			if err != nil {
				return err
			}
			maps.Copy(trusted, recovered)
		}
	}

	if err := m.verifyRecoveredKeys(ctx); err != nil {
		return err
	}

	_, err := m.EnsureVerifiedSelfKey(ctx)
	return err
}

// recoverFor recovers the missing keys of ownerID, opening transfer keys and
// shares with trusted only. Unverified keys never seed a recovery.
func (m *DeviceKeyManager) recoverFor(ctx context.Context, recoverer interfaces.KeyRecoverer, ownerID string, trusted map[interfaces.FingerprintV2]interfaces.KeyPair) (map[interfaces.FingerprintV2]interfaces.KeyPair, error) {
	m.mu.RLock()
	record := m.records[ownerID]
	known := m.pairsLocked(ownerID)
	m.mu.RUnlock()

	recovered, err := recoverer.RecoverKeys(ctx, record, known, trusted)
	if err != nil {
		return nil, fmt.Errorf("failed to recover keys of %s: %w", ownerID, err)
	}
	if len(recovered) == 0 {
		return nil, nil
	}

	m.log.Info("Recovered keys",
		slog.String("owner", ownerID),
		slog.Int("count", len(recovered)))
	return recovered, m.AddRecoveredKeys(ctx, ownerID, recovered)
}

// LoadKeys walks the data owner hierarchy and loads every locally stored key
// pair whose public key is published on the owner's record.
func (m *DeviceKeyManager) LoadKeys(ctx context.Context) error {
	hierarchy, records, err := m.walkHierarchy(ctx)
	if err != nil {
		return err
	}

	available := make(map[string]map[interfaces.FingerprintV2]KeyInfo, len(hierarchy))
	for _, ownerID := range hierarchy {
		status, err := m.verification.Get(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("failed to read verification status of %s: %w", ownerID, err)
		}

		infos := map[interfaces.FingerprintV2]KeyInfo{}
		for fp, entry := range records[ownerID].PublicKeys() {
			kp, err := m.keys.GetKeyPair(ctx, interfaces.KeyStorageKey{OwnerID: ownerID, Fingerprint: fp, Purpose: interfaces.PurposeEncryption})
			if errors.Is(err, interfaces.ErrNotFound) {
				continue
			}
			if errors.Is(err, interfaces.ErrInvariantViolation) {
				m.log.Warn("Ignoring corrupt stored key",
					slog.String("owner", ownerID),
					slog.String("fingerprint", fp.String()),
					"err", err)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load key %s of %s: %w", fp, ownerID, err)
			}
			// The published variant is authoritative.
			kp.Hash = entry.Hash
			infos[fp] = KeyInfo{Pair: kp, Verified: status[fp]}
		}
		available[ownerID] = infos

		m.log.Debug("Loaded device keys",
			slog.String("owner", ownerID),
			slog.Int("published", len(records[ownerID].PublicKeys())),
			slog.Int("available", len(infos)))
	}

	m.mu.Lock()
	m.hierarchy = hierarchy
	m.records = records
	m.available = available
	m.mu.Unlock()
	return nil
}

// ReloadKeys discards cached keys and loads them again.
func (m *DeviceKeyManager) ReloadKeys(ctx context.Context) error {
	return m.LoadKeys(ctx)
}

// walkHierarchy returns self followed by its ancestors.
func (m *DeviceKeyManager) walkHierarchy(ctx context.Context) ([]string, map[string]*interfaces.DataOwner, error) {
	var hierarchy []string
	records := map[string]*interfaces.DataOwner{}

	for id := m.selfID; id != ""; {
		if _, seen := records[id]; seen {
			return nil, nil, fmt.Errorf("%w: data owner hierarchy of %s has a cycle at %s", interfaces.ErrInvariantViolation, m.selfID, id)
		}
		record, err := m.owners.Get(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get data owner %s: %w", id, err)
		}
		hierarchy = append(hierarchy, id)
		records[id] = record
		id = record.ParentID
	}
	return hierarchy, records, nil
}

// AddRecoveredKeys stores recovered pairs locally. They keep any previously
// saved verification status and are unverified otherwise.
func (m *DeviceKeyManager) AddRecoveredKeys(ctx context.Context, ownerID string, recovered map[interfaces.FingerprintV2]interfaces.KeyPair) error {
	status, err := m.verification.Get(ctx, ownerID)
	if err != nil {
		return err
	}

	for fp, kp := range recovered {
		if err := m.keys.StoreKeyPair(ctx, interfaces.KeyStorageKey{OwnerID: ownerID, Fingerprint: fp, Purpose: interfaces.PurposeEncryption}, kp); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	infos, ok := m.available[ownerID]
	if !ok {
		infos = map[interfaces.FingerprintV2]KeyInfo{}
		m.available[ownerID] = infos
	}
	for fp, kp := range recovered {
		infos[fp] = KeyInfo{Pair: kp, Verified: status[fp]}
	}
	return nil
}

func (m *DeviceKeyManager) verifyRecoveredKeys(ctx context.Context) error {
	for _, ownerID := range m.HierarchyIDs() {
		m.mu.RLock()
		record := m.records[ownerID]
		var unverified []interfaces.FingerprintV2
		for fp, info := range m.available[ownerID] {
			if !info.Verified {
				unverified = append(unverified, fp)
			}
		}
		m.mu.RUnlock()

		if len(unverified) == 0 {
			continue
		}
		slices.Sort(unverified)

		decisions, err := m.strategies.VerifyRecoveredKeys(ctx, record.Clone(), unverified)
		if err != nil {
			return fmt.Errorf("failed to verify keys of %s: %w", ownerID, err)
		}

		updates := map[interfaces.FingerprintV2]bool{}
		for _, fp := range unverified {
			if verified, ok := decisions[fp]; ok {
				updates[fp] = verified
			}
		}
		if err := m.setVerification(ctx, ownerID, updates); err != nil {
			return err
		}
	}
	return nil
}

// SetKeyVerification revises the verification status of an available key.
func (m *DeviceKeyManager) SetKeyVerification(ctx context.Context, ownerID string, fp interfaces.FingerprintV2, verified bool) error {
	return m.setVerification(ctx, ownerID, map[interfaces.FingerprintV2]bool{fp: verified})
}

func (m *DeviceKeyManager) setVerification(ctx context.Context, ownerID string, updates map[interfaces.FingerprintV2]bool) error {
	if len(updates) == 0 {
		return nil
	}
	if _, err := m.verification.Set(ctx, ownerID, updates); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for fp, verified := range updates {
		if info, ok := m.available[ownerID][fp]; ok {
			info.Verified = verified
			m.available[ownerID][fp] = info
		}
	}
	return nil
}

// EnsureVerifiedSelfKey asks the strategies for a key when the current data
// owner has no verified key on this device. The returned pair is nil when a
// verified key already existed.
func (m *DeviceKeyManager) EnsureVerifiedSelfKey(ctx context.Context) (*interfaces.KeyPair, error) {
	if len(m.SelfVerifiedKeys()) > 0 {
		return nil, nil
	}

	m.mu.RLock()
	record := m.records[m.selfID].Clone()
	m.mu.RUnlock()

	decision, err := m.strategies.GenerateNewKeyForDataOwner(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("key generation strategy failed: %w", err)
	}

	var kp interfaces.KeyPair
	switch decision.Action {
	case interfaces.GenerateNewKey:
		kp, err = cryptoutils.GenerateRSAKeyPair(m.keySize, cryptoutils.OAEPWithSHA256)
		if err != nil {
			return nil, err
		}
	case interfaces.UseProvidedKey:
		kp = decision.KeyPair
		if err := cryptoutils.SelfTest(kp); err != nil {
			return nil, fmt.Errorf("provided key pair is unusable: %w", err)
		}
	case interfaces.AbortKeyGeneration:
		return nil, fmt.Errorf("%w for data owner %s", interfaces.ErrKeyGenerationAborted, m.selfID)
	default:
		return nil, fmt.Errorf("unknown key generation action %d", decision.Action)
	}

	if err := m.CreateSelfKey(ctx, kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

// CreateSelfKey stores kp locally as a verified key and publishes its public
// half on the current data owner's record.
func (m *DeviceKeyManager) CreateSelfKey(ctx context.Context, kp interfaces.KeyPair) error {
	fp, err := kp.Fingerprint()
	if err != nil {
		return err
	}
	spki, err := kp.Public().SpkiHex()
	if err != nil {
		return err
	}

	if err := m.keys.StoreKeyPair(ctx, interfaces.KeyStorageKey{OwnerID: m.selfID, Fingerprint: fp, Purpose: interfaces.PurposeEncryption}, kp); err != nil {
		return err
	}
	if _, err := m.verification.Set(ctx, m.selfID, map[interfaces.FingerprintV2]bool{fp: true}); err != nil {
		return err
	}

	updated, err := m.publishPublicKey(ctx, kp.Hash, spki)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.records[m.selfID] = updated
	if m.available[m.selfID] == nil {
		m.available[m.selfID] = map[interfaces.FingerprintV2]KeyInfo{}
	}
	m.available[m.selfID][fp] = KeyInfo{Pair: kp, Verified: true}
	m.mu.Unlock()

	m.log.Info("Created device key",
		slog.String("owner", m.selfID),
		slog.String("fingerprint", fp.String()))
	return nil
}

func (m *DeviceKeyManager) publishPublicKey(ctx context.Context, hash cryptoutils.ShaVersion, spki string) (*interfaces.DataOwner, error) {
	unlock, err := m.lock.Lock(ctx, common.OwnerLockName(m.selfID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := m.owners.Get(ctx, m.selfID)
	if err != nil {
		return nil, err
	}

	switch hash {
	case cryptoutils.OAEPWithSHA256:
		if slices.Contains(record.PublicKeysForOaepWithSha256, spki) {
			return record, nil
		}
		record.PublicKeysForOaepWithSha256 = append(record.PublicKeysForOaepWithSha256, spki)
	case cryptoutils.OAEPWithSHA1:
		if record.PublicKey == spki {
			return record, nil
		}
		if record.PublicKey != "" {
			return nil, fmt.Errorf("%w: data owner %s already has a legacy public key", interfaces.ErrInvariantViolation, m.selfID)
		}
		record.PublicKey = spki
	default:
		return nil, fmt.Errorf("unsupported OAEP variant %v", hash)
	}

	return m.owners.Update(ctx, record)
}

// HierarchyIDs returns the current data owner followed by its ancestors.
func (m *DeviceKeyManager) HierarchyIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.hierarchy)
}

// InHierarchy reports whether id is the current data owner or an ancestor.
func (m *DeviceKeyManager) InHierarchy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.hierarchy, id)
}

// SelfRecord returns a copy of the record loaded for the current data owner.
func (m *DeviceKeyManager) SelfRecord() *interfaces.DataOwner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[m.selfID].Clone()
}

// SelfVerifiedKeys returns the verified key pairs of the current data owner
// ordered by fingerprint.
func (m *DeviceKeyManager) SelfVerifiedKeys() []interfaces.KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := m.available[m.selfID]
	var out []interfaces.KeyPair
	for _, fp := range slices.Sorted(maps.Keys(infos)) {
		if infos[fp].Verified {
			out = append(out, infos[fp].Pair)
		}
	}
	return out
}

// KeyInfosFor returns the available keys of ownerID with their status.
func (m *DeviceKeyManager) KeyInfosFor(ownerID string) map[interfaces.FingerprintV2]KeyInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.available[ownerID])
}

// KeysFor returns every available key of ownerID, verified or not.
func (m *DeviceKeyManager) KeysFor(ownerID string) map[interfaces.FingerprintV2]interfaces.KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairsLocked(ownerID)
}

// DecryptionKeys returns every available key of the hierarchy. Unverified
// keys may decrypt but are never used to encrypt.
func (m *DeviceKeyManager) DecryptionKeys() map[interfaces.FingerprintV2]interfaces.KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	for _, ownerID := range m.hierarchy {
		maps.Copy(out, m.pairsLocked(ownerID))
	}
	return out
}

func (m *DeviceKeyManager) verifiedDecryptionKeys() map[interfaces.FingerprintV2]interfaces.KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	for _, ownerID := range m.hierarchy {
		for fp, info := range m.available[ownerID] {
			if info.Verified {
				out[fp] = info.Pair
			}
		}
	}
	return out
}

// KeyPairForFingerprint finds an available key anywhere in the hierarchy.
func (m *DeviceKeyManager) KeyPairForFingerprint(fp interfaces.FingerprintV2) (interfaces.KeyPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ownerID := range m.hierarchy {
		if info, ok := m.available[ownerID][fp]; ok {
			return info.Pair, true
		}
	}
	return interfaces.KeyPair{}, false
}

func (m *DeviceKeyManager) pairsLocked(ownerID string) map[interfaces.FingerprintV2]interfaces.KeyPair {
	out := make(map[interfaces.FingerprintV2]interfaces.KeyPair, len(m.available[ownerID]))
	for fp, info := range m.available[ownerID] {
		out[fp] = info.Pair
	}
	return out
}
