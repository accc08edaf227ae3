package exchange

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// CacheConfig controls the caches of a KeysManager.
type CacheConfig struct {
	// DelegateCacheSize bounds the cache of keys shared with the current
	// data owner by others.
	DelegateCacheSize int
	// DelegateCacheFoundTTL applies to lookups that found at least one key.
	DelegateCacheFoundTTL time.Duration
	// DelegateCacheEmptyTTL applies to lookups that found nothing.
	DelegateCacheEmptyTTL time.Duration
	// AllowBulkPreload makes ClearOrRepopulateCache load all exchange data
	// of the current data owner eagerly.
	AllowBulkPreload bool
	// PreloadPageSize is the page size of the bulk preload.
	PreloadPageSize int
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DelegateCacheSize:     1000,
		DelegateCacheFoundTTL: 30 * time.Minute,
		DelegateCacheEmptyTTL: time.Minute,
		AllowBulkPreload:      false,
		PreloadPageSize:       100,
	}
}

// DeviceKeys is what the KeysManager needs from the device key manager.
type DeviceKeys interface {
	SelfID() string
	SelfVerifiedKeys() []interfaces.KeyPair
	DecryptionKeys() map[interfaces.FingerprintV2]interfaces.KeyPair
	InHierarchy(id string) bool
}

// SignatureKeys is what the KeysManager needs from the signature key manager.
type SignatureKeys interface {
	GetOrCreateSignatureKeyPair(ctx context.Context) (interfaces.KeyPair, error)
	GetSignatureVerificationKey(ctx context.Context, fp interfaces.FingerprintV2) (*rsa.PublicKey, error)
}

// EncryptionData is the verified exchange data the current data owner
// encrypts new content for a delegate with.
type EncryptionData struct {
	ExchangeDataID      string
	ExchangeKey         []byte
	AccessControlSecret string
}

// DecryptionData is every secret shared from a delegator to a delegate that
// the current data owner can decrypt.
type DecryptionData struct {
	ExchangeKeys         [][]byte
	AccessControlSecrets []string
}

type pairKey struct {
	delegator string
	delegate  string
}

type delegateEntry struct {
	value   DecryptionData
	expires time.Time
}

// CacheStats are counters of the decryption caches.
type CacheStats struct {
	Hits            int64
	Misses          int64
	DelegateEntries int
	Preloaded       bool
}

// KeysManager caches exchange keys on top of the base managers. Data where
// a member of the current hierarchy is the delegator is cached without
// expiry, since only the hierarchy writes it. Data shared by others lives in
// a bounded LRU with a long TTL for found keys and a short one for misses.
type KeysManager struct {
	cfg        CacheConfig
	device     DeviceKeys
	signatures SignatureKeys
	owners     interfaces.DataOwnerStore
	base       *BaseKeysManager
	data       *BaseDataManager
	lock       *common.NamedLock
	log        *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	encryption map[string]EncryptionData
	delegator  map[pairKey]DecryptionData
	delegate   *lru.Cache[pairKey, delegateEntry]
	byID       *lru.Cache[string, Secrets]
	loads      singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	preloaded atomic.Bool
}

// KeysManagerConfig holds the collaborators of a KeysManager.
type KeysManagerConfig struct {
	Cache      CacheConfig
	Device     DeviceKeys
	Signatures SignatureKeys
	Owners     interfaces.DataOwnerStore
	Base       *BaseKeysManager
	Data       *BaseDataManager
	Lock       *common.NamedLock
	Log        *slog.Logger
}

// NewKeysManager creates a caching keys manager.
func NewKeysManager(cfg KeysManagerConfig) *KeysManager {
	if cfg.Cache.DelegateCacheSize <= 0 {
		cfg.Cache.DelegateCacheSize = DefaultCacheConfig().DelegateCacheSize
	}
	if cfg.Cache.PreloadPageSize <= 0 {
		cfg.Cache.PreloadPageSize = DefaultCacheConfig().PreloadPageSize
	}
	if cfg.Lock == nil {
		cfg.Lock = common.NewNamedLock()
	}
	return &KeysManager{
		cfg:        cfg.Cache,
		device:     cfg.Device,
		signatures: cfg.Signatures,
		owners:     cfg.Owners,
		base:       cfg.Base,
		data:       cfg.Data,
		lock:       cfg.Lock,
		log:        common.LoggerOrDefault(cfg.Log),
		now:        time.Now,
		encryption: map[string]EncryptionData{},
		delegator:  map[pairKey]DecryptionData{},
		delegate:   lru.NewCache[pairKey, delegateEntry](cfg.Cache.DelegateCacheSize),
		byID:       lru.NewCache[string, Secrets](cfg.Cache.DelegateCacheSize),
	}
}

// GetOrCreateEncryptionDataTo returns verified exchange data from the
// current data owner to delegateID, creating it when no existing entity
// verifies. Existing data is extended to keys added since its creation.
func (m *KeysManager) GetOrCreateEncryptionDataTo(ctx context.Context, delegateID string) (EncryptionData, error) {
	if cached, ok := m.cachedEncryption(delegateID); ok {
		return cached, nil
	}

	selfID := m.device.SelfID()
	unlock, err := m.lock.Lock(ctx, common.ExchangeLockName(selfID, delegateID))
	if err != nil {
		return EncryptionData{}, err
	}
	defer unlock()

	if cached, ok := m.cachedEncryption(delegateID); ok {
		return cached, nil
	}

	recipients, err := m.recipientKeys(ctx, delegateID)
	if err != nil {
		return EncryptionData{}, err
	}
	signatureKey, err := m.signatures.GetOrCreateSignatureKeyPair(ctx)
	if err != nil {
		return EncryptionData{}, err
	}

	existing, err := m.data.GetExchangeDataByDelegatorDelegate(ctx, selfID, delegateID)
	if err != nil {
		return EncryptionData{}, err
	}

	decrypted := m.data.TryDecryptSecrets(existing, m.device.DecryptionKeys())
	for _, candidate := range decrypted.Successes {
		verified, err := m.data.VerifyExchangeData(ctx, candidate.Entity, candidate.Value, m.signatures.GetSignatureVerificationKey, true)
		if err != nil {
			return EncryptionData{}, err
		}
		if !verified {
			m.log.Warn("Ignoring unverified exchange data for encryption",
				slog.String("id", candidate.Entity.ID),
				slog.String("delegate", delegateID))
			continue
		}

		if _, err := m.data.TryUpdateExchangeData(ctx, candidate.Entity, candidate.Value, recipients, &signatureKey, m.signatures.GetSignatureVerificationKey); err != nil {
			return EncryptionData{}, err
		}

		result := EncryptionData{
			ExchangeDataID:      candidate.Entity.ID,
			ExchangeKey:         candidate.Value.ExchangeKey,
			AccessControlSecret: candidate.Value.AccessControlSecret,
		}
		m.byID.Add(candidate.Entity.ID, candidate.Value)
		m.storeEncryption(delegateID, result)
		return result, nil
	}

	created, err := m.data.CreateExchangeData(ctx, delegateID, []interfaces.KeyPair{signatureKey}, recipients)
	if err != nil {
		return EncryptionData{}, err
	}

	m.log.Info("Created new exchange data",
		slog.String("id", created.Data.ID),
		slog.String("delegate", delegateID),
		slog.Int("unusable_existing", len(existing)))

	result := EncryptionData{
		ExchangeDataID:      created.Data.ID,
		ExchangeKey:         created.ExchangeKey,
		AccessControlSecret: created.AccessControlSecret,
	}
	m.storeEncryption(delegateID, result)
	return result, nil
}

// recipientKeys are the verified keys of the current data owner and every
// published key of the delegate.
func (m *KeysManager) recipientKeys(ctx context.Context, delegateID string) (map[interfaces.FingerprintV2]interfaces.PublicKey, error) {
	selfKeys := m.device.SelfVerifiedKeys()
	if len(selfKeys) == 0 {
		return nil, fmt.Errorf("%w: no verified key available to encrypt with", interfaces.ErrInvariantViolation)
	}

	recipients := map[interfaces.FingerprintV2]interfaces.PublicKey{}
	for _, kp := range selfKeys {
		fp, err := kp.Fingerprint()
		if err != nil {
			return nil, err
		}
		recipients[fp] = kp.Public()
	}

	if delegateID != m.device.SelfID() {
		delegate, err := m.owners.Get(ctx, delegateID)
		if err != nil {
			return nil, err
		}
		if err := addPublishedKeys(recipients, delegate); err != nil {
			return nil, err
		}
	}
	return recipients, nil
}

func (m *KeysManager) cachedEncryption(delegateID string) (EncryptionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.encryption[delegateID]
	return data, ok
}

// storeEncryption caches new encryption data and makes its secrets visible
// to decryption lookups already cached for the pair.
func (m *KeysManager) storeEncryption(delegateID string, data EncryptionData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.encryption[delegateID] = data

	key := pairKey{delegator: m.device.SelfID(), delegate: delegateID}
	if cached, ok := m.delegator[key]; ok {
		m.delegator[key] = mergeDecryption(cached, DecryptionData{
			ExchangeKeys:         [][]byte{data.ExchangeKey},
			AccessControlSecrets: []string{data.AccessControlSecret},
		})
	}
}

// GetDecryptionExchangeKeysFor returns every exchange key from delegatorID
// to delegateID the current data owner can decrypt, from exchange data and
// from legacy exchange keys. One of the two ids must belong to the current
// hierarchy.
func (m *KeysManager) GetDecryptionExchangeKeysFor(ctx context.Context, delegatorID, delegateID string) ([][]byte, error) {
	data, err := m.getDecryptionData(ctx, delegatorID, delegateID)
	if err != nil {
		return nil, err
	}
	return data.ExchangeKeys, nil
}

// GetAccessControlSecretsFor returns the access control secrets of every
// decryptable exchange data from delegatorID to delegateID.
func (m *KeysManager) GetAccessControlSecretsFor(ctx context.Context, delegatorID, delegateID string) ([]string, error) {
	data, err := m.getDecryptionData(ctx, delegatorID, delegateID)
	if err != nil {
		return nil, err
	}
	return data.AccessControlSecrets, nil
}

func (m *KeysManager) getDecryptionData(ctx context.Context, delegatorID, delegateID string) (DecryptionData, error) {
	delegatorInHierarchy := m.device.InHierarchy(delegatorID)
	if !delegatorInHierarchy && !m.device.InHierarchy(delegateID) {
		return DecryptionData{}, fmt.Errorf("%w: neither %s nor %s", interfaces.ErrNotInHierarchy, delegatorID, delegateID)
	}

	key := pairKey{delegator: delegatorID, delegate: delegateID}
	if cached, ok := m.cachedDecryption(key, delegatorInHierarchy); ok {
		m.hits.Inc()
		return cached, nil
	}
	m.misses.Inc()

	// Shared loads ignore the cancellation of the caller that started them.
	loadCtx := context.WithoutCancel(ctx)
	loads := m.loads.DoChan(delegatorID+"\x00"+delegateID, func() (interface{}, error) {
		data, err := m.loadDecryptionData(loadCtx, delegatorID, delegateID)
		if err != nil {
			return nil, err
		}
		m.storeDecryption(key, data, delegatorInHierarchy)
		return data, nil
	})
	select {
	case res := <-loads:
		if res.Err != nil {
			return DecryptionData{}, res.Err
		}
		return res.Val.(DecryptionData), nil
	case <-ctx.Done():
		return DecryptionData{}, ctx.Err()
	}
}

func (m *KeysManager) cachedDecryption(key pairKey, delegatorInHierarchy bool) (DecryptionData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delegatorInHierarchy {
		data, ok := m.delegator[key]
		return data, ok
	}

	entry, ok := m.delegate.Get(key)
	if !ok {
		return DecryptionData{}, false
	}
	if m.now().After(entry.expires) {
		m.delegate.Remove(key)
		return DecryptionData{}, false
	}
	return entry.value, true
}

func (m *KeysManager) storeDecryption(key pairKey, data DecryptionData, delegatorInHierarchy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delegatorInHierarchy {
		m.delegator[key] = data
		return
	}

	ttl := m.cfg.DelegateCacheEmptyTTL
	if len(data.ExchangeKeys) > 0 {
		ttl = m.cfg.DelegateCacheFoundTTL
	}
	m.delegate.Add(key, delegateEntry{value: data, expires: m.now().Add(ttl)})
}

func (m *KeysManager) loadDecryptionData(ctx context.Context, delegatorID, delegateID string) (DecryptionData, error) {
	keys := m.device.DecryptionKeys()

	rows, err := m.data.GetExchangeDataByDelegatorDelegate(ctx, delegatorID, delegateID)
	if err != nil {
		return DecryptionData{}, err
	}

	var out DecryptionData
	exchangeKeys := m.data.TryDecryptExchangeKeys(rows, keys)
	for _, s := range exchangeKeys.Successes {
		out = mergeDecryption(out, DecryptionData{ExchangeKeys: [][]byte{s.Value}})
	}
	secrets := m.data.TryDecryptAccessControlSecret(rows, keys)
	out = mergeDecryption(out, DecryptionData{AccessControlSecrets: secrets.Values()})

	legacy, err := m.base.GetEncryptedExchangeKeysFor(ctx, delegatorID, delegateID)
	if err != nil {
		return DecryptionData{}, err
	}
	legacyKeys := m.base.TryDecryptExchangeKeys(legacy, keys)
	out = mergeDecryption(out, DecryptionData{ExchangeKeys: legacyKeys.Values()})

	m.log.Debug("Loaded decryption keys",
		slog.String("delegator", delegatorID),
		slog.String("delegate", delegateID),
		slog.Int("exchange_data", len(rows)),
		slog.Int("undecryptable", len(exchangeKeys.Failures)+len(legacyKeys.Failures)),
		slog.Int("keys", len(out.ExchangeKeys)))

	return out, nil
}

// mergeDecryption appends the values of b missing from a.
func mergeDecryption(a, b DecryptionData) DecryptionData {
	out := DecryptionData{
		ExchangeKeys:         slices.Clone(a.ExchangeKeys),
		AccessControlSecrets: slices.Clone(a.AccessControlSecrets),
	}
	for _, k := range b.ExchangeKeys {
		if !slices.ContainsFunc(out.ExchangeKeys, func(existing []byte) bool { return bytes.Equal(existing, k) }) {
			out.ExchangeKeys = append(out.ExchangeKeys, k)
		}
	}
	for _, s := range b.AccessControlSecrets {
		if !slices.Contains(out.AccessControlSecrets, s) {
			out.AccessControlSecrets = append(out.AccessControlSecrets, s)
		}
	}
	return out
}

// GetSecretsByID decrypts the exchange data with the given id. It returns
// ErrNotFound for a missing entity and ok false when no available key opens it.
func (m *KeysManager) GetSecretsByID(ctx context.Context, id string) (secrets Secrets, ok bool, err error) {
	if cached, hit := m.byID.Get(id); hit {
		m.hits.Inc()
		return cached, true, nil
	}
	m.misses.Inc()

	data, err := m.data.GetExchangeDataByID(ctx, id)
	if err != nil {
		return Secrets{}, false, err
	}
	batch := m.data.TryDecryptSecrets([]*interfaces.ExchangeData{data}, m.device.DecryptionKeys())
	if len(batch.Successes) == 0 {
		return Secrets{}, false, nil
	}
	secrets = batch.Successes[0].Value
	m.byID.Add(id, secrets)
	return secrets, true, nil
}

// ClearOrRepopulateCache drops every cached value. With bulk preload
// enabled, all exchange data of the current data owner is then decrypted
// and cached eagerly.
func (m *KeysManager) ClearOrRepopulateCache(ctx context.Context) error {
	m.mu.Lock()
	m.encryption = map[string]EncryptionData{}
	m.delegator = map[pairKey]DecryptionData{}
	m.delegate.Purge()
	m.byID.Purge()
	m.mu.Unlock()
	m.preloaded.Store(false)

	if !m.cfg.AllowBulkPreload {
		return nil
	}
	return m.preload(ctx)
}

func (m *KeysManager) preload(ctx context.Context) error {
	selfID := m.device.SelfID()
	keys := m.device.DecryptionKeys()
	pairs := map[pairKey]DecryptionData{}

	token := ""
	for {
		page, err := m.data.GetExchangeDataByParticipant(ctx, selfID, token, m.cfg.PreloadPageSize)
		if err != nil {
			return fmt.Errorf("failed to preload exchange data: %w", err)
		}

		batch := m.data.TryDecryptSecrets(page.Rows, keys)
		for _, s := range batch.Successes {
			key := pairKey{delegator: s.Entity.Delegator, delegate: s.Entity.Delegate}
			pairs[key] = mergeDecryption(pairs[key], DecryptionData{
				ExchangeKeys:         [][]byte{s.Value.ExchangeKey},
				AccessControlSecrets: []string{s.Value.AccessControlSecret},
			})
			m.byID.Add(s.Entity.ID, s.Value)
		}

		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	for key, data := range pairs {
		legacy, err := m.base.GetEncryptedExchangeKeysFor(ctx, key.delegator, key.delegate)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return err
		}
		data = mergeDecryption(data, DecryptionData{ExchangeKeys: m.base.TryDecryptExchangeKeys(legacy, keys).Values()})
		m.storeDecryption(key, data, m.device.InHierarchy(key.delegator))
	}

	m.preloaded.Store(true)
	m.log.Info("Preloaded exchange data cache",
		slog.String("owner", selfID),
		slog.Int("pairs", len(pairs)))
	return nil
}

// Stats returns cache counters.
func (m *KeysManager) Stats() CacheStats {
	return CacheStats{
		Hits:            m.hits.Load(),
		Misses:          m.misses.Load(),
		DelegateEntries: m.delegate.Len(),
		Preloaded:       m.preloaded.Load(),
	}
}
