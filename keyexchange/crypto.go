package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/exchange"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/kms"
	"github.com/ruteri/e2ee-keyexchange/recovery"
)

// Config is the local configuration of a Crypto instance.
type Config struct {
	// SelfID is the id of the current data owner.
	SelfID string
	Cache  exchange.CacheConfig
	// KeySize of generated device and signature keys, 0 for the default.
	KeySize int
	Logger  *slog.Logger
}

// Dependencies are the external collaborators.
type Dependencies struct {
	Owners       interfaces.DataOwnerStore
	ExchangeData interfaces.ExchangeDataStore
	// KeyBackend is the local storage of private key material.
	KeyBackend interfaces.StorageBackend
	Strategies interfaces.CryptoStrategies
}

// Crypto wires the key managers of one data owner on one device.
type Crypto struct {
	Device     *kms.DeviceKeyManager
	Signatures *kms.SignatureKeyManager
	BaseKeys   *exchange.BaseKeysManager
	BaseData   *exchange.BaseDataManager
	Keys       *exchange.KeysManager
	Transfer   *recovery.TransferKeysManager
	Recovery   *recovery.KeyRecovery
	Shamir     *recovery.ShamirKeysManager

	log *slog.Logger
}

// New creates a Crypto instance. Keys are not available before Initialize.
func New(cfg Config, deps Dependencies) (*Crypto, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("data owner id is required")
	}
	if deps.Owners == nil || deps.ExchangeData == nil || deps.KeyBackend == nil || deps.Strategies == nil {
		return nil, errors.New("owners, exchange data, key backend and strategies are required")
	}
	if cfg.KeySize == 0 {
		cfg.KeySize = cryptoutils.DefaultRSAKeySize
	}
	if cfg.Cache == (exchange.CacheConfig{}) {
		cfg.Cache = exchange.DefaultCacheConfig()
	}

	log := common.LoggerOrDefault(cfg.Logger).With(slog.String("data_owner", cfg.SelfID))
	lock := common.NewNamedLock()
	keyStorage := kms.NewJWKKeyStorage(deps.KeyBackend, log)
	verification := kms.NewKeyVerificationStore(deps.KeyBackend, lock)

	c := &Crypto{log: log}
	c.Device = kms.NewDeviceKeyManager(kms.DeviceKeyManagerConfig{
		SelfID:       cfg.SelfID,
		Owners:       deps.Owners,
		Keys:         keyStorage,
		Verification: verification,
		Strategies:   deps.Strategies,
		Lock:         lock,
		KeySize:      cfg.KeySize,
		Log:          log,
	})
	c.Signatures = kms.NewSignatureKeyManager(cfg.SelfID, keyStorage, cfg.KeySize, log)
	c.BaseKeys = exchange.NewBaseKeysManager(cfg.SelfID, deps.Owners, lock, log)
	c.BaseData = exchange.NewBaseDataManager(cfg.SelfID, deps.ExchangeData, log)
	c.Keys = exchange.NewKeysManager(exchange.KeysManagerConfig{
		Cache:      cfg.Cache,
		Device:     c.Device,
		Signatures: c.Signatures,
		Owners:     deps.Owners,
		Base:       c.BaseKeys,
		Data:       c.BaseData,
		Lock:       lock,
		Log:        log,
	})
	c.Transfer = recovery.NewTransferKeysManager(recovery.TransferKeysManagerConfig{
		Device:       c.Device,
		Owners:       deps.Owners,
		Verification: verification,
		Signatures:   c.Signatures,
		Data:         c.BaseData,
		Lock:         lock,
		Log:          log,
	})
	c.Recovery = recovery.NewKeyRecovery(c.BaseKeys, c.BaseData, log)
	c.Shamir = recovery.NewShamirKeysManager(c.Device, deps.Owners, c.Keys, lock, log)
	return c, nil
}

// Initialize loads the device keys, recovers what it can, lets the
// strategies verify recovered keys and create a key when none is verified,
// publishes transfer keys and fills the caches.
func (c *Crypto) Initialize(ctx context.Context) error {
	if err := c.Device.Initialize(ctx, c.Recovery); err != nil {
		return fmt.Errorf("failed to initialize device keys: %w", err)
	}
	return c.refresh(ctx)
}

// ReloadKeys reloads the keys from local storage and refreshes the caches,
// picking up keys added by another session on this device.
func (c *Crypto) ReloadKeys(ctx context.Context) error {
	if err := c.Device.ReloadKeys(ctx); err != nil {
		return err
	}
	c.Signatures.ClearCache()
	return c.refresh(ctx)
}

func (c *Crypto) refresh(ctx context.Context) error {
	edges, err := c.Transfer.UpdateTransferKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to update transfer keys: %w", err)
	}
	if len(edges) > 0 {
		c.log.Debug("Added transfer keys", slog.Int("edges", len(edges)))
	}
	return c.Keys.ClearOrRepopulateCache(ctx)
}

// GetOrCreateEncryptionDataTo returns the exchange data used to encrypt new
// content shared with delegateID.
func (c *Crypto) GetOrCreateEncryptionDataTo(ctx context.Context, delegateID string) (exchange.EncryptionData, error) {
	return c.Keys.GetOrCreateEncryptionDataTo(ctx, delegateID)
}

// GetDecryptionExchangeKeysFor returns the exchange keys from delegatorID to
// delegateID available to the current data owner.
func (c *Crypto) GetDecryptionExchangeKeysFor(ctx context.Context, delegatorID, delegateID string) ([][]byte, error) {
	return c.Keys.GetDecryptionExchangeKeysFor(ctx, delegatorID, delegateID)
}

// GetAccessControlSecretsFor returns the access control secrets from
// delegatorID to delegateID available to the current data owner.
func (c *Crypto) GetAccessControlSecretsFor(ctx context.Context, delegatorID, delegateID string) ([]string, error) {
	return c.Keys.GetAccessControlSecretsFor(ctx, delegatorID, delegateID)
}

// UpdateShamirSplits changes the Shamir splits of the current data owner's
// keys.
func (c *Crypto) UpdateShamirSplits(ctx context.Context, updates map[interfaces.FingerprintV2]recovery.SplitRequest, deletions []interfaces.FingerprintV2) error {
	if _, err := c.Shamir.UpdateSelfSplits(ctx, updates, deletions); err != nil {
		return err
	}
	return c.Device.ReloadKeys(ctx)
}

// VerifyKey records the user's decision about a key of a data owner in the
// hierarchy and publishes transfer keys it enables.
func (c *Crypto) VerifyKey(ctx context.Context, ownerID string, fp interfaces.FingerprintV2, verified bool) error {
	if !c.Device.InHierarchy(ownerID) {
		return fmt.Errorf("%w: %s", interfaces.ErrNotInHierarchy, ownerID)
	}
	if err := c.Device.SetKeyVerification(ctx, ownerID, fp, verified); err != nil {
		return err
	}
	if ownerID != c.Device.SelfID() {
		return nil
	}
	return c.refresh(ctx)
}
