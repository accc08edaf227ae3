package exchange

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/kms"
	"github.com/ruteri/e2ee-keyexchange/storage"
	"github.com/stretchr/testify/require"
)

var (
	keyPoolMu sync.Mutex
	keyPool   = map[string]interfaces.KeyPair{}
)

// testKey returns a 2048 bit key pair generated once per name, large enough
// to wrap a 128 byte HMAC key with either OAEP variant.
func testKey(t *testing.T, name string, hash cryptoutils.ShaVersion) interfaces.KeyPair {
	t.Helper()
	keyPoolMu.Lock()
	defer keyPoolMu.Unlock()

	if kp, ok := keyPool[name]; ok {
		return kp
	}
	kp, err := cryptoutils.GenerateRSAKeyPair(2048, hash)
	require.NoError(t, err)
	keyPool[name] = kp
	return kp
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func spkiOf(t *testing.T, kp interfaces.KeyPair) string {
	t.Helper()
	spki, err := kp.Public().SpkiHex()
	require.NoError(t, err)
	return spki
}

func publicKeys(pairs ...interfaces.KeyPair) map[interfaces.FingerprintV2]interfaces.PublicKey {
	out := map[interfaces.FingerprintV2]interfaces.PublicKey{}
	for _, kp := range pairs {
		out[kp.MustFingerprint()] = kp.Public()
	}
	return out
}

func keyMap(pairs ...interfaces.KeyPair) map[interfaces.FingerprintV2]interfaces.KeyPair {
	out := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	for _, kp := range pairs {
		out[kp.MustFingerprint()] = kp
	}
	return out
}

// fakeDevice is a fixed set of device keys.
type fakeDevice struct {
	mu        sync.Mutex
	selfID    string
	hierarchy []string
	keys      map[interfaces.FingerprintV2]interfaces.KeyPair
}

func newFakeDevice(selfID string, keys ...interfaces.KeyPair) *fakeDevice {
	return &fakeDevice{selfID: selfID, hierarchy: []string{selfID}, keys: keyMap(keys...)}
}

func (d *fakeDevice) SelfID() string { return d.selfID }

func (d *fakeDevice) SelfVerifiedKeys() []interfaces.KeyPair {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []interfaces.KeyPair
	for _, fp := range slices.Sorted(maps.Keys(d.keys)) {
		out = append(out, d.keys[fp])
	}
	return out
}

func (d *fakeDevice) DecryptionKeys() map[interfaces.FingerprintV2]interfaces.KeyPair {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.keys)
}

func (d *fakeDevice) InHierarchy(id string) bool {
	return slices.Contains(d.hierarchy, id)
}

func (d *fakeDevice) addKey(kp interfaces.KeyPair) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[kp.MustFingerprint()] = kp
}

// world is the shared remote state seen by several data owners.
type world struct {
	owners *storage.MemoryDataOwnerStore
	data   *storage.MemoryExchangeDataStore
}

func newWorld() *world {
	return &world{
		owners: storage.NewMemoryDataOwnerStore(),
		data:   storage.NewMemoryExchangeDataStore(),
	}
}

func (w *world) publish(t *testing.T, id string, keys ...interfaces.KeyPair) {
	t.Helper()
	owner := &interfaces.DataOwner{ID: id}
	if existing, err := w.owners.Get(context.Background(), id); err == nil {
		owner = existing
	}
	for _, kp := range keys {
		if kp.Hash == cryptoutils.OAEPWithSHA1 {
			owner.PublicKey = spkiOf(t, kp)
			continue
		}
		owner.PublicKeysForOaepWithSha256 = append(owner.PublicKeysForOaepWithSha256, spkiOf(t, kp))
	}
	w.owners.Put(owner)
}

// party is one data owner session with its own device storage.
type party struct {
	device     *fakeDevice
	signatures *kms.SignatureKeyManager
	base       *BaseKeysManager
	data       *BaseDataManager
	keys       *KeysManager
}

func (w *world) party(device *fakeDevice, backend interfaces.StorageBackend, cfg CacheConfig) *party {
	signatures := kms.NewSignatureKeyManager(device.selfID, kms.NewJWKKeyStorage(backend, nil), 1024, discardLogger())
	base := NewBaseKeysManager(device.selfID, w.owners, nil, discardLogger())
	data := NewBaseDataManager(device.selfID, w.data, discardLogger())
	return &party{
		device:     device,
		signatures: signatures,
		base:       base,
		data:       data,
		keys: NewKeysManager(KeysManagerConfig{
			Cache:      cfg,
			Device:     device,
			Signatures: signatures,
			Owners:     w.owners,
			Base:       base,
			Data:       data,
			Log:        discardLogger(),
		}),
	}
}
