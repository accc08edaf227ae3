package recovery

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/exchange"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/kms"
	"github.com/ruteri/e2ee-keyexchange/storage"
	"github.com/stretchr/testify/require"
)

var (
	keyPoolMu sync.Mutex
	keyPool   = map[string]interfaces.KeyPair{}
)

// testKey returns a key pair generated once per name. Keys that receive
// exchange data need 2048 bits to wrap the HMAC key.
func testKey(t *testing.T, name string, bits int) interfaces.KeyPair {
	t.Helper()
	keyPoolMu.Lock()
	defer keyPoolMu.Unlock()

	if kp, ok := keyPool[name]; ok {
		return kp
	}
	kp, err := cryptoutils.GenerateRSAKeyPair(bits, cryptoutils.OAEPWithSHA256)
	require.NoError(t, err)
	keyPool[name] = kp
	return kp
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice holds the keys of a single data owner.
type fakeDevice struct {
	selfID string
	infos  map[interfaces.FingerprintV2]kms.KeyInfo
}

func newFakeDevice(selfID string) *fakeDevice {
	return &fakeDevice{selfID: selfID, infos: map[interfaces.FingerprintV2]kms.KeyInfo{}}
}

func (d *fakeDevice) with(kp interfaces.KeyPair, verified bool) *fakeDevice {
	d.infos[kp.MustFingerprint()] = kms.KeyInfo{Pair: kp, Verified: verified}
	return d
}

func (d *fakeDevice) SelfID() string { return d.selfID }

func (d *fakeDevice) InHierarchy(id string) bool { return id == d.selfID }

func (d *fakeDevice) KeyInfosFor(ownerID string) map[interfaces.FingerprintV2]kms.KeyInfo {
	if ownerID != d.selfID {
		return nil
	}
	return maps.Clone(d.infos)
}

func (d *fakeDevice) KeysFor(ownerID string) map[interfaces.FingerprintV2]interfaces.KeyPair {
	out := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	for fp, info := range d.KeyInfosFor(ownerID) {
		out[fp] = info.Pair
	}
	return out
}

func (d *fakeDevice) DecryptionKeys() map[interfaces.FingerprintV2]interfaces.KeyPair {
	return d.KeysFor(d.selfID)
}

func (d *fakeDevice) SelfVerifiedKeys() []interfaces.KeyPair {
	var out []interfaces.KeyPair
	for _, fp := range slices.Sorted(maps.Keys(d.infos)) {
		if d.infos[fp].Verified {
			out = append(out, d.infos[fp].Pair)
		}
	}
	return out
}

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
		spki, err := kp.Public().SpkiHex()
		require.NoError(t, err)
		owner.PublicKeysForOaepWithSha256 = append(owner.PublicKeysForOaepWithSha256, spki)
	}
	w.owners.Put(owner)
}

func (w *world) record(t *testing.T, id string) *interfaces.DataOwner {
	t.Helper()
	owner, err := w.owners.Get(context.Background(), id)
	require.NoError(t, err)
	return owner
}

func (w *world) recovery(selfID string) *KeyRecovery {
	return NewKeyRecovery(
		exchange.NewBaseKeysManager(selfID, w.owners, nil, discardLogger()),
		exchange.NewBaseDataManager(selfID, w.data, discardLogger()),
		discardLogger())
}

func signatureManager(selfID string) *kms.SignatureKeyManager {
	backend := storage.NewMemoryBackend(discardLogger())
	return kms.NewSignatureKeyManager(selfID, kms.NewJWKKeyStorage(backend, nil), 1024, discardLogger())
}

// publishEdge hand-crafts a transfer key source -> target of owner,
// encrypted with fresh exchange data readable by source only. The edge
// carries the private key of payload, which normally is target.
func (w *world) publishEdge(t *testing.T, owner string, source, target, payload interfaces.KeyPair) {
	t.Helper()
	ctx := context.Background()

	signature, err := signatureManager(owner).GetOrCreateSignatureKeyPair(ctx)
	require.NoError(t, err)
	data := exchange.NewBaseDataManager(owner, w.data, discardLogger())
	created, err := data.CreateExchangeData(ctx, owner, []interfaces.KeyPair{signature},
		map[interfaces.FingerprintV2]interfaces.PublicKey{source.MustFingerprint(): source.Public()})
	require.NoError(t, err)

	der, err := cryptoutils.MarshalPKCS8(payload.Private)
	require.NoError(t, err)
	ct, err := cryptoutils.EncryptAES(created.ExchangeKey, der)
	require.NoError(t, err)

	record := w.record(t, owner)
	if record.TransferKeys == nil {
		record.TransferKeys = map[string]map[string]string{}
	}
	from := source.MustFingerprint().V1().String()
	if record.TransferKeys[from] == nil {
		record.TransferKeys[from] = map[string]string{}
	}
	record.TransferKeys[from][target.MustFingerprint().V1().String()] = hex.EncodeToString(ct)
	w.owners.Put(record)
}
