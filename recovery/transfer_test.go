package recovery

import (
	"context"
	"sync"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/exchange"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/kms"
	"github.com/ruteri/e2ee-keyexchange/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransferKeysManager(w *world, device *fakeDevice, verification *kms.KeyVerificationStore, lock *common.NamedLock) *TransferKeysManager {
	return NewTransferKeysManager(TransferKeysManagerConfig{
		Device:       device,
		Owners:       w.owners,
		Verification: verification,
		Signatures:   signatureManager(device.selfID),
		Data:         exchange.NewBaseDataManager(device.selfID, w.data, discardLogger()),
		Lock:         lock,
		Log:          discardLogger(),
	})
}

func TestUpdateTransferKeys(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	first := testKey(t, "first", 2048)
	second := testKey(t, "second", 2048)
	w.publish(t, "alice", first, second)

	device := newFakeDevice("alice").with(first, true).with(second, false)
	verification := kms.NewKeyVerificationStore(storage.NewMemoryBackend(discardLogger()), nil)
	manager := newTransferKeysManager(w, device, verification, nil)

	edges, err := manager.UpdateTransferKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []TransferEdge{{Source: first.MustFingerprint(), Target: second.MustFingerprint()}}, edges)

	record := w.record(t, "alice")
	require.Contains(t, record.TransferKeys, first.MustFingerprint().V1().String())
	assert.Contains(t, record.TransferKeys[first.MustFingerprint().V1().String()], second.MustFingerprint().V1().String())

	t.Run("nothing new to publish", func(t *testing.T) {
		edges, err := manager.UpdateTransferKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, edges)
		assert.Equal(t, record.Rev, w.record(t, "alice").Rev)
	})

	t.Run("edge recovers the target", func(t *testing.T) {
		seed := map[interfaces.FingerprintV2]interfaces.KeyPair{first.MustFingerprint(): first}
		recovered, err := w.recovery("alice").RecoverKeys(ctx, w.record(t, "alice"), seed, seed)
		require.NoError(t, err)
		require.Contains(t, recovered, second.MustFingerprint())
		assert.True(t, recovered[second.MustFingerprint()].Private.Equal(second.Private))
	})

	t.Run("verifying a key adds the reverse edge", func(t *testing.T) {
		_, err := verification.Set(ctx, "alice", map[interfaces.FingerprintV2]bool{second.MustFingerprint(): true})
		require.NoError(t, err)

		edges, err := manager.UpdateTransferKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []TransferEdge{{Source: second.MustFingerprint(), Target: first.MustFingerprint()}}, edges)

		record := w.record(t, "alice")
		assert.Len(t, record.TransferKeys, 2)
		assert.Len(t, record.TransferKeys[first.MustFingerprint().V1().String()], 1)
	})
}

func TestUpdateTransferKeysUnknownOwner(t *testing.T) {
	w := newWorld()
	device := newFakeDevice("ghost")
	verification := kms.NewKeyVerificationStore(storage.NewMemoryBackend(discardLogger()), nil)

	_, err := newTransferKeysManager(w, device, verification, nil).UpdateTransferKeys(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestTransferKeysPublishedWhileExchangeKeysChange(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	first := testKey(t, "first", 2048)
	second := testKey(t, "second", 2048)
	w.publish(t, "alice", first, second)
	delegates := []string{"bob", "carol", "dave"}
	for _, id := range delegates {
		w.publish(t, id, testKey(t, id, 2048))
	}

	lock := common.NewNamedLock()
	device := newFakeDevice("alice").with(first, true).with(second, false)
	transfer := newTransferKeysManager(w, device, kms.NewKeyVerificationStore(storage.NewMemoryBackend(discardLogger()), nil), lock)
	base := exchange.NewBaseKeysManager("alice", w.owners, lock, discardLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		edges, err := transfer.UpdateTransferKeys(ctx)
		assert.NoError(t, err)
		assert.Len(t, edges, 1)
	}()
	for _, delegateID := range delegates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := base.CreateOrUpdateEncryptedExchangeKeyTo(ctx, "alice", delegateID, first, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record := w.record(t, "alice")
	assert.Contains(t, record.TransferKeys[first.MustFingerprint().V1().String()], second.MustFingerprint().V1().String())
	spki, err := first.Public().SpkiHex()
	require.NoError(t, err)
	assert.Len(t, record.AesExchangeKeys[spki], len(delegates))
}
