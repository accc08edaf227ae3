package exchange

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/common"
	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptHex(t *testing.T, kp interfaces.KeyPair, plain []byte) string {
	t.Helper()
	ct, err := cryptoutils.EncryptRSA(kp.Public(), plain)
	require.NoError(t, err)
	return hex.EncodeToString(ct)
}

func TestCreateOrUpdateEncryptedExchangeKeyTo(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice := testKey(t, "alice", cryptoutils.OAEPWithSHA256)
	bob := testKey(t, "bob", cryptoutils.OAEPWithSHA256)
	extra := testKey(t, "extra", cryptoutils.OAEPWithSHA256)
	w.publish(t, "alice", alice)
	w.publish(t, "bob", bob)

	m := NewBaseKeysManager("alice", w.owners, nil, discardLogger())

	first, err := m.CreateOrUpdateEncryptedExchangeKeyTo(ctx, "alice", "bob", alice, nil)
	require.NoError(t, err)
	assert.True(t, first.Updated)
	assert.Len(t, first.Key, cryptoutils.AESKeySize)

	record, err := w.owners.Get(ctx, "alice")
	require.NoError(t, err)
	entry := record.AesExchangeKeys[spkiOf(t, alice)]["bob"]
	require.Len(t, entry, 2)
	assert.Contains(t, entry, alice.MustFingerprint().V1().String())
	assert.Contains(t, entry, bob.MustFingerprint().V1().String())

	t.Run("reuse without write", func(t *testing.T) {
		again, err := m.CreateOrUpdateEncryptedExchangeKeyTo(ctx, "alice", "bob", alice, nil)
		require.NoError(t, err)
		assert.False(t, again.Updated)
		assert.Equal(t, first.Key, again.Key)

		unchanged, err := w.owners.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, record.Rev, unchanged.Rev)
	})

	t.Run("extra recipient keeps the key", func(t *testing.T) {
		extended, err := m.CreateOrUpdateEncryptedExchangeKeyTo(ctx, "alice", "bob", alice, []interfaces.PublicKey{extra.Public()})
		require.NoError(t, err)
		assert.True(t, extended.Updated)
		assert.Equal(t, first.Key, extended.Key)

		encrypted, err := m.GetEncryptedExchangeKeysFor(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Len(t, encrypted, 1)
		assert.Len(t, encrypted[0], 3)

		batch := m.TryDecryptExchangeKeys(encrypted, keyMap(extra))
		require.Len(t, batch.Successes, 1)
		assert.Equal(t, first.Key, batch.Successes[0].Value)
	})

	t.Run("delegate decrypts", func(t *testing.T) {
		encrypted, err := m.GetEncryptedExchangeKeysFor(ctx, "alice", "bob")
		require.NoError(t, err)
		batch := m.TryDecryptExchangeKeys(encrypted, keyMap(bob))
		assert.Equal(t, [][]byte{first.Key}, batch.Values())
		assert.Empty(t, batch.Failures)
	})

	t.Run("only own record", func(t *testing.T) {
		_, err := m.CreateOrUpdateEncryptedExchangeKeyTo(ctx, "bob", "alice", bob, nil)
		assert.ErrorIs(t, err, interfaces.ErrInvariantViolation)
	})

	t.Run("unknown delegate", func(t *testing.T) {
		_, err := m.CreateOrUpdateEncryptedExchangeKeyTo(ctx, "alice", "carol", alice, nil)
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})
}

func TestGetEncryptedExchangeKeysForLegacyPrecedence(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	aliceLegacy := testKey(t, "alice-legacy", cryptoutils.OAEPWithSHA1)
	bobLegacy := testKey(t, "bob-legacy", cryptoutils.OAEPWithSHA1)

	legacyKey, err := cryptoutils.GenerateAESKey()
	require.NoError(t, err)
	currentKey, err := cryptoutils.GenerateAESKey()
	require.NoError(t, err)

	aliceSpki := spkiOf(t, aliceLegacy)
	w.owners.Put(&interfaces.DataOwner{
		ID:        "alice",
		PublicKey: aliceSpki,
		HcPartyKeys: map[string][]string{
			"bob": {encryptHex(t, aliceLegacy, legacyKey), encryptHex(t, bobLegacy, legacyKey)},
		},
		AesExchangeKeys: map[string]map[string]map[string]string{
			aliceSpki: {"bob": {aliceLegacy.MustFingerprint().V1().String(): encryptHex(t, aliceLegacy, currentKey)}},
		},
	})
	w.owners.Put(&interfaces.DataOwner{ID: "bob", PublicKey: spkiOf(t, bobLegacy)})

	m := NewBaseKeysManager("alice", w.owners, nil, discardLogger())
	encrypted, err := m.GetEncryptedExchangeKeysFor(ctx, "alice", "bob")
	require.NoError(t, err)

	// The aesExchangeKeys copy for the same fingerprint is shadowed.
	require.Len(t, encrypted, 1)
	assert.Contains(t, encrypted[0], aliceLegacy.MustFingerprint())
	assert.Contains(t, encrypted[0], bobLegacy.MustFingerprint())

	batch := m.TryDecryptExchangeKeys(encrypted, keyMap(aliceLegacy))
	assert.Equal(t, [][]byte{legacyKey}, batch.Values())

	batch = m.TryDecryptExchangeKeys(encrypted, keyMap(bobLegacy))
	assert.Equal(t, [][]byte{legacyKey}, batch.Values())
}

func TestTryDecryptExchangeKeys(t *testing.T) {
	alice := testKey(t, "alice", cryptoutils.OAEPWithSHA256)
	bob := testKey(t, "bob", cryptoutils.OAEPWithSHA256)
	stranger := testKey(t, "extra", cryptoutils.OAEPWithSHA256)
	m := NewBaseKeysManager("alice", newWorld().owners, nil, discardLogger())

	key, err := cryptoutils.GenerateAESKey()
	require.NoError(t, err)
	other, err := cryptoutils.GenerateAESKey()
	require.NoError(t, err)

	encrypted := []EncryptedExchangeKey{
		{alice.MustFingerprint(): encryptHex(t, alice, key), bob.MustFingerprint(): encryptHex(t, bob, key)},
		// Same key again, deduplicated.
		{bob.MustFingerprint(): encryptHex(t, bob, key)},
		// Unlabeled copy, found by trying every key.
		{"": encryptHex(t, bob, other)},
		// Nobody here can open it.
		{stranger.MustFingerprint(): encryptHex(t, stranger, other), "ffffffffffffffffffffff": "00"},
	}

	batch := m.TryDecryptExchangeKeys(encrypted, keyMap(bob))
	assert.Equal(t, [][]byte{key, other}, batch.Values())
	require.Len(t, batch.Failures, 1)
	assert.Contains(t, batch.Failures[0], stranger.MustFingerprint())
}

func TestGetEncryptedExchangeKeysForMissingOwner(t *testing.T) {
	m := NewBaseKeysManager("alice", newWorld().owners, nil, discardLogger())
	encrypted, err := m.GetEncryptedExchangeKeysFor(context.Background(), "nobody", "bob")
	require.NoError(t, err)
	assert.Empty(t, encrypted)
}

func TestConcurrentExchangeKeysToDifferentDelegates(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice := testKey(t, "alice", cryptoutils.OAEPWithSHA256)
	w.publish(t, "alice", alice)
	delegates := []string{"bob", "carol", "dave", "erin"}
	for _, id := range delegates {
		w.publish(t, id, testKey(t, id, cryptoutils.OAEPWithSHA256))
	}

	// Two managers of the same session share the lock.
	lock := common.NewNamedLock()
	managers := []*BaseKeysManager{
		NewBaseKeysManager("alice", w.owners, lock, discardLogger()),
		NewBaseKeysManager("alice", w.owners, lock, discardLogger()),
	}

	keys := make([]LegacyKey, len(delegates))
	var wg sync.WaitGroup
	for i, delegateID := range delegates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := managers[i%len(managers)].CreateOrUpdateEncryptedExchangeKeyTo(ctx, "alice", delegateID, alice, nil)
			assert.NoError(t, err)
			assert.NotErrorIs(t, err, interfaces.ErrConcurrentModification)
			keys[i] = key
		}()
	}
	wg.Wait()

	record, err := w.owners.Get(ctx, "alice")
	require.NoError(t, err)
	entries := record.AesExchangeKeys[spkiOf(t, alice)]
	require.Len(t, entries, len(delegates), "no update may be lost")
	for i, delegateID := range delegates {
		assert.True(t, keys[i].Updated)
		assert.Contains(t, entries[delegateID], testKey(t, delegateID, cryptoutils.OAEPWithSHA256).MustFingerprint().V1().String())
	}
}
