package kms

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKeySize = 1024

type MockStrategies struct {
	mock.Mock
}

func (m *MockStrategies) VerifyRecoveredKeys(ctx context.Context, owner *interfaces.DataOwner, unverified []interfaces.FingerprintV2) (map[interfaces.FingerprintV2]bool, error) {
	args := m.Called(ctx, owner.ID, unverified)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[interfaces.FingerprintV2]bool), args.Error(1)
}

func (m *MockStrategies) GenerateNewKeyForDataOwner(ctx context.Context, owner *interfaces.DataOwner) (interfaces.KeyGenerationDecision, error) {
	args := m.Called(ctx, owner.ID)
	return args.Get(0).(interfaces.KeyGenerationDecision), args.Error(1)
}

type staticRecoverer map[interfaces.FingerprintV2]interfaces.KeyPair

func (r staticRecoverer) RecoverKeys(ctx context.Context, owner *interfaces.DataOwner, known, trusted map[interfaces.FingerprintV2]interfaces.KeyPair) (map[interfaces.FingerprintV2]interfaces.KeyPair, error) {
	out := map[interfaces.FingerprintV2]interfaces.KeyPair{}
	for fp, kp := range r {
		if _, ok := known[fp]; ok {
			continue
		}
		if _, published := owner.PublicKeys()[fp]; published {
			out[fp] = kp
		}
	}
	return out, nil
}

type recoveryCall struct {
	owner   string
	known   []interfaces.FingerprintV2
	trusted []interfaces.FingerprintV2
}

// recordingRecoverer serves keys like staticRecoverer and records the keys
// each call was given.
type recordingRecoverer struct {
	keys  staticRecoverer
	calls []recoveryCall
}

func (r *recordingRecoverer) RecoverKeys(ctx context.Context, owner *interfaces.DataOwner, known, trusted map[interfaces.FingerprintV2]interfaces.KeyPair) (map[interfaces.FingerprintV2]interfaces.KeyPair, error) {
	r.calls = append(r.calls, recoveryCall{
		owner:   owner.ID,
		known:   slices.Sorted(maps.Keys(known)),
		trusted: slices.Sorted(maps.Keys(trusted)),
	})
	return r.keys.RecoverKeys(ctx, owner, known, trusted)
}

type deviceFixture struct {
	owners     *storage.MemoryDataOwnerStore
	backend    *storage.MemoryBackend
	strategies *MockStrategies
}

func newDeviceFixture() *deviceFixture {
	return &deviceFixture{
		owners:     storage.NewMemoryDataOwnerStore(),
		backend:    storage.NewMemoryBackend(slog.New(slog.NewTextHandler(io.Discard, nil))),
		strategies: &MockStrategies{},
	}
}

func (f *deviceFixture) manager(selfID string) *DeviceKeyManager {
	return NewDeviceKeyManager(DeviceKeyManagerConfig{
		SelfID:       selfID,
		Owners:       f.owners,
		Keys:         NewJWKKeyStorage(f.backend, nil),
		Verification: NewKeyVerificationStore(f.backend, nil),
		Strategies:   f.strategies,
		KeySize:      testKeySize,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func generateKey(t *testing.T) interfaces.KeyPair {
	t.Helper()
	kp, err := cryptoutils.GenerateRSAKeyPair(testKeySize, cryptoutils.OAEPWithSHA256)
	require.NoError(t, err)
	return kp
}

func spkiOf(t *testing.T, kp interfaces.KeyPair) string {
	t.Helper()
	spki, err := kp.Public().SpkiHex()
	require.NoError(t, err)
	return spki
}

func TestDeviceKeyManagerGeneratesFirstKey(t *testing.T) {
	ctx := context.Background()
	f := newDeviceFixture()
	f.owners.Put(&interfaces.DataOwner{ID: "hcp-1"})

	f.strategies.On("GenerateNewKeyForDataOwner", mock.Anything, "hcp-1").
		Return(interfaces.KeyGenerationDecision{Action: interfaces.GenerateNewKey}, nil).Once()

	m := f.manager("hcp-1")
	require.NoError(t, m.Initialize(ctx, nil))

	keys := m.SelfVerifiedKeys()
	require.Len(t, keys, 1, "a fresh key must be created and verified")

	record, err := f.owners.Get(ctx, "hcp-1")
	require.NoError(t, err)
	require.Len(t, record.PublicKeysForOaepWithSha256, 1, "the public key must be published")
	assert.Equal(t, spkiOf(t, keys[0]), record.PublicKeysForOaepWithSha256[0])

	// A second device session loads the same key without asking the strategies.
	again := f.manager("hcp-1")
	require.NoError(t, again.Initialize(ctx, nil))
	reloaded := again.SelfVerifiedKeys()
	require.Len(t, reloaded, 1)
	assert.True(t, reloaded[0].Private.Equal(keys[0].Private))

	f.strategies.AssertExpectations(t)
}

func TestDeviceKeyManagerStrategyDecisions(t *testing.T) {
	provided := generateKey(t)

	tests := []struct {
		name     string
		decision interfaces.KeyGenerationDecision
		check    func(t *testing.T, m *DeviceKeyManager, err error)
	}{
		{
			name:     "abort",
			decision: interfaces.KeyGenerationDecision{Action: interfaces.AbortKeyGeneration},
			check: func(t *testing.T, m *DeviceKeyManager, err error) {
				assert.ErrorIs(t, err, interfaces.ErrKeyGenerationAborted)
				assert.Empty(t, m.SelfVerifiedKeys())
			},
		},
		{
			name:     "use provided key",
			decision: interfaces.KeyGenerationDecision{Action: interfaces.UseProvidedKey, KeyPair: provided},
			check: func(t *testing.T, m *DeviceKeyManager, err error) {
				require.NoError(t, err)
				keys := m.SelfVerifiedKeys()
				require.Len(t, keys, 1)
				assert.Equal(t, provided.MustFingerprint(), keys[0].MustFingerprint())
			},
		},
		{
			name:     "unusable provided key",
			decision: interfaces.KeyGenerationDecision{Action: interfaces.UseProvidedKey},
			check: func(t *testing.T, m *DeviceKeyManager, err error) {
				assert.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDeviceFixture()
			f.owners.Put(&interfaces.DataOwner{ID: "hcp-1"})
			f.strategies.On("GenerateNewKeyForDataOwner", mock.Anything, "hcp-1").Return(tt.decision, nil)

			m := f.manager("hcp-1")
			err := m.Initialize(context.Background(), nil)
			tt.check(t, m, err)
		})
	}
}

func TestDeviceKeyManagerHierarchy(t *testing.T) {
	ctx := context.Background()
	f := newDeviceFixture()

	parentKey := generateKey(t)
	selfKey := generateKey(t)
	f.owners.Put(&interfaces.DataOwner{ID: "org", PublicKeysForOaepWithSha256: []string{spkiOf(t, parentKey)}})
	f.owners.Put(&interfaces.DataOwner{ID: "hcp-1", ParentID: "org", PublicKeysForOaepWithSha256: []string{spkiOf(t, selfKey)}})

	keys := NewJWKKeyStorage(f.backend, nil)
	require.NoError(t, keys.StoreKeyPair(ctx, interfaces.KeyStorageKey{OwnerID: "org", Fingerprint: parentKey.MustFingerprint(), Purpose: interfaces.PurposeEncryption}, parentKey))
	require.NoError(t, keys.StoreKeyPair(ctx, interfaces.KeyStorageKey{OwnerID: "hcp-1", Fingerprint: selfKey.MustFingerprint(), Purpose: interfaces.PurposeEncryption}, selfKey))
	_, err := NewKeyVerificationStore(f.backend, nil).Set(ctx, "hcp-1", map[interfaces.FingerprintV2]bool{selfKey.MustFingerprint(): true})
	require.NoError(t, err)
	_, err = NewKeyVerificationStore(f.backend, nil).Set(ctx, "org", map[interfaces.FingerprintV2]bool{parentKey.MustFingerprint(): true})
	require.NoError(t, err)

	m := f.manager("hcp-1")
	require.NoError(t, m.Initialize(ctx, nil))

	assert.Equal(t, []string{"hcp-1", "org"}, m.HierarchyIDs())
	assert.True(t, m.InHierarchy("org"))
	assert.False(t, m.InHierarchy("other"))

	decryption := m.DecryptionKeys()
	assert.Len(t, decryption, 2)
	assert.Contains(t, decryption, parentKey.MustFingerprint())

	_, ok := m.KeyPairForFingerprint(parentKey.MustFingerprint())
	assert.True(t, ok)

	require.Len(t, m.SelfVerifiedKeys(), 1, "parent keys are not self keys")
	f.strategies.AssertNotCalled(t, "GenerateNewKeyForDataOwner", mock.Anything, mock.Anything)
}

func TestDeviceKeyManagerRecoveredKeysNeedVerification(t *testing.T) {
	ctx := context.Background()
	f := newDeviceFixture()

	lost := generateKey(t)
	f.owners.Put(&interfaces.DataOwner{ID: "hcp-1", PublicKeysForOaepWithSha256: []string{spkiOf(t, lost)}})

	fp := lost.MustFingerprint()
	f.strategies.On("VerifyRecoveredKeys", mock.Anything, "hcp-1", []interfaces.FingerprintV2{fp}).
		Return(map[interfaces.FingerprintV2]bool{fp: true}, nil).Once()

	m := f.manager("hcp-1")
	require.NoError(t, m.Initialize(ctx, staticRecoverer{fp: lost}))

	keys := m.SelfVerifiedKeys()
	require.Len(t, keys, 1, "the recovered key was verified by the user")
	assert.Equal(t, fp, keys[0].MustFingerprint())

	// The recovered key is persisted with its status.
	again := f.manager("hcp-1")
	require.NoError(t, again.LoadKeys(ctx))
	assert.Len(t, again.SelfVerifiedKeys(), 1)

	f.strategies.AssertExpectations(t)
}

func TestDeviceKeyManagerUnverifiedRecoveredKeyStillDecrypts(t *testing.T) {
	ctx := context.Background()
	f := newDeviceFixture()

	lost := generateKey(t)
	f.owners.Put(&interfaces.DataOwner{ID: "hcp-1", PublicKeysForOaepWithSha256: []string{spkiOf(t, lost)}})

	fp := lost.MustFingerprint()
	f.strategies.On("VerifyRecoveredKeys", mock.Anything, "hcp-1", []interfaces.FingerprintV2{fp}).
		Return(map[interfaces.FingerprintV2]bool{}, nil)
	f.strategies.On("GenerateNewKeyForDataOwner", mock.Anything, "hcp-1").
		Return(interfaces.KeyGenerationDecision{Action: interfaces.GenerateNewKey}, nil)

	m := f.manager("hcp-1")
	require.NoError(t, m.Initialize(ctx, staticRecoverer{fp: lost}))

	assert.Len(t, m.SelfVerifiedKeys(), 1, "a new verified key is created")
	assert.NotEqual(t, fp, m.SelfVerifiedKeys()[0].MustFingerprint())
	assert.Contains(t, m.DecryptionKeys(), fp, "unverified keys may still decrypt")
	assert.False(t, m.KeyInfosFor("hcp-1")[fp].Verified)

	require.NoError(t, m.SetKeyVerification(ctx, "hcp-1", fp, true))
	assert.Len(t, m.SelfVerifiedKeys(), 2)
}

func TestDeviceKeyManagerHierarchyCycle(t *testing.T) {
	f := newDeviceFixture()
	f.owners.Put(&interfaces.DataOwner{ID: "a", ParentID: "b"})
	f.owners.Put(&interfaces.DataOwner{ID: "b", ParentID: "a"})

	err := f.manager("a").LoadKeys(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrInvariantViolation)
}

func (f *deviceFixture) storeKey(t *testing.T, ownerID string, kp interfaces.KeyPair, verified bool) {
	t.Helper()
	fp := kp.MustFingerprint()
	require.NoError(t, NewJWKKeyStorage(f.backend, nil).StoreKeyPair(context.Background(),
		interfaces.KeyStorageKey{OwnerID: ownerID, Fingerprint: fp, Purpose: interfaces.PurposeEncryption}, kp))
	_, err := NewKeyVerificationStore(f.backend, nil).Set(context.Background(), ownerID, map[interfaces.FingerprintV2]bool{fp: verified})
	require.NoError(t, err)
}

func TestDeviceKeyManagerRecoverySeededByVerifiedKeys(t *testing.T) {
	ctx := context.Background()
	f := newDeviceFixture()

	orgKey, orgLost := generateKey(t), generateKey(t)
	trustedKey, doubtfulKey, lost := generateKey(t), generateKey(t), generateKey(t)
	f.owners.Put(&interfaces.DataOwner{ID: "org", PublicKeysForOaepWithSha256: []string{spkiOf(t, orgKey), spkiOf(t, orgLost)}})
	f.owners.Put(&interfaces.DataOwner{ID: "hcp-1", ParentID: "org", PublicKeysForOaepWithSha256: []string{
		spkiOf(t, trustedKey), spkiOf(t, doubtfulKey), spkiOf(t, lost),
	}})
	f.storeKey(t, "org", orgKey, true)
	f.storeKey(t, "hcp-1", trustedKey, true)
	f.storeKey(t, "hcp-1", doubtfulKey, false)

	orgLostFp, lostFp := orgLost.MustFingerprint(), lost.MustFingerprint()
	f.strategies.On("VerifyRecoveredKeys", mock.Anything, "org", []interfaces.FingerprintV2{orgLostFp}).
		Return(map[interfaces.FingerprintV2]bool{}, nil).Once()
	f.strategies.On("VerifyRecoveredKeys", mock.Anything, "hcp-1", mock.Anything).
		Return(map[interfaces.FingerprintV2]bool{}, nil).Once()

	recoverer := &recordingRecoverer{keys: staticRecoverer{orgLostFp: orgLost, lostFp: lost}}
	m := f.manager("hcp-1")
	require.NoError(t, m.Initialize(ctx, recoverer))

	require.Len(t, recoverer.calls, 2)
	assert.Equal(t, "org", recoverer.calls[0].owner, "ancestors are recovered first")
	assert.ElementsMatch(t, []interfaces.FingerprintV2{orgKey.MustFingerprint(), trustedKey.MustFingerprint()}, recoverer.calls[0].trusted)

	child := recoverer.calls[1]
	assert.Equal(t, "hcp-1", child.owner)
	assert.ElementsMatch(t, []interfaces.FingerprintV2{trustedKey.MustFingerprint(), doubtfulKey.MustFingerprint()}, child.known,
		"unverified keys are not recovered again")
	assert.ElementsMatch(t, []interfaces.FingerprintV2{orgKey.MustFingerprint(), trustedKey.MustFingerprint(), orgLostFp}, child.trusted,
		"keys recovered from trusted keys seed later recoveries, unverified keys never do")

	assert.Contains(t, m.KeyInfosFor("hcp-1"), lostFp)
	f.strategies.AssertExpectations(t)
}
