package recovery

import (
	"context"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/exchange"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/ruteri/e2ee-keyexchange/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shamirFixture struct {
	world   *world
	main    interfaces.KeyPair
	lost    interfaces.KeyPair
	manager *ShamirKeysManager
}

func newShamirFixture(t *testing.T) *shamirFixture {
	t.Helper()
	f := &shamirFixture{
		world: newWorld(),
		main:  testKey(t, "seed", 2048),
		lost:  testKey(t, "lost", 1024),
	}
	f.world.publish(t, "alice", f.main, f.lost)
	f.world.publish(t, "bob", testKey(t, "bob", 2048))
	f.world.publish(t, "carol", testKey(t, "carol", 2048))

	device := newFakeDevice("alice").with(f.main, true).with(f.lost, false)
	data := exchange.NewBaseDataManager("alice", f.world.data, discardLogger())
	keys := exchange.NewKeysManager(exchange.KeysManagerConfig{
		Cache:      exchange.DefaultCacheConfig(),
		Device:     device,
		Signatures: signatureManager("alice"),
		Owners:     f.world.owners,
		Base:       exchange.NewBaseKeysManager("alice", f.world.owners, nil, discardLogger()),
		Data:       data,
		Log:        discardLogger(),
	})
	f.manager = NewShamirKeysManager(device, f.world.owners, keys, nil, discardLogger())
	return f
}

func (f *shamirFixture) recoverLost(t *testing.T) map[interfaces.FingerprintV2]interfaces.KeyPair {
	t.Helper()
	mainKeys := map[interfaces.FingerprintV2]interfaces.KeyPair{f.main.MustFingerprint(): f.main}
	recovered, err := f.world.recovery("alice").RecoverKeys(context.Background(), f.world.record(t, "alice"), mainKeys, mainKeys)
	require.NoError(t, err)
	return recovered
}

func TestShamirSplitAndRecover(t *testing.T) {
	ctx := context.Background()
	f := newShamirFixture(t)
	lostFp := f.lost.MustFingerprint()

	record, err := f.manager.UpdateSelfSplits(ctx, map[interfaces.FingerprintV2]SplitRequest{
		lostFp: {Delegates: []string{"carol", "bob"}, Threshold: 2},
	}, nil)
	require.NoError(t, err)
	require.Contains(t, record.KeyShamirPartitions, lostFp.V1().String())
	assert.Len(t, record.KeyShamirPartitions[lostFp.V1().String()].Shares, 2)

	info, err := f.manager.GetExistingSplitsInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[interfaces.FingerprintV2]SplitInfo{
		lostFp: {Threshold: 2, Delegates: []string{"bob", "carol"}},
	}, info)

	recovered := f.recoverLost(t)
	require.Contains(t, recovered, lostFp)
	assert.True(t, recovered[lostFp].Private.Equal(f.lost.Private))

	t.Run("delegate keys open the shares", func(t *testing.T) {
		delegateKeys := map[interfaces.FingerprintV2]interfaces.KeyPair{}
		for _, name := range []string{"bob", "carol"} {
			kp := testKey(t, name, 2048)
			delegateKeys[kp.MustFingerprint()] = kp
		}
		recovered, err := f.world.recovery("alice").RecoverKeys(ctx, f.world.record(t, "alice"), nil, delegateKeys)
		require.NoError(t, err)
		require.Contains(t, recovered, lostFp)
		assert.True(t, recovered[lostFp].Private.Equal(f.lost.Private))
		assert.NotContains(t, recovered, f.main.MustFingerprint(), "only split keys are reachable")
	})

	t.Run("missing share", func(t *testing.T) {
		record := f.world.record(t, "alice")
		split := record.KeyShamirPartitions[lostFp.V1().String()]
		delete(split.Shares, "carol")
		f.world.owners.Put(record)
		assert.Empty(t, f.recoverLost(t))
	})

	t.Run("threshold one", func(t *testing.T) {
		_, err := f.manager.UpdateSelfSplits(ctx, map[interfaces.FingerprintV2]SplitRequest{
			lostFp: {Delegates: []string{"bob"}, Threshold: 1},
		}, nil)
		require.NoError(t, err)
		assert.Contains(t, f.recoverLost(t), lostFp)
	})

	t.Run("delete", func(t *testing.T) {
		record, err := f.manager.UpdateSelfSplits(ctx, nil, []interfaces.FingerprintV2{lostFp})
		require.NoError(t, err)
		assert.Empty(t, record.KeyShamirPartitions)
		assert.Empty(t, f.recoverLost(t))
	})
}

func TestUpdateSelfSplitsValidation(t *testing.T) {
	f := newShamirFixture(t)
	lostFp := f.lost.MustFingerprint()
	unknown := testKey(t, "bob", 2048).MustFingerprint()

	tests := []struct {
		name      string
		updates   map[interfaces.FingerprintV2]SplitRequest
		deletions []interfaces.FingerprintV2
		expected  error
	}{
		{
			name:     "key not on this device",
			updates:  map[interfaces.FingerprintV2]SplitRequest{unknown: {Delegates: []string{"bob", "carol"}, Threshold: 2}},
			expected: interfaces.ErrNotFound,
		},
		{
			name:     "self as delegate",
			updates:  map[interfaces.FingerprintV2]SplitRequest{lostFp: {Delegates: []string{"alice", "bob"}, Threshold: 2}},
			expected: kms.ErrInvalidSplitParameters,
		},
		{
			name:     "duplicate delegate",
			updates:  map[interfaces.FingerprintV2]SplitRequest{lostFp: {Delegates: []string{"bob", "bob"}, Threshold: 2}},
			expected: kms.ErrInvalidSplitParameters,
		},
		{
			name:     "threshold above delegates",
			updates:  map[interfaces.FingerprintV2]SplitRequest{lostFp: {Delegates: []string{"bob", "carol"}, Threshold: 3}},
			expected: kms.ErrInvalidSplitParameters,
		},
		{
			name:      "split and delete",
			updates:   map[interfaces.FingerprintV2]SplitRequest{lostFp: {Delegates: []string{"bob"}, Threshold: 1}},
			deletions: []interfaces.FingerprintV2{lostFp},
			expected:  interfaces.ErrInvariantViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.UpdateSelfSplits(context.Background(), tt.updates, tt.deletions)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	assert.Empty(t, f.world.record(t, "alice").KeyShamirPartitions)
}
