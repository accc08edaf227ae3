package storage

import (
	"context"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := "e2ee/encryption/owner-1/abc"

	b, err := NewBadgerBackend(dir, discardLogger())
	require.NoError(t, err)
	assert.True(t, b.Available(ctx))
	assert.Equal(t, "badger://"+dir, b.LocationURI())

	_, err = b.Fetch(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, b.Store(ctx, key, []byte("v1")))
	require.NoError(t, b.Store(ctx, key, []byte("v2")))
	data, err := b.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, b.Close())
	assert.False(t, b.Available(ctx))

	reopened, err := NewBadgerBackend(dir, discardLogger())
	require.NoError(t, err)
	defer reopened.Close()

	data, err = reopened.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data, "documents persist across reopen")

	require.NoError(t, reopened.Delete(ctx, key))
	require.NoError(t, reopened.Delete(ctx, key), "deleting a missing key is not an error")
	_, err = reopened.Fetch(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestBadgerBackendInMemory(t *testing.T) {
	ctx := context.Background()
	b, err := NewBadgerBackend("", discardLogger())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Store(ctx, "k", []byte("v")))
	data, err := b.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
	assert.Error(t, b.Store(ctx, "", []byte("v")))
}
