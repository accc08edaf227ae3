package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	written := &shareManifest{
		Owner:       "hcp-1",
		Fingerprint: "0123456789abcdef0123456789ab",
		Hash:        cryptoutils.OAEPWithSHA1.String(),
		Threshold:   2,
		Shares:      []string{"a.share", "/abs/b.share"},
	}

	path, err := writeManifest(dir, written)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, manifestFileName), path)

	read, err := readManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "hcp-1", read.Owner)
	assert.Equal(t, 2, read.Threshold)
	assert.Equal(t, []string{filepath.Join(dir, "a.share"), "/abs/b.share"}, read.Shares)

	hash, err := read.shaVersion()
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.OAEPWithSHA1, hash)
}

func TestManifestShaVersion(t *testing.T) {
	for hash, want := range map[string]cryptoutils.ShaVersion{
		"":             cryptoutils.OAEPWithSHA256,
		"RSA-OAEP-256": cryptoutils.OAEPWithSHA256,
		"RSA-OAEP":     cryptoutils.OAEPWithSHA1,
	} {
		got, err := (&shareManifest{Hash: hash}).shaVersion()
		require.NoError(t, err, hash)
		assert.Equal(t, want, got, hash)
	}

	_, err := (&shareManifest{Hash: "RSA1_5"}).shaVersion()
	assert.Error(t, err)
}

func TestReadShareFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.share")
	bad := filepath.Join(dir, "bad.share")
	require.NoError(t, os.WriteFile(good, []byte("0aff\n"), 0600))
	require.NoError(t, os.WriteFile(bad, []byte("zz"), 0600))

	share, err := readShareFile(good)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0xff}, share)

	_, err = readShareFile(bad)
	assert.Error(t, err)

	_, err = readShareFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
