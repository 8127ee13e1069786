package userstore

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"

	"shroudtun/internal/cryptutil"

	"github.com/stretchr/testify/require"
)

func newTestUser(t *testing.T, name string, maxConcurrent int) UserInfo {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return UserInfo{
		Username:          name,
		PublicKey:         &priv.PublicKey,
		BandwidthLimitBps: 1_048_576,
		MaxConcurrent:     maxConcurrent,
	}
}

func TestAcquireSlotEnforcesMaxConcurrent(t *testing.T) {
	store := NewMemoryStore()
	store.AddUser(newTestUser(t, "alice", 2))

	p1, ok := store.AcquireSlot("alice")
	require.True(t, ok)
	p2, ok := store.AcquireSlot("alice")
	require.True(t, ok)
	_, ok = store.AcquireSlot("alice")
	require.False(t, ok, "third concurrent session must be throttled")

	p1.Release()
	p3, ok := store.AcquireSlot("alice")
	require.True(t, ok, "releasing a permit must free a slot")

	p2.Release()
	p3.Release()
}

func TestAcquireSlotUnknownUser(t *testing.T) {
	store := NewMemoryStore()
	_, ok := store.AcquireSlot("ghost")
	require.False(t, ok)
}

func TestRecordBytesAndSnapshot(t *testing.T) {
	store := NewMemoryStore()
	store.AddUser(newTestUser(t, "bob", 10))

	store.RecordBytes("bob", DirIn, 100)
	store.RecordBytes("bob", DirOut, 250)
	store.RecordBytes("bob", DirIn, 50)

	snap := store.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "bob", snap[0].Username)
	require.Equal(t, int64(150), snap[0].BytesIn)
	require.Equal(t, int64(250), snap[0].BytesOut)
}

func TestLoadTOMLFile(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes, err := cryptutil.EncodePublicKeySPKI(&priv.PublicKey)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "users.toml")
	content := "[[user]]\n" +
		"username = \"carol\"\n" +
		"public_key_pem = '''\n" + string(pemBytes) + "'''\n" +
		"bandwidth_limit_bps = 2048\n" +
		"max_concurrent = 5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := LoadTOMLFile(path, 100)
	require.NoError(t, err)

	info, ok := store.LookupUser("carol")
	require.True(t, ok)
	require.Equal(t, int64(2048), info.BandwidthLimitBps)
	require.Equal(t, 5, info.MaxConcurrent)
	require.Equal(t, priv.PublicKey.N, info.PublicKey.N)
}
