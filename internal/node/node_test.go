package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"holonet/internal/crypto"
	"holonet/internal/secure"
	"holonet/internal/testutil"
)

func TestNewNodeGeneratesKeys(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNode(dir, Options{Logger: testutil.StartLog(t)})
	require.NoError(t, err)
	require.True(t, n.Created)
	require.Len(t, n.Fingerprint(), 2*crypto.FingerprintSize)
	require.True(t, n.Keys.HasPrivate(n.Fingerprint()))

	_, err = crypto.LoadKeyFile(filepath.Join(dir, IdentityFile))
	require.NoError(t, err, "expected identity persisted")

	material, err := secure.DecodeKeyBlock(n.PublicKeyB64)
	require.NoError(t, err)
	fpr, err := n.Keys.KeyID(material)
	require.NoError(t, err)
	require.Equal(t, n.Fingerprint(), fpr)
}

func TestNewNodeReloadsIdentity(t *testing.T) {
	dir := t.TempDir()
	first, err := NewNode(dir, Options{Passphrase: "s3cret", Logger: testutil.StartLog(t)})
	require.NoError(t, err)

	second, err := NewNode(dir, Options{Passphrase: "s3cret", Logger: testutil.StartLog(t)})
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Fingerprint(), second.Fingerprint())
	require.Equal(t, first.PublicKeyB64, second.PublicKeyB64)

	_, err = NewNode(dir, Options{Passphrase: "wrong", Logger: testutil.StartLog(t)})
	require.ErrorIs(t, err, crypto.ErrBadPassphrase)
}

func TestNewNodeSealsForItself(t *testing.T) {
	n, err := NewNode(t.TempDir(), Options{Passphrase: "pw", Logger: testutil.StartLog(t)})
	require.NoError(t, err)
	sealed, err := n.Adapter.Seal([]byte("note to self"), n.Fingerprint(), n.Identity)
	require.NoError(t, err)
	opened, err := n.Adapter.Open(sealed, n.Identity)
	require.NoError(t, err)
	require.Equal(t, "note to self", string(opened.Plaintext))
	require.Equal(t, n.Fingerprint(), opened.Signer)
}

func TestNewNodeWithKnownHosts(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNode(dir, Options{KnownHostsPath: filepath.Join(dir, "known_hosts.jsonl"), Logger: testutil.StartLog(t)})
	require.NoError(t, err)
	require.Empty(t, n.Trust.Endpoints())
}
