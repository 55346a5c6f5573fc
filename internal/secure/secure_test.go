package secure_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"holonet/internal/crypto"
	"holonet/internal/proto"
	"holonet/internal/secure"
)

func newPeer(t *testing.T) (*secure.Adapter, *crypto.Keyring, secure.Identity) {
	t.Helper()
	ring := crypto.NewKeyring()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	locked, err := crypto.Lock(priv, "")
	require.NoError(t, err)
	id := secure.Identity{KeyID: ring.AddPrivateKey(locked)}
	return secure.NewAdapter(ring), ring, id
}

func TestSealUnwrapRoundTrip(t *testing.T) {
	client, clientRing, clientID := newPeer(t)
	server, _, serverID := newPeer(t)

	block, err := server.PublicKeyBlock(serverID)
	require.NoError(t, err)
	material, err := secure.DecodeKeyBlock(block)
	require.NoError(t, err)
	_, err = clientRing.ImportKey(material)
	require.NoError(t, err)

	env := []byte("HLN/0.1 READ /hello-world\n\nKEY\n\n\n\n")
	sealed, err := client.Seal(env, serverID.KeyID, clientID)
	require.NoError(t, err)
	require.False(t, secure.LooksPlaintext(sealed))

	opened, err := server.Unwrap(sealed, serverID)
	require.NoError(t, err)
	require.True(t, opened.Sealed)
	require.Equal(t, clientID.KeyID, opened.Signer)
	require.Equal(t, env, opened.Plaintext)
}

func TestUnwrapPassesPlaintext(t *testing.T) {
	server, _, serverID := newPeer(t)
	env := []byte("HLN/0.1 READ /server-key\n\nKEY\n\n\n\n")
	opened, err := server.Unwrap(env, serverID)
	require.NoError(t, err)
	require.False(t, opened.Sealed)
	require.Empty(t, opened.Signer)
	require.True(t, bytes.Equal(env, opened.Plaintext))
}

func TestFailuresAreTyped(t *testing.T) {
	server, _, serverID := newPeer(t)

	_, err := server.Unwrap([]byte("garbage"), serverID)
	require.ErrorIs(t, err, proto.ErrDecryptFailed)
	require.True(t, errors.Is(err, crypto.ErrDecryptFailed))
	require.Equal(t, proto.StatusInternalError, proto.AsError(err).Status)

	_, err = server.Seal([]byte("x"), "FFFF", serverID)
	require.ErrorIs(t, err, proto.ErrEncryptFailed)
}

func TestIdentityRedactsPassphrase(t *testing.T) {
	id := secure.Identity{KeyID: "ABCD", Passphrase: "hunter2"}
	require.NotContains(t, id.String(), "hunter2")
	require.Contains(t, id.String(), "ABCD")
}

func TestDecodeKeyBlock(t *testing.T) {
	_, err := secure.DecodeKeyBlock("")
	require.Error(t, err)
	_, err = secure.DecodeKeyBlock("***")
	require.Error(t, err)
	got, err := secure.DecodeKeyBlock(secure.EncodeKeyBlock([]byte("material")))
	require.NoError(t, err)
	require.Equal(t, "material", string(got))
}

func TestMessageComplete(t *testing.T) {
	client, clientRing, clientID := newPeer(t)
	server, _, serverID := newPeer(t)
	block, err := server.PublicKeyBlock(serverID)
	require.NoError(t, err)
	material, err := secure.DecodeKeyBlock(block)
	require.NoError(t, err)
	_, err = clientRing.ImportKey(material)
	require.NoError(t, err)

	require.True(t, secure.MessageComplete([]byte("HLN/0.1 READ /server-key\n\nKEY\n\n\n\n")))
	require.False(t, secure.MessageComplete([]byte("HLN/0.1 READ /server-key\n\nKEY")))

	sealed, err := client.Seal([]byte("HLN/0.1 READ /\n\nKEY\n\n\n\n"), serverID.KeyID, clientID)
	require.NoError(t, err)
	require.True(t, secure.MessageComplete(sealed))
	require.False(t, secure.MessageComplete(sealed[:len(sealed)/2]))
}
