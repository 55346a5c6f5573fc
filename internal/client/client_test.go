package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"holonet/internal/daemon"
	"holonet/internal/network"
	"holonet/internal/node"
	"holonet/internal/proto"
	"holonet/internal/testutil"
)

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	n, err := node.NewNode(t.TempDir(), node.Options{Logger: testutil.StartLog(t)})
	require.NoError(t, err)
	return n
}

func newTestClient(t *testing.T, self *node.Node) *Client {
	return New(self, Options{
		Transport:   network.TransportTCP,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 3 * time.Second,
		Logger:      testutil.StartLog(t),
	})
}

// serveOnce answers a single connection with reply(request).
func serveOnce(t *testing.T, reply func(raw []byte) []byte) string {
	t.Helper()
	ln, err := network.Listen(network.TransportTCP, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		defer c.Close()
		raw, err := network.ReadMessage(c, 0, 2*time.Second)
		if err != nil {
			return
		}
		_ = network.WriteMessage(c, reply(raw), 2*time.Second)
	}()
	return ln.Addr().String()
}

func runServer(t *testing.T, self *node.Node) string {
	t.Helper()
	srv := daemon.NewServer(self, nil, daemon.Options{Logger: testutil.StartLog(t)})
	ln, err := network.Listen(network.TransportTCP, "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestFetchServerKey(t *testing.T) {
	server := newTestNode(t)
	addr := runServer(t, server)
	c := newTestClient(t, newTestNode(t))

	block, err := c.FetchServerKey(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, server.PublicKeyB64, block)

	fpr, err := c.ServerKey(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, server.Fingerprint(), fpr)
}

func TestFetchServerKeyRejectsErrorReply(t *testing.T) {
	server := newTestNode(t)
	addr := serveOnce(t, func([]byte) []byte {
		out, _ := proto.EncodeResponse(proto.NewResponse(404, "NOT_FOUND", server.PublicKeyB64, nil, []byte("Resource not found.")))
		return out
	})
	_, err := newTestClient(t, newTestNode(t)).FetchServerKey(context.Background(), addr)
	require.ErrorIs(t, err, ErrBootstrap)
}

func TestFetchServerKeyRejectsConflictingKeys(t *testing.T) {
	server := newTestNode(t)
	other := newTestNode(t)
	addr := serveOnce(t, func([]byte) []byte {
		body := []byte(`{"message":"hi","key":"` + other.PublicKeyB64 + `"}`)
		out, _ := proto.EncodeResponse(proto.NewResponse(200, "OK", server.PublicKeyB64, nil, body))
		return out
	})
	_, err := newTestClient(t, newTestNode(t)).FetchServerKey(context.Background(), addr)
	require.ErrorIs(t, err, ErrBootstrap)
}

func TestSendRejectsWrongSigner(t *testing.T) {
	server := newTestNode(t)
	impostor := newTestNode(t)
	self := newTestNode(t)
	_, err := impostor.Trust.RegisterPeerKey(self.PublicKeyB64)
	require.NoError(t, err)

	addr := serveOnce(t, func([]byte) []byte {
		plain, _ := proto.EncodeResponse(proto.NewResponse(200, "OK", server.PublicKeyB64, nil, []byte("trust me")))
		sealed, _ := impostor.Adapter.Seal(plain, self.Fingerprint(), impostor.Identity)
		return sealed
	})
	_, err = self.Trust.Resolve(context.Background(), addr, func(context.Context, string) (string, error) {
		return server.PublicKeyB64, nil
	})
	require.NoError(t, err)

	_, err = newTestClient(t, self).Send(context.Background(), addr, proto.MethodRead, "/", nil, nil)
	require.ErrorIs(t, err, ErrSignerMismatch)
}

func TestSendRejectsUnsealedSuccess(t *testing.T) {
	server := newTestNode(t)
	self := newTestNode(t)
	addr := serveOnce(t, func([]byte) []byte {
		plain, _ := proto.EncodeResponse(proto.NewResponse(200, "OK", server.PublicKeyB64, nil, []byte("forged")))
		return plain
	})
	_, err := self.Trust.Resolve(context.Background(), addr, func(context.Context, string) (string, error) {
		return server.PublicKeyB64, nil
	})
	require.NoError(t, err)

	resp, err := newTestClient(t, self).Send(context.Background(), addr, proto.MethodRead, "/", nil, nil)
	require.ErrorIs(t, err, ErrUnsealedReply)
	require.Nil(t, resp)
}

func TestSendSurfacesUnauthenticatedErrors(t *testing.T) {
	server := newTestNode(t)
	addr := runServer(t, server)
	self := newTestNode(t)
	wrong := newTestNode(t)
	// pin the wrong key so the server cannot open the request
	_, err := self.Trust.Resolve(context.Background(), addr, func(context.Context, string) (string, error) {
		return wrong.PublicKeyB64, nil
	})
	require.NoError(t, err)

	resp, err := newTestClient(t, self).Send(context.Background(), addr, proto.MethodRead, "/", nil, nil)
	require.NoError(t, err)
	require.False(t, resp.Authenticated)
	require.Empty(t, resp.Signer)
	require.Equal(t, proto.StatusInternalError, resp.Status)
	require.Equal(t, "Undefined error in the server!", string(resp.Body))
}

func TestSendDialFailure(t *testing.T) {
	self := newTestNode(t)
	server := newTestNode(t)
	_, err := self.Trust.Resolve(context.Background(), "127.0.0.1:1", func(context.Context, string) (string, error) {
		return server.PublicKeyB64, nil
	})
	require.NoError(t, err)
	_, err = newTestClient(t, self).Send(context.Background(), "127.0.0.1:1", proto.MethodRead, "/", nil, nil)
	require.Error(t, err)
}
