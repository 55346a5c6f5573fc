package daemon

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"holonet/internal/node"
	"holonet/internal/proto"
	"holonet/internal/secure"
	"holonet/internal/testutil"
)

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	n, err := node.NewNode(t.TempDir(), node.Options{Logger: testutil.StartLog(t)})
	require.NoError(t, err)
	return n
}

func newTestServer(t *testing.T, router *Router, opts Options) (*Server, *node.Node) {
	t.Helper()
	self := newTestNode(t)
	opts.Logger = testutil.StartLog(t)
	return NewServer(self, router, opts), self
}

// knows makes from trust the key of to.
func knows(t *testing.T, from, to *node.Node) {
	t.Helper()
	_, err := from.Trust.RegisterPeerKey(to.PublicKeyB64)
	require.NoError(t, err)
}

func encodeReq(t *testing.T, from *node.Node, method proto.Method, resource string, body []byte) []byte {
	t.Helper()
	raw, err := proto.EncodeRequest(proto.NewRequest(method, resource, from.PublicKeyB64, nil, body))
	require.NoError(t, err)
	return raw
}

func sealFor(t *testing.T, from, to *node.Node, plain []byte) []byte {
	t.Helper()
	sealed, err := from.Adapter.Seal(plain, to.Fingerprint(), from.Identity)
	require.NoError(t, err)
	return sealed
}

func parsePlain(t *testing.T, raw []byte) *proto.Response {
	t.Helper()
	require.True(t, secure.LooksPlaintext(raw), "expected plaintext reply, got %q", raw)
	resp, err := proto.ParseResponse(raw)
	require.NoError(t, err)
	return resp
}

func openReply(t *testing.T, self, server *node.Node, raw []byte) *proto.Response {
	t.Helper()
	opened, err := self.Adapter.Open(raw, self.Identity)
	require.NoError(t, err)
	require.Equal(t, server.Fingerprint(), opened.Signer)
	resp, err := proto.ParseResponse(opened.Plaintext)
	require.NoError(t, err)
	return resp
}

func TestBootstrapIsPlaintext(t *testing.T) {
	srv, self := newTestServer(t, nil, Options{})
	cli := newTestNode(t)

	out := srv.HandleMessage(context.Background(), encodeReq(t, cli, proto.MethodRead, proto.ResourceServerKey, nil), ConnMeta{ID: "c1"})
	resp := parsePlain(t, out)
	require.Equal(t, proto.StatusOK, resp.Status)
	require.Equal(t, self.PublicKeyB64, resp.PublicKey)
	ct, _ := resp.Headers.Get("Content-Type")
	require.Equal(t, "text/json", ct)

	var body ServerKeyBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	require.Equal(t, self.PublicKeyB64, body.Key)
	require.Contains(t, body.Message, "MITM")
	require.EqualValues(t, 1, srv.Metrics().Snapshot().Conns.Bootstrap)

	_, ok := self.Trust.Record(cli.Fingerprint())
	require.True(t, ok, "client key registered")
}

func TestPlaintextRequestRefused(t *testing.T) {
	srv, _ := newTestServer(t, nil, Options{})
	cli := newTestNode(t)
	resp := parsePlain(t, srv.HandleMessage(context.Background(), encodeReq(t, cli, proto.MethodRead, "/", nil), ConnMeta{}))
	require.Equal(t, proto.StatusBadRequest, resp.Status)
	require.Equal(t, proto.KeywordBadRequest, resp.Keyword)
	require.Equal(t, proto.PlaintextRefused().Message, string(resp.Body))
}

func TestSealedBuiltins(t *testing.T) {
	srv, self := newTestServer(t, nil, Options{})
	cli := newTestNode(t)
	knows(t, cli, self)

	cases := []struct {
		method   proto.Method
		resource string
		status   int
		body     string
		headers  int
	}{
		{proto.MethodRead, "/", proto.StatusOK, "Welcome to HoloNet!", 1},
		{proto.MethodRead, "/hello-world", proto.StatusOK, "Hello World!", 1},
		{proto.MethodWrite, "/update-user/12", proto.StatusNotFound, "Resource not found.", 0},
		{proto.MethodWrite, "/", proto.StatusNotFound, "Resource not found.", 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.method)+tc.resource, func(t *testing.T) {
			sealed := sealFor(t, cli, self, encodeReq(t, cli, tc.method, tc.resource, []byte(`{"name":"Sam"}`)))
			out := srv.HandleMessage(context.Background(), sealed, ConnMeta{})
			require.False(t, secure.LooksPlaintext(out))
			resp := openReply(t, cli, self, out)
			require.Equal(t, tc.status, resp.Status)
			require.Equal(t, tc.body, string(resp.Body))
			require.Equal(t, tc.headers, resp.Headers.Len())
		})
	}
}

func TestFailClosed(t *testing.T) {
	srv, self := newTestServer(t, nil, Options{})
	cli := newTestNode(t)
	knows(t, cli, self)
	seal := func(plain string) []byte { return sealFor(t, cli, self, []byte(plain)) }
	key := cli.PublicKeyB64

	cases := []struct {
		name   string
		raw    []byte
		status int
		body   string
	}{
		{"empty", nil, 500, "Undefined error in the server!"},
		{"garbage", []byte("not a message"), 500, "Undefined error in the server!"},
		{"armor without body", []byte("-----BEGIN HOLONET MESSAGE-----\n-----END HOLONET MESSAGE-----\n"), 500, "Undefined error in the server!"},
		{"plaintext short", []byte("HLN/0.1 READ /\n\n" + key), 400, "Incorrect number of sections, expected 4 but got 2."},
		{"plaintext bad method", []byte("HLN/0.1 DELETE /\n\n" + key + "\n\n\n\n"), 400, "Unsupported method."},
		{"plaintext bad key", []byte("HLN/0.1 READ /server-key\n\n!!!\n\n\n\n"), 400, "Invalid Public Key."},
		{"sealed sections", seal("HLN/0.1 READ /"), 400, "Incorrect number of sections, expected 4 but got 1."},
		{"sealed header line", seal("HLN/0.1 READ\n\n" + key + "\n\n\n\n"), 400, "Malformed HoloHeader."},
		{"sealed protocol", seal("HLN/9.9 READ /\n\n" + key + "\n\n\n\n"), 400, "Incorrect protocol, I only support HLN/0.1."},
		{"sealed method", seal("HLN/0.1 PATCH /\n\n" + key + "\n\n\n\n"), 400, "Unsupported method."},
		{"sealed key", seal("HLN/0.1 READ /\n\nAAAA\n\n\n\n"), 400, "Invalid Public Key."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := parsePlain(t, srv.HandleMessage(context.Background(), tc.raw, ConnMeta{ID: tc.name}))
			require.Equal(t, tc.status, resp.Status)
			require.Equal(t, tc.body, string(resp.Body))
			require.Equal(t, self.PublicKeyB64, resp.PublicKey)
			ct, _ := resp.Headers.Get("Content-Type")
			require.Equal(t, "text/plain", ct)
		})
	}
	snap := srv.Metrics().Snapshot()
	require.EqualValues(t, 3, snap.Crypto.DecryptFailed)
	require.NotZero(t, snap.ErrorsByKind["UNSUPPORTED_METHOD"])
}

func TestKeyBlockMustMatchSigner(t *testing.T) {
	srv, self := newTestServer(t, nil, Options{})
	cli := newTestNode(t)
	other := newTestNode(t)
	knows(t, cli, self)

	plain := encodeReq(t, other, proto.MethodRead, "/", nil)
	resp := parsePlain(t, srv.HandleMessage(context.Background(), sealFor(t, cli, self, plain), ConnMeta{}))
	require.Equal(t, proto.StatusBadRequest, resp.Status)
	require.Equal(t, "Invalid Public Key.", string(resp.Body))
}

type failingSeal struct {
	secure.Engine
}

func (failingSeal) EncryptAndSign([]byte, string, string, string) ([]byte, error) {
	return nil, errors.New("engine unavailable")
}

func TestEncryptFailureIsGeneric500(t *testing.T) {
	srv, self := newTestServer(t, nil, Options{})
	cli := newTestNode(t)
	knows(t, cli, self)
	sealed := sealFor(t, cli, self, encodeReq(t, cli, proto.MethodRead, "/", nil))
	self.Adapter = secure.NewAdapter(failingSeal{Engine: self.Keys})

	resp := parsePlain(t, srv.HandleMessage(context.Background(), sealed, ConnMeta{}))
	require.Equal(t, proto.StatusInternalError, resp.Status)
	require.Equal(t, "Undefined error in the server!", string(resp.Body))
	require.NotContains(t, string(resp.Body), "engine unavailable")
	require.EqualValues(t, 1, srv.Metrics().Snapshot().Crypto.EncryptFailed)
}

func TestHandlerFailures(t *testing.T) {
	router := NewRouter()
	router.Handle(proto.MethodRead, "/panic", func(ctx context.Context, req *Request) (*Reply, error) {
		panic("handler bug")
	})
	router.Handle(proto.MethodRead, "/error", func(ctx context.Context, req *Request) (*Reply, error) {
		return nil, errors.New("database down")
	})
	router.Handle(proto.MethodRead, "/nil", func(ctx context.Context, req *Request) (*Reply, error) {
		return nil, nil
	})
	router.Handle(proto.MethodWrite, "/echo", func(ctx context.Context, req *Request) (*Reply, error) {
		return &Reply{Status: proto.StatusOK, Body: append([]byte(req.Signer+":"), req.Body...)}, nil
	})
	srv, self := newTestServer(t, router, Options{})
	cli := newTestNode(t)
	knows(t, cli, self)

	for _, resource := range []string{"/panic", "/error", "/nil"} {
		sealed := sealFor(t, cli, self, encodeReq(t, cli, proto.MethodRead, resource, nil))
		resp := parsePlain(t, srv.HandleMessage(context.Background(), sealed, ConnMeta{}))
		require.Equal(t, proto.StatusInternalError, resp.Status, resource)
		require.Equal(t, "Undefined error in the server!", string(resp.Body))
	}
	require.EqualValues(t, 1, srv.Metrics().Snapshot().Conns.Panics)

	sealed := sealFor(t, cli, self, encodeReq(t, cli, proto.MethodWrite, "/echo", []byte("hi")))
	resp := openReply(t, cli, self, srv.HandleMessage(context.Background(), sealed, ConnMeta{}))
	require.Equal(t, proto.KeywordOK, resp.Keyword)
	require.Equal(t, cli.Fingerprint()+":hi", string(resp.Body))
}

func TestRouterReplacesHandler(t *testing.T) {
	r := NewRouter()
	r.Handle(proto.MethodRead, "/x", func(ctx context.Context, req *Request) (*Reply, error) {
		return OK("", []byte("one")), nil
	})
	r.Handle(proto.MethodRead, "/x", func(ctx context.Context, req *Request) (*Reply, error) {
		return OK("", []byte("two")), nil
	})
	req := &Request{Request: proto.NewRequest(proto.MethodRead, "/x", "K", nil, nil)}
	reply, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "two", string(reply.Body))
	require.Zero(t, reply.Headers.Len())

	req.Resource = "/y"
	_, err = r.Route(context.Background(), req)
	require.ErrorIs(t, err, proto.ErrRouteNotFound)
}
