package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"holonet/internal/daemon"
	"holonet/internal/network"
	"holonet/internal/node"
	"holonet/internal/testutil"
)

func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"HOLONET_ADDR", "HOLONET_HOME", "HOLONET_TRANSPORT", "HOLONET_PASSPHRASE", "HOLONET_MAX_WORKERS"} {
		t.Setenv(k, "")
	}
	return t.TempDir()
}

// startServer runs a node with the builtin routes and an echo route.
func startServer(t *testing.T) (addr string, self *node.Node) {
	t.Helper()
	self, err := node.NewNode(t.TempDir(), node.Options{Logger: testutil.StartLog(t)})
	require.NoError(t, err)
	router := daemon.NewRouter()
	daemon.RegisterBuiltins(router, self.PublicKeyB64)
	router.Handle("WRITE", "/echo", func(_ context.Context, req *daemon.Request) (*daemon.Reply, error) {
		reply := daemon.OK("text/plain", req.Body)
		if v, ok := req.Headers.Get("X-Tag"); ok {
			reply.Headers.Set("X-Tag", v)
		}
		return reply, nil
	})
	srv := daemon.NewServer(self, router, daemon.Options{Logger: testutil.StartLog(t)})
	ln, err := network.Listen(network.TransportTCP, "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String(), self
}

func TestSendHelloWorld(t *testing.T) {
	home := isolate(t)
	addr, _ := startServer(t)
	var out, stderr bytes.Buffer
	code := run([]string{"--home", home, "send", "read", "/hello-world", "--addr", addr}, strings.NewReader(""), &out, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.True(t, strings.HasPrefix(out.String(), "200 OK\n"), out.String())
	require.Contains(t, out.String(), "Hello")
	require.NotContains(t, stderr.String(), "not sealed")
}

func TestSendEchoWithHeadersAndStdin(t *testing.T) {
	home := isolate(t)
	addr, _ := startServer(t)
	var out, stderr bytes.Buffer
	code := run([]string{"--home", home, "send", "WRITE", "/echo", "--addr", addr, "-H", "X-Tag: blue", "--body-file", "-"},
		strings.NewReader("ping body"), &out, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, out.String(), "X-Tag: blue\n")
	require.True(t, strings.HasSuffix(out.String(), "\nping body\n"), out.String())
}

func TestSendNotFound(t *testing.T) {
	home := isolate(t)
	addr, _ := startServer(t)
	var out, stderr bytes.Buffer
	code := run([]string{"--home", home, "send", "READ", "/missing", "--addr", addr}, strings.NewReader(""), &out, &stderr)
	require.Equal(t, 1, code)
	require.True(t, strings.HasPrefix(out.String(), "404 "), out.String())
	require.Contains(t, stderr.String(), "server replied 404")
}

func TestSendRejectsBadInput(t *testing.T) {
	home := isolate(t)
	var out, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"--home", home, "send", "DELETE", "/"}, strings.NewReader(""), &out, &stderr))
	require.Contains(t, stderr.String(), "unknown method")

	stderr.Reset()
	require.Equal(t, 1, run([]string{"--home", home, "send", "READ", "/", "-H", "nocolon"}, strings.NewReader(""), &out, &stderr))
	require.Contains(t, stderr.String(), "bad header")
}

func TestFetchKeyAndKnownHosts(t *testing.T) {
	home := isolate(t)
	addr, server := startServer(t)

	var out, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"--home", home, "-o", "json", "fetch-key", "--addr", addr}, strings.NewReader(""), &out, &stderr), stderr.String())
	require.Contains(t, stderr.String(), "fetched without authentication")
	var got keyView
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.True(t, strings.EqualFold(server.Fingerprint(), got.Fingerprint))
	require.Equal(t, addr, got.Endpoint)
	require.Equal(t, "UNTRUSTED_FIRST_SEEN", got.State)

	// A second process reads the key back from known_hosts without a warning.
	out.Reset()
	stderr.Reset()
	require.Equal(t, 0, run([]string{"--home", home, "-o", "json", "fetch-key", "--addr", addr}, strings.NewReader(""), &out, &stderr), stderr.String())
	require.NotContains(t, stderr.String(), "fetched without authentication")
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "REMEMBERED", got.State)

	out.Reset()
	require.Equal(t, 0, run([]string{"--home", home, "-o", "json", "known-hosts"}, strings.NewReader(""), &out, &stderr), stderr.String())
	var rows []keyView
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 1)
	require.Equal(t, addr, rows[0].Endpoint)

	out.Reset()
	require.Equal(t, 0, run([]string{"--home", home, "known-hosts", "--forget", addr}, strings.NewReader(""), &out, &stderr), stderr.String())
	require.Contains(t, out.String(), "forgot "+addr)

	out.Reset()
	require.Equal(t, 0, run([]string{"--home", home, "known-hosts"}, strings.NewReader(""), &out, &stderr), stderr.String())
	require.Equal(t, "(none)\n", out.String())

	stderr.Reset()
	require.Equal(t, 1, run([]string{"--home", home, "known-hosts", "--forget", addr}, strings.NewReader(""), &out, &stderr))
	require.Contains(t, stderr.String(), "not a known host")
}

func TestWhoami(t *testing.T) {
	home := isolate(t)
	var out, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"--home", home, "-o", "yaml", "whoami"}, strings.NewReader(""), &out, &stderr), stderr.String())
	require.Contains(t, out.String(), "home: "+home)
	require.Contains(t, out.String(), "fingerprint: ")
}
