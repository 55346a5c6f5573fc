package pprofutil

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"holonet/internal/testutil"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, isLoopbackBind(tc.addr), tc.addr)
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("HOLONET_PPROF", "1")
	t.Setenv("HOLONET_PPROF_ADDR", " 127.0.0.1:7070 ")
	t.Setenv("HOLONET_PPROF_ALLOW_PUBLIC", "")
	require.Equal(t, Settings{Enabled: true, Addr: "127.0.0.1:7070"}, SettingsFromEnv())
}

func TestStartDisabled(t *testing.T) {
	addr, err := Start(context.Background(), Settings{}, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, addr)
}

func TestStartRejectsPublicBind(t *testing.T) {
	_, err := Start(context.Background(), Settings{Enabled: true, Addr: "0.0.0.0:0"}, zerolog.Nop())
	require.ErrorIs(t, err, ErrPublicBind)
}

func TestStartServesIndexAndLogsAddr(t *testing.T) {
	var buf testutil.SyncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := Start(ctx, Settings{Enabled: true, Addr: "127.0.0.1:0"}, zerolog.New(&buf))
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + indexPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, buf.String(), `"addr":"`+addr+`"`)
	require.Contains(t, buf.String(), `"component":"pprof"`)
}
