package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsConfigFromHome(t *testing.T) {
	t.Setenv("HOLONET_ADDR", "")
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "holonet.toml"), []byte("[server]\naddr = \"127.0.0.1:9999\"\n"), 0600))

	var stderr bytes.Buffer
	env, err := Flags{Home: home, Output: "json"}.Load("holonet-test", &stderr)
	require.NoError(t, err)
	require.Equal(t, home, env.Config.Node.Home)
	require.Equal(t, "127.0.0.1:9999", env.Config.Server.Addr)
	require.Equal(t, filepath.Join(home, "known_hosts.jsonl"), env.Config.Trust.KnownHosts)
}

func TestLoadRejectsUnknownOutput(t *testing.T) {
	_, err := Flags{Home: t.TempDir(), Output: "xml"}.Load("holonet-test", &bytes.Buffer{})
	require.Error(t, err)
}

func TestOpenNodeCreatesIdentityOnce(t *testing.T) {
	t.Setenv("HOLONET_PASSPHRASE", "")
	home := t.TempDir()
	env, err := Flags{Home: home}.Load("holonet-test", &bytes.Buffer{})
	require.NoError(t, err)
	first, err := env.OpenNode()
	require.NoError(t, err)
	require.True(t, first.Created)
	second, err := env.OpenNode()
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestExecuteExitCodes(t *testing.T) {
	root := &cobra.Command{Use: "x"}
	root.AddCommand(&cobra.Command{
		Use:  "fail",
		RunE: func(*cobra.Command, []string) error { return os.ErrNotExist },
	})
	root.AddCommand(&cobra.Command{
		Use:  "ok",
		RunE: func(*cobra.Command, []string) error { return nil },
	})
	var stderr bytes.Buffer
	require.Equal(t, 1, Execute(context.Background(), root, []string{"fail"}, &bytes.Buffer{}, &stderr))
	require.Contains(t, stderr.String(), "error: ")
	require.Equal(t, 0, Execute(context.Background(), root, []string{"ok"}, &bytes.Buffer{}, &bytes.Buffer{}))
}
