// Package cli holds the flag and startup plumbing shared by the holonet
// commands.
package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"holonet/internal/config"
	"holonet/internal/logging"
	"holonet/internal/node"
	"holonet/internal/output"
)

// Flags are the persistent flags every command accepts.
type Flags struct {
	ConfigPath string
	Home       string
	LogLevel   string
	Output     string
}

func (f *Flags) Bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.ConfigPath, "config", "", "config file (default <home>/"+config.DefaultConfigFile+")")
	pf.StringVar(&f.Home, "home", "", "node home directory (default ~/"+config.DefaultHomeDir+")")
	pf.StringVar(&f.LogLevel, "log-level", "", "log level override")
	pf.StringVarP(&f.Output, "output", "o", output.FormatTable, "output format: table, json or yaml")
}

// Env is a loaded configuration plus the logger built from it.
type Env struct {
	Config config.Config
	Log    zerolog.Logger
	Output string
}

// Load resolves the config file, applies flag overrides and builds the
// command logger writing to stderr.
func (f Flags) Load(app string, stderr io.Writer) (*Env, error) {
	if !output.ValidFormat(f.Output) {
		return nil, errors.Errorf("unknown output format %q", f.Output)
	}
	path := f.ConfigPath
	if path == "" {
		path = filepath.Join(f.homeHint(), config.DefaultConfigFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f.Home != "" {
		cfg.SetHome(f.Home)
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	log := logging.Build(logging.ProfileRuntime, app, func(c *logging.Config) {
		cfg.Log.ApplyTo(c)
		c.Out = stderr
	})
	return &Env{Config: cfg, Log: log, Output: f.Output}, nil
}

func (f Flags) homeHint() string {
	if f.Home != "" {
		return f.Home
	}
	if v := strings.TrimSpace(os.Getenv("HOLONET_HOME")); v != "" {
		return v
	}
	return config.Default().Node.Home
}

// OpenNode loads or creates the node identity under the configured home.
func (e *Env) OpenNode() (*node.Node, error) {
	opts := node.Options{Passphrase: e.Config.Node.Passphrase, Logger: e.Log}
	if e.Config.Trust.Persist {
		opts.KnownHostsPath = e.Config.Trust.KnownHosts
	}
	n, err := node.NewNode(e.Config.Node.Home, opts)
	if err != nil {
		return nil, err
	}
	if n.Created {
		e.Log.Info().Str("home", n.Home).Str("fingerprint", n.Fingerprint()).Msg("generated new identity")
	}
	return n, nil
}

// Write renders v in the format selected with --output.
func (e *Env) Write(w io.Writer, v any) error {
	return output.Write(w, e.Output, v)
}

// Execute runs root with args and maps the result to an exit code.
func Execute(ctx context.Context, root *cobra.Command, args []string, stdout, stderr io.Writer) int {
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.ExecuteContext(ctx); err != nil {
		io.WriteString(stderr, "error: "+err.Error()+"\n")
		return 1
	}
	return 0
}
