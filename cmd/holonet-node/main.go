package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"holonet/internal/cli"
	"holonet/internal/daemon"
	"holonet/internal/metrics"
	"holonet/internal/network"
	"holonet/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runContext(ctx, args, stdout, stderr)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return cli.Execute(ctx, newRootCmd(), args, stdout, stderr)
}

func newRootCmd() *cobra.Command {
	var flags cli.Flags
	root := &cobra.Command{
		Use:   "holonet-node",
		Short: "Run and inspect a HoloNet node",
	}
	flags.Bind(root)
	root.AddCommand(
		newRunCmd(&flags),
		newStatusCmd(&flags),
		newExportKeyCmd(&flags),
		newFingerprintCmd(&flags),
	)
	return root
}

func newRunCmd(flags *cli.Flags) *cobra.Command {
	var addr, transport string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve requests until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Load("holonet-node", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg := env.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if transport != "" {
				if !network.ValidTransport(transport) {
					return errors.Errorf("unknown transport %q", transport)
				}
				cfg.Server.Transport = transport
			}
			self, err := env.OpenNode()
			if err != nil {
				return err
			}
			if _, err := pprofutil.Start(cmd.Context(), pprofutil.SettingsFromEnv(), env.Log); err != nil {
				return err
			}
			srv := daemon.NewServer(self, nil, daemon.Options{
				MaxWorkers:      cfg.Server.MaxWorkers,
				MaxConnsPerIP:   cfg.Server.MaxConnsPerIP,
				MaxMessageBytes: cfg.Server.MaxMessageBytes,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				MetricsPath:     cfg.MetricsPath(),
				Logger:          env.Log,
			})

			ready := make(chan string, 1)
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe(cmd.Context(), cfg.Server.Transport, cfg.Server.Addr, ready) }()
			select {
			case bound := <-ready:
				if !quiet {
					banner(cmd.ErrOrStderr(), self, cfg, bound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "READY addr=%s fingerprint=%s\n", bound, self.Fingerprint())
			case err := <-errc:
				return err
			}
			return <-errc
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port)")
	cmd.Flags().StringVar(&transport, "transport", "", "tcp or quic")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "skip the startup banner")
	return cmd
}

type statusView struct {
	GeneratedAt   string `json:"generated_at" yaml:"generated_at"`
	Accepted      uint64 `json:"accepted" yaml:"accepted"`
	Queued        uint64 `json:"queued" yaml:"queued"`
	RejectedPerIP uint64 `json:"rejected_per_ip" yaml:"rejected_per_ip"`
	Current       int64  `json:"current" yaml:"current"`
	Bootstrap     uint64 `json:"bootstrap" yaml:"bootstrap"`
	OK            uint64 `json:"ok" yaml:"ok"`
	ClientError   uint64 `json:"client_error" yaml:"client_error"`
	ServerError   uint64 `json:"server_error" yaml:"server_error"`
	WriteFailed   uint64 `json:"write_failed" yaml:"write_failed"`
	DecryptFailed uint64 `json:"decrypt_failed" yaml:"decrypt_failed"`
	EncryptFailed uint64 `json:"encrypt_failed" yaml:"encrypt_failed"`
	Panics        uint64 `json:"panics" yaml:"panics"`
	Errors        string `json:"errors" yaml:"errors"`
}

func newStatusView(snap metrics.Snapshot) statusView {
	kinds := make([]string, 0, len(snap.ErrorsByKind))
	for k := range snap.ErrorsByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	errs := make([]string, 0, len(kinds))
	for _, k := range kinds {
		errs = append(errs, fmt.Sprintf("%s=%d", k, snap.ErrorsByKind[k]))
	}
	return statusView{
		GeneratedAt:   snap.GeneratedAt.UTC().Format(time.RFC3339),
		Accepted:      snap.Conns.Accepted,
		Queued:        snap.Conns.Queued,
		RejectedPerIP: snap.Conns.RejectedPerIP,
		Current:       snap.Conns.Current,
		Bootstrap:     snap.Conns.Bootstrap,
		OK:            snap.Responses.OK,
		ClientError:   snap.Responses.ClientError,
		ServerError:   snap.Responses.ServerError,
		WriteFailed:   snap.Responses.WriteFailed,
		DecryptFailed: snap.Crypto.DecryptFailed,
		EncryptFailed: snap.Crypto.EncryptFailed,
		Panics:        snap.Conns.Panics,
		Errors:        strings.Join(errs, " "),
	}
}

func newStatusCmd(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last metrics snapshot written by a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Load("holonet-node", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			snap, err := metrics.ReadSnapshot(env.Config.MetricsPath())
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "no metrics snapshot; is the node running?")
					return nil
				}
				return err
			}
			return env.Write(cmd.OutOrStdout(), newStatusView(snap))
		},
	}
}

func newExportKeyCmd(flags *cli.Flags) *cobra.Command {
	var b64 bool
	cmd := &cobra.Command{
		Use:   "export-key",
		Short: "Print this node's public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Load("holonet-node", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			self, err := env.OpenNode()
			if err != nil {
				return err
			}
			if b64 {
				fmt.Fprintln(cmd.OutOrStdout(), self.PublicKeyB64)
				return nil
			}
			pem, err := self.ExportPublicKey()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(pem)
			return err
		},
	}
	cmd.Flags().BoolVar(&b64, "b64", false, "print the base64 key block carried in envelopes")
	return cmd
}

func newFingerprintCmd(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this node's key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Load("holonet-node", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			self, err := env.OpenNode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), self.Fingerprint())
			return nil
		},
	}
}
