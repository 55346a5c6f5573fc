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
	"holonet/internal/client"
	"holonet/internal/network"
	"holonet/internal/node"
	"holonet/internal/proto"
)

const tofuWarning = "WARNING: this key was fetched without authentication. Compare the fingerprint with the server operator before trusting it."

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd()
	root.SetIn(stdin)
	return cli.Execute(ctx, root, args, stdout, stderr)
}

// session is what every network command needs: a node and a client bound to
// the configured transport.
type session struct {
	env    *cli.Env
	self   *node.Node
	client *client.Client
	addr   string
}

type connFlags struct {
	addr      string
	transport string
}

func (f *connFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "server address (host:port)")
	cmd.Flags().StringVar(&f.transport, "transport", "", "tcp or quic")
}

func openSession(cmd *cobra.Command, flags *cli.Flags, cf connFlags) (*session, error) {
	env, err := flags.Load("holonet", cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	cc := env.Config.Client
	if cf.addr != "" {
		cc.Addr = cf.addr
	}
	if cf.transport != "" {
		if !network.ValidTransport(cf.transport) {
			return nil, errors.Errorf("unknown transport %q", cf.transport)
		}
		cc.Transport = cf.transport
	}
	self, err := env.OpenNode()
	if err != nil {
		return nil, err
	}
	c := client.New(self, client.Options{
		Transport:       cc.Transport,
		DialTimeout:     cc.DialTimeout,
		ReadTimeout:     cc.ReadTimeout,
		WriteTimeout:    cc.WriteTimeout,
		MaxMessageBytes: cc.MaxMessageBytes,
		Logger:          env.Log,
	})
	return &session{env: env, self: self, client: c, addr: cc.Addr}, nil
}

func newRootCmd() *cobra.Command {
	var flags cli.Flags
	root := &cobra.Command{
		Use:   "holonet",
		Short: "Talk to HoloNet servers",
	}
	flags.Bind(root)
	root.AddCommand(
		newSendCmd(&flags),
		newFetchKeyCmd(&flags),
		newKnownHostsCmd(&flags),
		newWhoamiCmd(&flags),
	)
	return root
}

func parseHeaderFlags(raw []string) (proto.Headers, error) {
	var h proto.Headers
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("bad header %q, want key:value", kv)
		}
		h.Set(k, strings.TrimSpace(v))
	}
	return h, nil
}

func newSendCmd(flags *cli.Flags) *cobra.Command {
	var (
		cf       connFlags
		headers  []string
		body     string
		bodyFile string
	)
	cmd := &cobra.Command{
		Use:   "send METHOD RESOURCE",
		Short: "Send one sealed request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := proto.Method(strings.ToUpper(args[0]))
			if !method.Valid() {
				return errors.Errorf("unknown method %q", args[0])
			}
			h, err := parseHeaderFlags(headers)
			if err != nil {
				return err
			}
			payload := []byte(body)
			switch {
			case bodyFile == "-":
				payload, err = io.ReadAll(cmd.InOrStdin())
			case bodyFile != "":
				payload, err = os.ReadFile(bodyFile)
			}
			if err != nil {
				return errors.Wrap(err, "read body")
			}
			s, err := openSession(cmd, flags, cf)
			if err != nil {
				return err
			}
			resp, err := s.client.Send(cmd.Context(), s.addr, method, args[1], h, payload)
			if err != nil {
				return err
			}
			if !resp.Authenticated {
				fmt.Fprintln(cmd.ErrOrStderr(), "WARNING: reply was not sealed; its contents are unauthenticated")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d %s\n", resp.Status, resp.Keyword)
			for _, hdr := range resp.Headers {
				fmt.Fprintf(out, "%s: %s\n", hdr.Key, hdr.Value)
			}
			if len(resp.Body) > 0 {
				fmt.Fprintln(out)
				out.Write(resp.Body)
				if resp.Body[len(resp.Body)-1] != '\n' {
					fmt.Fprintln(out)
				}
			}
			if resp.Status >= 400 {
				return errors.Errorf("server replied %d %s", resp.Status, resp.Keyword)
			}
			return nil
		},
	}
	cf.bind(cmd)
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header key:value (repeatable)")
	cmd.Flags().StringVar(&body, "body", "", "request body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file, - for stdin")
	return cmd
}

type keyView struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	State       string `json:"state" yaml:"state"`
	FirstSeen   string `json:"first_seen" yaml:"first_seen"`
}

func viewFor(s *node.Node, endpoint, fpr string) keyView {
	v := keyView{Endpoint: endpoint, Fingerprint: fpr}
	if rec, ok := s.Trust.Record(fpr); ok {
		v.State = rec.State.String()
		if !rec.FirstSeen.IsZero() {
			v.FirstSeen = rec.FirstSeen.UTC().Format(time.RFC3339)
		}
	}
	return v
}

func newFetchKeyCmd(flags *cli.Flags) *cobra.Command {
	var cf connFlags
	cmd := &cobra.Command{
		Use:   "fetch-key",
		Short: "Fetch and remember a server's public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, flags, cf)
			if err != nil {
				return err
			}
			_, known := s.self.Trust.Lookup(s.addr)
			fpr, err := s.client.ServerKey(cmd.Context(), s.addr)
			if err != nil {
				return err
			}
			if !known {
				fmt.Fprintln(cmd.ErrOrStderr(), tofuWarning)
			}
			return s.env.Write(cmd.OutOrStdout(), viewFor(s.self, s.addr, fpr))
		},
	}
	cf.bind(cmd)
	return cmd
}

func newKnownHostsCmd(flags *cli.Flags) *cobra.Command {
	var forget string
	cmd := &cobra.Command{
		Use:   "known-hosts",
		Short: "List or forget remembered server keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Load("holonet", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			self, err := env.OpenNode()
			if err != nil {
				return err
			}
			if forget != "" {
				removed, err := self.Trust.Forget(forget)
				if err != nil {
					return err
				}
				if !removed {
					return errors.Errorf("%s is not a known host", forget)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", forget)
				return nil
			}
			endpoints := self.Trust.Endpoints()
			names := make([]string, 0, len(endpoints))
			for ep := range endpoints {
				names = append(names, ep)
			}
			sort.Strings(names)
			rows := make([]keyView, 0, len(names))
			for _, ep := range names {
				rows = append(rows, viewFor(self, ep, endpoints[ep]))
			}
			return env.Write(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&forget, "forget", "", "remove the key remembered for this endpoint")
	return cmd
}

type whoamiView struct {
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	Home        string `json:"home" yaml:"home"`
	KnownHosts  string `json:"known_hosts" yaml:"known_hosts"`
}

func newWhoamiCmd(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.Load("holonet", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			self, err := env.OpenNode()
			if err != nil {
				return err
			}
			kh := "off"
			if env.Config.Trust.Persist {
				kh = env.Config.Trust.KnownHosts
			}
			return env.Write(cmd.OutOrStdout(), whoamiView{Fingerprint: self.Fingerprint(), Home: self.Home, KnownHosts: kh})
		},
	}
}
