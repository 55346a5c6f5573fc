// Package pprofutil serves the runtime profiler on a side listener next to
// the node.
package pprofutil

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	defaultAddr  = "127.0.0.1:6060"
	indexPath    = "/debug/pprof/"
	shutdownWait = 2 * time.Second
)

var ErrPublicBind = errors.New("pprof: refusing non-loopback address")

// Settings selects whether and where the profiler listens.
type Settings struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

// SettingsFromEnv reads HOLONET_PPROF, HOLONET_PPROF_ADDR and
// HOLONET_PPROF_ALLOW_PUBLIC.
func SettingsFromEnv() Settings {
	return Settings{
		Enabled:     envFlag("HOLONET_PPROF"),
		Addr:        strings.TrimSpace(os.Getenv("HOLONET_PPROF_ADDR")),
		AllowPublic: envFlag("HOLONET_PPROF_ALLOW_PUBLIC"),
	}
}

func envFlag(name string) bool {
	return strings.TrimSpace(os.Getenv(name)) == "1"
}

// Start serves pprof until ctx is done and returns the bound address. It
// returns "" when s is disabled.
func Start(ctx context.Context, s Settings, log zerolog.Logger) (string, error) {
	if !s.Enabled {
		return "", nil
	}
	addr := s.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if !s.AllowPublic && !isLoopbackBind(addr) {
		return "", errors.Wrapf(ErrPublicBind, "%s (set HOLONET_PPROF_ALLOW_PUBLIC=1)", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrap(err, "pprof listen")
	}
	bound := ln.Addr().String()
	log = log.With().Str("component", "pprof").Str("addr", bound).Logger()

	srv := &http.Server{
		Handler:           newMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("pprof serve")
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		_ = srv.Shutdown(sctx)
		log.Debug().Msg("pprof stopped")
	}()
	log.Info().Str("path", indexPath).Msg("pprof listening")
	return bound, nil
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(indexPath, pprof.Index)
	mux.HandleFunc(indexPath+"cmdline", pprof.Cmdline)
	mux.HandleFunc(indexPath+"profile", pprof.Profile)
	mux.HandleFunc(indexPath+"symbol", pprof.Symbol)
	mux.HandleFunc(indexPath+"trace", pprof.Trace)
	return mux
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
