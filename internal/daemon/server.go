// Package daemon runs the HoloNet server: an accept loop with bounded
// admission and a per-connection dispatcher that turns every failure into a
// well-formed response.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"holonet/internal/metrics"
	"holonet/internal/network"
	"holonet/internal/node"
	"holonet/internal/proto"
	"holonet/internal/secure"
)

const (
	defaultMaxWorkers   = 256
	acceptRetryDelay    = 50 * time.Millisecond
	snapshotInterval    = time.Second
	refuseTimeout       = time.Second
	contentTypeText     = "text/plain"
	fallbackErrorStatus = "HLN/0.1 500 INTERNAL_ERROR"
)

var (
	errNilReply       = errors.New("handler returned no reply")
	errSignerMismatch = errors.New("key block does not match the message signer")
	errPerIPLimit     = errors.New("per-ip connection limit reached")
)

type Options struct {
	MaxWorkers      int
	MaxConnsPerIP   int
	MaxMessageBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Metrics         *metrics.Metrics
	// MetricsPath, when set, receives a JSON snapshot every second and on
	// shutdown.
	MetricsPath string
	Logger      zerolog.Logger
}

type Server struct {
	self    *node.Node
	router  *Router
	opts    Options
	sem     *semaphore.Weighted
	limiter *network.IPLimiter
	metrics *metrics.Metrics
	log     zerolog.Logger
	wg      sync.WaitGroup

	addrMu sync.RWMutex
	addr   string
}

// NewServer builds a server for self. A nil router gets the builtin
// resources.
func NewServer(self *node.Node, router *Router, opts Options) *Server {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = network.DefaultMaxMessageBytes
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if router == nil {
		router = NewRouter()
		RegisterBuiltins(router, self.PublicKeyB64)
	}
	return &Server{
		self:    self,
		router:  router,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxWorkers)),
		limiter: network.NewIPLimiter(opts.MaxConnsPerIP),
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "server").Logger(),
	}
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Addr returns the bound listen address once serving.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// ListenAndServe listens on addr and serves until ctx ends. The bound
// address is sent on ready, when non-nil, once the listener is up.
func (s *Server) ListenAndServe(ctx context.Context, transport, addr string, ready chan<- string) error {
	ln, err := network.Listen(transport, addr)
	if err != nil {
		return err
	}
	actual := ln.Addr().String()
	s.log.Info().Str("addr", actual).Str("transport", transport).
		Str("fingerprint", s.self.Fingerprint()).Msg("listening")
	if ready != nil {
		select {
		case ready <- actual:
		default:
		}
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx ends or ln is closed, then waits for
// in-flight connections. At most MaxWorkers connections are handled at
// once; further connections wait in the listener backlog.
func (s *Server) Serve(ctx context.Context, ln network.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	stopSnap := s.startSnapshotWriter()
	defer stopSnap()
	defer s.wg.Wait()

	for {
		if !s.sem.TryAcquire(1) {
			s.metrics.IncQueued()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}
		c, err := ln.Accept(ctx)
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, network.ErrListenerClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		ip := network.HostOf(c.RemoteAddr())
		if !s.limiter.Acquire(ip) {
			s.metrics.IncRejectedPerIP()
			s.log.Warn().Str("remote", ip).Msg("per-ip connection limit reached")
			s.sem.Release(1)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.refuse(c)
			}()
			continue
		}
		s.metrics.IncAccepted()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.limiter.Release(ip)
			s.handleConn(ctx, c)
		}()
	}
}

func (s *Server) startSnapshotWriter() (stop func()) {
	if s.opts.MetricsPath == "" {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.metrics.WriteSnapshot(s.opts.MetricsPath); err != nil {
					s.log.Debug().Err(err).Msg("metrics snapshot")
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		if err := s.metrics.WriteSnapshot(s.opts.MetricsPath); err != nil {
			s.log.Warn().Err(err).Msg("final metrics snapshot")
		}
	}
}

// ConnMeta identifies the connection a message arrived on.
type ConnMeta struct {
	ID     string
	Remote string
}

func (s *Server) handleConn(ctx context.Context, c network.Conn) {
	meta := ConnMeta{ID: uuid.NewString(), Remote: c.RemoteAddr().String()}
	log := s.log.With().Str("conn_id", meta.ID).Str("remote", meta.Remote).Logger()
	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()
	defer c.Close()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncPanic()
			log.Error().Interface("panic", r).Msg("connection handler panicked")
		}
	}()

	var out []byte
	raw, err := network.ReadRequest(c, s.opts.MaxMessageBytes, s.opts.ReadTimeout, secure.MessageComplete)
	switch {
	case errors.Is(err, network.ErrMessageTooLarge):
		out = s.fail(meta, proto.MessageTooLarge(s.opts.MaxMessageBytes))
	case err != nil:
		log.Debug().Err(err).Msg("read failed")
		out = s.fail(meta, proto.Internal(err))
	default:
		out = s.HandleMessage(ctx, raw, meta)
	}
	if err := network.WriteMessage(c, out, s.opts.WriteTimeout); err != nil {
		s.metrics.IncWriteFailed()
		log.Debug().Err(err).Msg("write failed")
	}
}

// refuse answers a connection over the per-IP limit with a plaintext 500
// without reading the request.
func (s *Server) refuse(c network.Conn) {
	defer c.Close()
	meta := ConnMeta{ID: uuid.NewString(), Remote: c.RemoteAddr().String()}
	out := s.fail(meta, proto.Internal(errPerIPLimit))
	timeout := s.opts.WriteTimeout
	if timeout <= 0 || timeout > refuseTimeout {
		timeout = refuseTimeout
	}
	if err := network.WriteMessage(c, out, timeout); err != nil {
		s.metrics.IncWriteFailed()
		return
	}
	network.Drain(c, refuseTimeout)
}

// HandleMessage runs one inbound message through decrypt, parse, route and
// encrypt. It always returns a response; failures become error envelopes.
func (s *Server) HandleMessage(ctx context.Context, raw []byte, meta ConnMeta) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncPanic()
			out = s.fail(meta, proto.Internal(fmt.Errorf("panic: %v", r)))
		}
	}()
	out, status, err := s.dispatch(ctx, raw, meta)
	if err != nil {
		return s.fail(meta, err)
	}
	s.metrics.ObserveStatus(status)
	return out
}

func (s *Server) dispatch(ctx context.Context, raw []byte, meta ConnMeta) ([]byte, int, error) {
	opened, err := s.self.Adapter.Unwrap(raw, s.self.Identity)
	if err != nil {
		return nil, 0, err
	}
	req, err := proto.ParseRequest(opened.Plaintext)
	if err != nil {
		return nil, 0, err
	}
	clientKey, err := s.self.Trust.RegisterPeerKey(req.PublicKey)
	if err != nil {
		return nil, 0, err
	}
	if !opened.Sealed {
		if !req.IsBootstrap() {
			return nil, 0, proto.PlaintextRefused()
		}
		s.metrics.IncBootstrap()
		s.log.Info().Str("conn_id", meta.ID).Str("fingerprint", clientKey).
			Msg("serving server key over unauthenticated bootstrap")
	} else if !strings.EqualFold(clientKey, opened.Signer) {
		return nil, 0, proto.InvalidPublicKey(errSignerMismatch)
	}

	reply, err := s.router.Route(ctx, &Request{
		Request: req,
		Signer:  clientKey,
		Sealed:  opened.Sealed,
		ConnID:  meta.ID,
		Remote:  meta.Remote,
	})
	if errors.Is(err, proto.ErrRouteNotFound) {
		nf := proto.RouteNotFound()
		reply, err = &Reply{Status: nf.Status, Keyword: nf.Keyword, Body: []byte(nf.Message)}, nil
	}
	if err != nil {
		return nil, 0, err
	}
	keyword := reply.Keyword
	if keyword == "" {
		keyword = proto.KeywordFor(reply.Status)
	}
	plain, err := proto.EncodeResponse(proto.NewResponse(reply.Status, keyword, s.self.PublicKeyB64, reply.Headers, reply.Body))
	if err != nil {
		return nil, 0, proto.Internal(err)
	}
	if !opened.Sealed {
		return plain, reply.Status, nil
	}
	sealed, err := s.self.Adapter.Seal(plain, clientKey, s.self.Identity)
	if err != nil {
		return nil, 0, err
	}
	return sealed, reply.Status, nil
}

// fail logs err in full and returns the plaintext error envelope the peer
// is allowed to see.
func (s *Server) fail(meta ConnMeta, err error) []byte {
	pe := proto.AsError(err)
	pub := pe.Public()
	ev := s.log.Warn()
	if !pe.Kind.Recoverable() {
		ev = s.log.Error()
	}
	ev.Err(err).Str("conn_id", meta.ID).Str("kind", pe.Kind.String()).Int("status", pub.Status).
		Msg("request failed")

	switch pe.Kind {
	case proto.KindDecryptFailed:
		s.metrics.IncDecryptFailed()
	case proto.KindEncryptFailed:
		s.metrics.IncEncryptFailed()
	}
	s.metrics.ObserveStatus(pub.Status)
	s.metrics.ObserveError(metrics.ErrorEvent{
		ConnID:  meta.ID,
		Kind:    pe.Kind.String(),
		Status:  pub.Status,
		Message: pub.Message,
	})

	var headers proto.Headers
	headers.Set("Content-Type", contentTypeText)
	out, encErr := proto.EncodeResponse(proto.NewResponse(pub.Status, pub.Keyword, s.self.PublicKeyB64, headers, []byte(pub.Message)))
	if encErr != nil {
		s.log.Error().Err(encErr).Str("conn_id", meta.ID).Msg("encode error response")
		return []byte(fallbackErrorStatus + proto.SectionDelimiter + s.self.PublicKeyB64 +
			proto.SectionDelimiter + proto.SectionDelimiter + "Undefined error in the server!")
	}
	return out
}
