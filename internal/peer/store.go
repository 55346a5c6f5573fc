// Package peer keeps the process-wide trust store: which key belongs to
// which endpoint, and every peer key this process has imported.
//
// Keys are trusted on first use. The first key fetched for an endpoint is
// remembered and never re-checked; see package secure for what that means.
package peer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"holonet/internal/proto"
	"holonet/internal/secure"
	"holonet/internal/store"
)

type TrustState int

const (
	UntrustedFirstSeen TrustState = iota
	Remembered
)

func (s TrustState) String() string {
	switch s {
	case Remembered:
		return "REMEMBERED"
	default:
		return "UNTRUSTED_FIRST_SEEN"
	}
}

// KeyRecord is an imported peer key. Material is never modified after import.
type KeyRecord struct {
	Fingerprint string
	Material    []byte
	State       TrustState
	FirstSeen   time.Time
}

// Fetcher performs the bootstrap exchange against endpoint and returns the
// key block the peer advertised.
type Fetcher func(ctx context.Context, endpoint string) (keyBlock string, err error)

type Options struct {
	// KnownHosts, when set, persists resolved endpoints across restarts.
	KnownHosts *store.KnownHosts
	Logger     zerolog.Logger
	Now        func() time.Time

	// BootstrapTimeout bounds one shared key fetch. Callers that give up
	// early do not cancel it for the others.
	BootstrapTimeout time.Duration
}

const defaultBootstrapTimeout = 30 * time.Second

type Store struct {
	engine secure.Engine
	hosts  *store.KnownHosts
	log    zerolog.Logger
	now    func() time.Time
	group  singleflight.Group

	bootstrapTimeout time.Duration

	mu        sync.RWMutex
	endpoints map[string]string
	records   map[string]*KeyRecord
}

func NewStore(engine secure.Engine, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.BootstrapTimeout
	if timeout <= 0 {
		timeout = defaultBootstrapTimeout
	}
	return &Store{
		engine:           engine,
		hosts:            opts.KnownHosts,
		log:              opts.Logger.With().Str("component", "trust").Logger(),
		now:              now,
		bootstrapTimeout: timeout,
		endpoints:        make(map[string]string),
		records:          make(map[string]*KeyRecord),
	}
}

// Load imports every persisted known host and marks it REMEMBERED.
// Records whose key no longer matches the stored fingerprint are skipped.
func (s *Store) Load() (int, error) {
	if s.hosts == nil {
		return 0, nil
	}
	hosts, err := s.hosts.List()
	if err != nil {
		return 0, errors.Wrap(err, "load known hosts")
	}
	loaded := 0
	for _, h := range hosts {
		material, err := secure.DecodeKeyBlock(h.KeyBlock)
		if err != nil {
			s.log.Warn().Err(err).Str("endpoint", h.Endpoint).Msg("skip known host")
			continue
		}
		fpr, err := s.engine.ImportKey(material)
		if err != nil {
			s.log.Warn().Err(err).Str("endpoint", h.Endpoint).Msg("skip known host")
			continue
		}
		if !strings.EqualFold(fpr, h.Fingerprint) {
			s.log.Warn().Str("endpoint", h.Endpoint).Str("fingerprint", fpr).
				Str("stored", h.Fingerprint).Msg("known host fingerprint mismatch")
			continue
		}
		s.mu.Lock()
		s.endpoints[h.Endpoint] = fpr
		s.records[fpr] = &KeyRecord{Fingerprint: fpr, Material: material, State: Remembered, FirstSeen: h.FirstSeen}
		s.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

// Lookup returns the cached fingerprint for endpoint without network I/O.
func (s *Store) Lookup(endpoint string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fpr, ok := s.endpoints[endpoint]
	return fpr, ok
}

// Record returns a copy of the key record for fpr.
func (s *Store) Record(fpr string) (KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[strings.ToUpper(fpr)]
	if !ok {
		return KeyRecord{}, false
	}
	return *r, true
}

// Records returns all key records sorted by fingerprint.
func (s *Store) Records() []KeyRecord {
	s.mu.RLock()
	out := make([]KeyRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Endpoints returns a copy of the endpoint to fingerprint map.
func (s *Store) Endpoints() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.endpoints))
	for k, v := range s.endpoints {
		out[k] = v
	}
	return out
}

// Resolve returns the fingerprint for endpoint, running the bootstrap
// exchange through fetch on first contact. Concurrent callers for the same
// endpoint share one exchange.
func (s *Store) Resolve(ctx context.Context, endpoint string, fetch Fetcher) (string, error) {
	if fpr, ok := s.Lookup(endpoint); ok {
		return fpr, nil
	}
	if fetch == nil {
		return "", errors.Errorf("peer: no key for %s and no fetcher", endpoint)
	}
	ch := s.group.DoChan(endpoint, func() (interface{}, error) {
		if fpr, ok := s.Lookup(endpoint); ok {
			return fpr, nil
		}
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.bootstrapTimeout)
		defer cancel()
		return s.bootstrap(bctx, endpoint, fetch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Store) bootstrap(ctx context.Context, endpoint string, fetch Fetcher) (string, error) {
	block, err := fetch(ctx, endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "bootstrap %s", endpoint)
	}
	fpr, material, err := s.importBlock(block)
	if err != nil {
		return "", errors.Wrapf(err, "bootstrap %s", endpoint)
	}
	s.mu.Lock()
	s.endpoints[endpoint] = fpr
	s.mu.Unlock()
	s.log.Warn().Str("endpoint", endpoint).Str("fingerprint", fpr).
		Msg("trusting server key on first use")

	if s.hosts != nil {
		err := s.hosts.Append(store.KnownHost{
			Endpoint:    endpoint,
			Fingerprint: fpr,
			KeyBlock:    secure.EncodeKeyBlock(material),
			FirstSeen:   s.now().UTC(),
		})
		if err != nil {
			s.log.Error().Err(err).Str("endpoint", endpoint).Msg("persist known host")
		}
	}
	return fpr, nil
}

// RegisterPeerKey imports inbound key material and returns its fingerprint.
// Material that cannot be parsed is an INVALID_PUBLIC_KEY protocol error.
func (s *Store) RegisterPeerKey(keyBlock string) (string, error) {
	fpr, _, err := s.importBlock(keyBlock)
	if err != nil {
		return "", proto.InvalidPublicKey(err)
	}
	return fpr, nil
}

func (s *Store) importBlock(keyBlock string) (string, []byte, error) {
	material, err := secure.DecodeKeyBlock(keyBlock)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode key block")
	}
	fpr, err := s.engine.ImportKey(material)
	if err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	if _, ok := s.records[fpr]; !ok {
		s.records[fpr] = &KeyRecord{
			Fingerprint: fpr,
			Material:    material,
			State:       UntrustedFirstSeen,
			FirstSeen:   s.now().UTC(),
		}
	}
	s.mu.Unlock()
	return fpr, material, nil
}

// Forget drops the endpoint binding, in memory and on disk. The key itself
// stays imported.
func (s *Store) Forget(endpoint string) (bool, error) {
	s.mu.Lock()
	_, had := s.endpoints[endpoint]
	delete(s.endpoints, endpoint)
	s.mu.Unlock()
	if s.hosts == nil {
		return had, nil
	}
	removed, err := s.hosts.Remove(endpoint)
	if err != nil {
		return had, err
	}
	return had || removed, nil
}
