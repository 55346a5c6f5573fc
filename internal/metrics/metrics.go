// Package metrics counts what the server does and writes a JSON snapshot
// that `holonet-node status` reads back.
package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type ErrorEvent struct {
	At      time.Time `json:"at"`
	ConnID  string    `json:"conn_id"`
	Kind    string    `json:"kind"`
	Status  int       `json:"status"`
	Message string    `json:"message"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Conns        ConnMetrics       `json:"conns"`
	Responses    ResponseMetrics   `json:"responses"`
	Crypto       CryptoMetrics     `json:"crypto"`
	ErrorsByKind map[string]uint64 `json:"errors_by_kind"`
	Recent       []ErrorEvent      `json:"recent"`
}

type ConnMetrics struct {
	Accepted      uint64 `json:"accepted"`
	Queued        uint64 `json:"queued"`
	RejectedPerIP uint64 `json:"rejected_per_ip"`
	Current       int64  `json:"current"`
	Bootstrap     uint64 `json:"bootstrap"`
	Panics        uint64 `json:"panics"`
}

type ResponseMetrics struct {
	OK          uint64 `json:"ok"`
	ClientError uint64 `json:"client_error"`
	ServerError uint64 `json:"server_error"`
	WriteFailed uint64 `json:"write_failed"`
}

type CryptoMetrics struct {
	DecryptFailed uint64 `json:"decrypt_failed"`
	EncryptFailed uint64 `json:"encrypt_failed"`
}

type Metrics struct {
	accepted      atomic.Uint64
	queued        atomic.Uint64
	rejectedPerIP atomic.Uint64
	current       atomic.Int64
	bootstrap     atomic.Uint64
	panics        atomic.Uint64
	respOK        atomic.Uint64
	resp4xx       atomic.Uint64
	resp5xx       atomic.Uint64
	writeFailed   atomic.Uint64
	decryptFailed atomic.Uint64
	encryptFailed atomic.Uint64

	mu     sync.Mutex
	byKind map[string]uint64
	recent *ErrorRecent
}

func New() *Metrics {
	return &Metrics{byKind: make(map[string]uint64), recent: NewErrorRecent(64)}
}

func (m *Metrics) Recent() *ErrorRecent {
	return m.recent
}

func (m *Metrics) IncAccepted()      { m.accepted.Add(1) }
func (m *Metrics) IncQueued()        { m.queued.Add(1) }
func (m *Metrics) IncRejectedPerIP() { m.rejectedPerIP.Add(1) }
func (m *Metrics) IncBootstrap()     { m.bootstrap.Add(1) }
func (m *Metrics) IncPanic()         { m.panics.Add(1) }
func (m *Metrics) IncWriteFailed()   { m.writeFailed.Add(1) }
func (m *Metrics) IncDecryptFailed() { m.decryptFailed.Add(1) }
func (m *Metrics) IncEncryptFailed() { m.encryptFailed.Add(1) }

// ConnOpened and ConnClosed track the number of live connections.
func (m *Metrics) ConnOpened() { m.current.Add(1) }
func (m *Metrics) ConnClosed() { m.current.Add(-1) }

// ObserveStatus counts a sent response by status class.
func (m *Metrics) ObserveStatus(status int) {
	switch {
	case status >= 500:
		m.resp5xx.Add(1)
	case status >= 400:
		m.resp4xx.Add(1)
	default:
		m.respOK.Add(1)
	}
}

// ObserveError records a failed request.
func (m *Metrics) ObserveError(ev ErrorEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.byKind[ev.Kind]++
	m.mu.Unlock()
	m.recent.Add(ev)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	byKind := make(map[string]uint64, len(m.byKind))
	for k, v := range m.byKind {
		byKind[k] = v
	}
	m.mu.Unlock()
	recent := []ErrorEvent{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Conns: ConnMetrics{
			Accepted:      m.accepted.Load(),
			Queued:        m.queued.Load(),
			RejectedPerIP: m.rejectedPerIP.Load(),
			Current:       m.current.Load(),
			Bootstrap:     m.bootstrap.Load(),
			Panics:        m.panics.Load(),
		},
		Responses: ResponseMetrics{
			OK:          m.respOK.Load(),
			ClientError: m.resp4xx.Load(),
			ServerError: m.resp5xx.Load(),
			WriteFailed: m.writeFailed.Load(),
		},
		Crypto: CryptoMetrics{
			DecryptFailed: m.decryptFailed.Load(),
			EncryptFailed: m.encryptFailed.Load(),
		},
		ErrorsByKind: byKind,
		Recent:       recent,
	}
}

// WriteSnapshot replaces the snapshot at path. An empty path is a no-op.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "metrics dir")
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "write metrics snapshot")
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, errors.Wrap(err, "decode metrics snapshot")
	}
	return snap, nil
}

// ErrorRecent is a bounded ring of the latest error events.
type ErrorRecent struct {
	mu   sync.Mutex
	cap  int
	list []ErrorEvent
}

func NewErrorRecent(capacity int) *ErrorRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &ErrorRecent{cap: capacity}
}

func (r *ErrorRecent) Add(ev ErrorEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *ErrorRecent) List() []ErrorEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorEvent, len(r.list))
	copy(out, r.list)
	return out
}
