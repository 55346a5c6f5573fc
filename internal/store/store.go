// Package store persists remembered peer keys as a JSON-lines known-hosts
// file.
package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const maxScanSize = 1 << 20

// KnownHost is one remembered endpoint key.
type KnownHost struct {
	Endpoint    string    `json:"endpoint"`
	Fingerprint string    `json:"fingerprint"`
	KeyBlock    string    `json:"key"`
	FirstSeen   time.Time `json:"first_seen"`
}

// KnownHosts is an append-mostly file. Writes are serialized and fsynced.
type KnownHosts struct {
	mu   sync.Mutex
	path string
}

func NewKnownHosts(path string) (*KnownHosts, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create known hosts dir")
	}
	return &KnownHosts{path: path}, nil
}

func (s *KnownHosts) Path() string { return s.path }

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func (s *KnownHosts) Append(h KnownHost) error {
	if h.Endpoint == "" || h.Fingerprint == "" {
		return errors.New("store: known host needs endpoint and fingerprint")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "open known hosts")
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(h); err != nil {
		return errors.Wrap(err, "append known host")
	}
	return f.Sync()
}

// List returns all records. For an endpoint listed more than once the last
// record wins. Unparseable lines are skipped.
func (s *KnownHosts) List() ([]KnownHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *KnownHosts) listLocked() ([]KnownHost, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open known hosts")
	}
	defer f.Close()

	index := make(map[string]int)
	var out []KnownHost
	sc := newScanner(f)
	for sc.Scan() {
		var h KnownHost
		if err := json.Unmarshal(sc.Bytes(), &h); err != nil || h.Endpoint == "" {
			continue
		}
		if i, ok := index[h.Endpoint]; ok {
			out[i] = h
			continue
		}
		index[h.Endpoint] = len(out)
		out = append(out, h)
	}
	return out, sc.Err()
}

// Remove drops every record for endpoint by rewriting the file. It reports
// whether anything was removed.
func (s *KnownHosts) Remove(endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts, err := s.listLocked()
	if err != nil {
		return false, err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return false, errors.Wrap(err, "open known hosts tmp")
	}
	removed := false
	enc := json.NewEncoder(f)
	for _, h := range hosts {
		if h.Endpoint == endpoint {
			removed = true
			continue
		}
		if err := enc.Encode(h); err != nil {
			_ = f.Close()
			return false, err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return false, err
	}
	// close before rename for Windows
	if err := f.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return false, errors.Wrap(err, "replace known hosts")
	}
	syncDir(s.path)
	return removed, nil
}
