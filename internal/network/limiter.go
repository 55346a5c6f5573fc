package network

import "sync"

// IPLimiter caps concurrent connections per remote IP. A zero cap disables
// it.
type IPLimiter struct {
	mu         sync.Mutex
	maxConns   int
	connCounts map[string]int
}

func NewIPLimiter(maxConns int) *IPLimiter {
	return &IPLimiter{
		maxConns:   maxConns,
		connCounts: make(map[string]int),
	}
}

func (l *IPLimiter) Acquire(ip string) bool {
	if l == nil || l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *IPLimiter) Release(ip string) {
	if l == nil || l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}

// Active returns the number of open connections from ip.
func (l *IPLimiter) Active(ip string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connCounts[ip]
}
