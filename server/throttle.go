package server

import (
	"net/netip"
	"sync"

	"golang.org/x/time/rate"
)

// throttleMaxEntries is the map size above which stale buckets are pruned.
const throttleMaxEntries = 4096

// loginThrottle keeps one token bucket per client address. Only failed
// logins consume tokens.
type loginThrottle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[netip.Addr]*bucket
}

type bucket struct {
	lim *rate.Limiter
}

func newLoginThrottle(perSecond float64, burst int) *loginThrottle {
	return &loginThrottle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[netip.Addr]*bucket),
	}
}

func (t *loginThrottle) get(ip netip.Addr) *bucket {
	b, ok := t.buckets[ip]
	if !ok {
		if len(t.buckets) >= throttleMaxEntries {
			t.prune()
		}
		b = &bucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[ip] = b
	}
	return b
}

// prune drops buckets that have refilled.
func (t *loginThrottle) prune() {
	for ip, b := range t.buckets {
		if b.lim.Tokens() >= float64(t.burst) {
			delete(t.buckets, ip)
		}
	}
}

// Allowed reports whether ip may attempt another login.
func (t *loginThrottle) Allowed(ip netip.Addr) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(ip).lim.Tokens() >= 1
}

// Failed charges one failed attempt to ip.
func (t *loginThrottle) Failed(ip netip.Addr) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(ip).lim.Allow()
}
