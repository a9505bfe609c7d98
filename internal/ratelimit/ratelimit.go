// Package ratelimit bounds how fast a single peer address may open
// connections on a broker listener.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// peerIdle is how long an address may go unseen before its bucket is pruned.
const peerIdle = 3 * time.Minute

// Limiter is a per-address token-bucket table. Each broker listener owns its
// own Limiter, so a dial storm on the tracer port cannot drain the client
// side's budget and the two sides can carry different rates. Quiet addresses
// are pruned inline by an Allow call, in a pass that runs at most once per
// peerIdle; an idle limiter holds no goroutine or timer state.
type Limiter struct {
	mu        sync.Mutex
	peers     map[string]*peer
	limit     rate.Limit
	burst     int
	nextPrune time.Time
}

type peer struct {
	bucket *rate.Limiter
	seen   time.Time
}

// New creates a limiter that admits r connections per second per address
// with a burst of b.
func New(r rate.Limit, b int) *Limiter {
	return &Limiter{
		peers: make(map[string]*peer),
		limit: r,
		burst: b,
	}
}

// AllowAddr checks a raw connection by its remote host:port address.
func (l *Limiter) AllowAddr(remoteAddr string) bool {
	return l.allow(addrIP(remoteAddr), time.Now())
}

// AllowRequest checks an HTTP upgrade request, honoring X-Forwarded-For and
// X-Real-Ip when a proxy fronts the broker.
func (l *Limiter) AllowRequest(r *http.Request) bool {
	return l.allow(requestIP(r), time.Now())
}

func (l *Limiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextPrune) {
		l.pruneLocked(now)
		l.nextPrune = now.Add(peerIdle)
	}

	p, ok := l.peers[ip]
	if !ok {
		p = &peer{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.peers[ip] = p
	}
	p.seen = now
	return p.bucket.AllowN(now, 1)
}

// pruneLocked drops buckets for addresses unseen for longer than peerIdle.
// A pruned address starts over with a full bucket, even if its old bucket
// had not refilled yet at a slow rate.
func (l *Limiter) pruneLocked(now time.Time) {
	for ip, p := range l.peers {
		if now.Sub(p.seen) > peerIdle {
			delete(l.peers, ip)
		}
	}
}

// requestIP extracts the originating client IP from an HTTP request.
func requestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the original client.
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return addrIP(r.RemoteAddr)
}

// addrIP strips the port from a host:port address.
func addrIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
