package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// client is one peer's token bucket
type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// warned is set after the first denial and cleared when the client is evicted
	warned bool
}

// IPLimiter holds a token bucket per peer address. Idle peers are evicted
// in the background and the table is capped.
type IPLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	full    bool

	perSecond  rate.Limit
	burst      int
	idleTTL    time.Duration
	maxClients int
	clock      clock.Clock

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and the bucket size.
// WithRate(2, 20) lets a client burst 20 requests, then 2 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL is how long an idle client keeps its bucket.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.idleTTL = d }
}

// WithMaxVisitors caps tracked clients, unknown clients are refused at the cap. 0 disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxClients = n }
}

func WithClock(c clock.Clock) Option {
	return func(l *IPLimiter) { l.clock = c }
}

// WithOnFirstDenied fires once per client between evictions, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied fires on every refused request, for counting.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// WithOnCapacity fires when the table fills, and again only after it has drained below the cap.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

// New creates an IPLimiter and starts the eviction goroutine, which exits with ctx.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		clients:    make(map[string]*client),
		perSecond:  2,
		burst:      20,
		idleTTL:    5 * time.Minute,
		maxClients: 1024,
	}
	for _, o := range opts {
		o(l)
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.idleTTL <= 0 {
		l.idleTTL = 5 * time.Minute
	}
	ticker := l.clock.Ticker(l.idleTTL / 2)
	go l.evictLoop(ctx, ticker)
	return l
}

// Allow reports whether ip may make a request now.
func (l *IPLimiter) Allow(ip string) bool {
	now := l.clock.Now()
	var firstDenial, capacity bool

	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok && l.maxClients > 0 && len(l.clients) >= l.maxClients {
		capacity = !l.full
		l.full = true
		l.mu.Unlock()
		if capacity && l.onCapacity != nil {
			l.onCapacity()
		}
		l.denied(ip)
		return false
	}
	if !ok {
		c = &client{bucket: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	allowed := c.bucket.AllowN(now, 1)
	if !allowed && !c.warned {
		c.warned = true
		firstDenial = true
	}
	l.mu.Unlock()

	// hooks run without the lock
	if allowed {
		return true
	}
	if firstDenial && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	l.denied(ip)
	return false
}

func (l *IPLimiter) denied(ip string) {
	if l.onDenied != nil {
		l.onDenied(ip)
	}
}

// Len is the number of tracked clients.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *IPLimiter) evictLoop(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(l.clock.Now())
		}
	}
}

// evict drops clients idle longer than the TTL as of now.
func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idleTTL {
			delete(l.clients, ip)
		}
	}
	if len(l.clients) < l.maxClients {
		l.full = false
	}
}

// Middleware rejects requests over the per-client limit with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(RemoteIP(r)) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RemoteIP is the peer address without the port. The ops listener is not
// meant to sit behind a proxy, so forwarding headers are ignored.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
