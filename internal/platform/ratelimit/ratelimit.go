// Package ratelimit throttles callers at the HTTP edge. The in-process
// limiter keeps one token bucket per key; the Redis limiter shares buckets
// across replicas. Per-record report quotas are enforced by the ledger
// itself, this only bounds request volume.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/httpserver"
)

// Limiter decides whether key may perform one more request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Local implements a per-key token bucket in process memory.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLocal creates a limiter with the given rate (req/s) and burst size.
func NewLocal(rps float64, burst int) *Local {
	return &Local{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	l.gc(now)
	return e.lim.AllowN(now, 1), nil
}

// gc drops buckets idle for longer than idleTTL; a fresh bucket is full anyway.
func (l *Local) gc(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	l.lastGC = now
	for k, e := range l.limiters {
		if now.Sub(e.seen) > l.idleTTL {
			delete(l.limiters, k)
		}
	}
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the first X-Forwarded-For hop or the remote address.
func ClientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. Limiter errors fail
// open so that a Redis outage does not take the ledger down.
func Middleware(l Limiter, key KeyFunc, log *zap.Logger) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Allow(r.Context(), key(r))
			if err != nil {
				log.Warn("rate limiter unavailable", zap.Error(err))
				ok = true
			}
			if !ok {
				rid := httpserver.RequestIDFromContext(r.Context())
				api.RateLimited(w, "RATE_LIMITED", "Too many requests", rid, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// New returns a Redis-backed limiter when redisDSN is set, otherwise Local.
func New(redisDSN string, rps float64, burst int) Limiter {
	if strings.TrimSpace(redisDSN) != "" {
		return NewRedis(redisDSN, rps, burst)
	}
	return NewLocal(rps, burst)
}
