package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long a caller can go unseen before its bucket is
// eligible for eviction. Generation requests are rare and expensive (they
// compete for the single LLM Gateway call slot), so a caller that hasn't
// submitted anything in this window is assumed gone rather than throttled.
const staleAfter = 5 * time.Minute

// bucket is one caller's token bucket plus the last time it was used, so
// idle callers can be swept out of the map.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// perCallerLimiter throttles generation submissions per remote caller.
// Unlike a fixed-interval background sweeper, eviction piggybacks on
// incoming traffic: a call to allow sweeps out idle callers once staleAfter
// has passed since the previous sweep, so an idle service spawns no
// goroutines and a busy one still keeps the map bounded.
type perCallerLimiter struct {
	mu        sync.Mutex
	callers   map[string]*bucket
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

func newPerCallerLimiter(rps int) *perCallerLimiter {
	return &perCallerLimiter{
		callers:   make(map[string]*bucket),
		rps:       rate.Limit(rps),
		burst:     rps,
		lastSweep: time.Now(),
	}
}

func (l *perCallerLimiter) allow(caller string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > staleAfter {
		l.sweepLocked(now)
	}

	b, ok := l.callers[caller]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.callers[caller] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// sweepLocked drops callers not seen since staleAfter ago. Callers must
// hold l.mu.
func (l *perCallerLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-staleAfter)
	for caller, b := range l.callers {
		if b.lastSeen.Before(cutoff) {
			delete(l.callers, caller)
		}
	}
	l.lastSweep = now
}

// RateLimit returns a Middleware that throttles POST requests against the
// generation endpoints (/api/generate and /api/generate/async — the only
// paths that queue work behind the LLM Gateway's single call slot) to rps
// requests/second per caller. Every other path and method passes through
// untouched. rps <= 0 disables the middleware entirely.
func RateLimit(rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newPerCallerLimiter(rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/generate") {
				if !limiter.allow(callerID(r)) {
					writeError(w, http.StatusTooManyRequests, "too many generation requests, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerID identifies the caller for rate-limiting purposes: the first hop
// of X-Forwarded-For when present (this service sits behind a reverse
// proxy in normal deployment), else the request's own remote address with
// the port stripped.
func callerID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
