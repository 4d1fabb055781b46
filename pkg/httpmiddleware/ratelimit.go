package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures a sliding window Limiter.
type RateLimitConfig struct {
	// Max is the maximum number of requests allowed per window.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
	// KeyFunc extracts the bucket key from a request. An empty key leaves the
	// request unlimited, so a limiter keyed on an identity set by a later
	// stage passes anonymous requests through. If nil, ClientIP is used.
	KeyFunc func(*http.Request) string
}

// bucket tracks request counts across two adjacent windows.
type bucket struct {
	prevCount float64
	currCount float64
	currStart time.Time
}

// Decision is the outcome of a single Limiter.Allow call.
type Decision struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Allowed   bool
}

// Limiter is a keyed sliding window rate limiter. It can be mounted as a
// Middleware or consulted directly by handlers that learn the key late, such
// as after authentication.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a Limiter. Stale buckets are only evicted by Sweep or a
// StartSweeper goroutine.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow records a request for key and reports whether it fits the budget.
func (l *Limiter) Allow(key string) Decision {
	return l.allowAt(key, l.now())
}

func (l *Limiter) allowAt(key string, now time.Time) Decision {
	window := l.cfg.Window
	d := Decision{Limit: l.cfg.Max}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{currStart: now.Truncate(window)}
		l.buckets[key] = b
	}
	if since := now.Sub(b.currStart); since >= window {
		// One elapsed window carries over, two or more leave nothing behind.
		if since < 2*window {
			b.prevCount = b.currCount
		} else {
			b.prevCount = 0
		}
		b.currCount = 0
		b.currStart = now.Truncate(window)
	}

	// The previous window counts in proportion to its overlap with the
	// sliding window ending now.
	overlap := max(0, 1-now.Sub(b.currStart).Seconds()/window.Seconds())
	used := b.prevCount*overlap + b.currCount
	d.ResetAt = b.currStart.Add(window)

	if used >= float64(l.cfg.Max) {
		return d
	}
	b.currCount++
	d.Allowed = true
	d.Remaining = max(0, int(float64(l.cfg.Max)-used-1))
	return d
}

// Sweep drops buckets that no longer affect any decision.
func (l *Limiter) Sweep() {
	l.sweepAt(l.now())
}

func (l *Limiter) sweepAt(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.currStart) >= 2*l.cfg.Window {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// StartSweeper runs Sweep every two windows until ctx is cancelled.
func (l *Limiter) StartSweeper(ctx context.Context) *Limiter {
	go func() {
		ticker := time.NewTicker(2 * l.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
	return l
}

// Middleware limits requests by the configured KeyFunc. Requests with an
// empty key are passed through untouched.
func (l *Limiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.cfg.KeyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !WriteDecision(w, l.Allow(key)) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteDecision sets the X-RateLimit-* headers for d. A rejected decision
// also gets Retry-After and a 429 JSON body. It reports whether the request
// may proceed.
func WriteDecision(w http.ResponseWriter, d Decision) bool {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return true
	}

	retryAfter := max(0, time.Until(d.ResetAt))
	h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(rateLimitedBody)
	return false
}

// RateLimit returns a middleware enforcing a per-key sliding window limit
// without background eviction.
func RateLimit(cfg RateLimitConfig) Middleware {
	return NewLimiter(cfg).Middleware()
}

// RateLimitWithCleanup is like RateLimit but evicts stale buckets until ctx
// is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	return NewLimiter(cfg).StartSweeper(ctx).Middleware()
}

var rateLimitedBody = func() []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(http.StatusTooManyRequests)
	e.FieldStart("kind")
	e.Str("rate_limited")
	e.FieldStart("message")
	e.Str("rate limit exceeded")
	e.ObjEnd()
	return e.Bytes()
}()

// ClientIP extracts the client IP from the request, checking X-Forwarded-For
// first, then X-Real-IP, then falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
