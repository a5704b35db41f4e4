package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// trackedClientCap bounds the bucket map so a scan across many source
// addresses cannot grow it without limit.
const trackedClientCap = 100000

// RateLimiter applies a per-client token bucket to incoming requests.
// Clients are keyed by remote address; proxy headers are ignored.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*tokenBucket
	rate    float64
	burst   float64
}

type tokenBucket struct {
	tokens   float64
	refilled time.Time
	lastSeen time.Time
}

// take refills the bucket for elapsed time and attempts to consume one
// token. It reports the tokens left and, on refusal, the seconds until
// the next token becomes available.
func (b *tokenBucket) take(now time.Time, rate, burst float64) (left int, wait float64, ok bool) {
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.refilled).Seconds()*rate)
	b.refilled = now
	b.lastSeen = now
	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rate, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// NewRateLimiter creates a limiter sustaining rate requests per second
// per client with the given burst allowance.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   float64(burst),
	}
}

// Handler wraps next with rate limiting, answering refused requests
// with 429 and a Retry-After hint.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		left, wait, ok := rl.admit(clientKey(r), time.Now())

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) admit(key string, now time.Time) (left int, wait float64, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.clients[key]
	if b == nil {
		if len(rl.clients) >= trackedClientCap {
			return 0, 1 / rl.rate, false
		}
		b = &tokenBucket{tokens: rl.burst, refilled: now}
		rl.clients[key] = b
	}
	return b.take(now, rl.rate, rl.burst)
}

// StartCleanup runs a background sweep every interval, dropping buckets
// idle longer than maxIdle. The returned function stops the sweep.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.sweep(now.Add(-maxIdle))
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) sweep(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// Len reports how many clients are currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientKey derives the limiter key from the connection's remote
// address. X-Forwarded-For and friends are deliberately not consulted;
// a client could set them to dodge its own bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
