// Package ratelimit implements the dual-scope token bucket rate
// limiter (C3) from spec.md §4.2. It is grounded on
// original_source/middleware/ratelimit.py's TokenBucketLimiter, kept as
// a bucket-per-key map with lazy refill-on-access rather than a
// ticking goroutine, and on pkg/clock.Clock for deterministic tests the
// way the teacher's rate-limit-adjacent code injects a clock.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/khryptorgraphics/tokenallocator/pkg/clock"
)

// Decision is the outcome of one Admit call (spec.md §4.2, §6).
type Decision struct {
	Allow      bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds, only meaningful when !Allow
}

type bucket struct {
	tokens   float64
	last     time.Time
	capacity float64
	rate     float64
}

func newBucket(capacity, rate float64, now time.Time) *bucket {
	return &bucket{tokens: capacity, last: now, capacity: capacity, rate: rate}
}

// refill advances the bucket to now, adding rate tokens per elapsed
// second up to capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// wait reports how many seconds until the bucket would hold one token,
// without mutating it.
func (b *bucket) wait() float64 {
	need := math.Max(0, 1-b.tokens)
	if b.rate <= 0 {
		return math.Inf(1)
	}
	return need / b.rate
}

// Limiter enforces a global bucket shared by every caller and a
// per-client bucket keyed by an arbitrary client identifier (spec.md
// §4.2). A request is admitted only if both buckets have a token.
type Limiter struct {
	clock clock.Clock

	globalRate, globalBurst float64
	clientRate, clientBurst float64

	mu      sync.Mutex
	global  *bucket
	clients map[string]*bucket
}

// New builds a Limiter. Burst sizes double as each bucket's capacity,
// matching original_source's _Bucket(capacity=burst, rate=rate).
func New(c clock.Clock, globalRate, globalBurst, clientRate, clientBurst float64) *Limiter {
	return &Limiter{
		clock:       c,
		globalRate:  globalRate,
		globalBurst: globalBurst,
		clientRate:  clientRate,
		clientBurst: clientBurst,
		clients:     make(map[string]*bucket),
	}
}

// Admit consumes one token from both the global and per-client buckets
// for clientKey, admitting the request only if both had one available.
// On rejection, Limit/Remaining describe the per-client bucket (spec.md
// §6's X-RateLimit-* headers), and RetryAfter is the ceiling of the
// longer of the two buckets' wait times.
func (l *Limiter) Admit(clientKey string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global == nil {
		l.global = newBucket(l.globalBurst, l.globalRate, now)
	}
	client, ok := l.clients[clientKey]
	if !ok {
		client = newBucket(l.clientBurst, l.clientRate, now)
		l.clients[clientKey] = client
	}

	l.global.refill(now)
	client.refill(now)

	if l.global.tokens >= 1 && client.tokens >= 1 {
		l.global.tokens--
		client.tokens--
		return Decision{
			Allow:     true,
			Limit:     int(l.clientBurst),
			Remaining: maxInt(0, int(client.tokens)),
		}
	}

	retryAfter := int(math.Ceil(math.Max(l.global.wait(), client.wait())))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return Decision{
		Allow:      false,
		Limit:      int(l.clientBurst),
		Remaining:  maxInt(0, int(client.tokens)),
		RetryAfter: retryAfter,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
