// Package ratelimit implements C2: a dual-window token bucket with lazy
// refill and cooperative waiting. Structurally grounded on the
// teacher's circuit.Breaker (internal/ai/circuit/breaker.go) — a single
// mutex guarding a small state struct, no background goroutine, state
// advanced lazily on every call — generalized from trip/recover
// bookkeeping to fractional-token refill bookkeeping.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/cassmtnr/gemini-bridge/geminicli/config"
	"github.com/cassmtnr/gemini-bridge/geminicli/errs"
	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

const day = 24 * time.Hour

// bucket is one token-bucket window. All fields are only ever touched
// while the owning Limiter's mutex is held.
type bucket struct {
	tokens         float64
	capacity       float64
	refillPerMs    float64
	lastRefill     time.Time
}

func newBucket(capacity float64, window time.Duration) bucket {
	return bucket{
		tokens:      capacity,
		capacity:    capacity,
		refillPerMs: capacity / float64(window.Milliseconds()),
		lastRefill:  time.Now(),
	}
}

// refill applies lazy refill discipline: add elapsed*rate tokens,
// clamped at capacity, then reset lastRefill to now. Must be called
// before reading or mutating tokens.
func (b *bucket) refill(now time.Time) {
	elapsedMs := float64(now.Sub(b.lastRefill)) / float64(time.Millisecond)
	if elapsedMs <= 0 {
		return
	}
	b.tokens += elapsedMs * b.refillPerMs
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *bucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	if b.refillPerMs <= 0 {
		return 0
	}
	ms := math.Ceil((1 - b.tokens) / b.refillPerMs)
	return time.Duration(ms) * time.Millisecond
}

func (b *bucket) used() int {
	return int(math.Floor(b.capacity - b.tokens))
}

// Limiter is the dual-window rate limiter of spec.md §4.2.
type Limiter struct {
	mu      sync.Mutex
	enabled bool
	minute  bucket
	daily   bucket

	// sleepFunc is overridable in tests so WaitForQuota doesn't actually
	// block real wall-clock time.
	sleepFunc func(time.Duration)
	nowFunc   func() time.Time
}

// New builds a Limiter from a RateLimitConfig.
func New(cfg config.RateLimitConfig) *Limiter {
	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	perDay := cfg.PerDay
	if perDay <= 0 {
		perDay = 1000
	}

	return &Limiter{
		enabled:   cfg.Enabled,
		minute:    newBucket(float64(perMinute), time.Minute),
		daily:     newBucket(float64(perDay), day),
		sleepFunc: time.Sleep,
		nowFunc:   time.Now,
	}
}

// refillLocked runs lazy refill on both buckets. Caller must hold mu.
func (l *Limiter) refillLocked() {
	now := l.nowFunc()
	l.minute.refill(now)
	l.daily.refill(now)
}

// CanConsume reports whether both buckets currently hold at least one
// token.
func (l *Limiter) CanConsume() bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.minute.tokens >= 1 && l.daily.tokens >= 1
}

// Consume subtracts one token from each bucket if both have quota,
// otherwise returns a *errs.RateLimitError carrying the binding
// bucket's retry-after (minute bucket takes precedence per spec.md §4.2).
func (l *Limiter) Consume() error {
	if !l.enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()

	if l.minute.tokens >= 1 && l.daily.tokens >= 1 {
		l.minute.tokens--
		l.daily.tokens--
		return nil
	}

	retryAfter := l.minute.retryAfter()
	if retryAfter == 0 {
		retryAfter = l.daily.retryAfter()
	}
	snapshot := l.statusLocked()
	return &errs.RateLimitError{RetryAfter: retryAfter, Quota: snapshot}
}

// WaitForQuota cooperatively sleeps until both buckets have quota. It
// never returns an error — spec.md §4.2 treats this as a loop that
// always eventually proceeds.
func (l *Limiter) WaitForQuota() {
	if !l.enabled {
		return
	}
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.minute.tokens >= 1 && l.daily.tokens >= 1 {
			l.mu.Unlock()
			return
		}
		retryAfter := l.minute.retryAfter()
		if retryAfter == 0 {
			retryAfter = l.daily.retryAfter()
		}
		l.mu.Unlock()

		sleep := retryAfter
		if sleep > 60*time.Second {
			sleep = 60 * time.Second
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		l.sleepFunc(sleep)
	}
}

func (l *Limiter) statusLocked() types.QuotaStatus {
	now := l.nowFunc().UTC()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(day)
	return types.QuotaStatus{
		PerMinute: types.WindowQuota{
			Used:    l.minute.used(),
			Limit:   int(l.minute.capacity),
			ResetAt: l.minute.lastRefill.Add(time.Minute),
		},
		PerDay: types.WindowQuota{
			Used:    l.daily.used(),
			Limit:   int(l.daily.capacity),
			ResetAt: nextMidnight,
		},
	}
}

// GetQuotaStatus returns the current dual-window snapshot.
func (l *Limiter) GetQuotaStatus() types.QuotaStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.statusLocked()
}

// Snapshot is an alias for GetQuotaStatus for callers that read more
// naturally as "take a snapshot of quota state" (e.g. a metrics
// collector on a polling loop).
func (l *Limiter) Snapshot() types.QuotaStatus {
	return l.GetQuotaStatus()
}

// Reset fills both buckets back to capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc()
	l.minute.tokens = l.minute.capacity
	l.minute.lastRefill = now
	l.daily.tokens = l.daily.capacity
	l.daily.lastRefill = now
}
