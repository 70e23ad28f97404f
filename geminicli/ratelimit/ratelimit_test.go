package ratelimit

import (
	"testing"
	"time"

	"github.com/cassmtnr/gemini-bridge/geminicli/config"
	"github.com/cassmtnr/gemini-bridge/geminicli/errs"
)

// fakeClock lets tests advance time deterministically without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(cfg config.RateLimitConfig) (*Limiter, *fakeClock) {
	l := New(cfg)
	clock := &fakeClock{now: time.Now()}
	l.nowFunc = clock.Now
	l.minute.lastRefill = clock.now
	l.daily.lastRefill = clock.now
	l.sleepFunc = func(time.Duration) {} // never actually sleep in tests
	return l, clock
}

func TestCanConsumeWhenDisabledIsAlwaysTrue(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{Enabled: false, PerMinute: 1, PerDay: 1})
	if !l.CanConsume() {
		t.Fatalf("disabled limiter must always allow consumption")
	}
}

// S6 – Rate-limit refill.
func TestRefillAfterExhaustion(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 60, PerDay: 1000})

	for i := 0; i < 60; i++ {
		if err := l.Consume(); err != nil {
			t.Fatalf("unexpected rate limit error on token %d: %v", i, err)
		}
	}
	if l.CanConsume() {
		t.Fatalf("expected bucket exhausted after 60 consumes")
	}

	clock.Advance(2 * time.Second)
	if !l.CanConsume() {
		t.Fatalf("expected ~2 tokens refilled after 2s advance")
	}

	// WaitForQuota must return immediately (no sleep needed) now that
	// quota is available.
	l.WaitForQuota()
}

func TestConsumeReturnsRateLimitErrorWhenExhausted(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 1, PerDay: 1000})

	if err := l.Consume(); err != nil {
		t.Fatalf("first consume should succeed: %v", err)
	}
	err := l.Consume()
	if err == nil {
		t.Fatalf("expected a rate limit error on the second consume")
	}
	if _, ok := errs.AsRateLimitError(err); !ok {
		t.Fatalf("expected an *errs.RateLimitError, got %T", err)
	}
}

func TestTokensNeverExceedCapacity(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 60, PerDay: 1000})
	clock.Advance(10 * time.Minute) // far more than enough to refill fully
	status := l.GetQuotaStatus()
	if status.PerMinute.Used != 0 {
		t.Fatalf("expected a fully refilled bucket to report 0 used, got %d", status.PerMinute.Used)
	}
}

func TestResetRefillsBothBuckets(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 5, PerDay: 100})
	for i := 0; i < 5; i++ {
		_ = l.Consume()
	}
	if l.CanConsume() {
		t.Fatalf("expected exhausted bucket before reset")
	}
	l.Reset()
	if !l.CanConsume() {
		t.Fatalf("expected full capacity after reset")
	}
}

func TestGetQuotaStatusDailyResetIsNextUTCMidnight(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{Enabled: true, PerMinute: 60, PerDay: 1000})
	clock.now = time.Date(2026, 7, 31, 15, 30, 0, 0, time.UTC)
	l.daily.lastRefill = clock.now

	status := l.GetQuotaStatus()
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !status.PerDay.ResetAt.Equal(want) {
		t.Fatalf("expected daily reset at %s, got %s", want, status.PerDay.ResetAt)
	}
}
