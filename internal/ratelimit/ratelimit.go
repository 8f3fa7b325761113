// Package ratelimit enforces static per-vendor request budgets. State is
// keyed per (vendor, account), not per task instance, so concurrent sync
// tasks for different tenants on the same vendor account share one ceiling.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrWaitTimeout is returned when a throttled call waited the bounded maximum
// without a slot opening. Requests are only ever delayed, never dropped; the
// timeout is the one escape hatch.
var ErrWaitTimeout = errors.New("throttle wait timed out")

const (
	defaultMaxWait = 2 * time.Minute
	dayWindow      = 24 * time.Hour
)

// Budget is a vendor's static request budget, read-only at runtime.
type Budget struct {
	PerMinute     int
	PerDay        int
	MaxConcurrent int
}

func (b Budget) normalized() Budget {
	out := b
	if out.PerMinute < 1 {
		out.PerMinute = 60
	}
	if out.PerDay < 1 {
		out.PerDay = out.PerMinute * 60 * 24
	}
	if out.MaxConcurrent < 1 {
		out.MaxConcurrent = 1
	}
	return out
}

type key struct {
	vendor  string
	account string
}

type bucket struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	mu        sync.Mutex
	dayStart  time.Time
	dayCount  int
	perDayCap int
}

// Limiter serializes and delays outbound vendor calls against their budgets.
type Limiter struct {
	maxWait time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[key]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxWait bounds how long one throttled call may wait before surfacing
// ErrWaitTimeout.
func WithMaxWait(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.maxWait = d
		}
	}
}

// WithClock overrides the limiter clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter with shared state per (vendor, account) key.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		maxWait: defaultMaxWait,
		now:     time.Now,
		buckets: make(map[key]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) bucketFor(vendor, account string, b Budget) *bucket {
	k := key{vendor: vendor, account: account}
	l.mu.Lock()
	defer l.mu.Unlock()
	if bk, ok := l.buckets[k]; ok {
		return bk
	}
	nb := b.normalized()
	bk := &bucket{
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(nb.PerMinute)), nb.PerMinute),
		sem:       semaphore.NewWeighted(int64(nb.MaxConcurrent)),
		dayStart:  l.now(),
		perDayCap: nb.PerDay,
	}
	l.buckets[k] = bk
	return bk
}

// Acquire blocks until the budget admits one request, then returns a release
// func that frees the concurrency slot. It must be called immediately before
// every outbound request. Waits beyond the bounded maximum surface
// ErrWaitTimeout; parent-context cancellation surfaces the context error.
func (l *Limiter) Acquire(ctx context.Context, vendor, account string, b Budget) (func(), error) {
	bk := l.bucketFor(vendor, account, b)

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := bk.sem.Acquire(waitCtx, 1); err != nil {
		return nil, l.waitErr(ctx, vendor, err)
	}
	if err := bk.limiter.Wait(waitCtx); err != nil {
		bk.sem.Release(1)
		return nil, l.waitErr(ctx, vendor, err)
	}
	if err := bk.consumeDaily(waitCtx, l.now); err != nil {
		bk.sem.Release(1)
		return nil, l.waitErr(ctx, vendor, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { bk.sem.Release(1) })
	}, nil
}

// consumeDaily counts the request against the rolling 24h window, sleeping
// until the window resets when the cap is already spent.
func (bk *bucket) consumeDaily(ctx context.Context, now func() time.Time) error {
	for {
		bk.mu.Lock()
		t := now()
		if t.Sub(bk.dayStart) >= dayWindow {
			bk.dayStart = t
			bk.dayCount = 0
		}
		if bk.dayCount < bk.perDayCap {
			bk.dayCount++
			bk.mu.Unlock()
			return nil
		}
		wait := dayWindow - t.Sub(bk.dayStart)
		bk.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) waitErr(parent context.Context, vendor string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", vendor, ErrWaitTimeout, l.maxWait)
	}
	return err
}
