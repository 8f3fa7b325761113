package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireUnderBudgetReturnsQuickly(t *testing.T) {
	l := New()
	budget := Budget{PerMinute: 600, PerDay: 10000, MaxConcurrent: 4}

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background(), "xero", "tenant-a", budget)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("acquires under budget took too long: %s", elapsed)
	}
}

func TestAcquireBoundedWaitSurfacesTimeout(t *testing.T) {
	l := New(WithMaxWait(30 * time.Millisecond))
	budget := Budget{PerMinute: 600, PerDay: 10000, MaxConcurrent: 1}

	release, err := l.Acquire(context.Background(), "netsuite", "acct", budget)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer release()

	// The only concurrency slot is held; the second acquire must wait, then
	// time out rather than being dropped immediately.
	start := time.Now()
	_, err = l.Acquire(context.Background(), "netsuite", "acct", budget)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Fatalf("expected a bounded wait before timing out, waited only %s", waited)
	}
}

func TestAcquireCancellationWinsOverTimeout(t *testing.T) {
	l := New(WithMaxWait(time.Minute))
	budget := Budget{PerMinute: 600, PerDay: 10000, MaxConcurrent: 1}

	release, err := l.Acquire(context.Background(), "sapb1", "db", budget)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = l.Acquire(ctx, "sapb1", "db", budget)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBucketsKeyedPerVendorAccount(t *testing.T) {
	l := New(WithMaxWait(50 * time.Millisecond))
	budget := Budget{PerMinute: 600, PerDay: 10000, MaxConcurrent: 1}

	release, err := l.Acquire(context.Background(), "xero", "tenant-a", budget)
	if err != nil {
		t.Fatalf("Acquire tenant-a: %v", err)
	}
	defer release()

	// A different account of the same vendor has its own bucket and is not
	// blocked by tenant-a's held slot.
	release2, err := l.Acquire(context.Background(), "xero", "tenant-b", budget)
	if err != nil {
		t.Fatalf("Acquire tenant-b: %v", err)
	}
	release2()
}

func TestConcurrencySlotSharedAcrossGoroutines(t *testing.T) {
	l := New()
	budget := Budget{PerMinute: 6000, PerDay: 100000, MaxConcurrent: 1}

	var inFlight, maxInFlight int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "dynamics", "org", budget)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxInFlight)
				if n <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&maxInFlight); got != 1 {
		t.Fatalf("expected max 1 in-flight request, observed %d", got)
	}
}

func TestBudgetNormalizedDefaults(t *testing.T) {
	b := Budget{}.normalized()
	if b.PerMinute != 60 || b.MaxConcurrent != 1 {
		t.Fatalf("unexpected defaults: %+v", b)
	}
	if b.PerDay != 60*60*24 {
		t.Fatalf("unexpected daily default: %d", b.PerDay)
	}
}
