package ratelimit

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = clock.now
	l.lastRefill = clock.now()
	return l, clock
}

func TestBurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: true, Capacity: 2, RefillPerSecond: 0, CostPerRequest: 1})

	first := l.TryAcquire()
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first = %+v, want allowed with remaining 1", first)
	}
	second := l.TryAcquire()
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("second = %+v, want allowed with remaining 0", second)
	}
	third := l.TryAcquire()
	if third.Allowed {
		t.Fatalf("third = %+v, want rejection", third)
	}
	if third.RetryAfter < 1 {
		t.Errorf("RetryAfter = %d, want >= 1", third.RetryAfter)
	}
}

func TestLazyRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{Enabled: true, Capacity: 2, RefillPerSecond: 1, CostPerRequest: 1})

	l.TryAcquire()
	l.TryAcquire()
	if adm := l.TryAcquire(); adm.Allowed {
		t.Fatal("bucket should be empty")
	}

	clock.advance(1500 * time.Millisecond)
	if adm := l.TryAcquire(); !adm.Allowed {
		t.Fatalf("expected refill to admit after 1.5s, got %+v", adm)
	}

	// Only 0.5 fractional tokens remain; next call must be rejected.
	if adm := l.TryAcquire(); adm.Allowed {
		t.Fatal("fractional remainder should not admit a full-cost request")
	}
}

func TestRetryAfterNonIncreasing(t *testing.T) {
	l, clock := newTestLimiter(Config{Enabled: true, Capacity: 1, RefillPerSecond: 0.2, CostPerRequest: 1})

	l.TryAcquire()
	prev := l.TryAcquire().RetryAfter
	for i := 0; i < 4; i++ {
		clock.advance(time.Second)
		adm := l.TryAcquire()
		if adm.Allowed {
			break
		}
		if adm.RetryAfter > prev {
			t.Errorf("RetryAfter increased from %d to %d", prev, adm.RetryAfter)
		}
		prev = adm.RetryAfter
	}
}

func TestDisabledAdmitsEverything(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: false, Capacity: 1, CostPerRequest: 1})

	for i := 0; i < 100; i++ {
		adm := l.TryAcquire()
		if !adm.Allowed {
			t.Fatalf("call %d rejected while disabled", i)
		}
		if adm.Remaining != 1 {
			t.Fatalf("disabled remaining = %d, want capacity", adm.Remaining)
		}
	}
	if m := l.Snapshot(); m.CurrentTokens != 1 {
		t.Errorf("disabled snapshot tokens = %v, want capacity", m.CurrentTokens)
	}
}

func TestTokensStayWithinBounds(t *testing.T) {
	cfg := Config{Enabled: true, Capacity: 10, RefillPerSecond: 3, CostPerRequest: 1}
	l, clock := newTestLimiter(cfg)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		switch rng.Intn(3) {
		case 0:
			l.TryAcquire()
		case 1:
			l.TryAcquireN(float64(rng.Intn(4)))
		case 2:
			clock.advance(time.Duration(rng.Intn(900)) * time.Millisecond)
		}
		m := l.Snapshot()
		if m.CurrentTokens < 0 || m.CurrentTokens > cfg.Capacity {
			t.Fatalf("step %d: tokens %v out of [0, %v]", i, m.CurrentTokens, cfg.Capacity)
		}
	}
}

func TestConcurrentAcquire(t *testing.T) {
	l := New(Config{Enabled: true, Capacity: 50, RefillPerSecond: 0, CostPerRequest: 1})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire().Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want exactly capacity 50", allowed)
	}
	m := l.Snapshot()
	if m.TotalRequests != 100 || m.Rejections != 50 {
		t.Errorf("metrics = %+v, want 100 total / 50 rejections", m)
	}
}

func TestSnapshotMetrics(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: true, Capacity: 5, RefillPerSecond: 2, CostPerRequest: 1})

	l.TryAcquire()
	l.TryAcquire()

	m := l.Snapshot()
	if m.Capacity != 5 || m.RefillPerSecond != 2 {
		t.Errorf("static fields wrong: %+v", m)
	}
	if m.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", m.TotalRequests)
	}
	if m.CurrentTokens != 3 {
		t.Errorf("CurrentTokens = %v, want 3", m.CurrentTokens)
	}
}
