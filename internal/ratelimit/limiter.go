// Package ratelimit provides token-bucket admission control for the tool
// execution plane and the chat surface.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active. A disabled limiter
	// admits everything and reports a full bucket.
	Enabled bool `yaml:"enabled"`

	// Capacity is the burst size in tokens. Default: 100.
	Capacity float64 `yaml:"capacity"`

	// RefillPerSecond is the continuous refill rate. Default: 10.
	RefillPerSecond float64 `yaml:"refill_per_second"`

	// CostPerRequest is the default token cost of one admission. Default: 1.
	CostPerRequest float64 `yaml:"cost_per_request"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Capacity:        100,
		RefillPerSecond: 10,
		CostPerRequest:  1,
	}
}

// Admission describes the bucket state after a TryAcquire call. It carries
// everything the HTTP layer needs for rate-limit headers.
type Admission struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Remaining is the whole-token count left after the call.
	Remaining int

	// Limit is the bucket capacity in whole tokens.
	Limit int

	// ResetUnix is the Unix second at which the bucket will be full again.
	ResetUnix int64

	// RetryAfter suggests a wait in seconds before retrying; set only on
	// rejection, always at least 1, non-increasing as time passes.
	RetryAfter int
}

// Metrics is a snapshot of limiter counters.
type Metrics struct {
	TotalRequests   uint64  `json:"total_requests"`
	Rejections      uint64  `json:"rejections"`
	CurrentTokens   float64 `json:"current_tokens"`
	Capacity        float64 `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

// Limiter is a single token bucket with lazy refill. All methods are safe
// for concurrent use; the critical section covers refill plus deduction so
// concurrent callers see a linearizable view.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	tokens     float64
	lastRefill time.Time

	totalRequests uint64
	rejections    uint64

	// now is the clock; replaceable in tests.
	now func() time.Time
}

// New creates a limiter, applying defaults for zero-valued fields.
func New(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.RefillPerSecond < 0 {
		cfg.RefillPerSecond = 0
	}
	if cfg.CostPerRequest <= 0 {
		cfg.CostPerRequest = DefaultConfig().CostPerRequest
	}
	l := &Limiter{
		cfg:    cfg,
		tokens: cfg.Capacity,
		now:    time.Now,
	}
	l.lastRefill = l.now()
	return l
}

// TryAcquire attempts to deduct the default per-request cost.
func (l *Limiter) TryAcquire() Admission {
	return l.TryAcquireN(l.cfg.CostPerRequest)
}

// TryAcquireN attempts to deduct cost tokens. Never blocks.
func (l *Limiter) TryAcquireN(cost float64) Admission {
	if !l.cfg.Enabled {
		return Admission{
			Allowed:   true,
			Remaining: int(l.cfg.Capacity),
			Limit:     int(l.cfg.Capacity),
			ResetUnix: l.now().Unix(),
		}
	}
	if cost <= 0 {
		cost = l.cfg.CostPerRequest
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	l.totalRequests++

	adm := Admission{Limit: int(l.cfg.Capacity)}

	if l.tokens >= cost {
		l.tokens -= cost
		adm.Allowed = true
	} else {
		l.rejections++
		adm.RetryAfter = l.retryAfterLocked(cost)
	}

	adm.Remaining = int(l.tokens)
	adm.ResetUnix = l.resetUnixLocked()
	return adm
}

// refillLocked tops up tokens for elapsed time; lock must be held.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	l.lastRefill = now

	l.tokens += elapsed * l.cfg.RefillPerSecond
	if l.tokens > l.cfg.Capacity {
		l.tokens = l.cfg.Capacity
	}
}

// retryAfterLocked computes the whole-second wait until cost tokens exist.
func (l *Limiter) retryAfterLocked(cost float64) int {
	const maxRetryAfter = 3600

	if l.cfg.RefillPerSecond <= 0 {
		// Nothing will ever refill; suggest the maximum backoff.
		return maxRetryAfter
	}
	needed := cost - l.tokens
	secs := int(math.Ceil(needed / l.cfg.RefillPerSecond))
	if secs < 1 {
		secs = 1
	}
	if secs > maxRetryAfter {
		secs = maxRetryAfter
	}
	return secs
}

// resetUnixLocked is the Unix second at which the bucket refills completely.
func (l *Limiter) resetUnixLocked() int64 {
	if l.cfg.RefillPerSecond <= 0 || l.tokens >= l.cfg.Capacity {
		return l.now().Unix()
	}
	deficit := l.cfg.Capacity - l.tokens
	return l.now().Add(time.Duration(deficit / l.cfg.RefillPerSecond * float64(time.Second))).Unix()
}

// Snapshot returns current counters for the metrics surface.
func (l *Limiter) Snapshot() Metrics {
	if !l.cfg.Enabled {
		return Metrics{
			CurrentTokens:   l.cfg.Capacity,
			Capacity:        l.cfg.Capacity,
			RefillPerSecond: l.cfg.RefillPerSecond,
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return Metrics{
		TotalRequests:   l.totalRequests,
		Rejections:      l.rejections,
		CurrentTokens:   l.tokens,
		Capacity:        l.cfg.Capacity,
		RefillPerSecond: l.cfg.RefillPerSecond,
	}
}
