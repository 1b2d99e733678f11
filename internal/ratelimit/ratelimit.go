// Package ratelimit provides token-bucket and sliding-window rate limiting
// with per-agent and global scopes, plus adaptive throttling.
package ratelimit

import (
	"sync"
	"time"
)

// Result reports a rate-limit decision.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining_requests"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// TokenBucket admits up to maxTokens requests per window with lazy
// wall-clock refill. An optional burst size raises the bucket capacity
// above the steady-state limit.
type TokenBucket struct {
	mu        sync.Mutex
	capacity  float64
	tokens    float64
	rate      float64 // tokens per second
	lastCheck time.Time
}

// NewTokenBucket creates a bucket admitting maxTokens per window. burst of
// zero means the capacity equals maxTokens.
func NewTokenBucket(maxTokens int, window time.Duration, burst int) *TokenBucket {
	capacity := float64(maxTokens)
	if burst > maxTokens {
		capacity = float64(burst)
	}
	return &TokenBucket{
		capacity:  capacity,
		tokens:    capacity,
		rate:      float64(maxTokens) / window.Seconds(),
		lastCheck: time.Now(),
	}
}

// Consume takes n tokens if available.
func (b *TokenBucket) Consume(n int) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastCheck = now

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return Result{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetTime: now.Add(b.timeToFull()),
		}
	}

	retry := time.Duration((need - b.tokens) / b.rate * float64(time.Second))
	return Result{
		Allowed:    false,
		Remaining:  int(b.tokens),
		ResetTime:  now.Add(b.timeToFull()),
		RetryAfter: retry,
	}
}

// timeToFull is how long until the bucket refills completely. Callers hold mu.
func (b *TokenBucket) timeToFull() time.Duration {
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.rate * float64(time.Second))
}

// SlidingWindow admits up to limit requests per rolling window, tracked as a
// timestamp deque per key.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewSlidingWindow creates a sliding-window limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
	}
}

// Allow records and admits a request for key unless the window is full.
func (w *SlidingWindow) Allow(key string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-w.window)

	times := w.entries[key]
	// Evict timestamps that fell out of the window.
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	times = times[i:]

	if len(times) >= w.limit {
		oldest := times[0]
		w.entries[key] = times
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  oldest.Add(w.window),
			RetryAfter: oldest.Add(w.window).Sub(now),
		}
	}

	times = append(times, now)
	w.entries[key] = times
	return Result{
		Allowed:   true,
		Remaining: w.limit - len(times),
		ResetTime: times[0].Add(w.window),
	}
}

// Prune drops keys with no live timestamps. Meant for a periodic cleanup task.
func (w *SlidingWindow) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-w.window)
	pruned := 0
	for key, times := range w.entries {
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i == len(times) {
			delete(w.entries, key)
			pruned++
			continue
		}
		w.entries[key] = times[i:]
	}
	return pruned
}

// Limiter combines an optional global bucket with per-agent buckets and an
// optional adaptive throttle. The global limiter is evaluated first; both
// must admit.
type Limiter struct {
	perAgentMax int
	window      time.Duration
	burst       int

	mu     sync.Mutex
	global *TokenBucket
	agents map[string]*TokenBucket

	throttle *AdaptiveThrottle
}

// Config configures a Limiter.
type Config struct {
	PerAgentLimit int           // requests per window per agent
	GlobalLimit   int           // requests per window across all agents; 0 disables
	Window        time.Duration // defaults to 60s
	Burst         int           // optional burst above the steady limit
	Adaptive      bool          // enable adaptive throttling
}

// NewLimiter creates a limiter from config.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	l := &Limiter{
		perAgentMax: cfg.PerAgentLimit,
		window:      cfg.Window,
		burst:       cfg.Burst,
		agents:      make(map[string]*TokenBucket),
	}
	if cfg.GlobalLimit > 0 {
		l.global = NewTokenBucket(cfg.GlobalLimit, cfg.Window, 0)
	}
	if cfg.Adaptive {
		l.throttle = NewAdaptiveThrottle()
	}
	return l
}

// Throttle returns the adaptive throttle, or nil when not enabled.
func (l *Limiter) Throttle() *AdaptiveThrottle { return l.throttle }

// Allow admits one request for the agent. Hard limits are checked first,
// then the adaptive throttle's probabilistic rejection.
func (l *Limiter) Allow(agentID string) Result {
	if l.global != nil {
		if res := l.global.Consume(1); !res.Allowed {
			return res
		}
	}

	l.mu.Lock()
	bucket, ok := l.agents[agentID]
	if !ok {
		bucket = NewTokenBucket(l.perAgentMax, l.window, l.burst)
		l.agents[agentID] = bucket
	}
	l.mu.Unlock()

	res := bucket.Consume(1)
	if !res.Allowed {
		return res
	}

	if l.throttle != nil && !l.throttle.Admit() {
		res.Allowed = false
		res.RetryAfter = time.Second
	}
	return res
}
