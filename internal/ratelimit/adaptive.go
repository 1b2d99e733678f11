package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	minThrottleFactor = 0.1
	maxThrottleFactor = 1.0
	// emaAlpha weights new observations in the moving averages.
	emaAlpha = 0.2
	// RecomputeInterval is how often the throttle factor is recomputed.
	RecomputeInterval = 30 * time.Second
)

// AdaptiveThrottle tracks exponential moving averages of response time and
// error rate and derives a throttle factor in [0.1, 1.0]. After hard limits
// admit a request, the throttle rejects it with probability 1 - factor.
type AdaptiveThrottle struct {
	mu          sync.Mutex
	emaLatency  float64 // seconds
	emaErrRate  float64 // 0..1
	factor      float64
	latencyGoal float64 // seconds considered healthy
}

// NewAdaptiveThrottle creates a throttle with factor 1.0 (no throttling).
func NewAdaptiveThrottle() *AdaptiveThrottle {
	return &AdaptiveThrottle{
		factor:      maxThrottleFactor,
		latencyGoal: 0.5,
	}
}

// Observe feeds one completed request into the moving averages.
func (t *AdaptiveThrottle) Observe(latency time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.emaLatency = emaAlpha*latency.Seconds() + (1-emaAlpha)*t.emaLatency
	errVal := 0.0
	if failed {
		errVal = 1.0
	}
	t.emaErrRate = emaAlpha*errVal + (1-emaAlpha)*t.emaErrRate
}

// Recompute derives a fresh throttle factor from the averages. Rising error
// rate or latency lowers the factor; a healthy system restores it.
func (t *AdaptiveThrottle) Recompute() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	factor := maxThrottleFactor
	factor -= t.emaErrRate * 0.6
	if t.emaLatency > t.latencyGoal {
		over := t.emaLatency/t.latencyGoal - 1
		if over > 1 {
			over = 1
		}
		factor -= over * 0.3
	}
	if factor < minThrottleFactor {
		factor = minThrottleFactor
	}
	if factor > maxThrottleFactor {
		factor = maxThrottleFactor
	}
	t.factor = factor
	return factor
}

// Factor returns the current throttle factor.
func (t *AdaptiveThrottle) Factor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.factor
}

// Admit applies probabilistic rejection with probability 1 - factor.
func (t *AdaptiveThrottle) Admit() bool {
	t.mu.Lock()
	factor := t.factor
	t.mu.Unlock()
	if factor >= maxThrottleFactor {
		return true
	}
	return rand.Float64() < factor
}

// Start recomputes the factor every period until ctx is canceled.
func (t *AdaptiveThrottle) Start(ctx context.Context, period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Recompute()
			}
		}
	}()
}
