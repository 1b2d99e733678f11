// Package balancer picks which agent instance receives the next request
// when a logical service runs as several interchangeable agents.
package balancer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Strategy selects among healthy backends.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	Random           Strategy = "random"
	LeastConnections Strategy = "least_connections"
	WeightedRandom   Strategy = "weighted_random"
	HealthBased      Strategy = "health_based"
)

// Health scoring constants. A backend is routable while its score stays
// above the floor.
const (
	healthReward  = 0.1
	healthPenalty = 0.2
	healthFloor   = 0.3
)

var ErrUnknownStrategy = errors.New("balancer: unknown strategy")

// Backend is one routable agent instance.
type Backend struct {
	AgentID           string        `json:"agent_id"`
	Address           string        `json:"address"`
	Weight            float64       `json:"weight"`
	ActiveConnections int           `json:"active_connections"`
	LastResponseTime  time.Duration `json:"last_response_time"`
	HealthScore       float64       `json:"health_score"`
}

// IsHealthy reports whether the backend is routable.
func (b *Backend) IsHealthy() bool { return b.HealthScore > healthFloor }

// Balancer distributes picks over a set of backends.
type Balancer struct {
	strategy Strategy
	logger   *slog.Logger

	mu       sync.Mutex
	backends map[string]*Backend
	order    []string // insertion order, for round robin
	next     int
	rng      *rand.Rand
}

// New creates a balancer. The strategy must be one of the five named
// constants.
func New(strategy Strategy, logger *slog.Logger) (*Balancer, error) {
	switch strategy {
	case RoundRobin, Random, LeastConnections, WeightedRandom, HealthBased:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return &Balancer{
		strategy: strategy,
		logger:   logger.With("component", "balancer"),
		backends: make(map[string]*Backend),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Add registers a backend. Weight <= 0 defaults to 1; new backends start
// fully healthy.
func (b *Balancer) Add(agentID, address string, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.backends[agentID]; !exists {
		b.order = append(b.order, agentID)
	}
	b.backends[agentID] = &Backend{
		AgentID:     agentID,
		Address:     address,
		Weight:      weight,
		HealthScore: 1.0,
	}
}

// Remove drops a backend.
func (b *Balancer) Remove(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.backends, agentID)
	for i, id := range b.order {
		if id == agentID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Pick selects a backend, skipping unhealthy ones and any agent in exclude.
// It returns nil when no backend qualifies. The chosen backend's active
// connection count is incremented; callers pair each Pick with a Release.
func (b *Balancer) Pick(exclude map[string]bool) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.eligible(exclude)
	if len(candidates) == 0 {
		return nil
	}

	var chosen *Backend
	switch b.strategy {
	case RoundRobin:
		chosen = b.pickRoundRobin(exclude)
	case Random:
		chosen = candidates[b.rng.Intn(len(candidates))]
	case LeastConnections:
		chosen = candidates[0]
		for _, c := range candidates[1:] {
			if c.ActiveConnections < chosen.ActiveConnections {
				chosen = c
			}
		}
	case WeightedRandom:
		chosen = b.pickWeighted(candidates)
	case HealthBased:
		chosen = candidates[0]
		for _, c := range candidates[1:] {
			if c.HealthScore > chosen.HealthScore {
				chosen = c
			}
		}
	}
	if chosen != nil {
		chosen.ActiveConnections++
		snapshot := *chosen
		return &snapshot
	}
	return nil
}

// eligible returns healthy, non-excluded backends.
func (b *Balancer) eligible(exclude map[string]bool) []*Backend {
	out := make([]*Backend, 0, len(b.backends))
	for id, be := range b.backends {
		if exclude[id] || !be.IsHealthy() {
			continue
		}
		out = append(out, be)
	}
	return out
}

// pickRoundRobin walks the insertion order from the cursor, wrapping once.
func (b *Balancer) pickRoundRobin(exclude map[string]bool) *Backend {
	n := len(b.order)
	for i := 0; i < n; i++ {
		id := b.order[(b.next+i)%n]
		be, ok := b.backends[id]
		if !ok || exclude[id] || !be.IsHealthy() {
			continue
		}
		b.next = (b.next + i + 1) % n
		return be
	}
	return nil
}

func (b *Balancer) pickWeighted(candidates []*Backend) *Backend {
	var total float64
	for _, c := range candidates {
		total += c.Weight
	}
	r := b.rng.Float64() * total
	for _, c := range candidates {
		r -= c.Weight
		if r <= 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// Release decrements a backend's active connection count after a request
// completes.
func (b *Balancer) Release(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[agentID]; ok && be.ActiveConnections > 0 {
		be.ActiveConnections--
	}
}

// ReportResult feeds a request outcome back into the health score: success
// nudges the score up, failure pulls it down twice as hard.
func (b *Balancer) ReportResult(agentID string, responseTime time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	be, ok := b.backends[agentID]
	if !ok {
		return
	}
	be.LastResponseTime = responseTime
	if failed {
		be.HealthScore -= healthPenalty
		if be.HealthScore < 0 {
			be.HealthScore = 0
		}
		if !be.IsHealthy() {
			b.logger.Warn("backend marked unhealthy", "agent", agentID, "score", be.HealthScore)
		}
		return
	}
	be.HealthScore += healthReward
	if be.HealthScore > 1 {
		be.HealthScore = 1
	}
}

// Backends returns snapshots of every backend.
func (b *Balancer) Backends() []Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Backend, 0, len(b.order))
	for _, id := range b.order {
		if be, ok := b.backends[id]; ok {
			out = append(out, *be)
		}
	}
	return out
}
