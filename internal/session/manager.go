// Package session manages multi-agent session lifecycle: creation, pause and
// resume, participant membership, expiry, and garbage collection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshwire-ai/meshwire/internal/eventbus"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

const (
	// DefaultTTL applies when Create is called with a zero TTL.
	DefaultTTL = 1 * time.Hour
	// SweepInterval is the period of the background expiry loop.
	SweepInterval = 60 * time.Second
	// gcAge is how long EXPIRED/TERMINATED sessions linger before deletion.
	gcAge = 24 * time.Hour
)

var (
	ErrNotFound  = errors.New("session: not found")
	ErrDuplicate = errors.New("session: id already exists")
	ErrNotActive = errors.New("session: not active")
)

// Session is a shared communication context for one or more participants.
type Session struct {
	ID           string
	Participants map[string]struct{}
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Status       Status
	Metadata     map[string]string

	// endedAt is when the session reached EXPIRED or TERMINATED, for GC.
	endedAt time.Time
}

// snapshot returns a copy safe to hand out under no lock.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.Participants = make(map[string]struct{}, len(s.Participants))
	for p := range s.Participants {
		cp.Participants[p] = struct{}{}
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Stats summarizes the session table.
type Stats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Paused     int `json:"paused"`
	Expired    int `json:"expired"`
	Terminated int `json:"terminated"`
}

// Manager owns the session table and the participant reverse index.
type Manager struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	mu       sync.RWMutex
	sessions map[string]*Session
	byAgent  map[string]map[string]struct{} // agent ID -> session IDs
}

// NewManager creates a session manager. The bus may be nil.
func NewManager(bus *eventbus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger.With("component", "session-manager"),
		bus:      bus,
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]map[string]struct{}),
	}
}

// Create registers a new ACTIVE session. Duplicate IDs are rejected.
// A ttl of zero uses DefaultTTL.
func (m *Manager) Create(id string, participants []string, ttl time.Duration, metadata map[string]string) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Participants: make(map[string]struct{}, len(participants)),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Status:       StatusActive,
		Metadata:     metadata,
	}
	for _, p := range participants {
		s.Participants[p] = struct{}{}
		m.indexLocked(p, id)
	}
	m.sessions[id] = s

	m.logger.Info("session created", "session_id", id, "participants", len(participants), "ttl", ttl)
	return s.snapshot(), nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.snapshot(), true
}

// Extend pushes the session deadline out by d from now.
func (m *Manager) Extend(id string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status != StatusActive && s.Status != StatusPaused {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, s.Status)
	}
	s.ExpiresAt = time.Now().Add(d)
	return nil
}

// Pause moves an ACTIVE session to PAUSED.
func (m *Manager) Pause(id string) error {
	return m.transition(id, StatusActive, StatusPaused)
}

// Resume moves a PAUSED session back to ACTIVE.
func (m *Manager) Resume(id string) error {
	return m.transition(id, StatusPaused, StatusActive)
}

func (m *Manager) transition(id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status != from {
		return fmt.Errorf("%w: %s is %s, want %s", ErrNotActive, id, s.Status, from)
	}
	s.Status = to
	m.logger.Debug("session state changed", "session_id", id, "from", from, "to", to)
	return nil
}

// Terminate ends a session and removes its participants.
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.terminateLocked(s)
	return nil
}

func (m *Manager) terminateLocked(s *Session) {
	if s.Status == StatusTerminated {
		return
	}
	for p := range s.Participants {
		m.unindexLocked(p, s.ID)
	}
	s.Participants = make(map[string]struct{})
	s.Status = StatusTerminated
	s.endedAt = time.Now()
	m.logger.Info("session terminated", "session_id", s.ID)
	if m.bus != nil {
		m.bus.Emit(eventbus.SessionTerminated, "session-manager", map[string]string{"session_id": s.ID})
	}
}

// AddParticipant adds an agent to an ACTIVE session.
func (m *Manager) AddParticipant(id, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, s.Status)
	}
	s.Participants[agent] = struct{}{}
	m.indexLocked(agent, id)
	return nil
}

// RemoveParticipant removes an agent from a session. A session whose last
// participant leaves is terminated immediately.
func (m *Manager) RemoveParticipant(id, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := s.Participants[agent]; !ok {
		return fmt.Errorf("%w: agent %s not in session %s", ErrNotFound, agent, id)
	}
	delete(s.Participants, agent)
	m.unindexLocked(agent, id)

	if len(s.Participants) == 0 {
		m.terminateLocked(s)
	}
	return nil
}

// AgentSessions returns IDs of sessions the agent participates in.
func (m *Manager) AgentSessions(agent string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.byAgent[agent]))
	for id := range m.byAgent[agent] {
		ids = append(ids, id)
	}
	return ids
}

// ActiveSessions returns snapshots of all ACTIVE sessions. The view may be
// slightly stale by the time the caller looks at it.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// Stats returns counts by status.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Total: len(m.sessions)}
	for _, s := range m.sessions {
		switch s.Status {
		case StatusActive:
			st.Active++
		case StatusPaused:
			st.Paused++
		case StatusExpired:
			st.Expired++
		case StatusTerminated:
			st.Terminated++
		}
	}
	return st
}

// Start runs the expiry sweep until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// sweep marks overdue ACTIVE/PAUSED sessions EXPIRED and deletes sessions
// that have been EXPIRED or TERMINATED longer than the GC age.
func (m *Manager) sweep(now time.Time) (expired, deleted int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		switch s.Status {
		case StatusActive, StatusPaused, StatusPending:
			if now.After(s.ExpiresAt) {
				for p := range s.Participants {
					m.unindexLocked(p, id)
				}
				s.Participants = make(map[string]struct{})
				s.Status = StatusExpired
				s.endedAt = now
				expired++
				m.logger.Info("session expired", "session_id", id)
				if m.bus != nil {
					m.bus.Emit(eventbus.SessionExpired, "session-manager", map[string]string{"session_id": id})
				}
			}
		case StatusExpired, StatusTerminated:
			if now.Sub(s.endedAt) > gcAge {
				delete(m.sessions, id)
				deleted++
			}
		}
	}
	if expired > 0 || deleted > 0 {
		m.logger.Debug("session sweep", "expired", expired, "deleted", deleted)
	}
	return expired, deleted
}

func (m *Manager) indexLocked(agent, sessionID string) {
	set, ok := m.byAgent[agent]
	if !ok {
		set = make(map[string]struct{})
		m.byAgent[agent] = set
	}
	set[sessionID] = struct{}{}
}

func (m *Manager) unindexLocked(agent, sessionID string) {
	if set, ok := m.byAgent[agent]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byAgent, agent)
		}
	}
}
