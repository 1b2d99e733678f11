// Package connection tracks the health of peer agent links: who is
// reachable at which transport address, when they were last seen, and
// automatic reconnection when heartbeats stop arriving.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/meshwire-ai/meshwire/internal/eventbus"
	"github.com/meshwire-ai/meshwire/internal/transport"
	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

// State is a peer link's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Defaults for the liveness loops.
const (
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultSuperviseInterval  = 10 * time.Second
	DefaultConnectionTimeout  = 60 * time.Second
	DefaultMaxReconnectTries  = 3
	DefaultReconnectBaseDelay = 1 * time.Second
)

// Sentinel errors.
var (
	ErrUnknownAgent  = errors.New("connection: no address registered for agent")
	ErrNotConnected  = errors.New("connection: agent not connected")
	ErrAlreadyExists = errors.New("connection: agent already connected")
)

// Info is a point-in-time snapshot of one peer link.
type Info struct {
	AgentID    string    `json:"agent_id"`
	Address    string    `json:"address"`
	State      State     `json:"state"`
	LastSeen   time.Time `json:"last_seen"`
	RetryCount int       `json:"retry_count"`
}

type conn struct {
	agentID    string
	address    string
	state      State
	lastSeen   time.Time
	retryCount int
}

// Options tunes the manager's liveness behavior. Zero values take defaults.
type Options struct {
	HeartbeatInterval time.Duration
	SuperviseInterval time.Duration
	ConnectionTimeout time.Duration
	MaxReconnectTries int
}

// Manager owns the peer link table. SendHeartbeat is invoked by the
// heartbeat loop and is expected to fan the message out to connected peers.
type Manager struct {
	transport transport.Transport
	ids       *protocol.IDGenerator
	bus       *eventbus.Bus
	logger    *slog.Logger
	opts      Options

	sendHeartbeat func(*protocol.Message)

	mu        sync.RWMutex
	addresses map[string]string // agent_id -> transport address
	conns     map[string]*conn
}

// NewManager creates a connection manager bound to a transport. ids is used
// to mint heartbeat messages.
func NewManager(tr transport.Transport, ids *protocol.IDGenerator, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SuperviseInterval <= 0 {
		opts.SuperviseInterval = DefaultSuperviseInterval
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.MaxReconnectTries <= 0 {
		opts.MaxReconnectTries = DefaultMaxReconnectTries
	}
	return &Manager{
		transport: tr,
		ids:       ids,
		bus:       bus,
		logger:    logger.With("component", "connection-manager"),
		opts:      opts,
		addresses: make(map[string]string),
		conns:     make(map[string]*conn),
	}
}

// SetHeartbeatSender installs the callback the heartbeat loop uses to emit
// heartbeats. Must be set before Start.
func (m *Manager) SetHeartbeatSender(f func(*protocol.Message)) {
	m.mu.Lock()
	m.sendHeartbeat = f
	m.mu.Unlock()
}

// RegisterAddress records where an agent is reachable. Registration alone
// does not connect.
func (m *Manager) RegisterAddress(agentID, address string) {
	m.mu.Lock()
	m.addresses[agentID] = address
	if c, ok := m.conns[agentID]; ok {
		c.address = address
	}
	m.mu.Unlock()
}

// AddressOf resolves an agent to its transport address.
func (m *Manager) AddressOf(agentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.addresses[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return addr, nil
}

// Connect establishes a link to a registered agent.
func (m *Manager) Connect(agentID string) error {
	m.mu.Lock()
	addr, ok := m.addresses[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if c, exists := m.conns[agentID]; exists && c.state == StateConnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, agentID)
	}
	c := &conn{agentID: agentID, address: addr, state: StateConnecting, lastSeen: time.Now()}
	m.conns[agentID] = c
	m.mu.Unlock()
	m.emitState(agentID, StateConnecting)

	if err := m.transport.ConnectPeer(addr); err != nil {
		m.setState(agentID, StateError)
		return fmt.Errorf("connect %s: %w", agentID, err)
	}

	m.mu.Lock()
	c.state = StateConnected
	c.lastSeen = time.Now()
	c.retryCount = 0
	m.mu.Unlock()
	m.emitState(agentID, StateConnected)
	m.logger.Info("agent connected", "agent", agentID, "addr", addr)
	return nil
}

// Disconnect tears down the link to an agent.
func (m *Manager) Disconnect(agentID string) error {
	m.mu.Lock()
	c, ok := m.conns[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, agentID)
	}
	addr := c.address
	delete(m.conns, agentID)
	m.mu.Unlock()

	_ = m.transport.DisconnectPeer(addr)
	m.emitState(agentID, StateDisconnected)
	m.logger.Info("agent disconnected", "agent", agentID)
	return nil
}

// ObserveAddress records an address learned from an inbound delivery so
// replies can route back. Explicit registrations are not overwritten.
func (m *Manager) ObserveAddress(agentID, address string) {
	if address == "" {
		return
	}
	m.mu.Lock()
	if _, ok := m.addresses[agentID]; !ok {
		m.addresses[agentID] = address
	}
	if c, ok := m.conns[agentID]; ok && c.address == "" {
		c.address = m.addresses[agentID]
	}
	m.mu.Unlock()
}

// UpdateLastSeen marks an agent alive. Called on every delivery from the
// agent, heartbeats included. Unknown agents are admitted lazily so inbound
// links show up in the table.
func (m *Manager) UpdateLastSeen(agentID string) {
	m.mu.Lock()
	c, ok := m.conns[agentID]
	if !ok {
		c = &conn{agentID: agentID, address: m.addresses[agentID], state: StateConnected}
		m.conns[agentID] = c
	}
	c.lastSeen = time.Now()
	if c.state == StateReconnecting || c.state == StateError {
		c.state = StateConnected
		c.retryCount = 0
		m.mu.Unlock()
		m.emitState(agentID, StateConnected)
		return
	}
	m.mu.Unlock()
}

// Get returns a snapshot of one link.
func (m *Manager) Get(agentID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[agentID]
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// List returns snapshots of every tracked link.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.info())
	}
	return out
}

// ConnectedAgents returns the IDs of agents currently in CONNECTED state.
func (m *Manager) ConnectedAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.state == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// DiscoverAgents enumerates candidate peer addresses on host across the
// inclusive port range. It does not probe: callers attempt connections
// against the returned addresses.
func (m *Manager) DiscoverAgents(host string, fromPort, toPort int) []string {
	if toPort < fromPort {
		return nil
	}
	out := make([]string, 0, toPort-fromPort+1)
	for p := fromPort; p <= toPort; p++ {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(p)))
	}
	return out
}

// Start runs the heartbeat and supervision loops until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	go m.heartbeatLoop(ctx)
	go m.superviseLoop(ctx)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			send := m.sendHeartbeat
			m.mu.RUnlock()
			if send != nil {
				send(m.ids.NewHeartbeat(""))
			}
		}
	}
}

func (m *Manager) superviseLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SuperviseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.supervise(time.Now())
		}
	}
}

// supervise walks the link table once: stale CONNECTED links move to
// RECONNECTING, RECONNECTING links get a redial up to the retry cap, then
// land in ERROR. Each tick moves a link at most one state.
func (m *Manager) supervise(now time.Time) {
	type action struct {
		agentID string
		address string
		state   State
	}
	var reconnects []action

	m.mu.Lock()
	for id, c := range m.conns {
		switch c.state {
		case StateConnected:
			if now.Sub(c.lastSeen) > m.opts.ConnectionTimeout {
				c.state = StateReconnecting
				c.retryCount = 0
				reconnects = append(reconnects, action{id, c.address, StateReconnecting})
			}
		case StateReconnecting:
			if c.retryCount >= m.opts.MaxReconnectTries {
				c.state = StateError
				reconnects = append(reconnects, action{id, c.address, StateError})
				continue
			}
			c.retryCount++
			reconnects = append(reconnects, action{id, c.address, StateConnecting})
		}
	}
	m.mu.Unlock()

	for _, a := range reconnects {
		switch a.state {
		case StateReconnecting:
			m.emitState(a.agentID, StateReconnecting)
			m.logger.Warn("agent stale, reconnecting", "agent", a.agentID)
		case StateError:
			m.emitState(a.agentID, StateError)
			m.logger.Error("agent unreachable, giving up", "agent", a.agentID)
		case StateConnecting:
			if err := m.transport.ConnectPeer(a.address); err != nil {
				m.logger.Warn("reconnect attempt failed", "agent", a.agentID, "error", err)
				continue
			}
			m.mu.Lock()
			if c, ok := m.conns[a.agentID]; ok && c.state == StateReconnecting {
				c.state = StateConnected
				c.lastSeen = time.Now()
				c.retryCount = 0
			}
			m.mu.Unlock()
			m.emitState(a.agentID, StateConnected)
			m.logger.Info("agent reconnected", "agent", a.agentID)
		}
	}
}

func (m *Manager) setState(agentID string, s State) {
	m.mu.Lock()
	if c, ok := m.conns[agentID]; ok {
		c.state = s
	}
	m.mu.Unlock()
	m.emitState(agentID, s)
}

func (m *Manager) emitState(agentID string, s State) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.ConnectionState, "connection", map[string]any{
		"agent_id": agentID,
		"state":    string(s),
	})
}

func (c *conn) info() Info {
	return Info{
		AgentID:    c.agentID,
		Address:    c.address,
		State:      c.state,
		LastSeen:   c.lastSeen,
		RetryCount: c.retryCount,
	}
}
