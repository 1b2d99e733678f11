// Package token issues, validates, and revokes session-bound authentication
// tokens with TTL.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a token lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusPending Status = "pending"
)

// DefaultTTL applies when Generate is called with a zero TTL.
const DefaultTTL = 1 * time.Hour

// tokenBytes is the entropy of a token value before encoding.
const tokenBytes = 32

var ErrGenerate = errors.New("token: generation failed")

// Token is an opaque credential bound to one session.
type Token struct {
	ID        string
	Value     string // URL-safe, >=32 bytes of entropy
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status
}

// Manager owns the token table. At most one ACTIVE token exists per session;
// generating a new one replaces the previous.
type Manager struct {
	logger *slog.Logger

	mu        sync.RWMutex
	byValue   map[string]*Token // value -> token
	bySession map[string]string // session ID -> value
}

// NewManager creates a token manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger.With("component", "token-manager"),
		byValue:   make(map[string]*Token),
		bySession: make(map[string]string),
	}
}

// Generate issues a new ACTIVE token for the session, replacing any prior
// token for it. A ttl of zero uses DefaultTTL.
func (m *Manager) Generate(sessionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	value := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	now := time.Now()
	tok := &Token{
		ID:        uuid.New().String(),
		Value:     value,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusActive,
	}

	m.mu.Lock()
	if prev, ok := m.bySession[sessionID]; ok {
		delete(m.byValue, prev)
	}
	m.byValue[value] = tok
	m.bySession[sessionID] = value
	m.mu.Unlock()

	m.logger.Debug("token generated", "session_id", sessionID, "token_id", tok.ID, "ttl", ttl)
	return value, nil
}

// Validate checks a token value and returns the session it is bound to.
// A token validates iff its status is ACTIVE and it has not expired.
// Lookup is by value index, not a table scan.
func (m *Manager) Validate(value string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.byValue[value]
	if !ok {
		return "", false
	}
	if tok.Status != StatusActive {
		return "", false
	}
	if !time.Now().Before(tok.ExpiresAt) {
		tok.Status = StatusExpired
		return "", false
	}
	return tok.SessionID, true
}

// Revoke marks the session's token REVOKED. Returns false when the session
// has no token.
func (m *Manager) Revoke(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.bySession[sessionID]
	if !ok {
		return false
	}
	tok := m.byValue[value]
	tok.Status = StatusRevoked
	m.logger.Info("token revoked", "session_id", sessionID, "token_id", tok.ID)
	return true
}

// CleanupExpired removes every token past its deadline, transitioning it
// through EXPIRED before deletion, and returns the number removed.
func (m *Manager) CleanupExpired() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for value, tok := range m.byValue {
		if now.Before(tok.ExpiresAt) {
			continue
		}
		tok.Status = StatusExpired
		delete(m.byValue, value)
		if m.bySession[tok.SessionID] == value {
			delete(m.bySession, tok.SessionID)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Debug("expired tokens swept", "count", removed)
	}
	return removed
}

// Info returns a snapshot of the session's token record.
func (m *Manager) Info(sessionID string) (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.bySession[sessionID]
	if !ok {
		return nil, false
	}
	cp := *m.byValue[value]
	return &cp, true
}

// Count returns the number of tokens currently in the table.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byValue)
}

// Start runs the expiry sweep on the given period until ctx is canceled.
func (m *Manager) Start(ctx context.Context, period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpired()
			}
		}
	}()
}
