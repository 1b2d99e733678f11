// Package auditstore persists authentication audit events. Three backends:
// an in-memory ring for tests and single-node setups, SQLite for embedded
// deployments, and PostgreSQL for shared ones.
package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one persisted audit event.
type Record struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the audit persistence contract.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	List(ctx context.Context, agentID string, limit int) ([]Record, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open creates a store for the given backend: "memory", "sqlite", or
// "postgres". dsn is ignored for the memory backend.
func Open(backend, dsn string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemory(0), nil
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("auditstore: unknown backend %q", backend)
	}
}
