package auditstore

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-memory backend.
const DefaultMemoryCapacity = 10_000

// MemoryStore keeps the most recent records in memory. When full, the oldest
// record is dropped.
type MemoryStore struct {
	mu   sync.Mutex
	recs []Record
	cap  int
}

// NewMemory creates a memory store. capacity <= 0 uses the default.
func NewMemory(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{cap: capacity}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, *rec)
	if len(s.recs) > s.cap {
		s.recs = s.recs[len(s.recs)-s.cap:]
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, agentID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, limit)
	for i := len(s.recs) - 1; i >= 0; i-- {
		if agentID != "" && s.recs[i].AgentID != agentID {
			continue
		}
		out = append(out, s.recs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.recs[:0]
	var purged int64
	for _, r := range s.recs {
		if r.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.recs = kept
	return purged, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
