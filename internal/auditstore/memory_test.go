package auditstore

import (
	"context"
	"testing"
	"time"
)

func record(agent, eventType string, at time.Time) *Record {
	return &Record{
		ID:        agent + "-" + eventType + "-" + at.Format(time.RFC3339Nano),
		EventType: eventType,
		AgentID:   agent,
		SessionID: "sess-1",
		CreatedAt: at,
	}
}

func TestMemoryStore_AppendAndList(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, record("agent-a", "auth_granted", now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(ctx, record("agent-b", "auth_blocked", now)); err != nil {
		t.Fatal(err)
	}

	recs, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("List() returned %d records, want 4", len(recs))
	}
	// Newest first.
	if recs[0].AgentID != "agent-b" {
		t.Errorf("first record = %s, want the most recently appended", recs[0].AgentID)
	}

	byAgent, err := s.List(ctx, "agent-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byAgent) != 3 {
		t.Errorf("agent filter returned %d records, want 3", len(byAgent))
	}

	limited, _ := s.List(ctx, "", 2)
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d records", len(limited))
	}
}

func TestMemoryStore_CapacityBound(t *testing.T) {
	s := NewMemory(5)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Append(ctx, record("agent-a", "auth_granted", time.Now()))
	}
	recs, _ := s.List(ctx, "", 0)
	if len(recs) != 5 {
		t.Errorf("store holds %d records, want 5", len(recs))
	}
}

func TestMemoryStore_Purge(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	s.Append(ctx, record("agent-a", "auth_granted", old))
	s.Append(ctx, record("agent-a", "auth_granted", time.Now()))

	purged, err := s.Purge(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged %d, want 1", purged)
	}
	recs, _ := s.List(ctx, "", 0)
	if len(recs) != 1 {
		t.Errorf("%d records remain, want 1", len(recs))
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("etcd", ""); err == nil {
		t.Fatal("Open(etcd) did not fail")
	}
	s, err := Open("memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("memory Ping() = %v", err)
	}
}
