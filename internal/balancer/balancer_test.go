package balancer

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBalancer(t *testing.T, s Strategy) *Balancer {
	t.Helper()
	b, err := New(s, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNew_RejectsUnknownStrategy(t *testing.T) {
	if _, err := New("fastest", testLogger()); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}

func TestPick_EmptyPoolReturnsNil(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	if got := b.Pick(nil); got != nil {
		t.Fatalf("Pick() = %v, want nil", got)
	}
}

func TestRoundRobin_Cycles(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	b.Add("a", "10.0.0.1:1", 1)
	b.Add("b", "10.0.0.2:1", 1)
	b.Add("c", "10.0.0.3:1", 1)

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, b.Pick(nil).AgentID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pick sequence = %v, want %v", got, want)
		}
	}
}

func TestPick_HonorsExclusion(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	b.Add("a", "10.0.0.1:1", 1)
	b.Add("b", "10.0.0.2:1", 1)

	for i := 0; i < 4; i++ {
		chosen := b.Pick(map[string]bool{"a": true})
		if chosen == nil || chosen.AgentID != "b" {
			t.Fatalf("pick %d = %v, want b", i, chosen)
		}
	}

	if got := b.Pick(map[string]bool{"a": true, "b": true}); got != nil {
		t.Errorf("fully excluded pool returned %v", got)
	}
}

func TestLeastConnections(t *testing.T) {
	b := newBalancer(t, LeastConnections)
	b.Add("a", "10.0.0.1:1", 1)
	b.Add("b", "10.0.0.2:1", 1)

	first := b.Pick(nil)
	// The second pick must go to the other backend, which now has fewer
	// active connections.
	second := b.Pick(nil)
	if first.AgentID == second.AgentID {
		t.Fatalf("both picks went to %s", first.AgentID)
	}

	b.Release(first.AgentID)
	b.Release(second.AgentID)
	counts := map[string]int{}
	for _, be := range b.Backends() {
		counts[be.AgentID] = be.ActiveConnections
	}
	if counts["a"] != 0 || counts["b"] != 0 {
		t.Errorf("connection counts after release = %v, want zeros", counts)
	}
}

func TestWeightedRandom_FavorsHeavyBackend(t *testing.T) {
	b := newBalancer(t, WeightedRandom)
	b.Add("heavy", "10.0.0.1:1", 9)
	b.Add("light", "10.0.0.2:1", 1)

	heavy := 0
	for i := 0; i < 1000; i++ {
		if b.Pick(nil).AgentID == "heavy" {
			heavy++
		}
	}
	// Expect roughly 900; anything above 700 shows the weighting works.
	if heavy < 700 {
		t.Errorf("heavy picked %d/1000 times, want the large majority", heavy)
	}
}

func TestHealthBased_PrefersHealthiest(t *testing.T) {
	b := newBalancer(t, HealthBased)
	b.Add("a", "10.0.0.1:1", 1)
	b.Add("b", "10.0.0.2:1", 1)

	b.ReportResult("a", 10*time.Millisecond, true)

	for i := 0; i < 5; i++ {
		if got := b.Pick(nil).AgentID; got != "b" {
			t.Fatalf("pick = %s, want b while a is degraded", got)
		}
	}
}

func TestReportResult_HealthTransitions(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	b.Add("a", "10.0.0.1:1", 1)

	// Four failures take the score from 1.0 to 0.2, below the floor.
	for i := 0; i < 4; i++ {
		b.ReportResult("a", time.Millisecond, true)
	}
	if got := b.Pick(nil); got != nil {
		t.Fatalf("unhealthy backend still picked: %v", got)
	}

	// Two successes lift it back above the floor.
	b.ReportResult("a", time.Millisecond, false)
	b.ReportResult("a", time.Millisecond, false)
	if got := b.Pick(nil); got == nil || got.AgentID != "a" {
		t.Fatalf("recovered backend not picked: %v", got)
	}
}

func TestReportResult_ScoreClamps(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	b.Add("a", "10.0.0.1:1", 1)

	for i := 0; i < 10; i++ {
		b.ReportResult("a", time.Millisecond, true)
	}
	if score := b.Backends()[0].HealthScore; score < 0 {
		t.Errorf("score = %f, want clamp at 0", score)
	}
	for i := 0; i < 20; i++ {
		b.ReportResult("a", time.Millisecond, false)
	}
	if score := b.Backends()[0].HealthScore; score > 1 {
		t.Errorf("score = %f, want clamp at 1", score)
	}
}

func TestRemove(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	b.Add("a", "10.0.0.1:1", 1)
	b.Add("b", "10.0.0.2:1", 1)
	b.Remove("a")

	for i := 0; i < 3; i++ {
		if got := b.Pick(nil).AgentID; got != "b" {
			t.Fatalf("pick = %s after removing a", got)
		}
	}
}
