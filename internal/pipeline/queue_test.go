package pipeline

import (
	"testing"

	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

func queuedMsg(id string, p protocol.Priority) *protocol.Message {
	return &protocol.Message{
		Header: protocol.Header{
			MessageID:   id,
			MessageType: protocol.TypeNotification,
			SenderID:    "agent-a",
			RecipientID: "agent-b",
			Priority:    p,
		},
		Payload: protocol.Payload{Command: "noop", Data: map[string]any{}},
	}
}

func TestQueue_StrictPriorityOrder(t *testing.T) {
	q := newPriorityQueue(0)

	// Mixed arrival order.
	q.Enqueue(queuedMsg("n1", protocol.PriorityNormal))
	q.Enqueue(queuedMsg("l1", protocol.PriorityLow))
	q.Enqueue(queuedMsg("c1", protocol.PriorityCritical))
	q.Enqueue(queuedMsg("n2", protocol.PriorityNormal))
	q.Enqueue(queuedMsg("h1", protocol.PriorityHigh))

	want := []string{"c1", "h1", "n1", "n2", "l1"}
	for i, id := range want {
		msg := q.Dequeue()
		if msg == nil || msg.Header.MessageID != id {
			t.Fatalf("dequeue %d = %v, want %s", i, msg, id)
		}
	}
	if q.Dequeue() != nil {
		t.Error("drained queue returned a message")
	}
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := newPriorityQueue(0)
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(queuedMsg(id, protocol.PriorityNormal))
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := q.Dequeue().Header.MessageID; got != want {
			t.Fatalf("dequeue = %s, want %s", got, want)
		}
	}
}

func TestQueue_OverflowEvictsLowestPriority(t *testing.T) {
	q := newPriorityQueue(2)
	q.Enqueue(queuedMsg("low", protocol.PriorityLow))
	q.Enqueue(queuedMsg("normal", protocol.PriorityNormal))

	evicted, err := q.Enqueue(queuedMsg("critical", protocol.PriorityCritical))
	if err != nil {
		t.Fatal(err)
	}
	if evicted == nil || evicted.Header.MessageID != "low" {
		t.Fatalf("evicted = %v, want the low-priority message", evicted)
	}
	if got := q.Dequeue().Header.MessageID; got != "critical" {
		t.Errorf("head = %s, want critical", got)
	}
}

func TestQueue_OverflowRejectsLowestNewcomer(t *testing.T) {
	q := newPriorityQueue(2)
	q.Enqueue(queuedMsg("a", protocol.PriorityNormal))
	q.Enqueue(queuedMsg("b", protocol.PriorityNormal))

	if _, err := q.Enqueue(queuedMsg("late-low", protocol.PriorityLow)); err != ErrQueueFull {
		t.Fatalf("Enqueue() = %v, want ErrQueueFull", err)
	}
	if q.Len() != 2 {
		t.Errorf("queue length = %d, want 2", q.Len())
	}
}

func TestQueue_LaneLens(t *testing.T) {
	q := newPriorityQueue(0)
	q.Enqueue(queuedMsg("c", protocol.PriorityCritical))
	q.Enqueue(queuedMsg("n1", protocol.PriorityNormal))
	q.Enqueue(queuedMsg("n2", protocol.PriorityNormal))

	lens := q.LaneLens()
	if lens[0] != 1 || lens[2] != 2 {
		t.Errorf("lane lengths = %v", lens)
	}
}
