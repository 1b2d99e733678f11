package auth

import (
	"sync"
	"time"

	"github.com/meshwire-ai/meshwire/internal/eventbus"
)

// AuditCapacity bounds the in-memory audit log.
const AuditCapacity = 10_000

// AuditEvent is one authentication/authorization decision.
type AuditEvent struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditSink receives every audit event, for persistence outside the bounded
// in-memory log.
type AuditSink func(AuditEvent)

// AuditLog is a bounded ring of audit events. When full, the oldest entry
// is overwritten.
type AuditLog struct {
	bus  *eventbus.Bus
	sink AuditSink

	mu     sync.Mutex
	ring   []AuditEvent
	next   int
	filled bool
}

// NewAuditLog creates an audit log. The bus may be nil.
func NewAuditLog(bus *eventbus.Bus) *AuditLog {
	return &AuditLog{
		bus:  bus,
		ring: make([]AuditEvent, AuditCapacity),
	}
}

// SetSink installs a persistence sink invoked for every event.
func (l *AuditLog) SetSink(sink AuditSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// Record appends an event.
func (l *AuditLog) Record(eventType string, details map[string]any) {
	ev := AuditEvent{EventType: eventType, Timestamp: time.Now(), Details: details}

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.filled = true
	}
	sink := l.sink
	l.mu.Unlock()

	if l.bus != nil {
		busType := eventbus.AuthGranted
		switch eventType {
		case "auth_granted", "action_authorized":
		default:
			busType = eventbus.AuthDenied
		}
		l.bus.Emit(busType, "auth", ev)
	}
	if sink != nil {
		sink(ev)
	}
}

// Len returns the number of stored events.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filled {
		return len(l.ring)
	}
	return l.next
}

// Events returns up to limit most recent events, newest first.
func (l *AuditLog) Events(limit int) []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.filled {
		n = len(l.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Contains reports whether any stored event has the given type. Intended for
// tests and diagnostics.
func (l *AuditLog) Contains(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.filled {
		n = len(l.ring)
	}
	for i := 0; i < n; i++ {
		if l.ring[i].EventType == eventType {
			return true
		}
	}
	return false
}
