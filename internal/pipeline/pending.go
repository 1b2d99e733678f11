package pipeline

import (
	"sync"

	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

// pendingReplies tracks in-flight requests awaiting a response. Each waiter
// completes at most once; late responses find no waiter and are dropped.
type pendingReplies struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Message // message_id -> waiter
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{waiters: make(map[string]chan *protocol.Message)}
}

// register creates a waiter for the given request ID.
func (p *pendingReplies) register(messageID string) chan *protocol.Message {
	ch := make(chan *protocol.Message, 1)
	p.mu.Lock()
	p.waiters[messageID] = ch
	p.mu.Unlock()
	return ch
}

// complete delivers a response to its waiter. Returns false when no waiter
// exists, which covers both unknown IDs and responses arriving after the
// requester timed out.
func (p *pendingReplies) complete(messageID string, msg *protocol.Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[messageID]
	if ok {
		delete(p.waiters, messageID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// cancel removes a waiter without delivering, used on timeout.
func (p *pendingReplies) cancel(messageID string) {
	p.mu.Lock()
	delete(p.waiters, messageID)
	p.mu.Unlock()
}

// len returns the number of outstanding waiters.
func (p *pendingReplies) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
