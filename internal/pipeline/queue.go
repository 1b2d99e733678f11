package pipeline

import (
	"errors"
	"sync"

	"github.com/meshwire-ai/meshwire/pkg/protocol"
)

// DefaultQueueCapacity bounds the total number of queued messages across
// all priority lanes.
const DefaultQueueCapacity = 10_000

var ErrQueueFull = errors.New("pipeline: queue full")

// priorityQueue holds one FIFO lane per priority level. Dequeue drains
// strictly by priority: a lane is only served while every higher lane is
// empty.
type priorityQueue struct {
	mu    sync.Mutex
	lanes [4][]*protocol.Message // index 0 = CRITICAL .. 3 = LOW
	total int
	cap   int
}

func newPriorityQueue(capacity int) *priorityQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &priorityQueue{cap: capacity}
}

func laneOf(p protocol.Priority) int {
	// CRITICAL=4 .. LOW=1 map to lanes 0..3.
	return int(protocol.PriorityCritical) - int(p)
}

// Enqueue admits a message, preserving FIFO order within its lane. At
// capacity the lowest-priority queued message makes room; when the incoming
// message itself has the lowest priority present it is the one rejected.
// The evicted message, if any, is returned so the caller can report it.
func (q *priorityQueue) Enqueue(msg *protocol.Message) (evicted *protocol.Message, err error) {
	lane := laneOf(msg.Header.Priority)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.total >= q.cap {
		victim := q.lowestLane()
		if victim <= lane {
			// Nothing queued is lower priority than the newcomer.
			return nil, ErrQueueFull
		}
		n := len(q.lanes[victim])
		evicted = q.lanes[victim][n-1]
		q.lanes[victim] = q.lanes[victim][:n-1]
		q.total--
	}

	q.lanes[lane] = append(q.lanes[lane], msg)
	q.total++
	return evicted, nil
}

// lowestLane returns the index of the lowest-priority non-empty lane.
func (q *priorityQueue) lowestLane() int {
	for i := len(q.lanes) - 1; i >= 0; i-- {
		if len(q.lanes[i]) > 0 {
			return i
		}
	}
	return -1
}

// Dequeue removes and returns the highest-priority queued message, or nil
// when empty.
func (q *priorityQueue) Dequeue() *protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.lanes {
		if len(q.lanes[i]) == 0 {
			continue
		}
		msg := q.lanes[i][0]
		q.lanes[i] = q.lanes[i][1:]
		q.total--
		return msg
	}
	return nil
}

// Len returns the number of queued messages.
func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// LaneLens returns the per-priority queue depths, CRITICAL first.
func (q *priorityQueue) LaneLens() [4]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [4]int
	for i := range q.lanes {
		out[i] = len(q.lanes[i])
	}
	return out
}
