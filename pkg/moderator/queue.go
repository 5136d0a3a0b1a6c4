package moderator

import (
	"context"
	"sync"

	"github.com/boristopalov/parley/pkg/core"
)

// inbound is a message the scheduler knows how to consume. The set of
// implementations is closed: only this package can add a kind, and step
// must have a case for each.
type inbound interface {
	inbound()
}

// actionEvent is an AgentAction delivered on one of the input channels
type actionEvent struct {
	channel string
	action  core.AgentAction
}

func (actionEvent) inbound() {}

// inboundQueue is an unbounded FIFO with one consumer. Put never blocks.
type inboundQueue struct {
	mu     sync.Mutex
	items  []inbound
	notify chan struct{}
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{notify: make(chan struct{}, 1)}
}

// Put appends an item and wakes the consumer
func (q *inboundQueue) Put(item inbound) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryGet pops the oldest item without blocking
func (q *inboundQueue) TryGet() (inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item, true
}

// Get pops the oldest item, blocking until one arrives or ctx is done
func (q *inboundQueue) Get(ctx context.Context) (inbound, error) {
	for {
		if item, ok := q.TryGet(); ok {
			return item, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued items
func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
