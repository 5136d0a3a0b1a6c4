package messaging

import (
	"context"
	"fmt"
	"sync"
)

// DefaultBufferSize is the per-subscription buffer of the in-process broker
const DefaultBufferSize = 1024

// SimpleBroker implements the Bus interface in process.
// subscribers maps a channel name to the set of subscriptions listening on it
type SimpleBroker struct {
	subscribers map[string]map[*brokerSubscription]struct{}
	bufferSize  int
	mu          sync.RWMutex
}

// NewBroker creates a new in-process message broker
func NewBroker() *SimpleBroker {
	return NewBrokerWithBuffer(DefaultBufferSize)
}

// NewBrokerWithBuffer creates a broker whose subscriptions buffer size envelopes
func NewBrokerWithBuffer(size int) *SimpleBroker {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &SimpleBroker{
		subscribers: make(map[string]map[*brokerSubscription]struct{}),
		bufferSize:  size,
	}
}

// Publish sends a message to every subscriber of channel
func (b *SimpleBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	env := Envelope{Channel: channel, Payload: append([]byte(nil), payload...)}
	for sub := range b.subscribers[channel] {
		// Non-blocking send
		select {
		case sub.ch <- env:
		default:
			return fmt.Errorf("subscriber on %s is full", channel)
		}
	}
	return nil
}

// Subscribe registers a new subscription on the given channels. The
// subscription ends when ctx is done or Close is called.
func (b *SimpleBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("subscribe: no channels given")
	}
	sub := &brokerSubscription{
		broker:   b,
		channels: append([]string(nil), channels...),
		ch:       make(chan Envelope, b.bufferSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	for _, c := range channels {
		if b.subscribers[c] == nil {
			b.subscribers[c] = make(map[*brokerSubscription]struct{})
		}
		b.subscribers[c][sub] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel
func (b *SimpleBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

// Reset closes every subscription
func (b *SimpleBroker) Reset() {
	b.mu.Lock()
	subs := make(map[*brokerSubscription]struct{})
	for _, set := range b.subscribers {
		for s := range set {
			subs[s] = struct{}{}
		}
	}
	b.mu.Unlock()
	for s := range subs {
		s.Close()
	}
}

func (b *SimpleBroker) remove(sub *brokerSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range sub.channels {
		delete(b.subscribers[c], sub)
		if len(b.subscribers[c]) == 0 {
			delete(b.subscribers, c)
		}
	}
}

type brokerSubscription struct {
	broker   *SimpleBroker
	channels []string
	ch       chan Envelope
	done     chan struct{}
	once     sync.Once
}

func (s *brokerSubscription) Messages() <-chan Envelope {
	return s.ch
}

func (s *brokerSubscription) Close() error {
	s.once.Do(func() {
		// Unregister first so no publisher can send on a closed channel
		s.broker.remove(s)
		close(s.done)
		close(s.ch)
	})
	return nil
}
