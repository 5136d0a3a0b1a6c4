package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus implements the Bus interface on Redis PUBLISH/SUBSCRIBE
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus wraps an existing Redis client
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client: client,
		logger: logger.With(zap.String("component", "redis_bus")),
	}
}

// Publish sends payload on channel
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to channels and waits for Redis to confirm
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("subscribe: no channels given")
	}
	ps := b.client.Subscribe(ctx, channels...)
	// Receive blocks until the subscription is confirmed, so nothing
	// published after Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %v: %w", channels, err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan Envelope, DefaultBufferSize),
	}
	go sub.pump(ctx, b.logger)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Envelope
	once sync.Once
}

func (s *redisSubscription) pump(ctx context.Context, logger *zap.Logger) {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Envelope{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				s.Close()
				return
			}
			logger.Debug("delivered", zap.String("channel", msg.Channel))
		}
	}
}

func (s *redisSubscription) Messages() <-chan Envelope {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
