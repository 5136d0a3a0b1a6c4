package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	// ShutdownChannel is where the moderator announces the end of a session
	ShutdownChannel = "shutdown:moderator"
	// ShutdownPayload is the body published on ShutdownChannel
	ShutdownPayload = "shutdown"
)

// Envelope is a single delivery from the bus
type Envelope struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more channels
type Subscription interface {
	// Messages delivers envelopes in per-channel publish order. It is
	// closed when the subscription ends.
	Messages() <-chan Envelope
	// Close ends the subscription
	Close() error
}

// Bus is a named-channel publish/subscribe transport
type Bus interface {
	// Publish sends payload to every subscriber of channel
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts receiving from the given channels
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// Message wraps a payload the way it travels on the wire: {"data": ...}
type Message[T any] struct {
	Data T `json:"data"`
}

// Encode serializes v into a wire payload
func Encode[T any](v T) ([]byte, error) {
	b, err := json.Marshal(Message[T]{Data: v})
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// Decode parses a wire payload into T
func Decode[T any](payload []byte) (T, error) {
	var msg Message[T]
	if err := json.Unmarshal(payload, &msg); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %T: %w", zero, err)
	}
	return msg.Data, nil
}
