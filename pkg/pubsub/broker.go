// Package pubsub provides topic-per-run publish/subscribe transports.
package pubsub

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when using a broker or subscription after Close
	ErrClosed = errors.New("pubsub: closed")

	// ErrSlowConsumer ends a subscription whose buffer overflowed
	ErrSlowConsumer = errors.New("pubsub: subscriber too slow, dropped")
)

// Broker publishes payloads to topics and hands out subscriptions
type Broker interface {
	// Publish sends payload to every current subscriber of topic
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns once the subscription is live
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close releases the broker's resources
	Close() error
}

// Subscription is a live feed of one topic
type Subscription interface {
	// Channel delivers payloads; it is closed when the subscription ends
	Channel() <-chan []byte

	// Err reports why the channel closed; nil after Close
	Err() error

	// Close ends the subscription and closes Channel
	Close() error
}
