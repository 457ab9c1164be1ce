package pubsub

import (
	"context"
	"sync"
)

// DefaultBufferSize is the per-subscriber channel capacity
const DefaultBufferSize = 256

// MemoryBroker is an in-process Broker with buffered per-subscriber channels.
// Publish never blocks: a subscriber whose buffer is full is dropped with ErrSlowConsumer.
type MemoryBroker struct {
	mu         sync.RWMutex
	topics     map[string]map[*memorySubscription]struct{}
	bufferSize int
	closed     bool
}

// NewMemoryBroker creates a broker; bufferSize <= 0 uses DefaultBufferSize
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryBroker{
		topics:     make(map[string]map[*memorySubscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Publish delivers payload to every subscriber of topic
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for sub := range b.topics[topic] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			b.removeLocked(sub, ErrSlowConsumer)
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		broker: b,
		topic:  topic,
		ch:     make(chan []byte, b.bufferSize),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

// SubscriberCount returns the number of live subscribers on topic
func (b *MemoryBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close ends every subscription
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			b.removeLocked(sub, ErrClosed)
		}
	}
	return nil
}

// removeLocked detaches sub and closes its channel; b.mu must be held
func (b *MemoryBroker) removeLocked(sub *memorySubscription, reason error) {
	subs := b.topics[sub.topic]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	sub.err = reason
	close(sub.ch)
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	ch     chan []byte
	err    error
}

func (s *memorySubscription) Channel() <-chan []byte { return s.ch }

func (s *memorySubscription) Err() error {
	s.broker.mu.RLock()
	defer s.broker.mu.RUnlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.removeLocked(s, nil)
	return nil
}
