package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisConfig contains configuration for the Redis broker
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBroker fans out run events over Redis PUBLISH/SUBSCRIBE
type RedisBroker struct {
	client     *redis.Client
	ownsClient bool
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBroker{client: client, ownsClient: true}, nil
}

// NewRedisBrokerWithClient wraps an existing client; Close leaves it open
func NewRedisBrokerWithClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends payload on the Redis channel named topic
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns after Redis has confirmed the subscription
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)

	// wait for the subscribe confirmation so no publish after this call is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ps:     ps,
		ch:     make(chan []byte, DefaultBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(subCtx)
	return sub, nil
}

// Close closes the underlying client if the broker created it
func (b *RedisBroker) Close() error {
	if !b.ownsClient {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	ch     chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// run pumps messages until the connection fails or Close is called.
// A dropped connection ends the subscription; callers resubscribe and catch up.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		select {
		case s.ch <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Channel() <-chan []byte { return s.ch }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}
