package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSubstrate implements Substrate on a single Redis connection. Redis
// guarantees per-channel FIFO delivery to each subscriber, which the bridge
// relies on.
type RedisSubstrate struct {
	// client is the Redis client used for publishing.
	client *redis.Client
	// pubsub is the one subscriber connection shared by all channels.
	pubsub *redis.PubSub
	// inbound is the delivery channel of the subscriber connection.
	inbound <-chan *redis.Message
}

// NewRedisSubstrate creates a RedisSubstrate and verifies connectivity.
func NewRedisSubstrate(client *redis.Client) (*RedisSubstrate, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// A subscriber connection with no channels yet; channels are added and
	// removed as local interest comes and goes.
	pubsub := client.Subscribe(context.Background())
	return &RedisSubstrate{
		client:  client,
		pubsub:  pubsub,
		inbound: pubsub.Channel(),
	}, nil
}

// Subscribe adds a channel to the subscriber connection.
func (s *RedisSubstrate) Subscribe(ctx context.Context, channel string) error {
	if err := s.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return nil
}

// Unsubscribe removes a channel from the subscriber connection.
func (s *RedisSubstrate) Unsubscribe(ctx context.Context, channel string) error {
	if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	return nil
}

// Publish sends a payload to a channel.
func (s *RedisSubstrate) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Receive blocks for the next message.
func (s *RedisSubstrate) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.inbound:
		if !ok {
			return nil, fmt.Errorf("substrate connection closed")
		}
		return &Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
	}
}

// Close closes the subscriber connection. The shared client is owned by the
// caller and stays open.
func (s *RedisSubstrate) Close() error {
	if err := s.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub connection: %w", err)
	}
	return nil
}
