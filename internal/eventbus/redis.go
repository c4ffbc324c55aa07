package eventbus

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"linkora-backend/internal/metrics"
)

// RedisBus carries bus traffic over Redis pub/sub so collectors, projector
// and API servers can run as separate processes.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedis connects and verifies the Redis endpoint ("host:port").
func NewRedis(ctx context.Context, addr string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisBus{rdb: rdb}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	metrics.BusPublished.WithLabelValues(channel).Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	pubsub := b.rdb.Subscribe(ctx, channels...)

	// Force the SUBSCRIBE round-trip so a bad connection fails here, not
	// silently in the pump goroutine.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %v: %w", channels, err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				default:
					metrics.BusDropped.Inc()
					log.Printf("[bus] consumer full, dropping message on %s", m.Channel)
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
