// Package eventbus distributes collector output to the fan-out hub. Channels
// are plain strings ("candles:BTCUSDT", "orderbook:all"); payloads are the
// JSON bodies the HTTP API serves. Delivery is at-most-once per subscriber
// with per-channel ordering preserved; there is no durability.
package eventbus

import (
	"context"
	"log"
	"sync"

	"linkora-backend/internal/metrics"
)

// subscriberBuffer is the per-subscriber queue depth before drops.
const subscriberBuffer = 256

// Message is one delivered bus payload.
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the pub/sub surface shared by the in-process and Redis adapters.
type Bus interface {
	// Publish sends payload to every subscriber of channel. Slow
	// subscribers are skipped, never waited on.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a stream carrying messages from all named
	// channels. The stream stops when ctx is cancelled.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, error)
	// Close shuts the bus down; subsequent publishes are no-ops.
	Close() error
}

// InProcessBus is the single-binary fallback used when no Redis host is
// configured. Collectors and the hub share it directly.
type InProcessBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	closed      bool
}

func NewInProcess() *InProcessBus {
	return &InProcessBus{
		subscribers: make(map[string][]chan Message),
	}
}

func (b *InProcessBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	metrics.BusPublished.WithLabelValues(channel).Inc()

	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
		default:
			// Drop rather than block the publisher; the next tick
			// carries fresh data.
			metrics.BusDropped.Inc()
			log.Printf("[bus] subscriber full, dropping message on %s", channel)
		}
	}
	return nil
}

func (b *InProcessBus) Subscribe(_ context.Context, channels ...string) (<-chan Message, error) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range channels {
		b.subscribers[name] = append(b.subscribers[name], ch)
	}
	return ch, nil
}

// Close marks the bus closed. Subscriber channels are left open so racing
// publishers never send on a closed channel; consumers exit via their
// context instead.
func (b *InProcessBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
