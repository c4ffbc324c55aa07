package collector

import (
	"context"
	"log"
	"time"

	json "github.com/goccy/go-json"

	"linkora-backend/internal/eventbus"
	"linkora-backend/internal/metrics"
	"linkora-backend/internal/models"
)

// OrderbookStore is the repository slice the depth worker needs.
type OrderbookStore interface {
	UpsertOrderbook(ctx context.Context, snap models.OrderbookSnapshot) error
}

// OrderbookConfig carries the per-symbol depth worker knobs.
type OrderbookConfig struct {
	Symbol         string
	Levels         int
	UpdateInterval time.Duration
	RetryDelay     time.Duration
}

// OrderbookWorker polls depth snapshots for one symbol. Every snapshot
// is total, so a missed tick heals on the next one.
type OrderbookWorker struct {
	client *Client
	store  OrderbookStore
	bus    eventbus.Bus
	cfg    OrderbookConfig
}

func NewOrderbookWorker(client *Client, store OrderbookStore, bus eventbus.Bus, cfg OrderbookConfig) *OrderbookWorker {
	return &OrderbookWorker{client: client, store: store, bus: bus, cfg: cfg}
}

// Run blocks until ctx is cancelled.
func (w *OrderbookWorker) Run(ctx context.Context) {
	log.Printf("[collector] starting orderbook collection for %s", w.cfg.Symbol)

	for {
		delay := w.cfg.UpdateInterval
		if err := w.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[collector] orderbook collection error for %s: %v", w.cfg.Symbol, err)
			delay = w.cfg.RetryDelay
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return
		}
	}
}

func (w *OrderbookWorker) tick(ctx context.Context) error {
	snap, err := w.client.FetchDepth(ctx, w.cfg.Symbol, w.cfg.Levels)
	if err != nil {
		return err
	}
	if err := w.store.UpsertOrderbook(ctx, *snap); err != nil {
		return err
	}
	metrics.OrderbookSnapshots.WithLabelValues(w.cfg.Symbol).Inc()

	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	for _, channel := range []string{eventbus.OrderbookChannel(w.cfg.Symbol), eventbus.OrderbookAll} {
		if err := w.bus.Publish(ctx, channel, payload); err != nil {
			log.Printf("[collector] publishing orderbook on %s failed: %v", channel, err)
		}
	}
	return nil
}
