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

const (
	minuteMillis   = int64(60_000)
	realtimeWindow = int64(300_000)
	batchPause     = 100 * time.Millisecond
	errorSleep     = 5 * time.Second
)

// CandleStore is the repository slice the klines worker needs.
type CandleStore interface {
	InsertCandles(ctx context.Context, candles []models.Candle) (int64, error)
	CollectorState(ctx context.Context, symbol string) (*models.CollectorState, error)
	SaveCollectorState(ctx context.Context, symbol string, lastTimestamp int64, isRealtime bool) error
}

// KlinesConfig carries the per-symbol worker knobs.
type KlinesConfig struct {
	Symbol           string
	StartTime        time.Time
	BatchSize        int
	RealtimeInterval time.Duration
}

// KlinesWorker backfills one symbol's minute bars and then tails the
// venue in realtime, publishing every fresh bar on the bus.
type KlinesWorker struct {
	client *Client
	store  CandleStore
	bus    eventbus.Bus
	cfg    KlinesConfig
}

func NewKlinesWorker(client *Client, store CandleStore, bus eventbus.Bus, cfg KlinesConfig) *KlinesWorker {
	return &KlinesWorker{client: client, store: store, bus: bus, cfg: cfg}
}

// Run blocks until ctx is cancelled.
func (w *KlinesWorker) Run(ctx context.Context) {
	if err := w.backfill(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[collector] historical collection for %s aborted: %v", w.cfg.Symbol, err)
		return
	}
	w.realtime(ctx)
}

// backfill walks from the stored cursor (or the configured epoch) to
// now in BATCH_SIZE windows. A window that yields nothing, whether the
// venue has no data or retries ran out, is skipped so one dead window
// cannot wedge the worker; persistence failures re-run the same window
// instead, the cursor only ever covers stored rows.
func (w *KlinesWorker) backfill(ctx context.Context) error {
	symbol := w.cfg.Symbol

	start := w.cfg.StartTime.UnixMilli()
	st, err := w.store.CollectorState(ctx, symbol)
	if err != nil {
		log.Printf("[collector] reading cursor for %s failed, starting from epoch: %v", symbol, err)
	} else if st != nil {
		start = st.LastTimestamp + minuteMillis
	}
	now := time.Now().UnixMilli()

	log.Printf("[collector] starting historical collection for %s from %s",
		symbol, time.UnixMilli(start).UTC().Format(time.RFC3339))

	for start < now {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + int64(w.cfg.BatchSize)*minuteMillis
		if end > now {
			end = now
		}

		candles, err := w.client.FetchKlines(ctx, symbol, start, end, w.cfg.BatchSize)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Printf("[collector] no data received for %s, skipping batch: %v", symbol, err)
			start = end + minuteMillis
		case len(candles) > 0:
			inserted, err := w.store.InsertCandles(ctx, candles)
			if err != nil {
				log.Printf("[collector] persisting %s batch failed, retrying window: %v", symbol, err)
				if err := sleepCtx(ctx, errorSleep); err != nil {
					return err
				}
				continue
			}
			metrics.CandlesIngested.WithLabelValues(symbol).Add(float64(inserted))

			last := candles[len(candles)-1].Timestamp
			if err := w.store.SaveCollectorState(ctx, symbol, last, false); err != nil {
				log.Printf("[collector] saving cursor for %s failed: %v", symbol, err)
			}
			start = last + minuteMillis
		default:
			log.Printf("[collector] no data received for %s, skipping batch", symbol)
			start = end + minuteMillis
		}

		if err := sleepCtx(ctx, batchPause); err != nil {
			return err
		}
	}

	log.Printf("[collector] historical collection completed for %s", symbol)
	return nil
}

// realtime re-fetches the trailing five minutes on every tick. The
// window overlaps on purpose: conflict-ignore inserts make replays
// free, and the still-open bar is republished with each update.
func (w *KlinesWorker) realtime(ctx context.Context) {
	log.Printf("[collector] starting realtime collection for %s", w.cfg.Symbol)

	for {
		delay := w.cfg.RealtimeInterval
		if err := w.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[collector] realtime collection error for %s: %v", w.cfg.Symbol, err)
			delay = errorSleep
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return
		}
	}
}

func (w *KlinesWorker) tick(ctx context.Context) error {
	now := time.Now().UnixMilli()
	candles, err := w.client.FetchKlines(ctx, w.cfg.Symbol, now-realtimeWindow, now, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	inserted, err := w.store.InsertCandles(ctx, candles)
	if err != nil {
		return err
	}
	metrics.CandlesIngested.WithLabelValues(w.cfg.Symbol).Add(float64(inserted))

	last := candles[len(candles)-1].Timestamp
	if err := w.store.SaveCollectorState(ctx, w.cfg.Symbol, last, true); err != nil {
		return err
	}

	for _, c := range candles {
		w.publish(ctx, c)
	}
	return nil
}

func (w *KlinesWorker) publish(ctx context.Context, c models.Candle) {
	payload, err := json.Marshal(c)
	if err != nil {
		log.Printf("[collector] encoding candle for %s failed: %v", w.cfg.Symbol, err)
		return
	}
	for _, channel := range []string{eventbus.CandleChannel(w.cfg.Symbol), eventbus.CandlesAll} {
		if err := w.bus.Publish(ctx, channel, payload); err != nil {
			log.Printf("[collector] publishing candle on %s failed: %v", channel, err)
		}
	}
}
