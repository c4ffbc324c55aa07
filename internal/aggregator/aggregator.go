// Package aggregator folds 1-minute candles into larger timeframe buckets.
// One Aggregator instance serves one (symbol, timeframe) subscription key;
// the fan-out hub owns the instances and their lifecycle.
package aggregator

import (
	"fmt"
	"sync"

	"linkora-backend/internal/models"
	"linkora-backend/internal/timeframe"
)

// Aggregator holds the in-progress bucket for one (symbol, timeframe) pair.
// Fold, Peek and ForceComplete are safe for concurrent use.
type Aggregator struct {
	symbol  string
	label   string
	minutes int

	mu          sync.Mutex
	bucketStart int64
	current     *models.Candle
}

// New builds an aggregator for a registry timeframe label.
func New(symbol, label string) (*Aggregator, error) {
	minutes, err := timeframe.Minutes(label)
	if err != nil {
		return nil, fmt.Errorf("aggregator %s: %w", symbol, err)
	}
	return &Aggregator{
		symbol:      symbol,
		label:       label,
		minutes:     minutes,
		bucketStart: -1,
	}, nil
}

func (a *Aggregator) Symbol() string { return a.symbol }

func (a *Aggregator) Timeframe() string { return a.label }

// Fold feeds one 1-minute candle into the bucket and returns the completed
// candle when the bucket rolls over, or nil while the bucket is still open.
// The 1-minute timeframe is stateless: every input is returned as-is.
func (a *Aggregator) Fold(m models.Candle) *models.Candle {
	if a.minutes == 1 {
		out := m
		return &out
	}

	bucket := timeframe.Align(m.Timestamp, a.minutes)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.current == nil:
		a.seed(bucket, m)
		return nil
	case bucket == a.bucketStart:
		a.fold(m)
		return nil
	default:
		closed := *a.current
		a.seed(bucket, m)
		return &closed
	}
}

// seed opens a new bucket from the first 1-minute candle in it.
// Caller holds the lock.
func (a *Aggregator) seed(bucket int64, m models.Candle) {
	c := m
	c.Timestamp = bucket
	a.bucketStart = bucket
	a.current = &c
}

// fold merges a 1-minute candle into the open bucket. Caller holds the lock.
func (a *Aggregator) fold(m models.Candle) {
	c := a.current
	if m.High.GreaterThan(c.High) {
		c.High = m.High
	}
	if m.Low.LessThan(c.Low) {
		c.Low = m.Low
	}
	c.Close = m.Close
	c.Volume = c.Volume.Add(m.Volume)
	c.QuoteVolume = c.QuoteVolume.Add(m.QuoteVolume)
	c.TakerBuyVolume = c.TakerBuyVolume.Add(m.TakerBuyVolume)
	c.TakerBuyQuoteVolume = c.TakerBuyQuoteVolume.Add(m.TakerBuyQuoteVolume)
	c.Trades += m.Trades
}

// Peek returns a copy of the in-progress candle, or nil when no bucket is
// open. Used by the periodic refresh pusher and the price endpoint.
func (a *Aggregator) Peek() *models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	out := *a.current
	return &out
}

// ForceComplete closes and returns the in-progress candle, clearing the
// bucket. Used on subscription teardown.
func (a *Aggregator) ForceComplete() *models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	out := *a.current
	a.current = nil
	a.bucketStart = -1
	return &out
}
