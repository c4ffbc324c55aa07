package aggregator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"linkora-backend/internal/models"
)

var t0 = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC).UnixMilli()

func minuteCandle(ts int64, open, high, low, close float64, volume float64) models.Candle {
	return models.Candle{
		Symbol:      "BTCUSDT",
		Timestamp:   ts,
		Open:        decimal.NewFromFloat(open),
		High:        decimal.NewFromFloat(high),
		Low:         decimal.NewFromFloat(low),
		Close:       decimal.NewFromFloat(close),
		Volume:      decimal.NewFromFloat(volume),
		QuoteVolume: decimal.NewFromFloat(volume * close),
		Trades:      3,
	}
}

func TestFoldFiveMinuteBucket(t *testing.T) {
	agg, err := New("BTCUSDT", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Five 1-minute candles filling the 10:00 bucket: opens 100..104,
	// closes one above the open, highs +1, lows -1, volume 10 each.
	for i := 0; i < 5; i++ {
		open := float64(100 + i)
		c := minuteCandle(t0+int64(i)*60_000, open, open+1, open-1, open+1, 10)
		if closed := agg.Fold(c); closed != nil {
			t.Fatalf("bucket closed early at minute %d", i)
		}
	}

	// First candle of the 10:05 bucket forces the close.
	closed := agg.Fold(minuteCandle(t0+5*60_000, 105, 106, 104, 105.5, 10))
	if closed == nil {
		t.Fatal("expected completed candle on bucket rollover")
	}

	if closed.Timestamp != t0 {
		t.Errorf("expected bucket start %d, got %d", t0, closed.Timestamp)
	}
	if got := closed.Open.String(); got != "100" {
		t.Errorf("expected open 100, got %s", got)
	}
	if got := closed.High.String(); got != "105" {
		t.Errorf("expected high 105, got %s", got)
	}
	if got := closed.Low.String(); got != "99" {
		t.Errorf("expected low 99, got %s", got)
	}
	if got := closed.Close.String(); got != "105" {
		t.Errorf("expected close 105, got %s", got)
	}
	if got := closed.Volume.String(); got != "50" {
		t.Errorf("expected volume 50, got %s", got)
	}
	if closed.Trades != 15 {
		t.Errorf("expected 15 trades, got %d", closed.Trades)
	}
}

func TestFoldOneMinutePassthrough(t *testing.T) {
	agg, err := New("ETHUSDT", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := minuteCandle(t0, 100, 101, 99, 100.5, 10)
	out := agg.Fold(in)
	if out == nil {
		t.Fatal("1-minute timeframe should emit every candle")
	}
	if out.Timestamp != in.Timestamp || !out.Close.Equal(in.Close) {
		t.Errorf("expected passthrough, got %+v", out)
	}
	if agg.Peek() != nil {
		t.Error("1-minute timeframe should hold no state")
	}
}

func TestPeekReturnsCopy(t *testing.T) {
	agg, _ := New("BTCUSDT", "15")

	agg.Fold(minuteCandle(t0, 100, 101, 99, 100.5, 10))
	p := agg.Peek()
	if p == nil {
		t.Fatal("expected in-progress candle")
	}
	if p.Timestamp != t0 {
		t.Errorf("expected aligned bucket start %d, got %d", t0, p.Timestamp)
	}

	// Mutating the copy must not leak into aggregator state.
	p.Close = decimal.NewFromInt(0)
	if agg.Peek().Close.IsZero() {
		t.Error("Peek leaked internal state")
	}
}

func TestPeekReflectsFolds(t *testing.T) {
	agg, _ := New("BTCUSDT", "5")

	agg.Fold(minuteCandle(t0, 100, 101, 99, 100.5, 10))
	agg.Fold(minuteCandle(t0+60_000, 100.5, 102, 100, 101.5, 5))

	p := agg.Peek()
	if got := p.High.String(); got != "102" {
		t.Errorf("expected high 102, got %s", got)
	}
	if got := p.Volume.String(); got != "15" {
		t.Errorf("expected volume 15, got %s", got)
	}
	if got := p.Close.String(); got != "101.5" {
		t.Errorf("expected close 101.5, got %s", got)
	}
}

func TestForceComplete(t *testing.T) {
	agg, _ := New("BTCUSDT", "5")

	if agg.ForceComplete() != nil {
		t.Error("empty aggregator should force-complete to nil")
	}

	agg.Fold(minuteCandle(t0, 100, 101, 99, 100.5, 10))
	closed := agg.ForceComplete()
	if closed == nil {
		t.Fatal("expected the open bucket back")
	}
	if agg.Peek() != nil {
		t.Error("state should be cleared after ForceComplete")
	}

	// Next fold starts a fresh bucket.
	if emitted := agg.Fold(minuteCandle(t0+60_000, 100, 101, 99, 100.5, 10)); emitted != nil {
		t.Error("first fold after reset should not emit")
	}
}

func TestFoldSkipsAcrossEmptyBuckets(t *testing.T) {
	agg, _ := New("BTCUSDT", "5")

	agg.Fold(minuteCandle(t0, 100, 101, 99, 100.5, 10))
	// Jump two whole buckets ahead; held bucket closes as-is.
	closed := agg.Fold(minuteCandle(t0+15*60_000, 200, 201, 199, 200.5, 10))
	if closed == nil {
		t.Fatal("expected held candle on gap")
	}
	if closed.Timestamp != t0 {
		t.Errorf("expected old bucket %d, got %d", t0, closed.Timestamp)
	}
	p := agg.Peek()
	if p == nil || p.Timestamp != t0+15*60_000 {
		t.Errorf("expected new bucket seeded at gap target, got %+v", p)
	}
}

func TestNewRejectsUnknownTimeframe(t *testing.T) {
	if _, err := New("BTCUSDT", "7"); err == nil {
		t.Error("expected error for unregistered timeframe")
	}
}
