package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"linkora-backend/internal/eventbus"
	"linkora-backend/internal/models"
)

type savedCursor struct {
	ts       int64
	realtime bool
}

type fakeCandleStore struct {
	mu       sync.Mutex
	state    *models.CollectorState
	stateErr error
	inserts  [][]models.Candle
	cursors  []savedCursor
}

func (f *fakeCandleStore) InsertCandles(_ context.Context, candles []models.Candle) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, candles)
	return int64(len(candles)), nil
}

func (f *fakeCandleStore) CollectorState(_ context.Context, _ string) (*models.CollectorState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func (f *fakeCandleStore) SaveCollectorState(_ context.Context, _ string, lastTimestamp int64, isRealtime bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, savedCursor{ts: lastTimestamp, realtime: isRealtime})
	return nil
}

func recvMessage(t *testing.T, ch <-chan eventbus.Message) eventbus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus message")
		return eventbus.Message{}
	}
}

func klineBody(rows ...[2]int64) string {
	out := "["
	for i, r := range rows {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`[%d, "100", "110", "90", "105", "%d", %d, "1000", 10, "5", "500", "0"]`,
			r[0], r[1], r[0]+minuteMillis-1)
	}
	return out + "]"
}

func TestKlinesWorkerTickPersistsAndPublishes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(klineBody([2]int64{1700000000000, 1}, [2]int64{1700000060000, 2})))
	}))
	defer srv.Close()

	ctx := context.Background()
	store := &fakeCandleStore{}
	bus := eventbus.NewInProcess()
	subSym, err := bus.Subscribe(ctx, eventbus.CandleChannel("BTCUSDT"))
	if err != nil {
		t.Fatalf("subscribe symbol channel: %v", err)
	}
	subAll, err := bus.Subscribe(ctx, eventbus.CandlesAll)
	if err != nil {
		t.Fatalf("subscribe all channel: %v", err)
	}

	w := NewKlinesWorker(testClient(srv.URL, 1), store, bus, KlinesConfig{
		Symbol:           "BTCUSDT",
		BatchSize:        1000,
		RealtimeInterval: 500 * time.Millisecond,
	})
	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	store.mu.Lock()
	if len(store.inserts) != 1 || len(store.inserts[0]) != 2 {
		t.Fatalf("inserts = %v, want one batch of two", store.inserts)
	}
	if len(store.cursors) != 1 || store.cursors[0] != (savedCursor{ts: 1700000060000, realtime: true}) {
		t.Fatalf("cursors = %v, want [{1700000060000 true}]", store.cursors)
	}
	store.mu.Unlock()

	for i := 0; i < 2; i++ {
		recvMessage(t, subAll)
	}
	recvMessage(t, subSym)
	msg := recvMessage(t, subSym)

	var c models.Candle
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		t.Fatalf("unmarshal published candle: %v", err)
	}
	if c.Symbol != "BTCUSDT" || c.Timestamp != 1700000060000 {
		t.Errorf("published candle identity = %s/%d", c.Symbol, c.Timestamp)
	}
	if !c.Volume.Equal(decimal.NewFromInt(2)) {
		t.Errorf("published volume = %s, want 2", c.Volume)
	}
}

func TestKlinesWorkerBackfillWalksToNow(t *testing.T) {
	t.Parallel()

	epoch := time.Now().Add(-3 * time.Minute)
	start := epoch.UnixMilli()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(klineBody([2]int64{start, 1}, [2]int64{start + minuteMillis, 2})))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	store := &fakeCandleStore{}
	w := NewKlinesWorker(testClient(srv.URL, 1), store, eventbus.NewInProcess(), KlinesConfig{
		Symbol:    "BTCUSDT",
		StartTime: epoch,
		BatchSize: 1000,
	})
	if err := w.backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	if n := calls.Load(); n != 2 {
		t.Errorf("venue saw %d calls, want 2", n)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserts) != 1 || len(store.inserts[0]) != 2 {
		t.Fatalf("inserts = %v, want one batch of two", store.inserts)
	}
	want := savedCursor{ts: start + minuteMillis, realtime: false}
	if len(store.cursors) != 1 || store.cursors[0] != want {
		t.Fatalf("cursors = %v, want [%v]", store.cursors, want)
	}
}

func TestKlinesWorkerBackfillResumesFromCursor(t *testing.T) {
	t.Parallel()

	lastTS := time.Now().Add(-2*time.Minute).Truncate(time.Minute).UnixMilli()

	var mu sync.Mutex
	firstStart := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if firstStart == "" {
			firstStart = r.URL.Query().Get("startTime")
		}
		mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	store := &fakeCandleStore{
		state: &models.CollectorState{Symbol: "BTCUSDT", LastTimestamp: lastTS},
	}
	w := NewKlinesWorker(testClient(srv.URL, 1), store, eventbus.NewInProcess(), KlinesConfig{
		Symbol:    "BTCUSDT",
		StartTime: time.Now().Add(-24 * time.Hour),
		BatchSize: 1000,
	})
	if err := w.backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	wantStart := fmt.Sprintf("%d", lastTS+minuteMillis)
	mu.Lock()
	got := firstStart
	mu.Unlock()
	if got != wantStart {
		t.Errorf("first window start = %s, want %s", got, wantStart)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserts) != 0 {
		t.Errorf("inserts = %v, want none for empty windows", store.inserts)
	}
}
