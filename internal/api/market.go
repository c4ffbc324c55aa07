package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"linkora-backend/internal/models"
	"linkora-backend/internal/repository"
	"linkora-backend/internal/timeframe"
)

// MarketStore is the slice of the repository the market API reads.
type MarketStore interface {
	Ping(ctx context.Context) error
	Symbols(ctx context.Context) ([]string, error)
	Candles(ctx context.Context, q repository.CandleQuery) ([]models.CandleRow, error)
	LatestOrderbook(ctx context.Context, symbol string, levels int) (*models.OrderbookSnapshot, error)
}

var orderbookLevelChoices = []int{5, 10, 20}

// MarketServer serves candles, orderbooks, prices and the websocket feed.
type MarketServer struct {
	store      MarketStore
	hub        *Hub
	httpServer *http.Server
}

func NewMarketServer(store MarketStore, hub *Hub, addr string) *MarketServer {
	s := &MarketServer{store: store, hub: hub}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/symbols", s.handleSymbols).Methods("GET")
	r.HandleFunc("/candles", s.handleCandles).Methods("GET")
	r.HandleFunc("/orderbook", s.handleOrderbook).Methods("GET")
	r.HandleFunc("/price", s.handlePrice).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *MarketServer) Start() error {
	log.Printf("[api] market API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *MarketServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *MarketServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, database := "healthy", "connected"
	if err := s.store.Ping(r.Context()); err != nil {
		status, database = "degraded", "disconnected"
		log.Printf("[api] health db ping failed: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": formatTime(time.Now()),
		"database":  database,
	})
}

func (s *MarketServer) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.Symbols(r.Context())
	if err != nil {
		log.Printf("[api] failed to list symbols: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func (s *MarketServer) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol parameter is required")
		return
	}

	tf := q.Get("timeframe")
	if tf == "" {
		tf = "1"
	}
	minutes, err := timeframe.Minutes(tf)
	if err != nil {
		writeError(w, http.StatusBadRequest, invalidTimeframeMessage())
		return
	}

	limit := 500
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}
	if limit < 1 || limit > 5000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 5000")
		return
	}

	start, err := parseStartDate(q.Get("start_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format")
		return
	}

	rows, err := s.store.Candles(r.Context(), repository.CandleQuery{
		Symbol:  symbol,
		Minutes: minutes,
		Start:   start,
		Limit:   limit,
	})
	if err != nil {
		writeInternalError(w, fmt.Errorf("query candles: %w", err))
		return
	}
	if rows == nil {
		rows = []models.CandleRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *MarketServer) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol parameter is required")
		return
	}

	levels := 20
	if v := q.Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "levels must be an integer")
			return
		}
		if !validOrderbookLevels(n) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid levels. Supported: %v", orderbookLevelChoices))
			return
		}
		levels = n
	}

	snap, err := s.store.LatestOrderbook(r.Context(), symbol, levels)
	if err != nil {
		writeInternalError(w, fmt.Errorf("query orderbook: %w", err))
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "No orderbook data available for this symbol")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePrice reports the latest price with its delta to the previous
// close. The hub's in-progress bucket wins over persisted rows so the
// number moves with the live stream.
func (s *MarketServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol parameter is required")
		return
	}

	tf := q.Get("timeframe")
	if tf == "" {
		tf = "1"
	}
	minutes, err := timeframe.Minutes(tf)
	if err != nil {
		writeError(w, http.StatusBadRequest, invalidTimeframeMessage())
		return
	}

	live := s.hub.Peek(symbol, tf)

	// One persisted bar is the previous close when a live bucket exists;
	// on the 1-minute feed there is never a live bucket, so take two.
	limit := 1
	if tf == "1" {
		limit = 2
	}
	rows, err := s.store.Candles(r.Context(), repository.CandleQuery{
		Symbol:  symbol,
		Minutes: minutes,
		Limit:   limit,
	})
	if err != nil {
		writeInternalError(w, fmt.Errorf("query candles: %w", err))
		return
	}

	if live == nil && len(rows) == 0 {
		writeError(w, http.StatusNotFound, "No data available for this symbol")
		return
	}

	var (
		current, previous, volume decimal.Decimal
		ts                        int64
	)
	switch {
	case live != nil:
		current, ts, volume = live.Close, live.Timestamp, live.Volume
		previous = current
		if len(rows) > 0 {
			previous = rows[0].ClosePrice
		}
	case len(rows) >= 2:
		current, ts, volume = rows[0].ClosePrice, rows[0].Timestamp, rows[0].Volume
		previous = rows[1].ClosePrice
	default:
		current, ts, volume = rows[0].ClosePrice, rows[0].Timestamp, rows[0].Volume
		previous = current
	}

	change := current.Sub(previous)
	percent := decimal.Zero
	if !previous.IsZero() {
		percent = change.Div(previous).Mul(decimal.NewFromInt(100))
	}
	trend := "neutral"
	if change.IsPositive() {
		trend = "up"
	} else if change.IsNegative() {
		trend = "down"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":          symbol,
		"timeframe":       tf,
		"current_price":   current.StringFixed(8),
		"previous_price":  previous.StringFixed(8),
		"change_absolute": change.StringFixed(8),
		"change_percent":  percent.StringFixed(2),
		"trend":           trend,
		"timestamp":       ts,
		"volume":          volume.StringFixed(8),
	})
}

func invalidTimeframeMessage() string {
	return "Invalid timeframe. Supported: " + strings.Join(timeframe.Labels(), ", ")
}

func validOrderbookLevels(n int) bool {
	for _, l := range orderbookLevelChoices {
		if n == l {
			return true
		}
	}
	return false
}

// parseStartDate accepts RFC3339 instants and bare dates.
func parseStartDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid start_date %q", raw)
}
