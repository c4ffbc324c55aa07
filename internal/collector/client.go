// Package collector pulls market data from the exchange REST API: one
// klines worker per symbol (historical backfill, then a realtime tail)
// and one depth worker per symbol. Workers persist through the
// repository and publish fresh data on the bus; they never block on
// either.
package collector

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"linkora-backend/internal/models"
	"linkora-backend/internal/numeric"
)

// Client talks to the exchange REST API. Retry behavior follows the
// venue's rate-limit contract: HTTP 429 backs off exponentially, other
// HTTP errors wait the fixed delay, transport errors back off
// exponentially from the fixed delay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration

	// rateLimitBase is the first 429 wait; it doubles per attempt.
	rateLimitBase time.Duration
}

func NewClient(baseURL string, maxRetries int, retryDelay, timeout time.Duration) *Client {
	return &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		rateLimitBase: time.Second,
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "linkora-backend/1.0")
	return c.httpClient.Do(req)
}

// FetchKlines returns up to limit 1-minute bars in [startTime, endTime]
// (milliseconds). Exhausting every retry returns the last error; an
// empty window returns an empty slice and no error.
func (c *Client) FetchKlines(ctx context.Context, symbol string, startTime, endTime int64, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "1m")
	params.Set("startTime", strconv.FormatInt(startTime, 10))
	params.Set("endTime", strconv.FormatInt(endTime, 10))
	params.Set("limit", strconv.Itoa(limit))

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.get(ctx, "/api/v3/klines", params)
		if err != nil {
			lastErr = err
			log.Printf("[collector] klines request failed for %s (attempt %d/%d): %v", symbol, attempt+1, c.maxRetries, err)
			if attempt < c.maxRetries-1 {
				if err := sleepCtx(ctx, c.retryDelay<<attempt); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var raw [][]any
			err := json.NewDecoder(resp.Body).Decode(&raw)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("decode klines for %s: %w", symbol, err)
			}
			return parseKlines(symbol, raw), nil

		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = fmt.Errorf("klines for %s: %s", symbol, resp.Status)
			wait := c.rateLimitBase << attempt
			log.Printf("[collector] rate limit hit for %s, waiting %s", symbol, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("klines for %s: %s", symbol, resp.Status)
			log.Printf("[collector] HTTP %d for %s klines", resp.StatusCode, symbol)
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// parseKlines maps the venue's array-of-arrays kline encoding onto
// Candles. Malformed rows are logged and skipped; numeric fields pass
// through zero-trust normalization (scientific notation included).
func parseKlines(symbol string, raw [][]any) []models.Candle {
	candles := make([]models.Candle, 0, len(raw))
	for _, item := range raw {
		if len(item) < 11 {
			log.Printf("[collector] short kline row for %s: %d fields", symbol, len(item))
			continue
		}
		ts, ok := asInt64(item[0])
		if !ok {
			log.Printf("[collector] bad kline open time for %s: %v", symbol, item[0])
			continue
		}
		trades, ok := asInt64(item[8])
		if !ok {
			log.Printf("[collector] bad kline trade count for %s: %v", symbol, item[8])
			continue
		}
		candles = append(candles, models.Candle{
			Symbol:              symbol,
			Timestamp:           ts,
			Open:                numeric.Normalize(item[1]),
			High:                numeric.Normalize(item[2]),
			Low:                 numeric.Normalize(item[3]),
			Close:               numeric.Normalize(item[4]),
			Volume:              numeric.Normalize(item[5]),
			QuoteVolume:         numeric.Normalize(item[7]),
			Trades:              int32(trades),
			TakerBuyVolume:      numeric.Normalize(item[9]),
			TakerBuyQuoteVolume: numeric.Normalize(item[10]),
		})
	}
	return candles
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// FetchDepth returns one normalized depth snapshot stamped with local
// receive time.
func (c *Client) FetchDepth(ctx context.Context, symbol string, levels int) (*models.OrderbookSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(levels))

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.get(ctx, "/api/v3/depth", params)
		if err != nil {
			lastErr = err
			log.Printf("[collector] depth request failed for %s (attempt %d/%d): %v", symbol, attempt+1, c.maxRetries, err)
			if attempt < c.maxRetries-1 {
				if err := sleepCtx(ctx, c.retryDelay<<attempt); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var raw struct {
				LastUpdateID int64      `json:"lastUpdateId"`
				Bids         [][]string `json:"bids"`
				Asks         [][]string `json:"asks"`
			}
			err := json.NewDecoder(resp.Body).Decode(&raw)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("decode depth for %s: %w", symbol, err)
			}

			bids, err := parseLevels(raw.Bids)
			if err != nil {
				return nil, fmt.Errorf("parse bids for %s: %w", symbol, err)
			}
			asks, err := parseLevels(raw.Asks)
			if err != nil {
				return nil, fmt.Errorf("parse asks for %s: %w", symbol, err)
			}
			return &models.OrderbookSnapshot{
				Symbol:       symbol,
				Timestamp:    time.Now().UnixMilli(),
				LastUpdateID: raw.LastUpdateID,
				Bids:         bids,
				Asks:         asks,
			}, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = fmt.Errorf("depth for %s: %s", symbol, resp.Status)
			wait := c.retryDelay << attempt
			log.Printf("[collector] rate limit hit for %s depth, waiting %s", symbol, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("depth for %s: %s", symbol, resp.Status)
			log.Printf("[collector] HTTP %d for %s depth", resp.StatusCode, symbol)
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("short depth level: %v", entry)
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("bad level price %q: %w", entry[0], err)
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("bad level quantity %q: %w", entry[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
