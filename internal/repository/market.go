package repository

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"linkora-backend/internal/models"
)

// InsertCandles writes a batch of minute bars, skipping rows that
// already exist. Returns how many rows were actually inserted.
func (s *Store) InsertCandles(ctx context.Context, candles []models.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.retry(ctx, "insert candles", func() error {
		inserted = 0
		return s.WithTx(ctx, func(tx pgx.Tx) error {
			for _, c := range candles {
				openTime := time.UnixMilli(c.Timestamp).UTC()
				closeTime := time.UnixMilli(c.Timestamp + 60_000 - 1).UTC()
				tag, err := tx.Exec(ctx, `
					INSERT INTO candles (symbol, timestamp, open_time, close_time, open_price, high_price, low_price, close_price, volume, quote_volume, trades, taker_buy_volume, taker_buy_quote_volume)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
					ON CONFLICT (symbol, timestamp) DO NOTHING`,
					c.Symbol, c.Timestamp, openTime, closeTime,
					c.Open, c.High, c.Low, c.Close,
					c.Volume, c.QuoteVolume, c.Trades, c.TakerBuyVolume, c.TakerBuyQuoteVolume,
				)
				if err != nil {
					return fmt.Errorf("failed to insert candle %s@%d: %w", c.Symbol, c.Timestamp, err)
				}
				inserted += tag.RowsAffected()
			}
			return nil
		})
	})
	return inserted, err
}

// UpsertOrderbook stores one depth snapshot, replacing a snapshot taken
// at the same millisecond.
func (s *Store) UpsertOrderbook(ctx context.Context, snap models.OrderbookSnapshot) error {
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("failed to encode bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("failed to encode asks: %w", err)
	}

	return s.retry(ctx, "upsert orderbook", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO orderbook_data (symbol, timestamp, last_update_id, bids, asks)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol, timestamp) DO UPDATE SET
				last_update_id = EXCLUDED.last_update_id,
				bids = EXCLUDED.bids,
				asks = EXCLUDED.asks`,
			snap.Symbol, snap.Timestamp, snap.LastUpdateID, bids, asks,
		)
		return err
	})
}

// LatestOrderbook returns the newest snapshot for symbol truncated to
// levels entries per side, or nil when the symbol has no data.
func (s *Store) LatestOrderbook(ctx context.Context, symbol string, levels int) (*models.OrderbookSnapshot, error) {
	var (
		snap       models.OrderbookSnapshot
		bids, asks []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT symbol, timestamp, last_update_id, bids, asks
		FROM orderbook_data
		WHERE symbol = $1
		ORDER BY timestamp DESC
		LIMIT 1`, symbol,
	).Scan(&snap.Symbol, &snap.Timestamp, &snap.LastUpdateID, &bids, &asks)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bids, &snap.Bids); err != nil {
		return nil, fmt.Errorf("failed to decode bids: %w", err)
	}
	if err := json.Unmarshal(asks, &snap.Asks); err != nil {
		return nil, fmt.Errorf("failed to decode asks: %w", err)
	}

	if levels > 0 && levels < len(snap.Bids) {
		snap.Bids = snap.Bids[:levels]
	}
	if levels > 0 && levels < len(snap.Asks) {
		snap.Asks = snap.Asks[:levels]
	}
	return &snap, nil
}

// CandleQuery selects bars for one symbol. Minutes picks the bucket
// width (1 returns stored rows untouched). A nil Start returns the
// newest bars descending; a set Start returns bars ascending from it.
type CandleQuery struct {
	Symbol  string
	Minutes int
	Start   *time.Time
	Limit   int
}

// Candles runs the minute or aggregated query for q.
func (s *Store) Candles(ctx context.Context, q CandleQuery) ([]models.CandleRow, error) {
	sql := buildCandleQuery(q.Minutes, q.Start != nil)

	args := []any{q.Symbol}
	if q.Minutes > 1 && q.Minutes <= minutesPerDay {
		args = append(args, int64(q.Minutes)*60_000)
	}
	if q.Start != nil {
		args = append(args, q.Start.UTC())
	}
	args = append(args, q.Limit)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []models.CandleRow
	for rows.Next() {
		var (
			row models.CandleRow
			dec [8]string
		)
		if err := rows.Scan(
			&row.Timestamp, &row.OpenTime, &row.CloseTime,
			&dec[0], &dec[1], &dec[2], &dec[3],
			&dec[4], &dec[5], &row.Trades, &dec[6], &dec[7],
		); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		fields := []*decimal.Decimal{
			&row.OpenPrice, &row.HighPrice, &row.LowPrice, &row.ClosePrice,
			&row.Volume, &row.QuoteVolume, &row.TakerBuyVolume, &row.TakerBuyQuoteVolume,
		}
		for i, raw := range dec {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to parse candle decimal %q: %w", raw, err)
			}
			*fields[i] = d
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const (
	minutesPerDay   = 1440
	minutesPerWeek  = 10080
	minutesPerMonth = 43200
)

const candleColumns = `open_price::text, high_price::text, low_price::text, close_price::text,
			volume::text, quote_volume::text, trades, taker_buy_volume::text, taker_buy_quote_volume::text`

const candleAggregates = `(array_agg(open_price ORDER BY timestamp ASC))[1]::text,
			max(high_price)::text,
			min(low_price)::text,
			(array_agg(close_price ORDER BY timestamp DESC))[1]::text,
			sum(volume)::text,
			sum(quote_volume)::text,
			sum(trades),
			sum(taker_buy_volume)::text,
			sum(taker_buy_quote_volume)::text`

// buildCandleQuery renders the SQL for one timeframe. Widths up to a
// day bucket on the millisecond column; weeks and months follow the
// calendar (ISO weeks start Monday) via date_trunc. The caller has
// already validated the timeframe, so minutes only ever takes registry
// values.
func buildCandleQuery(minutes int, hasStart bool) string {
	order := "DESC"
	if hasStart {
		order = "ASC"
	}

	switch {
	case minutes <= 1:
		where := ""
		limit := "$2"
		if hasStart {
			where = " AND open_time >= $2"
			limit = "$3"
		}
		return fmt.Sprintf(`
			SELECT timestamp, open_time, close_time, %s
			FROM candles
			WHERE symbol = $1%s
			ORDER BY timestamp %s
			LIMIT %s`, candleColumns, where, order, limit)

	case minutes <= minutesPerDay:
		where := ""
		limit := "$3"
		if hasStart {
			where = " AND open_time >= $3"
			limit = "$4"
		}
		return fmt.Sprintf(`
			SELECT (timestamp / $2) * $2,
				to_timestamp(((timestamp / $2) * $2) / 1000.0),
				to_timestamp((((timestamp / $2) * $2) + $2) / 1000.0 - 1),
				%s
			FROM candles
			WHERE symbol = $1%s
			GROUP BY 1, 2, 3
			ORDER BY 1 %s
			LIMIT %s`, candleAggregates, where, order, limit)

	default:
		unit := "week"
		if minutes > minutesPerWeek {
			unit = "month"
		}
		where := ""
		limit := "$2"
		if hasStart {
			where = " AND open_time >= $2"
			limit = "$3"
		}
		return fmt.Sprintf(`
			SELECT (EXTRACT(EPOCH FROM date_trunc('%[1]s', open_time)) * 1000)::bigint,
				date_trunc('%[1]s', open_time),
				date_trunc('%[1]s', open_time) + interval '1 %[1]s' - interval '1 second',
				%[2]s
			FROM candles
			WHERE symbol = $1%[3]s
			GROUP BY 1, 2, 3
			ORDER BY 1 %[4]s
			LIMIT %[5]s`, unit, candleAggregates, where, order, limit)
	}
}

// Symbols lists every symbol with at least one stored candle.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, "SELECT DISTINCT symbol FROM candles ORDER BY symbol")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// CollectorState returns the klines cursor for symbol, or nil when the
// symbol has never been collected.
func (s *Store) CollectorState(ctx context.Context, symbol string) (*models.CollectorState, error) {
	var st models.CollectorState
	err := s.db.QueryRow(ctx, `
		SELECT symbol, last_timestamp, is_realtime, last_updated
		FROM collector_state
		WHERE symbol = $1`, symbol,
	).Scan(&st.Symbol, &st.LastTimestamp, &st.IsRealtime, &st.LastUpdated)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveCollectorState moves the klines cursor forward.
func (s *Store) SaveCollectorState(ctx context.Context, symbol string, lastTimestamp int64, isRealtime bool) error {
	return s.retry(ctx, "save collector state", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO collector_state (symbol, last_timestamp, is_realtime, last_updated)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (symbol) DO UPDATE SET
				last_timestamp = EXCLUDED.last_timestamp,
				is_realtime = EXCLUDED.is_realtime,
				last_updated = NOW()`,
			symbol, lastTimestamp, isRealtime,
		)
		return err
	})
}
