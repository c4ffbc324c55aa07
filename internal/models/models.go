package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV bar in the 'candles' table. Timestamp is the
// UTC bucket start in milliseconds; all price/volume fields carry 8 fractional
// decimal digits and marshal as JSON strings.
type Candle struct {
	Symbol              string          `json:"symbol"`
	Timestamp           int64           `json:"timestamp"`
	Open                decimal.Decimal `json:"open"`
	High                decimal.Decimal `json:"high"`
	Low                 decimal.Decimal `json:"low"`
	Close               decimal.Decimal `json:"close"`
	Volume              decimal.Decimal `json:"volume"`
	QuoteVolume         decimal.Decimal `json:"quote_volume"`
	Trades              int32           `json:"trades"`
	TakerBuyVolume      decimal.Decimal `json:"taker_buy_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume"`
}

// CandleRow is one /candles response row: a stored (or SQL-aggregated)
// bar with its bucket boundaries, unlike the wire Candle used on the
// bus.
type CandleRow struct {
	Timestamp           int64           `json:"timestamp"`
	OpenTime            time.Time       `json:"open_time"`
	CloseTime           time.Time       `json:"close_time"`
	OpenPrice           decimal.Decimal `json:"open_price"`
	HighPrice           decimal.Decimal `json:"high_price"`
	LowPrice            decimal.Decimal `json:"low_price"`
	ClosePrice          decimal.Decimal `json:"close_price"`
	Volume              decimal.Decimal `json:"volume"`
	QuoteVolume         decimal.Decimal `json:"quote_volume"`
	Trades              int64           `json:"trades"`
	TakerBuyVolume      decimal.Decimal `json:"taker_buy_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_volume"`
}

// PriceLevel is a single orderbook level. Price and quantity keep the
// exchange's native precision.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderbookSnapshot represents the 'orderbook_data' table. Bids descend in
// price, asks ascend; both are truncated to the configured level count.
type OrderbookSnapshot struct {
	Symbol       string       `json:"symbol"`
	Timestamp    int64        `json:"timestamp"`
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// CollectorState represents the 'collector_state' table: the klines worker
// cursor per symbol.
type CollectorState struct {
	Symbol        string    `json:"symbol"`
	LastTimestamp int64     `json:"last_timestamp"`
	IsRealtime    bool      `json:"is_realtime"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Order statuses. PENDING is the only non-terminal state.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusExecuted  = "EXECUTED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusExpired   = "EXPIRED"
)

// Order types as emitted by the Trading contract enum.
const (
	OrderTypeLimit       = "LIMIT"
	OrderTypeStopLoss    = "STOP_LOSS"
	OrderTypeMarket      = "MARKET"
	OrderTypeConditional = "CONDITIONAL"
)

// Order represents the 'orders' table: the relational projection of an
// on-chain order. Amounts are 18-decimal values converted from wei.
type Order struct {
	ID              uint64              `json:"id"`
	UserAddress     string              `json:"user_address"`
	TokenIn         string              `json:"token_in"`
	TokenOut        string              `json:"token_out"`
	AmountIn        decimal.Decimal     `json:"amount_in"`
	TargetPrice     decimal.Decimal     `json:"target_price"`
	MinAmountOut    decimal.Decimal     `json:"min_amount_out"`
	AmountOut       decimal.NullDecimal `json:"amount_out"`
	OrderType       string              `json:"order_type"`
	IsLong          bool                `json:"is_long"`
	SelfExecutable  bool                `json:"self_executable"`
	Status          string              `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExecutedAt      *time.Time          `json:"executed_at,omitempty"`
	TxHash          string              `json:"tx_hash,omitempty"`
	BlockNumber     int64               `json:"block_number,omitempty"`
	ExecutorAddress string              `json:"executor_address,omitempty"`
	ExecutionTxHash string              `json:"execution_tx_hash,omitempty"`
}

// Event types recorded in the 'order_events' ledger. Expiry is not
// ledgered; the sweeper's update count is the audit trail.
const (
	EventTypeCreated   = "CREATED"
	EventTypeExecuted  = "EXECUTED"
	EventTypeCancelled = "CANCELLED"
	EventTypeModified  = "MODIFIED"
)

// OrderEvent represents the append-only 'order_events' table. Rows are
// written in the same transaction as the order mutation they describe.
type OrderEvent struct {
	ID          int64           `json:"id"`
	OrderID     uint64          `json:"order_id"`
	EventType   string          `json:"event_type"`
	OldStatus   string          `json:"old_status,omitempty"`
	NewStatus   string          `json:"new_status"`
	TxHash      string          `json:"tx_hash,omitempty"`
	BlockNumber int64           `json:"block_number,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
}

// ProcessedEvent represents the 'processed_events' table, the exactly-once
// guard. Uniqueness on (tx_hash, log_index) rejects double application.
type ProcessedEvent struct {
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Component cursor statuses for 'system_state'.
const (
	ComponentStatusActive   = "ACTIVE"
	ComponentStatusError    = "ERROR"
	ComponentStatusRecovery = "RECOVERY"
	ComponentStatusReset    = "RESET"
)

// Well-known component names in 'system_state'.
const (
	ComponentOrderListener = "order_listener"
	ComponentStatusMonitor = "status_monitor"
)

// SystemState represents the 'system_state' table: one cursor row per
// background component.
type SystemState struct {
	ComponentName      string    `json:"component_name"`
	LastProcessedBlock int64     `json:"last_processed_block"`
	LastProcessedTx    string    `json:"last_processed_tx_hash,omitempty"`
	Status             string    `json:"status"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// StatusCount is one bucket of the order statistics report.
type StatusCount struct {
	Total  int64 `json:"total"`
	Last24 int64 `json:"last_24h"`
}
