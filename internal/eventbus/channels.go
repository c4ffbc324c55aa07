package eventbus

// Aggregate channels carrying every symbol. The fan-out hub subscribes
// to these two only.
const (
	CandlesAll   = "candles:all"
	OrderbookAll = "orderbook:all"
)

// CandleChannel names the per-symbol candle channel.
func CandleChannel(symbol string) string {
	return "candles:" + symbol
}

// OrderbookChannel names the per-symbol orderbook channel.
func OrderbookChannel(symbol string) string {
	return "orderbook:" + symbol
}
