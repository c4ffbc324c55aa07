// Package numeric normalizes external feed numerics into the fixed-point
// decimal representation used everywhere downstream. Feeds occasionally emit
// scientific notation ("1.5E-8", "0E-8") and mixed string/number fields;
// losing a single candle field to a parse error would corrupt aggregation,
// so normalization never fails the surrounding pipeline.
package numeric

import (
	"fmt"
	"log"
	"math/big"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Places is the fixed-point precision of candle and orderbook values.
const Places = 8

// weiDecimals is the fractional precision of on-chain token amounts.
const weiDecimals = 18

// Parse converts a feed string into an 8-decimal fixed-point value.
// Scientific notation parses identically to its plain form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d.Round(Places), nil
}

// Normalize accepts the value shapes external feeds produce (string, float,
// integer, json.Number) and returns the 8-decimal value. Unparseable input
// yields zero with a warning, never an error.
func Normalize(v any) decimal.Decimal {
	switch x := v.(type) {
	case string:
		d, err := Parse(x)
		if err != nil {
			log.Printf("[numeric] unparseable value %q, using zero", x)
			return decimal.Zero
		}
		return d
	case json.Number:
		d, err := Parse(x.String())
		if err != nil {
			log.Printf("[numeric] unparseable number %q, using zero", x)
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(x).Round(Places)
	case float32:
		return decimal.NewFromFloat32(x).Round(Places)
	case int:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case decimal.Decimal:
		return x.Round(Places)
	case nil:
		return decimal.Zero
	default:
		log.Printf("[numeric] unsupported value type %T, using zero", v)
		return decimal.Zero
	}
}

// FromWei converts a raw 18-decimal on-chain amount to its decimal value.
// The conversion is exact.
func FromWei(w *big.Int) decimal.Decimal {
	if w == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(w, -weiDecimals)
}

// Price8 renders a value with exactly 8 fractional digits, the wire format
// for price fields.
func Price8(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Percent2 renders a percentage with 2 fractional digits.
func Percent2(d decimal.Decimal) string {
	return d.StringFixed(2)
}
