// Package pricing derives synthetic bid/ask prices from a last trade price.
//
// Competitions without real bid/ask data can still charge buyers a spread:
// the fill price is offset from LAST by a configured number of basis points
// (1 bp = 0.01%) and quantized to 6 decimal places, round-half-up.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/model"
)

// ErrInvalidInput is returned when the last price is missing/non-positive or
// the spread is negative.
var ErrInvalidInput = errors.New("pricing: invalid input")

const priceScale = 6

var bpsDivisor = decimal.NewFromInt(10000)

// DerivePrice converts a LAST price into the price a fill should use.
//
//	LAST: last unchanged
//	BID:  last * (1 - spreadBPS/10000)
//	ASK:  last * (1 + spreadBPS/10000)
//
// An unknown or empty source falls back to LAST. This is deliberate
// fail-open behavior: a misconfigured competition trades at last price
// rather than refusing all fills.
func DerivePrice(last decimal.Decimal, source model.PriceSource, spreadBPS int) (decimal.Decimal, error) {
	if !last.IsPositive() {
		return decimal.Decimal{}, ErrInvalidInput
	}
	if spreadBPS < 0 {
		return decimal.Decimal{}, ErrInvalidInput
	}

	spread := decimal.NewFromInt(int64(spreadBPS)).Div(bpsDivisor)

	switch source {
	case model.SourceBid:
		return last.Mul(decimal.NewFromInt(1).Sub(spread)).Round(priceScale), nil
	case model.SourceAsk:
		return last.Mul(decimal.NewFromInt(1).Add(spread)).Round(priceScale), nil
	case model.SourceLast:
		return last, nil
	default:
		return last, nil
	}
}
