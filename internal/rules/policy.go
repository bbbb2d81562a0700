// Package rules holds the trading rule policy for a competition.
//
// The policy is a plain value object computed once per competition and passed
// into the execution engines, so rule variants (standard vs advanced, caps
// on/off) are testable in isolation instead of living as scattered
// conditionals inside the trade path.
package rules

import (
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/model"
)

// Reason codes for concentration rejections. The standard 33% default keeps
// its legacy code so existing clients can match on it.
const (
	ReasonPositionSizeLimit33Pct = "POSITION_SIZE_LIMIT_33PCT"
	ReasonPositionSizeLimitMax   = "POSITION_SIZE_LIMIT_MAX_PCT"
)

var (
	// DefaultMaxSingleBuyPct caps a single symbol at 33% of total equity in
	// standard competitions.
	DefaultMaxSingleBuyPct = decimal.RequireFromString("0.33")

	// pctHintDelta is subtracted from the cap to compute the suggested max
	// share count in rejection metadata. Display-only; never enforced.
	pctHintDelta = decimal.RequireFromString("0.001")
)

// Policy is the per-competition rule table.
type Policy struct {
	// MaxSymbols caps distinct symbols held (BUY only). 0 = cap unset.
	MaxSymbols int

	// MinSymbols is the soft minimum enforced on SELL as a warning only.
	// 0 = unset.
	MinSymbols int

	// ConcentrationPct is the max fraction of total equity one symbol may
	// represent after a BUY. Nil disables the rule.
	ConcentrationPct *decimal.Decimal

	// ConcentrationReason is the reject code used when the rule fires.
	ConcentrationReason string

	// MarketBuyPriceSource and SpreadBPS configure synthetic pricing for
	// MARKET BUY fills (advanced competitions only; standard fills at LAST).
	MarketBuyPriceSource model.PriceSource
	SpreadBPS            int
}

// For computes the policy for one competition.
//
// The concentration rule is disabled entirely when the symbol cap is below 3:
// with at most two allowed symbols a per-symbol equity cap is meaningless.
func For(c *model.Competition) Policy {
	if c.Type != model.CompetitionAdvanced {
		pct := DefaultMaxSingleBuyPct
		return Policy{
			ConcentrationPct:     &pct,
			ConcentrationReason:  ReasonPositionSizeLimit33Pct,
			MarketBuyPriceSource: model.SourceLast,
		}
	}

	p := Policy{
		MaxSymbols:           c.MaxSymbols,
		MinSymbols:           c.MinSymbols,
		ConcentrationReason:  ReasonPositionSizeLimitMax,
		MarketBuyPriceSource: c.MarketBuyPriceSource,
		SpreadBPS:            c.SyntheticSpreadBPS,
	}
	if c.MaxSymbols > 0 && c.MaxSymbols < 3 {
		return p
	}
	if c.MaxSingleSymbolPct != nil && c.MaxSingleSymbolPct.IsPositive() {
		pct := *c.MaxSingleSymbolPct
		p.ConcentrationPct = &pct
	}
	return p
}

// ExceedsSymbolCap reports whether buying a new symbol would push the
// participant past the distinct-symbol cap. heldSymbols counts positions with
// quantity > 0; newSymbols is how many of the instruments being bought are
// not currently held.
func (p Policy) ExceedsSymbolCap(heldSymbols, newSymbols int) bool {
	if p.MaxSymbols <= 0 || newSymbols <= 0 {
		return false
	}
	return heldSymbols+newSymbols > p.MaxSymbols
}

// BelowMinSymbols reports whether the remaining holdings after a SELL fall
// below the competition's soft minimum.
func (p Policy) BelowMinSymbols(remainingSymbols int) bool {
	return p.MinSymbols > 0 && remainingSymbols < p.MinSymbols
}

// ConcentrationBreach describes a concentration-cap rejection with enough
// detail for the caller to present actionable guidance. All money values are
// quantized to cents.
type ConcentrationBreach struct {
	Reason         string          `json:"reason"`
	MaxPct         decimal.Decimal `json:"max_pct"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	LimitValue     decimal.Decimal `json:"limit_value"`
	ExistingShares int64           `json:"existing_shares"`
	ExistingValue  decimal.Decimal `json:"existing_value"`
	ProjectedShares int64          `json:"projected_shares"`
	ProjectedValue decimal.Decimal `json:"projected_value"`
	OverLimitValue decimal.Decimal `json:"over_limit_value"`

	// Hint fields are computed at a slightly reduced percentage so the
	// suggested share count survives price movement between the hint and the
	// retry. Display-only.
	MaxPctHint          decimal.Decimal `json:"max_pct_hint"`
	MaxTotalShares      int64           `json:"max_total_shares"`
	MaxAdditionalShares int64           `json:"max_additional_shares"`
	MaxTotalValue       decimal.Decimal `json:"max_total_value"`
}

// CheckConcentration evaluates the equity-concentration cap for a BUY.
//
// totalEquity is cash plus market value of all held positions at latest
// cached prices; price is the fill price for the traded instrument. Returns
// nil when the trade is within the cap, the rule is disabled, or equity is
// non-positive. A projected value exactly at the cap is accepted.
func (p Policy) CheckConcentration(totalEquity, price decimal.Decimal, existingQty, addQty int64) *ConcentrationBreach {
	if p.ConcentrationPct == nil || !totalEquity.IsPositive() {
		return nil
	}

	maxPct := *p.ConcentrationPct
	limitValue := totalEquity.Mul(maxPct).Round(2)
	projectedQty := existingQty + addQty
	projectedValue := price.Mul(decimal.NewFromInt(projectedQty)).Round(2)
	if projectedValue.LessThanOrEqual(limitValue) {
		return nil
	}

	existingValue := decimal.Zero.Round(2)
	if existingQty > 0 {
		existingValue = price.Mul(decimal.NewFromInt(existingQty)).Round(2)
	}

	hintPct := maxPct
	if maxPct.GreaterThan(pctHintDelta) {
		hintPct = maxPct.Sub(pctHintDelta)
	}
	var maxTotalShares int64
	if price.IsPositive() {
		maxTotalShares = totalEquity.Mul(hintPct).Div(price).Floor().IntPart()
		if maxTotalShares < 0 {
			maxTotalShares = 0
		}
	}
	maxAdditional := maxTotalShares - existingQty
	if maxAdditional < 0 {
		maxAdditional = 0
	}

	return &ConcentrationBreach{
		Reason:              p.ConcentrationReason,
		MaxPct:              maxPct,
		TotalEquity:         totalEquity.Round(2),
		LimitValue:          limitValue,
		ExistingShares:      existingQty,
		ExistingValue:       existingValue,
		ProjectedShares:     projectedQty,
		ProjectedValue:      projectedValue,
		OverLimitValue:      projectedValue.Sub(limitValue),
		MaxPctHint:          hintPct,
		MaxTotalShares:      maxTotalShares,
		MaxAdditionalShares: maxAdditional,
		MaxTotalValue:       price.Mul(decimal.NewFromInt(maxTotalShares)).Round(2),
	}
}
