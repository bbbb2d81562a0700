// Package model defines the core domain types shared across the simulation
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Cash and notionals carry 2 decimal places, prices carry 6.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType distinguishes immediate market fills from marketable limit fills.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the order state machine. SUBMITTED is the initial state,
// used only for pre-start queued orders; FILLED and REJECTED are terminal.
// CANCELLED is set by the pre-start queue path, never by the engine itself.
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// CashLedgerReason categorizes ledger entries.
type CashLedgerReason string

const (
	ReasonStartingCash CashLedgerReason = "STARTING_CASH"
	ReasonTradeBuy     CashLedgerReason = "TRADE_BUY"
	ReasonTradeSell    CashLedgerReason = "TRADE_SELL"
	ReasonAdjustment   CashLedgerReason = "ADJUSTMENT"
)

// CompetitionStatus is the lifecycle of a competition.
type CompetitionStatus string

const (
	CompetitionDraft     CompetitionStatus = "DRAFT"
	CompetitionPublished CompetitionStatus = "PUBLISHED"
	CompetitionLocked    CompetitionStatus = "LOCKED"
	CompetitionArchived  CompetitionStatus = "ARCHIVED"
)

// CompetitionType selects the rule set. ADVANCED competitions carry their own
// concentration/symbol limits and synthetic pricing config.
type CompetitionType string

const (
	CompetitionStandard CompetitionType = "STANDARD"
	CompetitionAdvanced CompetitionType = "ADVANCED"
)

// PriceSource selects which synthetic price a MARKET fill uses.
type PriceSource string

const (
	SourceLast PriceSource = "LAST"
	SourceBid  PriceSource = "BID"
	SourceAsk  PriceSource = "ASK"
)

// ParticipantStatus is a user's standing in one competition.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "ACTIVE"
	ParticipantQueued       ParticipantStatus = "QUEUED"
	ParticipantDisqualified ParticipantStatus = "DISQUALIFIED"
	ParticipantLocked       ParticipantStatus = "LOCKED"
)

// ScheduledOrderStatus is the lifecycle of a pre-start basket order.
type ScheduledOrderStatus string

const (
	ScheduledPending   ScheduledOrderStatus = "PENDING"
	ScheduledExecuted  ScheduledOrderStatus = "EXECUTED"
	ScheduledCancelled ScheduledOrderStatus = "CANCELLED"
	ScheduledFailed    ScheduledOrderStatus = "FAILED"
)

// Competition holds the trading window and rule configuration. Advanced rule
// fields are zero/nil so STANDARD competitions are unaffected.
type Competition struct {
	ID           string            `json:"id" db:"id"`
	Title        string            `json:"title" db:"title"`
	Status       CompetitionStatus `json:"status" db:"status"`
	Type         CompetitionType   `json:"competition_type" db:"competition_type"`
	WeekStartAt  time.Time         `json:"week_start_at" db:"week_start_at"`
	WeekEndAt    time.Time         `json:"week_end_at" db:"week_end_at"`
	StartingCash decimal.Decimal   `json:"starting_cash" db:"starting_cash"`

	MaxSingleSymbolPct *decimal.Decimal `json:"max_single_symbol_pct,omitempty" db:"max_single_symbol_pct"` // fraction in (0, 1]
	MaxSymbols         int              `json:"max_symbols,omitempty" db:"max_symbols"`                     // 0 = unset
	MinSymbols         int              `json:"min_symbols,omitempty" db:"min_symbols"`                     // 0 = unset

	MarketBuyPriceSource PriceSource `json:"market_buy_price_source" db:"market_buy_price_source"`
	SyntheticSpreadBPS   int         `json:"synthetic_spread_bps" db:"synthetic_spread_bps"`

	AutoCloseEnabled     bool        `json:"auto_close_enabled" db:"auto_close_enabled"`
	AutoClosePriceSource PriceSource `json:"auto_close_price_source" db:"auto_close_price_source"`
	AutoCloseProcessedAt *time.Time  `json:"auto_close_processed_at,omitempty" db:"auto_close_processed_at"`
}

// IsActive reports whether the competition is published and inside its
// trading window.
func (c *Competition) IsActive(now time.Time) bool {
	return c.Status == CompetitionPublished &&
		!now.Before(c.WeekStartAt) && !now.After(c.WeekEndAt)
}

// Participant is a user's standing in one competition. CashBalance is a
// cached running total; the cash ledger is the source of truth and must
// reconcile to it.
type Participant struct {
	ID            string            `json:"id" db:"id"`
	CompetitionID string            `json:"competition_id" db:"competition_id"`
	UserID        string            `json:"user_id" db:"user_id"`
	Status        ParticipantStatus `json:"status" db:"status"`
	StartingCash  decimal.Decimal   `json:"starting_cash" db:"starting_cash"`
	CashBalance   decimal.Decimal   `json:"cash_balance" db:"cash_balance"` // invariant: >= 0
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// Instrument is a tradable symbol. Symbol is immutable identity.
type Instrument struct {
	ID     string `json:"id" db:"id"`
	Symbol string `json:"symbol" db:"symbol"`
	Name   string `json:"name" db:"name"`
}

// Quote is an immutable timestamped price observation. Quotes are
// append-only; "latest" is the max AsOf per instrument.
type Quote struct {
	ID           string          `json:"id" db:"id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	AsOf         time.Time       `json:"as_of" db:"as_of"`
	Price        decimal.Decimal `json:"price" db:"price"` // 6dp, last trade price
	ProviderName string          `json:"provider_name" db:"provider_name"`
}

// Position is a per (participant, instrument) holding. Exactly one row exists
// while Quantity > 0; the row is deleted on full sell, never kept at zero.
type Position struct {
	ID            string          `json:"id" db:"id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	InstrumentID  string          `json:"instrument_id" db:"instrument_id"`
	Quantity      int64           `json:"quantity" db:"quantity"` // invariant: >= 0, no shorting
	AvgCostBasis  decimal.Decimal `json:"avg_cost_basis" db:"avg_cost_basis"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a single-instrument trade intent/record. Immutable after a
// terminal status, except that a queued SUBMITTED pre-start order is reused
// by the batch executor and transitions in place.
type Order struct {
	ID            string           `json:"id" db:"id"`
	ParticipantID string           `json:"participant_id" db:"participant_id"`
	InstrumentID  string           `json:"instrument_id" db:"instrument_id"`
	Side          OrderSide        `json:"side" db:"side"`
	Type          OrderType        `json:"order_type" db:"order_type"`
	Quantity      int64            `json:"quantity" db:"quantity"`                 // > 0
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"` // required iff LIMIT
	Status        OrderStatus      `json:"status" db:"status"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`

	SubmittedPrice *decimal.Decimal `json:"submitted_price,omitempty" db:"submitted_price"`
	QuoteAsOf      *time.Time       `json:"quote_as_of,omitempty" db:"quote_as_of"`
	RejectReason   string           `json:"reject_reason,omitempty" db:"reject_reason"`
}

// TradeFill is the immutable execution record for a filled Order. One-to-one
// with its order (no partial fills).
type TradeFill struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	FilledAt    time.Time       `json:"filled_at" db:"filled_at"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Notional    decimal.Decimal `json:"notional" db:"notional"`         // 2dp
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // 2dp, SELL only
}

// CashLedgerEntry is an immutable append-only audit record of a cash
// movement. Entries are only ever inserted, never updated or deleted.
type CashLedgerEntry struct {
	ID            string           `json:"id" db:"id"`
	ParticipantID string           `json:"participant_id" db:"participant_id"`
	AsOf          time.Time        `json:"as_of" db:"as_of"`
	DeltaAmount   decimal.Decimal  `json:"delta_amount" db:"delta_amount"` // signed, 2dp
	Reason        CashLedgerReason `json:"reason" db:"reason"`
	ReferenceType string           `json:"reference_type,omitempty" db:"reference_type"`
	ReferenceID   string           `json:"reference_id,omitempty" db:"reference_id"`
	Memo          string           `json:"memo,omitempty" db:"memo"`
}

// Basket is a user-owned named list of instruments, used as a template for
// basket trades. Not competition-scoped.
type Basket struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BasketItem is one instrument in a basket.
type BasketItem struct {
	ID           string `json:"id" db:"id"`
	BasketID     string `json:"basket_id" db:"basket_id"`
	InstrumentID string `json:"instrument_id" db:"instrument_id"`
}

// ScheduledBasketOrder is a basket trade submitted before a competition's
// start, queued for execution once the start time has passed.
type ScheduledBasketOrder struct {
	ID            string               `json:"id" db:"id"`
	ParticipantID string               `json:"participant_id" db:"participant_id"`
	BasketName    string               `json:"basket_name" db:"basket_name"`
	Side          OrderSide            `json:"side" db:"side"`
	TotalAmount   decimal.Decimal      `json:"total_amount" db:"total_amount"`
	Status        ScheduledOrderStatus `json:"status" db:"status"`
	Attempts      int                  `json:"attempts" db:"attempts"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
	ExecutedAt    *time.Time           `json:"executed_at,omitempty" db:"executed_at"`
	LastError     string               `json:"last_error,omitempty" db:"last_error"`
}

// ScheduledBasketOrderLeg carries one instrument's percentage weight (0-100).
type ScheduledBasketOrderLeg struct {
	ID           string          `json:"id" db:"id"`
	OrderID      string          `json:"order_id" db:"order_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Pct          decimal.Decimal `json:"pct" db:"pct"`
}

// PortfolioSnapshot is a point-in-time valuation of one participant,
// recomputed best-effort after each fill for leaderboard charts.
type PortfolioSnapshot struct {
	ID                  string          `json:"id" db:"id"`
	ParticipantID       string          `json:"participant_id" db:"participant_id"`
	AsOf                time.Time       `json:"as_of" db:"as_of"`
	CashBalance         decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	HoldingsValue       decimal.Decimal `json:"holdings_value" db:"holdings_value"`
	TotalValue          decimal.Decimal `json:"total_value" db:"total_value"`
	ReturnPctSinceStart decimal.Decimal `json:"return_pct_since_start" db:"return_pct_since_start"`
	UnrealizedPnL       decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnLTotal    decimal.Decimal `json:"realized_pnl_total" db:"realized_pnl_total"`
}
