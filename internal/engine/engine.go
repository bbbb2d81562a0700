// Package engine executes orders and basket orders against cached quotes,
// maintaining virtual cash, positions, and the append-only cash ledger.
//
// Execution discipline: quote refresh happens before the transaction opens
// (network calls never run under row locks). Inside the transaction the
// participant row is locked first, then position rows ordered by instrument
// id. Business rejections persist a REJECTED order and commit; only
// infrastructure errors roll back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/metrics"
	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/pricing"
	"github.com/stockwars/sim-engine/internal/quotes"
	"github.com/stockwars/sim-engine/internal/rules"
	"github.com/stockwars/sim-engine/internal/snapshot"
	"github.com/stockwars/sim-engine/internal/store"
)

// Reject reason codes persisted on REJECTED orders. Stable API: clients match
// on these strings.
const (
	ReasonQuoteRefreshFailed   = "QUOTE_REFRESH_FAILED"
	ReasonNoQuoteAvailable     = "NO_QUOTE_AVAILABLE"
	ReasonLimitPriceRequired   = "LIMIT_PRICE_REQUIRED"
	ReasonLimitNotMarketable   = "LIMIT_NOT_MARKETABLE_AT_LATEST_PRICE"
	ReasonParticipantNotActive = "PARTICIPANT_NOT_ACTIVE"
	ReasonCompetitionNotActive = "COMPETITION_NOT_ACTIVE"
	ReasonMaxSymbolsExceeded   = "MAX_SYMBOLS_EXCEEDED"
	ReasonInsufficientCash     = "INSUFFICIENT_CASH"
	ReasonInsufficientShares   = "INSUFFICIENT_SHARES"
)

// DefaultMaxQuoteAge is how old a cached quote may be before an order is
// rejected as stale.
const DefaultMaxQuoteAge = 300 * time.Second

// DefaultScheduleLockWindow is how close to competition start a scheduled
// basket order may still be created or cancelled.
const DefaultScheduleLockWindow = 10 * time.Minute

// Config carries the engine's tunables.
type Config struct {
	MaxQuoteAge        time.Duration
	ScheduleLockWindow time.Duration
}

// Engine executes trades. Safe for concurrent use; serialization happens at
// the participant row lock.
type Engine struct {
	store     store.Store
	quotes    *quotes.Service
	snapshots *snapshot.Service

	maxQuoteAge        time.Duration
	scheduleLockWindow time.Duration

	now func() time.Time
}

// New creates an engine. Zero config fields fall back to defaults.
func New(st store.Store, qs *quotes.Service, snaps *snapshot.Service, cfg Config) *Engine {
	if cfg.MaxQuoteAge <= 0 {
		cfg.MaxQuoteAge = DefaultMaxQuoteAge
	}
	if cfg.ScheduleLockWindow <= 0 {
		cfg.ScheduleLockWindow = DefaultScheduleLockWindow
	}
	return &Engine{
		store:              st,
		quotes:             qs,
		snapshots:          snaps,
		maxQuoteAge:        cfg.MaxQuoteAge,
		scheduleLockWindow: cfg.ScheduleLockWindow,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// OrderRequest is a single-instrument trade intent.
type OrderRequest struct {
	ParticipantID string
	InstrumentID  string
	Side          model.OrderSide
	Type          model.OrderType
	Quantity      int64
	LimitPrice    *decimal.Decimal

	// QueuedOrderID reuses an existing SUBMITTED pre-start order row, which
	// transitions in place instead of creating a fresh order.
	QueuedOrderID string
}

// ExecutionResult reports the outcome of one order.
type ExecutionResult struct {
	OK      bool
	Order   *model.Order
	Fill    *model.TradeFill
	Message string
	Warning string

	// Breach carries concentration-cap rejection details for actionable
	// client guidance. Nil unless the reject reason is a position size limit.
	Breach *rules.ConcentrationBreach
}

// orderWriter is satisfied by both store.Store and store.Tx so rejected
// orders can be persisted outside or inside the transaction.
type orderWriter interface {
	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error
}

func roundMoney(v decimal.Decimal) decimal.Decimal { return v.Round(2) }

// ExecuteOrder executes a MARKET or marketable LIMIT order immediately at the
// latest cached quote. Non-marketable LIMIT orders are rejected outright
// (there is no resting order book).
func (e *Engine) ExecuteOrder(ctx context.Context, req OrderRequest) (*ExecutionResult, error) {
	start := time.Now()
	now := e.now()

	var queued *model.Order
	if req.QueuedOrderID != "" {
		o, err := e.store.GetOrder(ctx, req.QueuedOrderID)
		if err == nil && o.ParticipantID == req.ParticipantID {
			queued = o
		}
	}

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("engine: quantity must be positive, got %d", req.Quantity)
	}

	inst, err := e.store.GetInstrument(ctx, req.InstrumentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// MARKET orders always refresh the quote first and fill at the refreshed
	// price. This runs before the transaction: provider calls must never
	// happen under row locks.
	var latest *model.Quote
	if req.Type == model.TypeMarket && inst != nil {
		latest = e.quotes.Refresh(ctx, inst)
		if latest == nil {
			metrics.QuoteRefreshFailures.Inc()
			order, err := e.persistOrder(ctx, e.store, req, queued, now, model.StatusRejected, nil, nil, ReasonQuoteRefreshFailed)
			if err != nil {
				return nil, err
			}
			return e.rejected(order, "Could not refresh quote for market order. Please try again."), nil
		}
	} else {
		q, err := e.store.LatestQuote(ctx, req.InstrumentID)
		if err == nil {
			latest = q
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if latest == nil && inst != nil {
		// On-demand fetch for previously unseen symbols.
		latest = e.quotes.Refresh(ctx, inst)
	}
	if latest == nil {
		order, err := e.persistOrder(ctx, e.store, req, queued, now, model.StatusRejected, nil, nil, ReasonNoQuoteAvailable)
		if err != nil {
			return nil, err
		}
		return e.rejected(order, "No quote available."), nil
	}

	if age := now.Sub(latest.AsOf); age > e.maxQuoteAge {
		// One refresh attempt, then reject with the observed age either way.
		if inst != nil {
			if refreshed := e.quotes.Refresh(ctx, inst); refreshed != nil {
				latest = refreshed
				age = now.Sub(latest.AsOf)
			}
		}
		reason := fmt.Sprintf("QUOTE_STALE_%ds", int(age.Seconds()))
		order, err := e.persistOrder(ctx, e.store, req, queued, now, model.StatusRejected, &latest.Price, &latest.AsOf, reason)
		if err != nil {
			return nil, err
		}
		return e.rejected(order, fmt.Sprintf("Quote is stale (%ds old). Try again after refresh.", int(age.Seconds()))), nil
	}

	fillPrice := latest.Price

	if req.Type == model.TypeLimit {
		if req.LimitPrice == nil {
			order, err := e.persistOrder(ctx, e.store, req, queued, now, model.StatusRejected, &fillPrice, &latest.AsOf, ReasonLimitPriceRequired)
			if err != nil {
				return nil, err
			}
			return e.rejected(order, "Limit price required."), nil
		}
		marketable := (req.Side == model.SideBuy && !fillPrice.GreaterThan(*req.LimitPrice)) ||
			(req.Side == model.SideSell && !fillPrice.LessThan(*req.LimitPrice))
		if !marketable {
			order, err := e.persistOrder(ctx, e.store, req, queued, now, model.StatusRejected, &fillPrice, &latest.AsOf, ReasonLimitNotMarketable)
			if err != nil {
				return nil, err
			}
			return e.rejected(order, "Limit order not marketable at latest price."), nil
		}
	}

	var result *ExecutionResult
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := e.executeLocked(ctx, tx, req, queued, latest, fillPrice, now)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.OK {
		metrics.OrdersFilled.WithLabelValues(string(req.Side)).Inc()
		metrics.OrderLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
		e.recordSnapshot(ctx, req.ParticipantID, now)
		slog.Info("order filled",
			"order_id", result.Order.ID,
			"participant", req.ParticipantID,
			"side", req.Side,
			"qty", req.Quantity,
			"price", result.Fill.Price.String(),
			"notional", result.Fill.Notional.String(),
		)
	}
	return result, nil
}

// executeLocked runs the in-transaction part of order execution. Business
// rejections return a result with a nil error so the REJECTED order row
// commits.
func (e *Engine) executeLocked(ctx context.Context, tx store.Tx, req OrderRequest, queued *model.Order, quote *model.Quote, fillPrice decimal.Decimal, now time.Time) (*ExecutionResult, error) {
	participant, err := tx.GetParticipantForUpdate(ctx, req.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("load participant %s: %w", req.ParticipantID, err)
	}

	reject := func(reason, message string) (*ExecutionResult, error) {
		order, err := e.persistOrder(ctx, tx, req, queued, now, model.StatusRejected, &fillPrice, &quote.AsOf, reason)
		if err != nil {
			return nil, err
		}
		return e.rejected(order, message), nil
	}

	if participant.Status != model.ParticipantActive {
		return reject(ReasonParticipantNotActive, "Participant not active.")
	}

	competition, err := tx.GetCompetition(ctx, participant.CompetitionID)
	if err != nil {
		return nil, fmt.Errorf("load competition %s: %w", participant.CompetitionID, err)
	}
	if !competition.IsActive(now) {
		return reject(ReasonCompetitionNotActive, "Competition not active.")
	}

	position, err := e.lockOrCreatePosition(ctx, tx, participant.ID, req.InstrumentID)
	if err != nil {
		return nil, err
	}
	existingQty := position.Quantity

	policy := rules.For(competition)

	// Advanced competitions may price MARKET buys at a synthetic bid/ask
	// instead of last.
	if competition.Type == model.CompetitionAdvanced &&
		req.Side == model.SideBuy && req.Type == model.TypeMarket {
		derived, err := pricing.DerivePrice(quote.Price, policy.MarketBuyPriceSource, policy.SpreadBPS)
		if err == nil {
			fillPrice = derived
		}
	}
	notional := roundMoney(fillPrice.Mul(decimal.NewFromInt(req.Quantity)))

	if req.Side == model.SideBuy {
		held, err := tx.ListHeldPositions(ctx, participant.ID)
		if err != nil {
			return nil, err
		}

		newSymbols := 0
		if existingQty <= 0 {
			newSymbols = 1
		}
		if policy.ExceedsSymbolCap(len(held), newSymbols) {
			return reject(ReasonMaxSymbolsExceeded, fmt.Sprintf(
				"This competition allows at most %d symbols in your portfolio. Sell an existing position before buying a new symbol.",
				policy.MaxSymbols))
		}

		equity, err := e.totalEquity(ctx, tx, participant, held, req.InstrumentID, fillPrice)
		if err != nil {
			return nil, err
		}
		if breach := policy.CheckConcentration(equity, fillPrice, existingQty, req.Quantity); breach != nil {
			order, err := e.persistOrder(ctx, tx, req, queued, now, model.StatusRejected, &fillPrice, &quote.AsOf, breach.Reason)
			if err != nil {
				return nil, err
			}
			res := e.rejected(order, "Single stock purchases cannot exceed the competition's max % of your total equity. Reduce shares and try again.")
			res.Breach = breach
			return res, nil
		}

		if participant.CashBalance.LessThan(notional) {
			return reject(ReasonInsufficientCash, "Insufficient cash.")
		}
	} else {
		if position.Quantity < req.Quantity {
			return reject(ReasonInsufficientShares, "Insufficient shares.")
		}
	}

	order, err := e.persistOrder(ctx, tx, req, queued, now, model.StatusFilled, &fillPrice, &quote.AsOf, "")
	if err != nil {
		return nil, err
	}

	fill, err := e.applyFill(ctx, tx, participant, position, order, fillPrice, req.Quantity, now, "")
	if err != nil {
		return nil, err
	}

	// Soft minimum-symbols rule: the SELL proceeds, with a warning when the
	// portfolio drops below the competition minimum.
	warning := ""
	if req.Side == model.SideSell && policy.MinSymbols > 0 {
		remaining, err := tx.ListHeldPositions(ctx, participant.ID)
		if err != nil {
			return nil, err
		}
		if policy.BelowMinSymbols(len(remaining)) {
			warning = fmt.Sprintf(
				"Warning: this competition requires at least %d symbols. You may be disqualified if you remain below the minimum.",
				policy.MinSymbols)
		}
	}

	return &ExecutionResult{
		OK:      true,
		Order:   order,
		Fill:    fill,
		Message: fmt.Sprintf("Filled %s %d @ %s (quote as of %s).", req.Side, req.Quantity, fillPrice, quote.AsOf.Format(time.RFC3339)),
		Warning: warning,
	}, nil
}

// lockOrCreatePosition locks the (participant, instrument) position row,
// creating a zero-quantity row first if none exists. A creation race loses to
// the concurrent insert and re-fetches under the lock.
func (e *Engine) lockOrCreatePosition(ctx context.Context, tx store.Tx, participantID, instrumentID string) (*model.Position, error) {
	position, err := tx.GetPositionForUpdate(ctx, participantID, instrumentID)
	if err == nil {
		return position, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	position = &model.Position{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		InstrumentID:  instrumentID,
		Quantity:      0,
		AvgCostBasis:  decimal.Zero,
	}
	if err := tx.CreatePosition(ctx, position); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return tx.GetPositionForUpdate(ctx, participantID, instrumentID)
		}
		return nil, err
	}
	return position, nil
}

// totalEquity computes cash plus market value of held positions at the latest
// cached quotes. The traded instrument is valued at the fill price; positions
// with no quote on record contribute nothing.
func (e *Engine) totalEquity(ctx context.Context, tx store.Tx, participant *model.Participant, held []model.Position, instrumentID string, fillPrice decimal.Decimal) (decimal.Decimal, error) {
	equity := participant.CashBalance
	for _, pos := range held {
		var price decimal.Decimal
		if pos.InstrumentID == instrumentID {
			price = fillPrice
		} else {
			q, err := tx.LatestQuote(ctx, pos.InstrumentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return decimal.Zero, err
			}
			price = q.Price
		}
		equity = equity.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return equity, nil
}

// applyFill books a fill: the TradeFill row, position quantity and average
// cost, the participant's cash balance, and the ledger entry. A position sold
// to zero is deleted, never kept as an empty row.
func (e *Engine) applyFill(ctx context.Context, tx store.Tx, participant *model.Participant, position *model.Position, order *model.Order, fillPrice decimal.Decimal, quantity int64, now time.Time, memo string) (*model.TradeFill, error) {
	notional := roundMoney(fillPrice.Mul(decimal.NewFromInt(quantity)))

	realized := decimal.Zero.Round(2)
	if order.Side == model.SideSell {
		realized = roundMoney(fillPrice.Sub(position.AvgCostBasis).Mul(decimal.NewFromInt(quantity)))
	}

	fill := &model.TradeFill{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		FilledAt:    now,
		Price:       fillPrice,
		Quantity:    quantity,
		Notional:    notional,
		RealizedPnL: realized,
	}
	if err := tx.InsertFill(ctx, fill); err != nil {
		return nil, err
	}

	entry := &model.CashLedgerEntry{
		ID:            uuid.New().String(),
		ParticipantID: participant.ID,
		AsOf:          now,
		ReferenceType: "ORDER",
		ReferenceID:   order.ID,
		Memo:          memo,
	}

	if order.Side == model.SideBuy {
		oldQty := position.Quantity
		newQty := oldQty + quantity
		oldCost := position.AvgCostBasis.Mul(decimal.NewFromInt(oldQty))
		newCost := oldCost.Add(fillPrice.Mul(decimal.NewFromInt(quantity)))
		position.AvgCostBasis = newCost.Div(decimal.NewFromInt(newQty))
		position.Quantity = newQty
		if err := tx.UpdatePosition(ctx, position); err != nil {
			return nil, err
		}

		participant.CashBalance = participant.CashBalance.Sub(notional)
		entry.DeltaAmount = notional.Neg()
		entry.Reason = model.ReasonTradeBuy
	} else {
		position.Quantity -= quantity
		if position.Quantity == 0 {
			if err := tx.DeletePosition(ctx, position.ID); err != nil {
				return nil, err
			}
		} else {
			if err := tx.UpdatePosition(ctx, position); err != nil {
				return nil, err
			}
		}

		participant.CashBalance = participant.CashBalance.Add(notional)
		entry.DeltaAmount = notional
		entry.Reason = model.ReasonTradeSell
	}

	if err := tx.UpdateParticipant(ctx, participant); err != nil {
		return nil, err
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	return fill, nil
}

// persistOrder writes the order row for this execution attempt. A queued
// pre-start order is reused and transitions in place; otherwise a fresh row
// is inserted.
func (e *Engine) persistOrder(ctx context.Context, w orderWriter, req OrderRequest, queued *model.Order, now time.Time, status model.OrderStatus, submittedPrice *decimal.Decimal, quoteAsOf *time.Time, rejectReason string) (*model.Order, error) {
	if status == model.StatusRejected {
		metrics.OrdersRejected.WithLabelValues(rejectReason).Inc()
	}

	if queued != nil {
		queued.InstrumentID = req.InstrumentID
		queued.Side = req.Side
		queued.Type = req.Type
		queued.Quantity = req.Quantity
		queued.LimitPrice = req.LimitPrice
		queued.Status = status
		queued.SubmittedPrice = submittedPrice
		queued.QuoteAsOf = quoteAsOf
		queued.RejectReason = rejectReason
		if err := w.UpdateOrder(ctx, queued); err != nil {
			return nil, err
		}
		return queued, nil
	}

	order := &model.Order{
		ID:             uuid.New().String(),
		ParticipantID:  req.ParticipantID,
		InstrumentID:   req.InstrumentID,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		Status:         status,
		CreatedAt:      now,
		SubmittedPrice: submittedPrice,
		QuoteAsOf:      quoteAsOf,
		RejectReason:   rejectReason,
	}
	if err := w.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (e *Engine) rejected(order *model.Order, message string) *ExecutionResult {
	slog.Info("order rejected",
		"order_id", order.ID,
		"participant", order.ParticipantID,
		"reason", order.RejectReason,
	)
	return &ExecutionResult{OK: false, Order: order, Message: message}
}

// recordSnapshot records a portfolio snapshot after a fill. Best-effort:
// failures are counted and logged, never surfaced to the trade path.
func (e *Engine) recordSnapshot(ctx context.Context, participantID string, asOf time.Time) {
	participant, err := e.store.GetParticipant(ctx, participantID)
	if err == nil {
		err = e.snapshots.Record(ctx, participant, asOf)
	}
	if err != nil {
		metrics.SnapshotFailures.Inc()
		slog.Warn("portfolio snapshot failed", "participant", participantID, "error", err)
	}
}
