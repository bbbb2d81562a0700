package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/metrics"
	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/rules"
	"github.com/stockwars/sim-engine/internal/store"
)

// Reject reason codes specific to basket execution.
const (
	ReasonInvalidSide         = "INVALID_SIDE"
	ReasonInvalidTotalAmount  = "INVALID_TOTAL_AMOUNT"
	ReasonInvalidAllocations  = "INVALID_ALLOCATIONS"
	ReasonMissingInstruments  = "MISSING_INSTRUMENTS"
	ReasonAllocationOverMax   = "ALLOCATION_OVER_MAX_PCT"
	ReasonAllocationTooSmall  = "ALLOCATION_TOO_SMALL"
	ReasonInvalidPrice        = "INVALID_PRICE"
	ReasonNoPosition          = "NO_POSITION"
	ReasonPositionSizeLimit   = "POSITION_SIZE_LIMIT"
)

// Scheduling errors.
var (
	// ErrScheduleLocked means the competition starts too soon for scheduled
	// orders to be created or cancelled.
	ErrScheduleLocked = errors.New("engine: scheduled orders are locked this close to competition start")

	// ErrNotPending means the scheduled order is no longer cancellable.
	ErrNotPending = errors.New("engine: scheduled order is not pending")

	// ErrNotOwner means the scheduled order belongs to another participant.
	ErrNotOwner = errors.New("engine: scheduled order belongs to another participant")
)

// BasketOrderRequest is a multi-leg trade: a total amount split across
// instruments by percentage (0-100, must total 100).
type BasketOrderRequest struct {
	ParticipantID     string
	BasketName        string
	Side              model.OrderSide
	TotalAmount       decimal.Decimal
	PctByInstrumentID map[string]decimal.Decimal

	// IgnoreCompetitionWindow lets the batch executor fill scheduled orders
	// for competitions that have not opened yet (--include-future runs). The
	// participant-active check still applies.
	IgnoreCompetitionWindow bool
}

// BasketLeg is one executed (or planned) leg of a basket order.
type BasketLeg struct {
	InstrumentID string          `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Side         model.OrderSide `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Notional     decimal.Decimal `json:"notional"`
	OrderID      string          `json:"order_id,omitempty"`
}

// BasketResult reports the outcome of a basket execution. Basket rejections
// are all-or-nothing: no orders persist when any leg fails validation.
type BasketResult struct {
	OK      bool
	Reason  string
	Message string
	Legs    []BasketLeg
}

func basketReject(reason, message string) *BasketResult {
	metrics.OrdersRejected.WithLabelValues(reason).Inc()
	return &BasketResult{OK: false, Reason: reason, Message: message}
}

// parseWeights normalizes incoming percentages (0-100) into weights (0-1).
// Each must be > 0 and the total must be exactly 100.
func parseWeights(pcts map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	weights := make(map[string]decimal.Decimal, len(pcts))
	total := decimal.Zero
	for id, pct := range pcts {
		if !pct.IsPositive() {
			return nil, fmt.Errorf("percent must be > 0 for each symbol")
		}
		total = total.Add(pct)
		weights[id] = pct.Div(decimal.NewFromInt(100))
	}
	if !roundMoney(total).Equal(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("allocations must total 100%%")
	}
	return weights, nil
}

// ExecuteBasketOrder executes a basket BUY or SELL as a set of immediate
// MARKET fills, one per instrument. Quotes for every leg are refreshed before
// pricing; validation is all-or-nothing across legs.
func (e *Engine) ExecuteBasketOrder(ctx context.Context, req BasketOrderRequest) (*BasketResult, error) {
	now := e.now()

	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return basketReject(ReasonInvalidSide, "Invalid side."), nil
	}

	totalAmount := roundMoney(req.TotalAmount)
	if !totalAmount.IsPositive() {
		return basketReject(ReasonInvalidTotalAmount, "Total amount must be > 0."), nil
	}

	weights, err := parseWeights(req.PctByInstrumentID)
	if err != nil {
		return basketReject(ReasonInvalidAllocations, err.Error()), nil
	}
	if len(weights) == 0 {
		return basketReject(ReasonInvalidAllocations, "allocations must total 100%"), nil
	}

	instrumentIDs := make([]string, 0, len(weights))
	for id := range weights {
		instrumentIDs = append(instrumentIDs, id)
	}
	sort.Strings(instrumentIDs)

	instruments := make(map[string]*model.Instrument, len(instrumentIDs))
	for _, id := range instrumentIDs {
		inst, err := e.store.GetInstrument(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return basketReject(ReasonMissingInstruments, "One or more basket symbols are missing instruments."), nil
			}
			return nil, err
		}
		instruments[id] = inst
	}

	// Refresh every leg's quote before the transaction opens.
	quotesByID := make(map[string]*model.Quote, len(instrumentIDs))
	for _, id := range instrumentIDs {
		q := e.quotes.Refresh(ctx, instruments[id])
		if q == nil {
			metrics.QuoteRefreshFailures.Inc()
			return basketReject(ReasonQuoteRefreshFailed,
				fmt.Sprintf("Could not refresh quote for %s. Please try again.", instruments[id].Symbol)), nil
		}
		quotesByID[id] = q
	}

	var result *BasketResult
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := e.executeBasketLocked(ctx, tx, req, totalAmount, weights, instrumentIDs, instruments, quotesByID, now)
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
		metrics.OrdersFilled.WithLabelValues(string(req.Side)).Add(float64(len(result.Legs)))
		e.recordSnapshot(ctx, req.ParticipantID, now)
		slog.Info("basket order executed",
			"participant", req.ParticipantID,
			"basket", req.BasketName,
			"side", req.Side,
			"legs", len(result.Legs),
			"total_amount", totalAmount.String(),
		)
	}
	return result, nil
}

func (e *Engine) executeBasketLocked(
	ctx context.Context,
	tx store.Tx,
	req BasketOrderRequest,
	totalAmount decimal.Decimal,
	weights map[string]decimal.Decimal,
	instrumentIDs []string,
	instruments map[string]*model.Instrument,
	quotesByID map[string]*model.Quote,
	now time.Time,
) (*BasketResult, error) {
	participant, err := tx.GetParticipantForUpdate(ctx, req.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("load participant %s: %w", req.ParticipantID, err)
	}
	if participant.Status != model.ParticipantActive {
		return basketReject(ReasonParticipantNotActive, "Participant not active."), nil
	}

	competition, err := tx.GetCompetition(ctx, participant.CompetitionID)
	if err != nil {
		return nil, fmt.Errorf("load competition %s: %w", participant.CompetitionID, err)
	}
	windowOK := req.IgnoreCompetitionWindow ||
		(!now.Before(competition.WeekStartAt) && !now.After(competition.WeekEndAt))
	if competition.Status != model.CompetitionPublished || !windowOK {
		return basketReject(ReasonCompetitionNotActive, "Competition not active."), nil
	}

	policy := rules.For(competition)

	// The per-symbol allocation cap applies to the requested % split, before
	// any share math.
	maxAllocPct := rules.DefaultMaxSingleBuyPct
	if competition.Type == model.CompetitionAdvanced && competition.MaxSingleSymbolPct != nil {
		maxAllocPct = *competition.MaxSingleSymbolPct
	}
	for _, id := range instrumentIDs {
		pct := weights[id].Mul(decimal.NewFromInt(100))
		if pct.GreaterThan(maxAllocPct.Mul(decimal.NewFromInt(100))) {
			return basketReject(ReasonAllocationOverMax, fmt.Sprintf(
				"%s allocation exceeds the competition max per-symbol percent (%s%%).",
				instruments[id].Symbol, maxAllocPct.Mul(decimal.NewFromInt(100)))), nil
		}
	}

	if req.Side == model.SideBuy && totalAmount.GreaterThan(roundMoney(participant.CashBalance)) {
		return basketReject(ReasonInsufficientCash, "Insufficient cash / buying power."), nil
	}

	// Lock existing positions in instrument id order; BUYs create zero rows
	// up front so every leg holds its lock before any fill is applied.
	positions := make(map[string]*model.Position, len(instrumentIDs))
	for _, id := range instrumentIDs {
		pos, err := tx.GetPositionForUpdate(ctx, participant.ID, id)
		if err == nil {
			positions[id] = pos
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if req.Side == model.SideBuy {
			pos, err = e.lockOrCreatePosition(ctx, tx, participant.ID, id)
			if err != nil {
				return nil, err
			}
			positions[id] = pos
		}
	}

	held, err := tx.ListHeldPositions(ctx, participant.ID)
	if err != nil {
		return nil, err
	}

	if req.Side == model.SideBuy {
		newSymbols := 0
		for _, id := range instrumentIDs {
			if pos := positions[id]; pos == nil || pos.Quantity <= 0 {
				newSymbols++
			}
		}
		if policy.ExceedsSymbolCap(len(held), newSymbols) {
			return basketReject(ReasonMaxSymbolsExceeded, fmt.Sprintf(
				"This competition allows at most %d symbols in your portfolio. Reduce the number of new symbols in your basket.",
				policy.MaxSymbols)), nil
		}
	}

	// Total equity for the concentration rule, preferring the just-refreshed
	// basket quotes over older cached ones.
	equity := participant.CashBalance
	for _, pos := range held {
		var price decimal.Decimal
		if q, ok := quotesByID[pos.InstrumentID]; ok {
			price = q.Price
		} else {
			q, err := tx.LatestQuote(ctx, pos.InstrumentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			price = q.Price
		}
		equity = equity.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
	}

	// Plan legs: share counts from the requested split, floored.
	legs := make([]BasketLeg, 0, len(instrumentIDs))
	for _, id := range instrumentIDs {
		price := quotesByID[id].Price
		if !price.IsPositive() {
			return basketReject(ReasonInvalidPrice,
				fmt.Sprintf("Invalid price for %s.", instruments[id].Symbol)), nil
		}
		targetNotional := totalAmount.Mul(weights[id])
		shares := targetNotional.Div(price).Floor().IntPart()
		if shares < 1 {
			return basketReject(ReasonAllocationTooSmall, fmt.Sprintf(
				"Allocation too small to trade at least 1 share of %s at $%s.",
				instruments[id].Symbol, roundMoney(price))), nil
		}
		legs = append(legs, BasketLeg{
			InstrumentID: id,
			Symbol:       instruments[id].Symbol,
			Side:         req.Side,
			Quantity:     shares,
			Price:        price,
			Notional:     roundMoney(price.Mul(decimal.NewFromInt(shares))),
		})
	}

	if req.Side == model.SideBuy {
		totalNotional := decimal.Zero
		for _, l := range legs {
			totalNotional = totalNotional.Add(l.Notional)
		}
		if roundMoney(totalNotional).GreaterThan(participant.CashBalance) {
			return basketReject(ReasonInsufficientCash, "Insufficient cash / buying power."), nil
		}
	} else {
		for _, l := range legs {
			pos := positions[l.InstrumentID]
			if pos == nil || pos.Quantity <= 0 {
				return basketReject(ReasonNoPosition,
					fmt.Sprintf("You do not currently hold shares of %s.", l.Symbol)), nil
			}
			if pos.Quantity < l.Quantity {
				return basketReject(ReasonInsufficientShares,
					fmt.Sprintf("Insufficient shares of %s to sell %d.", l.Symbol, l.Quantity)), nil
			}
		}
	}

	// Per-symbol concentration cap against projected position value.
	if req.Side == model.SideBuy {
		for _, l := range legs {
			var existingQty int64
			if pos := positions[l.InstrumentID]; pos != nil {
				existingQty = pos.Quantity
			}
			if breach := policy.CheckConcentration(equity, l.Price, existingQty, l.Quantity); breach != nil {
				return basketReject(ReasonPositionSizeLimit, fmt.Sprintf(
					"Single stock purchases cannot exceed the competition's max %% of your total equity. %s is over the limit by $%s.",
					l.Symbol, breach.OverLimitValue)), nil
			}
		}
	}

	// Execute: one FILLED order plus fill per leg, standard ledger entries
	// tagged with the basket name so history works unchanged.
	memo := "BASKET:" + req.BasketName
	executed := make([]BasketLeg, 0, len(legs))
	for _, l := range legs {
		order := &model.Order{
			ID:             uuid.New().String(),
			ParticipantID:  participant.ID,
			InstrumentID:   l.InstrumentID,
			Side:           req.Side,
			Type:           model.TypeMarket,
			Quantity:       l.Quantity,
			Status:         model.StatusFilled,
			CreatedAt:      now,
			SubmittedPrice: &l.Price,
			QuoteAsOf:      &quotesByID[l.InstrumentID].AsOf,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return nil, err
		}

		position := positions[l.InstrumentID]
		if position == nil {
			position, err = tx.GetPositionForUpdate(ctx, participant.ID, l.InstrumentID)
			if err != nil {
				return nil, err
			}
		}

		if _, err := e.applyFill(ctx, tx, participant, position, order, l.Price, l.Quantity, now, memo); err != nil {
			return nil, err
		}

		l.OrderID = order.ID
		executed = append(executed, l)
	}

	return &BasketResult{
		OK:      true,
		Message: fmt.Sprintf("Basket order executed: %d leg(s).", len(executed)),
		Legs:    executed,
	}, nil
}

// ScheduleBasketOrder queues a basket trade for a competition that has not
// started yet. The order executes at the first batch run after start.
func (e *Engine) ScheduleBasketOrder(ctx context.Context, req BasketOrderRequest) (*model.ScheduledBasketOrder, *BasketResult, error) {
	now := e.now()

	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, basketReject(ReasonInvalidSide, "Invalid side."), nil
	}
	totalAmount := roundMoney(req.TotalAmount)
	if !totalAmount.IsPositive() {
		return nil, basketReject(ReasonInvalidTotalAmount, "Total amount must be > 0."), nil
	}
	weights, err := parseWeights(req.PctByInstrumentID)
	if err != nil || len(weights) == 0 {
		return nil, basketReject(ReasonInvalidAllocations, "Allocations must total 100%."), nil
	}

	participant, err := e.store.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, nil, err
	}
	competition, err := e.store.GetCompetition(ctx, participant.CompetitionID)
	if err != nil {
		return nil, nil, err
	}

	// Changes freeze shortly before start so the batch executor works from a
	// stable queue.
	if !now.Before(competition.WeekStartAt.Add(-e.scheduleLockWindow)) {
		return nil, nil, ErrScheduleLocked
	}

	// No fills exist yet, so a pre-start BUY validates against starting cash.
	if req.Side == model.SideBuy && totalAmount.GreaterThan(participant.StartingCash) {
		return nil, basketReject(ReasonInsufficientCash, "Insufficient cash / buying power."), nil
	}

	order := &model.ScheduledBasketOrder{
		ID:            uuid.New().String(),
		ParticipantID: participant.ID,
		BasketName:    req.BasketName,
		Side:          req.Side,
		TotalAmount:   totalAmount,
		Status:        model.ScheduledPending,
		CreatedAt:     now,
	}
	legs := make([]model.ScheduledBasketOrderLeg, 0, len(weights))
	for id, w := range weights {
		legs = append(legs, model.ScheduledBasketOrderLeg{
			ID:           uuid.New().String(),
			OrderID:      order.ID,
			InstrumentID: id,
			Pct:          w.Mul(decimal.NewFromInt(100)),
		})
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].InstrumentID < legs[j].InstrumentID })

	if err := e.store.InsertScheduledBasketOrder(ctx, order, legs); err != nil {
		return nil, nil, err
	}

	slog.Info("basket order scheduled",
		"scheduled_order_id", order.ID,
		"participant", participant.ID,
		"basket", req.BasketName,
		"side", req.Side,
		"total_amount", totalAmount.String(),
	)
	return order, &BasketResult{OK: true, Message: "Basket order scheduled for competition start."}, nil
}

// CancelScheduledBasketOrder cancels a PENDING scheduled order, subject to
// the same pre-start lock window as scheduling.
func (e *Engine) CancelScheduledBasketOrder(ctx context.Context, orderID, participantID string) error {
	now := e.now()

	order, _, err := e.store.GetScheduledBasketOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.ParticipantID != participantID {
		return ErrNotOwner
	}
	if order.Status != model.ScheduledPending {
		return ErrNotPending
	}

	participant, err := e.store.GetParticipant(ctx, order.ParticipantID)
	if err != nil {
		return err
	}
	competition, err := e.store.GetCompetition(ctx, participant.CompetitionID)
	if err != nil {
		return err
	}
	if !now.Before(competition.WeekStartAt.Add(-e.scheduleLockWindow)) {
		return ErrScheduleLocked
	}

	order.Status = model.ScheduledCancelled
	return e.store.UpdateScheduledBasketOrder(ctx, order)
}
