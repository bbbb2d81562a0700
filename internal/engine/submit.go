package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stockwars/sim-engine/internal/model"
)

// queuedPrestartMarker tags SUBMITTED orders awaiting the batch executor. It
// lives in the reject_reason column so the order schema stays unchanged; the
// executor clears it when the order transitions.
const queuedPrestartMarker = "QUEUED_PRESTART"

// SubmitOrder routes a single-instrument order: before the competition opens
// it is queued as SUBMITTED for the batch executor; once open it executes
// immediately.
func (e *Engine) SubmitOrder(ctx context.Context, req OrderRequest) (*ExecutionResult, error) {
	participant, err := e.store.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	competition, err := e.store.GetCompetition(ctx, participant.CompetitionID)
	if err != nil {
		return nil, err
	}

	if e.now().Before(competition.WeekStartAt) &&
		competition.Status == model.CompetitionPublished &&
		participant.Status == model.ParticipantActive {
		order, err := e.queueOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		return &ExecutionResult{
			OK:      true,
			Order:   order,
			Message: "Order queued for competition start.",
		}, nil
	}

	return e.ExecuteOrder(ctx, req)
}

// SubmitBasketOrder routes a basket order the same way: scheduled before
// start, executed immediately after.
func (e *Engine) SubmitBasketOrder(ctx context.Context, req BasketOrderRequest) (*BasketResult, error) {
	participant, err := e.store.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	competition, err := e.store.GetCompetition(ctx, participant.CompetitionID)
	if err != nil {
		return nil, err
	}

	if e.now().Before(competition.WeekStartAt) &&
		competition.Status == model.CompetitionPublished &&
		participant.Status == model.ParticipantActive {
		_, result, err := e.ScheduleBasketOrder(ctx, req)
		return result, err
	}

	return e.ExecuteBasketOrder(ctx, req)
}

// queueOrder persists a pre-start order in SUBMITTED state without touching
// cash or positions.
func (e *Engine) queueOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("engine: quantity must be positive, got %d", req.Quantity)
	}
	order := &model.Order{
		ID:            uuid.New().String(),
		ParticipantID: req.ParticipantID,
		InstrumentID:  req.InstrumentID,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        model.StatusSubmitted,
		CreatedAt:     e.now(),
		RejectReason:  queuedPrestartMarker,
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	slog.Info("order queued for competition start",
		"order_id", order.ID,
		"participant", order.ParticipantID,
		"side", order.Side,
		"qty", order.Quantity,
	)
	return order, nil
}
