// Package snapshot computes point-in-time portfolio valuations for
// leaderboard charts. Snapshots are a best-effort side effect of fills; the
// engine never fails a trade because a snapshot could not be written.
package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/store"
)

// Service computes and persists portfolio snapshots.
type Service struct {
	store store.Store
}

// NewService creates a snapshot service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Compute values a participant's portfolio at the latest cached quotes.
// Positions with no quote on record contribute nothing to holdings value.
func (s *Service) Compute(ctx context.Context, participant *model.Participant, asOf time.Time) (*model.PortfolioSnapshot, error) {
	positions, err := s.store.ListHeldPositions(ctx, participant.ID)
	if err != nil {
		return nil, err
	}

	holdings := decimal.Zero
	unrealized := decimal.Zero
	for _, pos := range positions {
		q, err := s.store.LatestQuote(ctx, pos.InstrumentID)
		if err != nil {
			continue
		}
		qty := decimal.NewFromInt(pos.Quantity)
		holdings = holdings.Add(q.Price.Mul(qty))
		unrealized = unrealized.Add(q.Price.Sub(pos.AvgCostBasis).Mul(qty))
	}

	total := participant.CashBalance.Add(holdings)
	returnPct := decimal.Zero
	if participant.StartingCash.IsPositive() {
		returnPct = total.Sub(participant.StartingCash).Div(participant.StartingCash)
	}

	realized, err := s.store.SumRealizedPnL(ctx, participant.ID)
	if err != nil {
		return nil, err
	}

	return &model.PortfolioSnapshot{
		ID:                  uuid.New().String(),
		ParticipantID:       participant.ID,
		AsOf:                asOf,
		CashBalance:         participant.CashBalance,
		HoldingsValue:       holdings.Round(2),
		TotalValue:          total.Round(2),
		ReturnPctSinceStart: returnPct.Round(6),
		UnrealizedPnL:       unrealized.Round(2),
		RealizedPnLTotal:    realized.Round(2),
	}, nil
}

// Record computes and persists a snapshot.
func (s *Service) Record(ctx context.Context, participant *model.Participant, asOf time.Time) error {
	snap, err := s.Compute(ctx, participant, asOf)
	if err != nil {
		return err
	}
	return s.store.InsertSnapshot(ctx, snap)
}
