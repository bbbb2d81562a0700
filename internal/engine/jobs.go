package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/metrics"
	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/pricing"
	"github.com/stockwars/sim-engine/internal/store"
)

// autoCloseMemo tags ledger entries written by the end-of-competition close.
const autoCloseMemo = "AUTO_CLOSE_AT_COMPETITION_END"

// RunScheduledBasketOrders executes PENDING scheduled basket orders whose
// competition has started. includeFuture also executes orders for
// competitions that have not opened yet (manual/admin runs); the
// participant-active check still applies either way.
//
// An order that fails business validation transitions to FAILED with the
// reject reason recorded; infrastructure errors leave it PENDING for the next
// run. Attempts increment on every try.
func (e *Engine) RunScheduledBasketOrders(ctx context.Context, includeFuture bool) (int, error) {
	now := e.now()

	pending, err := e.store.ListPendingScheduledBasketOrders(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range pending {
		sbo := pending[i]

		participant, err := e.store.GetParticipant(ctx, sbo.ParticipantID)
		if err != nil {
			slog.Warn("scheduled order skipped", "scheduled_order_id", sbo.ID, "error", err)
			continue
		}
		competition, err := e.store.GetCompetition(ctx, participant.CompetitionID)
		if err != nil {
			slog.Warn("scheduled order skipped", "scheduled_order_id", sbo.ID, "error", err)
			continue
		}
		if !includeFuture && now.Before(competition.WeekStartAt) {
			continue
		}

		_, legs, err := e.store.GetScheduledBasketOrder(ctx, sbo.ID)
		if err != nil {
			continue
		}
		pcts := make(map[string]decimal.Decimal, len(legs))
		for _, l := range legs {
			pcts[l.InstrumentID] = l.Pct
		}

		sbo.Attempts++

		result, err := e.ExecuteBasketOrder(ctx, BasketOrderRequest{
			ParticipantID:           sbo.ParticipantID,
			BasketName:              sbo.BasketName,
			Side:                    sbo.Side,
			TotalAmount:             sbo.TotalAmount,
			PctByInstrumentID:       pcts,
			IgnoreCompetitionWindow: includeFuture,
		})
		if err != nil {
			sbo.LastError = err.Error()
			if uerr := e.store.UpdateScheduledBasketOrder(ctx, &sbo); uerr != nil {
				slog.Warn("scheduled order update failed", "scheduled_order_id", sbo.ID, "error", uerr)
			}
			continue
		}

		if result.OK {
			executedAt := now
			sbo.Status = model.ScheduledExecuted
			sbo.ExecutedAt = &executedAt
			sbo.LastError = ""
		} else {
			sbo.Status = model.ScheduledFailed
			sbo.LastError = result.Reason
		}
		if err := e.store.UpdateScheduledBasketOrder(ctx, &sbo); err != nil {
			return processed, err
		}
		metrics.ScheduledOrdersProcessed.WithLabelValues(string(sbo.Status)).Inc()
		processed++

		slog.Info("scheduled basket order processed",
			"scheduled_order_id", sbo.ID,
			"participant", sbo.ParticipantID,
			"status", sbo.Status,
			"attempts", sbo.Attempts,
		)
	}
	return processed, nil
}

// RunQueuedOrders executes pre-start SUBMITTED single orders whose
// competition has started. Each queued row transitions in place to FILLED or
// REJECTED through the standard execution path.
func (e *Engine) RunQueuedOrders(ctx context.Context) (int, error) {
	now := e.now()

	queued, err := e.store.ListSubmittedOrders(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, o := range queued {
		participant, err := e.store.GetParticipant(ctx, o.ParticipantID)
		if err != nil {
			continue
		}
		competition, err := e.store.GetCompetition(ctx, participant.CompetitionID)
		if err != nil {
			continue
		}
		if now.Before(competition.WeekStartAt) {
			continue
		}

		if _, err := e.ExecuteOrder(ctx, OrderRequest{
			ParticipantID: o.ParticipantID,
			InstrumentID:  o.InstrumentID,
			Side:          o.Side,
			Type:          o.Type,
			Quantity:      o.Quantity,
			LimitPrice:    o.LimitPrice,
			QueuedOrderID: o.ID,
		}); err != nil {
			slog.Warn("queued order execution failed", "order_id", o.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ActivateQueuedParticipants flips QUEUED participants to ACTIVE once their
// competition opens, crediting starting cash through the ledger.
func (e *Engine) ActivateQueuedParticipants(ctx context.Context) (int, error) {
	now := e.now()

	queued, err := e.store.ListParticipantsByStatus(ctx, model.ParticipantQueued)
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, p := range queued {
		competition, err := e.store.GetCompetition(ctx, p.CompetitionID)
		if err != nil {
			continue
		}
		if competition.Status != model.CompetitionPublished || now.Before(competition.WeekStartAt) {
			continue
		}

		err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			locked, err := tx.GetParticipantForUpdate(ctx, p.ID)
			if err != nil {
				return err
			}
			if locked.Status != model.ParticipantQueued {
				return nil
			}

			locked.Status = model.ParticipantActive
			locked.CashBalance = locked.StartingCash
			if err := tx.UpdateParticipant(ctx, locked); err != nil {
				return err
			}
			return tx.InsertLedgerEntry(ctx, &model.CashLedgerEntry{
				ID:            uuid.New().String(),
				ParticipantID: locked.ID,
				AsOf:          now,
				DeltaAmount:   locked.StartingCash,
				Reason:        model.ReasonStartingCash,
				ReferenceType: "COMPETITION",
				ReferenceID:   competition.ID,
			})
		})
		if err != nil {
			slog.Warn("participant activation failed", "participant", p.ID, "error", err)
			continue
		}
		activated++
		slog.Info("participant activated", "participant", p.ID, "competition", competition.ID)
	}
	return activated, nil
}

// AutoClosePositions force-sells all open positions in ended advanced
// competitions with auto-close enabled. Fills are priced by the competition's
// auto-close price source and stamped at the competition end time. Idempotent
// via the processed-at marker, which is only set once every position closed
// cleanly; a failed quote refresh leaves the competition for the next run.
func (e *Engine) AutoClosePositions(ctx context.Context) (closed int, competitions int, err error) {
	now := e.now()

	candidates, err := e.store.ListAutoCloseCandidates(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	for i := range candidates {
		competition := candidates[i]
		endAt := competition.WeekEndAt
		hadFailure := false

		participants, err := e.store.ListParticipants(ctx, competition.ID, model.ParticipantActive)
		if err != nil {
			return closed, competitions, err
		}

		for _, p := range participants {
			positions, err := e.store.ListHeldPositions(ctx, p.ID)
			if err != nil {
				return closed, competitions, err
			}
			if len(positions) == 0 {
				continue
			}

			for _, pos := range positions {
				inst, err := e.store.GetInstrument(ctx, pos.InstrumentID)
				if err != nil {
					hadFailure = true
					continue
				}

				// Refresh so there is a recent LAST to synthesize from.
				quote := e.quotes.Refresh(ctx, inst)
				if quote == nil {
					metrics.QuoteRefreshFailures.Inc()
					slog.Warn("auto-close quote refresh failed",
						"competition", competition.ID,
						"participant", p.ID,
						"symbol", inst.Symbol,
					)
					hadFailure = true
					continue
				}

				fillPrice, derr := pricing.DerivePrice(quote.Price, competition.AutoClosePriceSource, competition.SyntheticSpreadBPS)
				if derr != nil {
					fillPrice = quote.Price
				}

				err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
					participant, err := tx.GetParticipantForUpdate(ctx, p.ID)
					if err != nil {
						return err
					}
					position, err := tx.GetPositionForUpdate(ctx, p.ID, pos.InstrumentID)
					if err != nil {
						if errors.Is(err, store.ErrNotFound) {
							return nil
						}
						return err
					}
					if position.Quantity <= 0 {
						return nil
					}

					order := &model.Order{
						ID:             uuid.New().String(),
						ParticipantID:  participant.ID,
						InstrumentID:   position.InstrumentID,
						Side:           model.SideSell,
						Type:           model.TypeMarket,
						Quantity:       position.Quantity,
						Status:         model.StatusFilled,
						CreatedAt:      now,
						SubmittedPrice: &fillPrice,
						QuoteAsOf:      &quote.AsOf,
					}
					if err := tx.InsertOrder(ctx, order); err != nil {
						return err
					}
					_, err = e.applyFill(ctx, tx, participant, position, order, fillPrice, position.Quantity, endAt, autoCloseMemo)
					return err
				})
				if err != nil {
					slog.Warn("auto-close fill failed",
						"competition", competition.ID,
						"participant", p.ID,
						"symbol", inst.Symbol,
						"error", err,
					)
					hadFailure = true
					continue
				}
				closed++
			}

			// Final snapshot at competition end. Best-effort.
			e.recordSnapshot(ctx, p.ID, endAt)
		}

		if !hadFailure {
			competition.AutoCloseProcessedAt = &now
			if err := e.store.UpdateCompetition(ctx, &competition); err != nil {
				return closed, competitions, err
			}
			competitions++
			slog.Info("competition auto-closed", "competition", competition.ID, "positions_closed", closed)
		}
	}
	return closed, competitions, nil
}

// RefreshActiveQuotes refreshes quotes for every instrument currently held by
// a participant in an active competition. Run periodically so trades fill
// against fresh prices without waiting on the provider inline.
func (e *Engine) RefreshActiveQuotes(ctx context.Context) (int, error) {
	now := e.now()

	active, err := e.store.ListParticipantsByStatus(ctx, model.ParticipantActive)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool)
	activeComps := make(map[string]bool)
	var instrumentIDs []string
	for _, p := range active {
		inWindow, ok := activeComps[p.CompetitionID]
		if !ok {
			competition, err := e.store.GetCompetition(ctx, p.CompetitionID)
			if err != nil {
				continue
			}
			inWindow = competition.IsActive(now)
			activeComps[p.CompetitionID] = inWindow
		}
		if !inWindow {
			continue
		}

		held, err := e.store.ListHeldPositions(ctx, p.ID)
		if err != nil {
			continue
		}
		for _, pos := range held {
			if !seen[pos.InstrumentID] {
				seen[pos.InstrumentID] = true
				instrumentIDs = append(instrumentIDs, pos.InstrumentID)
			}
		}
	}

	refreshed := e.quotes.RefreshActiveCompetitionSymbols(ctx, instrumentIDs)
	slog.Info("quote refresh sweep", "instruments", len(instrumentIDs), "refreshed", refreshed)
	return refreshed, nil
}

// EnforceMinSymbols disqualifies ACTIVE participants of active advanced
// competitions holding fewer than the required minimum of distinct symbols.
func (e *Engine) EnforceMinSymbols(ctx context.Context) (int, error) {
	now := e.now()

	comps, err := e.store.ListActiveAdvancedCompetitions(ctx, now)
	if err != nil {
		return 0, err
	}

	disqualified := 0
	for _, competition := range comps {
		if competition.MinSymbols <= 0 {
			continue
		}

		participants, err := e.store.ListParticipants(ctx, competition.ID, model.ParticipantActive)
		if err != nil {
			return disqualified, err
		}

		for _, p := range participants {
			err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				locked, err := tx.GetParticipantForUpdate(ctx, p.ID)
				if err != nil {
					return err
				}
				if locked.Status != model.ParticipantActive {
					return nil
				}
				held, err := tx.ListHeldPositions(ctx, locked.ID)
				if err != nil {
					return err
				}
				if len(held) >= competition.MinSymbols {
					return nil
				}
				locked.Status = model.ParticipantDisqualified
				if err := tx.UpdateParticipant(ctx, locked); err != nil {
					return err
				}
				disqualified++
				slog.Info("participant disqualified below minimum symbols",
					"participant", locked.ID,
					"competition", competition.ID,
					"held", len(held),
					"min", competition.MinSymbols,
				)
				return nil
			})
			if err != nil {
				return disqualified, err
			}
		}
	}
	return disqualified, nil
}

// LockFinishedCompetitions moves PUBLISHED competitions past their end time
// to LOCKED, locking their ACTIVE participants with them.
func (e *Engine) LockFinishedCompetitions(ctx context.Context) (int, error) {
	now := e.now()

	finished, err := e.store.ListFinishedPublishedCompetitions(ctx, now)
	if err != nil {
		return 0, err
	}

	locked := 0
	for i := range finished {
		competition := finished[i]

		participants, err := e.store.ListParticipants(ctx, competition.ID, model.ParticipantActive)
		if err != nil {
			return locked, err
		}
		for _, p := range participants {
			err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				lp, err := tx.GetParticipantForUpdate(ctx, p.ID)
				if err != nil {
					return err
				}
				if lp.Status != model.ParticipantActive {
					return nil
				}
				lp.Status = model.ParticipantLocked
				return tx.UpdateParticipant(ctx, lp)
			})
			if err != nil {
				return locked, err
			}
		}

		competition.Status = model.CompetitionLocked
		if err := e.store.UpdateCompetition(ctx, &competition); err != nil {
			return locked, err
		}
		locked++
		slog.Info("competition locked", "competition", competition.ID)
	}
	return locked, nil
}
