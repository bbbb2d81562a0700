// Package store defines the persistence interface for the simulation engine.
// Implementations include PostgreSQL (source of truth), a Redis read-through
// quote cache, and in-memory (for testing).
//
// Concurrency correctness lives here, not in the engine: WithTx runs one
// trade (or basket) inside an atomic transaction, and the engine locks the
// participant row first, then position rows ordered by instrument id, before
// reading any balance it intends to modify.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a create hits a uniqueness constraint,
	// e.g. a concurrent fill created the same position row first.
	ErrConflict = errors.New("store: conflict")
)

// Tx is the per-trade transactional view. Everything called through a Tx
// commits or rolls back as one unit.
type Tx interface {
	// GetParticipantForUpdate loads a participant holding an exclusive row
	// lock, serializing all trades for that participant.
	GetParticipantForUpdate(ctx context.Context, id string) (*model.Participant, error)
	UpdateParticipant(ctx context.Context, p *model.Participant) error

	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	UpdateCompetition(ctx context.Context, c *model.Competition) error

	// GetPositionForUpdate locks one position row. Lock positions only after
	// the participant, ordered by instrument id, to keep lock order stable.
	GetPositionForUpdate(ctx context.Context, participantID, instrumentID string) (*model.Position, error)
	// CreatePosition inserts a fresh row; returns ErrConflict if a
	// concurrent trade created it first (caller re-fetches with the lock).
	CreatePosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, id string) error
	// ListHeldPositions returns positions with quantity > 0, ordered by
	// instrument id.
	ListHeldPositions(ctx context.Context, participantID string) ([]model.Position, error)

	LatestQuote(ctx context.Context, instrumentID string) (*model.Quote, error)

	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error
	InsertFill(ctx context.Context, f *model.TradeFill) error
	// InsertLedgerEntry appends to the immutable cash ledger. There is
	// deliberately no update or delete.
	InsertLedgerEntry(ctx context.Context, e *model.CashLedgerEntry) error

	UpdateScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder) error
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// WithTx runs fn inside one atomic transaction; fn returning an error
	// rolls everything back. Business rejections that must still persist an
	// audit row (a REJECTED order) return nil from fn and commit.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Competitions and participants ---

	CreateCompetition(ctx context.Context, c *model.Competition) error
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	UpdateCompetition(ctx context.Context, c *model.Competition) error
	// ListAutoCloseCandidates returns ended advanced competitions with
	// auto-close enabled that have not been processed yet.
	ListAutoCloseCandidates(ctx context.Context, now time.Time) ([]model.Competition, error)
	// ListActiveAdvancedCompetitions returns published advanced competitions
	// whose window contains now.
	ListActiveAdvancedCompetitions(ctx context.Context, now time.Time) ([]model.Competition, error)
	// ListFinishedPublishedCompetitions returns published competitions whose
	// window has ended.
	ListFinishedPublishedCompetitions(ctx context.Context, now time.Time) ([]model.Competition, error)

	CreateParticipant(ctx context.Context, p *model.Participant) error
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	ListParticipants(ctx context.Context, competitionID string, status model.ParticipantStatus) ([]model.Participant, error)
	ListParticipantsByStatus(ctx context.Context, status model.ParticipantStatus) ([]model.Participant, error)

	// --- Instruments and quotes ---

	CreateInstrument(ctx context.Context, i *model.Instrument) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error)
	// InsertQuote appends an immutable quote observation.
	InsertQuote(ctx context.Context, q *model.Quote) error
	LatestQuote(ctx context.Context, instrumentID string) (*model.Quote, error)

	// --- Orders, fills, positions, ledger ---

	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByParticipant(ctx context.Context, participantID string) ([]model.Order, error)
	// ListSubmittedOrders returns pre-start queued orders awaiting the batch
	// executor.
	ListSubmittedOrders(ctx context.Context) ([]model.Order, error)

	ListHeldPositions(ctx context.Context, participantID string) ([]model.Position, error)
	ListLedgerEntries(ctx context.Context, participantID string) ([]model.CashLedgerEntry, error)
	// LedgerBalance recomputes the cash balance from the ledger; must equal
	// the participant's cached cash_balance (reconciliation law).
	LedgerBalance(ctx context.Context, participantID string) (decimal.Decimal, error)
	// SumRealizedPnL totals realized P&L over all SELL fills.
	SumRealizedPnL(ctx context.Context, participantID string) (decimal.Decimal, error)

	InsertSnapshot(ctx context.Context, s *model.PortfolioSnapshot) error

	// --- Baskets ---

	CreateBasket(ctx context.Context, b *model.Basket, items []model.BasketItem) error
	GetBasket(ctx context.Context, userID, name string) (*model.Basket, []model.BasketItem, error)

	// --- Scheduled basket orders ---

	InsertScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder, legs []model.ScheduledBasketOrderLeg) error
	GetScheduledBasketOrder(ctx context.Context, id string) (*model.ScheduledBasketOrder, []model.ScheduledBasketOrderLeg, error)
	UpdateScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder) error
	ListPendingScheduledBasketOrders(ctx context.Context) ([]model.ScheduledBasketOrder, error)
}
