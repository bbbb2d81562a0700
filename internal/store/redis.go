package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: latest quotes, instrument lookups, and
// competition configs. Writes go to the primary store and refresh or
// invalidate the cache.
//
// Transactions bypass the cache entirely. WithTx must see committed database
// state under row locks, so tx-scoped reads always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.primary.WithTx(ctx, fn)
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) InsertQuote(ctx context.Context, q *model.Quote) error {
	if err := s.primary.InsertQuote(ctx, q); err != nil {
		return err
	}
	s.cacheQuote(ctx, q)
	return nil
}

func (s *CachedStore) CreateCompetition(ctx context.Context, c *model.Competition) error {
	if err := s.primary.CreateCompetition(ctx, c); err != nil {
		return err
	}
	s.cacheCompetition(ctx, c)
	return nil
}

func (s *CachedStore) UpdateCompetition(ctx context.Context, c *model.Competition) error {
	if err := s.primary.UpdateCompetition(ctx, c); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, competitionKey(c.ID))
	return nil
}

func (s *CachedStore) CreateInstrument(ctx context.Context, i *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, i); err != nil {
		return err
	}
	s.cacheInstrument(ctx, i)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestQuote(ctx context.Context, instrumentID string) (*model.Quote, error) {
	data, err := s.rdb.Get(ctx, quoteKey(instrumentID)).Bytes()
	if err == nil {
		var q model.Quote
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	q, err := s.primary.LatestQuote(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	s.cacheQuote(ctx, q)
	return q, nil
}

func (s *CachedStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	data, err := s.rdb.Get(ctx, competitionKey(id)).Bytes()
	if err == nil {
		var c model.Competition
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheCompetition(ctx, c)
	return c, nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var i model.Instrument
		if json.Unmarshal(data, &i) == nil {
			return &i, nil
		}
	}

	i, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheInstrument(ctx, i)
	return i, nil
}

func (s *CachedStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	// Try cache via symbol→instrumentID mapping.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetInstrument(ctx, id)
	}

	i, err := s.primary.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.cacheInstrument(ctx, i)
	return i, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAutoCloseCandidates(ctx context.Context, now time.Time) ([]model.Competition, error) {
	return s.primary.ListAutoCloseCandidates(ctx, now)
}

func (s *CachedStore) ListActiveAdvancedCompetitions(ctx context.Context, now time.Time) ([]model.Competition, error) {
	return s.primary.ListActiveAdvancedCompetitions(ctx, now)
}

func (s *CachedStore) ListFinishedPublishedCompetitions(ctx context.Context, now time.Time) ([]model.Competition, error) {
	return s.primary.ListFinishedPublishedCompetitions(ctx, now)
}

func (s *CachedStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	return s.primary.CreateParticipant(ctx, p)
}

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return s.primary.GetParticipant(ctx, id)
}

func (s *CachedStore) ListParticipants(ctx context.Context, competitionID string, status model.ParticipantStatus) ([]model.Participant, error) {
	return s.primary.ListParticipants(ctx, competitionID, status)
}

func (s *CachedStore) ListParticipantsByStatus(ctx context.Context, status model.ParticipantStatus) ([]model.Participant, error) {
	return s.primary.ListParticipantsByStatus(ctx, status)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByParticipant(ctx context.Context, participantID string) ([]model.Order, error) {
	return s.primary.ListOrdersByParticipant(ctx, participantID)
}

func (s *CachedStore) ListSubmittedOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListSubmittedOrders(ctx)
}

func (s *CachedStore) ListHeldPositions(ctx context.Context, participantID string) ([]model.Position, error) {
	return s.primary.ListHeldPositions(ctx, participantID)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, participantID string) ([]model.CashLedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, participantID)
}

func (s *CachedStore) LedgerBalance(ctx context.Context, participantID string) (decimal.Decimal, error) {
	return s.primary.LedgerBalance(ctx, participantID)
}

func (s *CachedStore) SumRealizedPnL(ctx context.Context, participantID string) (decimal.Decimal, error) {
	return s.primary.SumRealizedPnL(ctx, participantID)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	return s.primary.InsertSnapshot(ctx, snap)
}

func (s *CachedStore) CreateBasket(ctx context.Context, b *model.Basket, items []model.BasketItem) error {
	return s.primary.CreateBasket(ctx, b, items)
}

func (s *CachedStore) GetBasket(ctx context.Context, userID, name string) (*model.Basket, []model.BasketItem, error) {
	return s.primary.GetBasket(ctx, userID, name)
}

func (s *CachedStore) InsertScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder, legs []model.ScheduledBasketOrderLeg) error {
	return s.primary.InsertScheduledBasketOrder(ctx, o, legs)
}

func (s *CachedStore) GetScheduledBasketOrder(ctx context.Context, id string) (*model.ScheduledBasketOrder, []model.ScheduledBasketOrderLeg, error) {
	return s.primary.GetScheduledBasketOrder(ctx, id)
}

func (s *CachedStore) UpdateScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder) error {
	return s.primary.UpdateScheduledBasketOrder(ctx, o)
}

func (s *CachedStore) ListPendingScheduledBasketOrders(ctx context.Context) ([]model.ScheduledBasketOrder, error) {
	return s.primary.ListPendingScheduledBasketOrders(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheQuote(ctx context.Context, q *model.Quote) {
	if data, err := json.Marshal(q); err == nil {
		s.rdb.Set(ctx, quoteKey(q.InstrumentID), data, s.ttl)
	}
}

func (s *CachedStore) cacheCompetition(ctx context.Context, c *model.Competition) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, competitionKey(c.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheInstrument(ctx context.Context, i *model.Instrument) {
	if data, err := json.Marshal(i); err == nil {
		s.rdb.Set(ctx, instrumentKey(i.ID), data, s.ttl)
		s.rdb.Set(ctx, symbolKey(i.Symbol), i.ID, s.ttl)
	}
}

func quoteKey(id string) string       { return fmt.Sprintf("quote:%s", id) }
func competitionKey(id string) string { return fmt.Sprintf("competition:%s", id) }
func instrumentKey(id string) string  { return fmt.Sprintf("instrument:%s", id) }
func symbolKey(sym string) string     { return fmt.Sprintf("symbol:%s", sym) }
