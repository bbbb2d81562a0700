package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Transactions are implemented by holding the store mutex for the whole
// WithTx call and restoring a state snapshot on error. That serializes all
// participants behind one lock — acceptable for a test double; the
// per-participant row-lock granularity lives in PostgresStore.
type MemoryStore struct {
	mu sync.Mutex
	st memState
}

type memState struct {
	competitions  map[string]*model.Competition
	participants  map[string]*model.Participant
	instruments   map[string]*model.Instrument
	quotes        []model.Quote
	orders        map[string]*model.Order
	orderSeq      []string
	fills         []model.TradeFill
	ledger        []model.CashLedgerEntry
	positions     map[string]*model.Position
	snapshots     []model.PortfolioSnapshot
	baskets       map[string]*model.Basket
	basketItems   []model.BasketItem
	scheduled     map[string]*model.ScheduledBasketOrder
	scheduledLegs []model.ScheduledBasketOrderLeg
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: memState{
		competitions: make(map[string]*model.Competition),
		participants: make(map[string]*model.Participant),
		instruments:  make(map[string]*model.Instrument),
		orders:       make(map[string]*model.Order),
		positions:    make(map[string]*model.Position),
		baskets:      make(map[string]*model.Basket),
		scheduled:    make(map[string]*model.ScheduledBasketOrder),
	}}
}

func (s *memState) clone() memState {
	out := memState{
		competitions: make(map[string]*model.Competition, len(s.competitions)),
		participants: make(map[string]*model.Participant, len(s.participants)),
		instruments:  make(map[string]*model.Instrument, len(s.instruments)),
		orders:       make(map[string]*model.Order, len(s.orders)),
		positions:    make(map[string]*model.Position, len(s.positions)),
		baskets:      make(map[string]*model.Basket, len(s.baskets)),
		scheduled:    make(map[string]*model.ScheduledBasketOrder, len(s.scheduled)),
	}
	for k, v := range s.competitions {
		c := *v
		out.competitions[k] = &c
	}
	for k, v := range s.participants {
		p := *v
		out.participants[k] = &p
	}
	for k, v := range s.instruments {
		i := *v
		out.instruments[k] = &i
	}
	for k, v := range s.orders {
		o := *v
		out.orders[k] = &o
	}
	for k, v := range s.positions {
		p := *v
		out.positions[k] = &p
	}
	for k, v := range s.baskets {
		b := *v
		out.baskets[k] = &b
	}
	for k, v := range s.scheduled {
		o := *v
		out.scheduled[k] = &o
	}
	out.orderSeq = append([]string(nil), s.orderSeq...)
	out.quotes = append([]model.Quote(nil), s.quotes...)
	out.fills = append([]model.TradeFill(nil), s.fills...)
	out.ledger = append([]model.CashLedgerEntry(nil), s.ledger...)
	out.snapshots = append([]model.PortfolioSnapshot(nil), s.snapshots...)
	out.basketItems = append([]model.BasketItem(nil), s.basketItems...)
	out.scheduledLegs = append([]model.ScheduledBasketOrderLeg(nil), s.scheduledLegs...)
	return out
}

// memTx operates on the store state while the store mutex is held by WithTx.
type memTx struct {
	st *memState
}

// WithTx holds the store lock for the duration of fn and rolls back to a
// snapshot if fn fails.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &memTx{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// --- Tx implementation ---

func (t *memTx) GetParticipantForUpdate(_ context.Context, id string) (*model.Participant, error) {
	p, ok := t.st.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) UpdateParticipant(_ context.Context, p *model.Participant) error {
	if _, ok := t.st.participants[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	t.st.participants[p.ID] = &cp
	return nil
}

func (t *memTx) GetCompetition(_ context.Context, id string) (*model.Competition, error) {
	return t.st.getCompetition(id)
}

func (t *memTx) UpdateCompetition(_ context.Context, c *model.Competition) error {
	return t.st.updateCompetition(c)
}

func (t *memTx) GetPositionForUpdate(_ context.Context, participantID, instrumentID string) (*model.Position, error) {
	for _, p := range t.st.positions {
		if p.ParticipantID == participantID && p.InstrumentID == instrumentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) CreatePosition(_ context.Context, p *model.Position) error {
	for _, existing := range t.st.positions {
		if existing.ParticipantID == p.ParticipantID && existing.InstrumentID == p.InstrumentID {
			return ErrConflict
		}
	}
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	t.st.positions[p.ID] = &cp
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	if _, ok := t.st.positions[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	t.st.positions[p.ID] = &cp
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, id string) error {
	if _, ok := t.st.positions[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.positions, id)
	return nil
}

func (t *memTx) ListHeldPositions(_ context.Context, participantID string) ([]model.Position, error) {
	return t.st.listHeldPositions(participantID), nil
}

func (t *memTx) LatestQuote(_ context.Context, instrumentID string) (*model.Quote, error) {
	return t.st.latestQuote(instrumentID)
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	return t.st.insertOrder(o)
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	return t.st.updateOrder(o)
}

func (t *memTx) InsertFill(_ context.Context, f *model.TradeFill) error {
	t.st.fills = append(t.st.fills, *f)
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.CashLedgerEntry) error {
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *memTx) UpdateScheduledBasketOrder(_ context.Context, o *model.ScheduledBasketOrder) error {
	return t.st.updateScheduled(o)
}

// --- shared unlocked helpers ---

func (s *memState) getCompetition(id string) (*model.Competition, error) {
	c, ok := s.competitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memState) updateCompetition(c *model.Competition) error {
	if _, ok := s.competitions[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	s.competitions[c.ID] = &cp
	return nil
}

func (s *memState) listHeldPositions(participantID string) []model.Position {
	var out []model.Position
	for _, p := range s.positions {
		if p.ParticipantID == participantID && p.Quantity > 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

func (s *memState) latestQuote(instrumentID string) (*model.Quote, error) {
	var best *model.Quote
	for i := range s.quotes {
		q := &s.quotes[i]
		if q.InstrumentID != instrumentID {
			continue
		}
		if best == nil || q.AsOf.After(best.AsOf) {
			best = q
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *memState) insertOrder(o *model.Order) error {
	if _, ok := s.orders[o.ID]; ok {
		return ErrConflict
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *memState) updateOrder(o *model.Order) error {
	if _, ok := s.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *memState) updateScheduled(o *model.ScheduledBasketOrder) error {
	if _, ok := s.scheduled[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	s.scheduled[o.ID] = &cp
	return nil
}

// --- Store implementation ---

func (s *MemoryStore) CreateCompetition(_ context.Context, c *model.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.competitions[c.ID]; ok {
		return ErrConflict
	}
	cp := *c
	s.st.competitions[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCompetition(_ context.Context, id string) (*model.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getCompetition(id)
}

func (s *MemoryStore) UpdateCompetition(_ context.Context, c *model.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateCompetition(c)
}

func (s *MemoryStore) ListAutoCloseCandidates(_ context.Context, now time.Time) ([]model.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Competition
	for _, c := range s.st.competitions {
		if c.Type == model.CompetitionAdvanced &&
			c.AutoCloseEnabled &&
			c.AutoCloseProcessedAt == nil &&
			!c.WeekEndAt.After(now) &&
			(c.Status == model.CompetitionPublished || c.Status == model.CompetitionLocked) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekEndAt.Before(out[j].WeekEndAt) })
	return out, nil
}

func (s *MemoryStore) ListActiveAdvancedCompetitions(_ context.Context, now time.Time) ([]model.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Competition
	for _, c := range s.st.competitions {
		if c.Type == model.CompetitionAdvanced && c.IsActive(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListFinishedPublishedCompetitions(_ context.Context, now time.Time) ([]model.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Competition
	for _, c := range s.st.competitions {
		if c.Status == model.CompetitionPublished && c.WeekEndAt.Before(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.participants[p.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.st.participants {
		if existing.CompetitionID == p.CompetitionID && existing.UserID == p.UserID {
			return ErrConflict
		}
	}
	cp := *p
	s.st.participants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, competitionID string, status model.ParticipantStatus) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Participant
	for _, p := range s.st.participants {
		if p.CompetitionID == competitionID && p.Status == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListParticipantsByStatus(_ context.Context, status model.ParticipantStatus) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Participant
	for _, p := range s.st.participants {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateInstrument(_ context.Context, i *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.instruments {
		if existing.Symbol == i.Symbol {
			return ErrConflict
		}
	}
	cp := *i
	s.st.instruments[i.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.st.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (s *MemoryStore) GetInstrumentBySymbol(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.st.instruments {
		if i.Symbol == symbol {
			cp := *i
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) InsertQuote(_ context.Context, q *model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.quotes = append(s.st.quotes, *q)
	return nil
}

func (s *MemoryStore) LatestQuote(_ context.Context, instrumentID string) (*model.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.latestQuote(instrumentID)
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertOrder(o)
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateOrder(o)
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrdersByParticipant(_ context.Context, participantID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, id := range s.st.orderSeq {
		o := s.st.orders[id]
		if o != nil && o.ParticipantID == participantID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSubmittedOrders(_ context.Context) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, id := range s.st.orderSeq {
		o := s.st.orders[id]
		if o != nil && o.Status == model.StatusSubmitted {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListHeldPositions(_ context.Context, participantID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listHeldPositions(participantID), nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, participantID string) ([]model.CashLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CashLedgerEntry
	for _, e := range s.st.ledger {
		if e.ParticipantID == participantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) LedgerBalance(_ context.Context, participantID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, e := range s.st.ledger {
		if e.ParticipantID == participantID {
			total = total.Add(e.DeltaAmount)
		}
	}
	return total, nil
}

func (s *MemoryStore) SumRealizedPnL(_ context.Context, participantID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, f := range s.st.fills {
		o := s.st.orders[f.OrderID]
		if o != nil && o.ParticipantID == participantID && o.Side == model.SideSell {
			total = total.Add(f.RealizedPnL)
		}
	}
	return total, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.snapshots = append(s.st.snapshots, *snap)
	return nil
}

// Snapshots returns all recorded snapshots. Test helper.
func (s *MemoryStore) Snapshots() []model.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PortfolioSnapshot(nil), s.st.snapshots...)
}

func (s *MemoryStore) CreateBasket(_ context.Context, b *model.Basket, items []model.BasketItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.baskets {
		if existing.UserID == b.UserID && existing.Name == b.Name {
			return ErrConflict
		}
	}
	cp := *b
	s.st.baskets[b.ID] = &cp
	s.st.basketItems = append(s.st.basketItems, items...)
	return nil
}

func (s *MemoryStore) GetBasket(_ context.Context, userID, name string) (*model.Basket, []model.BasketItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.st.baskets {
		if b.UserID == userID && b.Name == name {
			cp := *b
			var items []model.BasketItem
			for _, it := range s.st.basketItems {
				if it.BasketID == b.ID {
					items = append(items, it)
				}
			}
			return &cp, items, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (s *MemoryStore) InsertScheduledBasketOrder(_ context.Context, o *model.ScheduledBasketOrder, legs []model.ScheduledBasketOrderLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.scheduled[o.ID]; ok {
		return ErrConflict
	}
	cp := *o
	s.st.scheduled[o.ID] = &cp
	s.st.scheduledLegs = append(s.st.scheduledLegs, legs...)
	return nil
}

func (s *MemoryStore) GetScheduledBasketOrder(_ context.Context, id string) (*model.ScheduledBasketOrder, []model.ScheduledBasketOrderLeg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.scheduled[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	cp := *o
	var legs []model.ScheduledBasketOrderLeg
	for _, l := range s.st.scheduledLegs {
		if l.OrderID == id {
			legs = append(legs, l)
		}
	}
	return &cp, legs, nil
}

func (s *MemoryStore) UpdateScheduledBasketOrder(_ context.Context, o *model.ScheduledBasketOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateScheduled(o)
}

func (s *MemoryStore) ListPendingScheduledBasketOrders(_ context.Context) ([]model.ScheduledBasketOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduledBasketOrder
	for _, o := range s.st.scheduled {
		if o.Status == model.ScheduledPending {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
