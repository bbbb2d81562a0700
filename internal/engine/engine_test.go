package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/engine"
	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/quotes"
	"github.com/stockwars/sim-engine/internal/snapshot"
	"github.com/stockwars/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeProvider serves fixed prices from a map, or fails every fetch when err
// is set.
type fakeProvider struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

func (p *fakeProvider) Name() string { return "FAKE" }

func (p *fakeProvider) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return decimal.Zero, p.err
	}
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, quotes.ErrNoPrice
	}
	return price, nil
}

func (p *fakeProvider) setPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *fakeProvider) fetchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testEnv struct {
	store    *store.MemoryStore
	provider *fakeProvider
	engine   *engine.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	fp := &fakeProvider{prices: make(map[string]decimal.Decimal)}
	qs := quotes.NewService(ms, fp)
	eng := engine.New(ms, qs, snapshot.NewService(ms), engine.Config{})
	return &testEnv{store: ms, provider: fp, engine: eng}
}

// seedCompetition creates a published competition whose window contains now.
// mutate tweaks the competition before it is stored.
func seedCompetition(t *testing.T, env *testEnv, mutate func(c *model.Competition)) *model.Competition {
	t.Helper()
	now := time.Now().UTC()
	c := &model.Competition{
		ID:           uuid.New().String(),
		Title:        "Test Week",
		Status:       model.CompetitionPublished,
		Type:         model.CompetitionStandard,
		WeekStartAt:  now.Add(-time.Hour),
		WeekEndAt:    now.Add(24 * time.Hour),
		StartingCash: d(10000),
	}
	if mutate != nil {
		mutate(c)
	}
	if err := env.store.CreateCompetition(context.Background(), c); err != nil {
		t.Fatalf("seed competition: %v", err)
	}
	return c
}

// seedParticipant creates an ACTIVE participant with the given cash, plus the
// matching STARTING_CASH ledger entry so reconciliation assertions hold.
func seedParticipant(t *testing.T, env *testEnv, comp *model.Competition, cash decimal.Decimal) *model.Participant {
	t.Helper()
	ctx := context.Background()
	p := &model.Participant{
		ID:            uuid.New().String(),
		CompetitionID: comp.ID,
		UserID:        "user-" + uuid.New().String()[:8],
		Status:        model.ParticipantActive,
		StartingCash:  cash,
		CashBalance:   cash,
	}
	if err := env.store.CreateParticipant(ctx, p); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	err := env.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertLedgerEntry(ctx, &model.CashLedgerEntry{
			ID:            uuid.New().String(),
			ParticipantID: p.ID,
			AsOf:          time.Now().UTC(),
			DeltaAmount:   cash,
			Reason:        model.ReasonStartingCash,
			ReferenceType: "COMPETITION",
			ReferenceID:   comp.ID,
		})
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	return p
}

// seedInstrument creates an instrument and registers its provider price.
func seedInstrument(t *testing.T, env *testEnv, symbol string, price decimal.Decimal) *model.Instrument {
	t.Helper()
	inst := &model.Instrument{ID: uuid.New().String(), Symbol: symbol}
	if err := env.store.CreateInstrument(context.Background(), inst); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	env.provider.setPrice(symbol, price)
	return inst
}

// seedQuote inserts a quote row directly, bypassing the provider.
func seedQuote(t *testing.T, env *testEnv, inst *model.Instrument, price decimal.Decimal, asOf time.Time) {
	t.Helper()
	err := env.store.InsertQuote(context.Background(), &model.Quote{
		ID:           uuid.New().String(),
		InstrumentID: inst.ID,
		AsOf:         asOf,
		Price:        price,
		ProviderName: "FAKE",
	})
	if err != nil {
		t.Fatalf("seed quote: %v", err)
	}
}

// seedPosition creates a held position directly in the store.
func seedPosition(t *testing.T, env *testEnv, participantID, instrumentID string, qty int64, avgCost decimal.Decimal) {
	t.Helper()
	err := env.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreatePosition(ctx, &model.Position{
			ID:            uuid.New().String(),
			ParticipantID: participantID,
			InstrumentID:  instrumentID,
			Quantity:      qty,
			AvgCostBasis:  avgCost,
		})
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func execOrder(t *testing.T, env *testEnv, p *model.Participant, inst *model.Instrument, side model.OrderSide, qty int64) *engine.ExecutionResult {
	t.Helper()
	result, err := env.engine.ExecuteOrder(context.Background(), engine.OrderRequest{
		ParticipantID: p.ID,
		InstrumentID:  inst.ID,
		Side:          side,
		Type:          model.TypeMarket,
		Quantity:      qty,
	})
	if err != nil {
		t.Fatalf("execute order: %v", err)
	}
	return result
}

// assertReconciled checks the cash ledger sums to the cached cash balance.
func assertReconciled(t *testing.T, env *testEnv, participantID string) {
	t.Helper()
	ctx := context.Background()
	p, err := env.store.GetParticipant(ctx, participantID)
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	balance, err := env.store.LedgerBalance(ctx, participantID)
	if err != nil {
		t.Fatalf("ledger balance: %v", err)
	}
	if !balance.Equal(p.CashBalance) {
		t.Errorf("ledger balance %s does not reconcile to cash balance %s", balance, p.CashBalance)
	}
}

// --- Single order execution ---

func TestExecuteOrder_BuyAndSellRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))
	ctx := context.Background()

	res := execOrder(t, env, p, aapl, model.SideBuy, 10)
	if !res.OK {
		t.Fatalf("buy should fill, got reject: %s %s", res.Order.RejectReason, res.Message)
	}
	if res.Order.Status != model.StatusFilled {
		t.Errorf("order status = %s, want FILLED", res.Order.Status)
	}
	if !res.Fill.Notional.Equal(d(100)) {
		t.Errorf("notional = %s, want 100", res.Fill.Notional)
	}

	after, _ := env.store.GetParticipant(ctx, p.ID)
	if !after.CashBalance.Equal(d(9900)) {
		t.Errorf("cash after buy = %s, want 9900", after.CashBalance)
	}
	held, _ := env.store.ListHeldPositions(ctx, p.ID)
	if len(held) != 1 || held[0].Quantity != 10 {
		t.Fatalf("expected one position of 10 shares, got %+v", held)
	}
	if !held[0].AvgCostBasis.Equal(d(10)) {
		t.Errorf("avg cost = %s, want 10", held[0].AvgCostBasis)
	}
	assertReconciled(t, env, p.ID)

	res = execOrder(t, env, p, aapl, model.SideSell, 10)
	if !res.OK {
		t.Fatalf("sell should fill, got reject: %s", res.Order.RejectReason)
	}
	if !res.Fill.RealizedPnL.IsZero() {
		t.Errorf("flat round trip realized pnl = %s, want 0", res.Fill.RealizedPnL)
	}

	after, _ = env.store.GetParticipant(ctx, p.ID)
	if !after.CashBalance.Equal(d(10000)) {
		t.Errorf("cash after round trip = %s, want 10000", after.CashBalance)
	}
	held, _ = env.store.ListHeldPositions(ctx, p.ID)
	if len(held) != 0 {
		t.Errorf("position should be deleted at zero quantity, got %+v", held)
	}
	assertReconciled(t, env, p.ID)

	if len(env.store.Snapshots()) == 0 {
		t.Error("expected portfolio snapshots after fills")
	}
}

func TestExecuteOrder_SellRealizesPnL(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))

	if res := execOrder(t, env, p, aapl, model.SideBuy, 10); !res.OK {
		t.Fatalf("buy rejected: %s", res.Order.RejectReason)
	}

	env.provider.setPrice("AAPL", d(12))
	res := execOrder(t, env, p, aapl, model.SideSell, 10)
	if !res.OK {
		t.Fatalf("sell rejected: %s", res.Order.RejectReason)
	}
	if !res.Fill.RealizedPnL.Equal(d(20)) {
		t.Errorf("realized pnl = %s, want 20", res.Fill.RealizedPnL)
	}

	after, _ := env.store.GetParticipant(context.Background(), p.ID)
	if !after.CashBalance.Equal(d(10020)) {
		t.Errorf("cash = %s, want 10020", after.CashBalance)
	}
	assertReconciled(t, env, p.ID)
}

func TestExecuteOrder_InsufficientCash(t *testing.T) {
	env := newTestEnv(t)
	// Advanced competition with no concentration cap so the cash check is what
	// fires.
	comp := seedCompetition(t, env, func(c *model.Competition) {
		c.Type = model.CompetitionAdvanced
	})
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))
	ctx := context.Background()

	res := execOrder(t, env, p, aapl, model.SideBuy, 1001)
	if res.OK {
		t.Fatal("expected rejection")
	}
	if res.Order.RejectReason != engine.ReasonInsufficientCash {
		t.Errorf("reject reason = %s, want INSUFFICIENT_CASH", res.Order.RejectReason)
	}

	// The rejection commits: the REJECTED order is queryable afterwards.
	stored, err := env.store.GetOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("rejected order was not persisted: %v", err)
	}
	if stored.Status != model.StatusRejected {
		t.Errorf("stored status = %s, want REJECTED", stored.Status)
	}

	after, _ := env.store.GetParticipant(ctx, p.ID)
	if !after.CashBalance.Equal(d(10000)) {
		t.Errorf("cash changed on rejection: %s", after.CashBalance)
	}
}

func TestExecuteOrder_InsufficientShares(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))

	res := execOrder(t, env, p, aapl, model.SideSell, 5)
	if res.OK || res.Order.RejectReason != engine.ReasonInsufficientShares {
		t.Errorf("want INSUFFICIENT_SHARES rejection, got ok=%v reason=%s", res.OK, res.Order.RejectReason)
	}
}

func TestExecuteOrder_ConcentrationCap(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(1000))
	aapl := seedInstrument(t, env, "AAPL", d(10))

	// 33 shares at $10 is exactly 33% of $1000 equity: allowed.
	res := execOrder(t, env, p, aapl, model.SideBuy, 33)
	if !res.OK {
		t.Fatalf("33%% exactly at cap should fill, got %s", res.Order.RejectReason)
	}

	// One more share pushes the projected position over the cap.
	res = execOrder(t, env, p, aapl, model.SideBuy, 1)
	if res.OK {
		t.Fatal("expected concentration rejection")
	}
	if res.Order.RejectReason != "POSITION_SIZE_LIMIT_33PCT" {
		t.Errorf("reject reason = %s, want POSITION_SIZE_LIMIT_33PCT", res.Order.RejectReason)
	}
	if res.Breach == nil {
		t.Fatal("expected breach metadata on concentration rejection")
	}
	if !res.Breach.OverLimitValue.Equal(d(10)) {
		t.Errorf("over limit = %s, want 10", res.Breach.OverLimitValue)
	}
	if res.Breach.MaxAdditionalShares != 0 {
		t.Errorf("max additional shares = %d, want 0", res.Breach.MaxAdditionalShares)
	}
}

func TestExecuteOrder_MaxSymbolsExceeded(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, func(c *model.Competition) {
		c.Type = model.CompetitionAdvanced
		c.MaxSymbols = 1
	})
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))
	msft := seedInstrument(t, env, "MSFT", d(20))

	if res := execOrder(t, env, p, aapl, model.SideBuy, 5); !res.OK {
		t.Fatalf("first symbol rejected: %s", res.Order.RejectReason)
	}
	res := execOrder(t, env, p, msft, model.SideBuy, 5)
	if res.OK || res.Order.RejectReason != engine.ReasonMaxSymbolsExceeded {
		t.Errorf("want MAX_SYMBOLS_EXCEEDED, got ok=%v reason=%s", res.OK, res.Order.RejectReason)
	}

	// Adding to an already-held symbol is fine.
	if res := execOrder(t, env, p, aapl, model.SideBuy, 5); !res.OK {
		t.Errorf("adding to held symbol rejected: %s", res.Order.RejectReason)
	}
}

func TestExecuteOrder_QuoteRefreshFailed(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))
	env.provider.err = quotes.ErrNoPrice

	res := execOrder(t, env, p, aapl, model.SideBuy, 10)
	if res.OK || res.Order.RejectReason != engine.ReasonQuoteRefreshFailed {
		t.Errorf("want QUOTE_REFRESH_FAILED, got ok=%v reason=%s", res.OK, res.Order.RejectReason)
	}
	if _, err := env.store.GetOrder(context.Background(), res.Order.ID); err != nil {
		t.Errorf("rejected order was not persisted: %v", err)
	}
}

func TestExecuteOrder_StaleQuoteRejected(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))
	env.provider.err = quotes.ErrNoPrice

	// LIMIT orders use the cached quote; this one is past the max age and the
	// refresh attempt fails too.
	seedQuote(t, env, aapl, d(10), time.Now().UTC().Add(-10*time.Minute))
	limit := d(10)
	res, err := env.engine.ExecuteOrder(context.Background(), engine.OrderRequest{
		ParticipantID: p.ID,
		InstrumentID:  aapl.ID,
		Side:          model.SideBuy,
		Type:          model.TypeLimit,
		Quantity:      10,
		LimitPrice:    &limit,
	})
	if err != nil {
		t.Fatalf("execute order: %v", err)
	}
	if res.OK {
		t.Fatal("expected stale quote rejection")
	}
	if !strings.HasPrefix(res.Order.RejectReason, "QUOTE_STALE_") {
		t.Errorf("reject reason = %s, want QUOTE_STALE_ prefix", res.Order.RejectReason)
	}
}

func TestExecuteOrder_LimitNotMarketable(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))
	seedQuote(t, env, aapl, d(10), time.Now().UTC())

	limit := d(9)
	res, err := env.engine.ExecuteOrder(context.Background(), engine.OrderRequest{
		ParticipantID: p.ID,
		InstrumentID:  aapl.ID,
		Side:          model.SideBuy,
		Type:          model.TypeLimit,
		Quantity:      10,
		LimitPrice:    &limit,
	})
	if err != nil {
		t.Fatalf("execute order: %v", err)
	}
	if res.OK || res.Order.RejectReason != engine.ReasonLimitNotMarketable {
		t.Errorf("want LIMIT_NOT_MARKETABLE_AT_LATEST_PRICE, got ok=%v reason=%s", res.OK, res.Order.RejectReason)
	}
}

func TestExecuteOrder_ParticipantNotActive(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, nil)
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))

	locked, _ := env.store.GetParticipant(context.Background(), p.ID)
	locked.Status = model.ParticipantDisqualified
	err := env.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateParticipant(ctx, locked)
	})
	if err != nil {
		t.Fatalf("update participant: %v", err)
	}

	res := execOrder(t, env, p, aapl, model.SideBuy, 1)
	if res.OK || res.Order.RejectReason != engine.ReasonParticipantNotActive {
		t.Errorf("want PARTICIPANT_NOT_ACTIVE, got ok=%v reason=%s", res.OK, res.Order.RejectReason)
	}
}

func TestExecuteOrder_CompetitionNotActive(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, func(c *model.Competition) {
		c.WeekStartAt = time.Now().UTC().Add(-48 * time.Hour)
		c.WeekEndAt = time.Now().UTC().Add(-24 * time.Hour)
	})
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))

	res := execOrder(t, env, p, aapl, model.SideBuy, 1)
	if res.OK || res.Order.RejectReason != engine.ReasonCompetitionNotActive {
		t.Errorf("want COMPETITION_NOT_ACTIVE, got ok=%v reason=%s", res.OK, res.Order.RejectReason)
	}
}

func TestExecuteOrder_AdvancedMarketBuyUsesSyntheticAsk(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, func(c *model.Competition) {
		c.Type = model.CompetitionAdvanced
		c.MarketBuyPriceSource = model.SourceAsk
		c.SyntheticSpreadBPS = 100 // 1% spread
	})
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))

	res := execOrder(t, env, p, aapl, model.SideBuy, 10)
	if !res.OK {
		t.Fatalf("buy rejected: %s", res.Order.RejectReason)
	}
	if !res.Fill.Price.Equal(d(10.1)) {
		t.Errorf("fill price = %s, want 10.1 (LAST + 1%%)", res.Fill.Price)
	}
	if !res.Fill.Notional.Equal(d(101)) {
		t.Errorf("notional = %s, want 101", res.Fill.Notional)
	}
	assertReconciled(t, env, p.ID)
}

func TestExecuteOrder_SellBelowMinSymbolsWarns(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, func(c *model.Competition) {
		c.Type = model.CompetitionAdvanced
		c.MinSymbols = 2
	})
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))
	msft := seedInstrument(t, env, "MSFT", d(20))

	if res := execOrder(t, env, p, aapl, model.SideBuy, 10); !res.OK {
		t.Fatalf("buy rejected: %s", res.Order.RejectReason)
	}
	if res := execOrder(t, env, p, msft, model.SideBuy, 10); !res.OK {
		t.Fatalf("buy rejected: %s", res.Order.RejectReason)
	}

	// Selling out of one symbol drops the portfolio below the minimum: the
	// sell still fills, with a warning.
	res := execOrder(t, env, p, msft, model.SideSell, 10)
	if !res.OK {
		t.Fatalf("sell rejected: %s", res.Order.RejectReason)
	}
	if res.Warning == "" {
		t.Error("expected a minimum-symbols warning on the sell")
	}
}

func TestSubmitOrder_QueuesBeforeCompetitionStart(t *testing.T) {
	env := newTestEnv(t)
	comp := seedCompetition(t, env, func(c *model.Competition) {
		c.WeekStartAt = time.Now().UTC().Add(time.Hour)
		c.WeekEndAt = time.Now().UTC().Add(25 * time.Hour)
	})
	p := seedParticipant(t, env, comp, d(10000))
	aapl := seedInstrument(t, env, "AAPL", d(10))

	res, err := env.engine.SubmitOrder(context.Background(), engine.OrderRequest{
		ParticipantID: p.ID,
		InstrumentID:  aapl.ID,
		Side:          model.SideBuy,
		Type:          model.TypeMarket,
		Quantity:      10,
	})
	if err != nil {
		t.Fatalf("submit order: %v", err)
	}
	if !res.OK {
		t.Fatalf("queueing should succeed: %s", res.Message)
	}
	if res.Order.Status != model.StatusSubmitted {
		t.Errorf("order status = %s, want SUBMITTED", res.Order.Status)
	}
	if res.Order.RejectReason != "QUEUED_PRESTART" {
		t.Errorf("queued marker = %q, want QUEUED_PRESTART", res.Order.RejectReason)
	}

	// No cash moved and no provider call happened.
	after, _ := env.store.GetParticipant(context.Background(), p.ID)
	if !after.CashBalance.Equal(d(10000)) {
		t.Errorf("cash = %s, want 10000 (queued orders touch nothing)", after.CashBalance)
	}
	if env.provider.fetchCalls() != 0 {
		t.Errorf("provider called %d times for a queued order", env.provider.fetchCalls())
	}
}
