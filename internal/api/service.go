// Package api exposes the simulation engine over HTTP: order and basket
// submission, scheduled order management, portfolio and ledger reads, and a
// WebSocket feed of fills.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/engine"
	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/quotes"
	"github.com/stockwars/sim-engine/internal/rules"
	"github.com/stockwars/sim-engine/internal/snapshot"
	"github.com/stockwars/sim-engine/internal/store"
)

// Service wires HTTP handlers to the engine and store.
type Service struct {
	store     store.Store
	engine    *engine.Engine
	quotes    *quotes.Service
	snapshots *snapshot.Service
	hub       *WSHub
}

// NewService creates the HTTP service. hub may be nil when WebSocket
// broadcasting is not wanted (tests).
func NewService(st store.Store, eng *engine.Engine, qs *quotes.Service, snaps *snapshot.Service, hub *WSHub) *Service {
	return &Service{store: st, engine: eng, quotes: qs, snapshots: snaps, hub: hub}
}

// Routes returns the versioned API router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/orders", s.handleSubmitOrder)
	r.Post("/basket-orders", s.handleSubmitBasketOrder)
	r.Post("/scheduled-basket-orders/{orderID}/cancel", s.handleCancelScheduledBasketOrder)
	r.Get("/scheduled-basket-orders/{orderID}", s.handleGetScheduledBasketOrder)

	r.Post("/baskets", s.handleCreateBasket)
	r.Get("/baskets", s.handleGetBasket)

	r.Get("/participants/{participantID}/portfolio", s.handleGetPortfolio)
	r.Get("/participants/{participantID}/orders", s.handleListOrders)
	r.Get("/participants/{participantID}/ledger", s.handleListLedger)

	r.Get("/quotes/{symbol}", s.handleGetQuote)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeStatus maps store errors onto HTTP status codes.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type orderRequest struct {
	ParticipantID string           `json:"participant_id"`
	Symbol        string           `json:"symbol"`
	Side          model.OrderSide  `json:"side"`
	OrderType     model.OrderType  `json:"order_type"`
	Quantity      int64            `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
}

type orderResponse struct {
	OK      bool             `json:"ok"`
	Order   *model.Order     `json:"order,omitempty"`
	Fill    *model.TradeFill `json:"fill,omitempty"`
	Message string           `json:"message,omitempty"`
	Warning string           `json:"warning,omitempty"`
	Breach  *rules.ConcentrationBreach `json:"breach,omitempty"`
}

func (s *Service) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ParticipantID == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "participant_id and symbol are required")
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	if req.OrderType == "" {
		req.OrderType = model.TypeMarket
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	instrument, err := s.quotes.GetOrCreateInstrument(r.Context(), req.Symbol)
	if err != nil {
		if errors.Is(err, quotes.ErrInvalidSymbol) {
			writeError(w, http.StatusBadRequest, "invalid symbol")
			return
		}
		writeError(w, storeStatus(err), "could not resolve symbol")
		return
	}

	result, err := s.engine.SubmitOrder(r.Context(), engine.OrderRequest{
		ParticipantID: req.ParticipantID,
		InstrumentID:  instrument.ID,
		Side:          req.Side,
		Type:          req.OrderType,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
	})
	if err != nil {
		slog.Error("submit order", "participant", req.ParticipantID, "symbol", instrument.Symbol, "err", err)
		writeError(w, storeStatus(err), "order submission failed")
		return
	}

	if result.OK && result.Fill != nil && s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:          "order_filled",
			ParticipantID: req.ParticipantID,
			Symbol:        instrument.Symbol,
			Side:          string(req.Side),
			Quantity:      result.Fill.Quantity,
			Price:         result.Fill.Price.String(),
			Notional:      result.Fill.Notional.String(),
		})
	}

	status := http.StatusOK
	if !result.OK && result.Order == nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, orderResponse{
		OK:      result.OK,
		Order:   result.Order,
		Fill:    result.Fill,
		Message: result.Message,
		Warning: result.Warning,
		Breach:  result.Breach,
	})
}

type basketAllocation struct {
	Symbol string          `json:"symbol"`
	Pct    decimal.Decimal `json:"pct"`
}

type basketOrderRequest struct {
	ParticipantID string             `json:"participant_id"`
	BasketName    string             `json:"basket_name"`
	Side          model.OrderSide    `json:"side"`
	TotalAmount   decimal.Decimal    `json:"total_amount"`
	Allocations   []basketAllocation `json:"allocations"`
}

type basketOrderResponse struct {
	OK      bool               `json:"ok"`
	Reason  string             `json:"reason,omitempty"`
	Message string             `json:"message,omitempty"`
	Legs    []engine.BasketLeg `json:"legs,omitempty"`
}

func (s *Service) handleSubmitBasketOrder(w http.ResponseWriter, r *http.Request) {
	var req basketOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	}
	if len(req.Allocations) == 0 {
		writeError(w, http.StatusBadRequest, "allocations are required")
		return
	}

	pctByInstrument := make(map[string]decimal.Decimal, len(req.Allocations))
	for _, a := range req.Allocations {
		instrument, err := s.quotes.GetOrCreateInstrument(r.Context(), a.Symbol)
		if err != nil {
			if errors.Is(err, quotes.ErrInvalidSymbol) {
				writeError(w, http.StatusBadRequest, "invalid symbol "+a.Symbol)
				return
			}
			writeError(w, storeStatus(err), "could not resolve symbol "+a.Symbol)
			return
		}
		pctByInstrument[instrument.ID] = pctByInstrument[instrument.ID].Add(a.Pct)
	}

	result, err := s.engine.SubmitBasketOrder(r.Context(), engine.BasketOrderRequest{
		ParticipantID:     req.ParticipantID,
		BasketName:        req.BasketName,
		Side:              req.Side,
		TotalAmount:       req.TotalAmount,
		PctByInstrumentID: pctByInstrument,
	})
	if err != nil {
		if errors.Is(err, engine.ErrScheduleLocked) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("submit basket order", "participant", req.ParticipantID, "basket", req.BasketName, "err", err)
		writeError(w, storeStatus(err), "basket order submission failed")
		return
	}

	if result.OK && len(result.Legs) > 0 && s.hub != nil {
		for _, leg := range result.Legs {
			s.hub.Broadcast(WSMessage{
				Type:          "order_filled",
				ParticipantID: req.ParticipantID,
				Symbol:        leg.Symbol,
				Side:          string(leg.Side),
				Quantity:      leg.Quantity,
				Price:         leg.Price.String(),
				Notional:      leg.Notional.String(),
				BasketName:    req.BasketName,
			})
		}
	}

	writeJSON(w, http.StatusOK, basketOrderResponse{
		OK:      result.OK,
		Reason:  result.Reason,
		Message: result.Message,
		Legs:    result.Legs,
	})
}

type cancelRequest struct {
	ParticipantID string `json:"participant_id"`
}

func (s *Service) handleCancelScheduledBasketOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	}

	err := s.engine.CancelScheduledBasketOrder(r.Context(), orderID, req.ParticipantID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(model.ScheduledCancelled)})
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, "scheduled order belongs to another participant")
	case errors.Is(err, engine.ErrNotPending):
		writeError(w, http.StatusConflict, "scheduled order is not pending")
	case errors.Is(err, engine.ErrScheduleLocked):
		writeError(w, http.StatusConflict, "scheduled orders are locked this close to competition start")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "scheduled order not found")
	default:
		slog.Error("cancel scheduled basket order", "order_id", orderID, "err", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
	}
}

type scheduledOrderResponse struct {
	Order *model.ScheduledBasketOrder     `json:"order"`
	Legs  []model.ScheduledBasketOrderLeg `json:"legs"`
}

func (s *Service) handleGetScheduledBasketOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, legs, err := s.store.GetScheduledBasketOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, storeStatus(err), "scheduled order not found")
		return
	}
	writeJSON(w, http.StatusOK, scheduledOrderResponse{Order: order, Legs: legs})
}

type createBasketRequest struct {
	UserID  string   `json:"user_id"`
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

func (s *Service) handleCreateBasket(w http.ResponseWriter, r *http.Request) {
	var req createBasketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Name == "" || len(req.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "user_id, name, and symbols are required")
		return
	}

	basket := &model.Basket{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	items := make([]model.BasketItem, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		instrument, err := s.quotes.GetOrCreateInstrument(r.Context(), sym)
		if err != nil {
			if errors.Is(err, quotes.ErrInvalidSymbol) {
				writeError(w, http.StatusBadRequest, "invalid symbol "+sym)
				return
			}
			writeError(w, storeStatus(err), "could not resolve symbol "+sym)
			return
		}
		items = append(items, model.BasketItem{
			ID:           uuid.New().String(),
			BasketID:     basket.ID,
			InstrumentID: instrument.ID,
		})
	}

	if err := s.store.CreateBasket(r.Context(), basket, items); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "basket with this name already exists")
			return
		}
		slog.Error("create basket", "user", req.UserID, "name", req.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "could not create basket")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"basket": basket, "items": items})
}

func (s *Service) handleGetBasket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	name := r.URL.Query().Get("name")
	if userID == "" || name == "" {
		writeError(w, http.StatusBadRequest, "user_id and name query params are required")
		return
	}

	basket, items, err := s.store.GetBasket(r.Context(), userID, name)
	if err != nil {
		writeError(w, storeStatus(err), "basket not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"basket": basket, "items": items})
}

type portfolioHolding struct {
	InstrumentID string           `json:"instrument_id"`
	Symbol       string           `json:"symbol"`
	Quantity     int64            `json:"quantity"`
	AvgCostBasis decimal.Decimal  `json:"avg_cost_basis"`
	LastPrice    *decimal.Decimal `json:"last_price,omitempty"`
	MarketValue  *decimal.Decimal `json:"market_value,omitempty"`
}

type portfolioResponse struct {
	Participant *model.Participant       `json:"participant"`
	Holdings    []portfolioHolding       `json:"holdings"`
	Snapshot    *model.PortfolioSnapshot `json:"snapshot"`
}

func (s *Service) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	participant, err := s.store.GetParticipant(r.Context(), participantID)
	if err != nil {
		writeError(w, storeStatus(err), "participant not found")
		return
	}

	held, err := s.store.ListHeldPositions(r.Context(), participantID)
	if err != nil {
		slog.Error("list positions", "participant", participantID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load positions")
		return
	}

	holdings := make([]portfolioHolding, 0, len(held))
	for _, pos := range held {
		h := portfolioHolding{
			InstrumentID: pos.InstrumentID,
			Quantity:     pos.Quantity,
			AvgCostBasis: pos.AvgCostBasis,
		}
		if instrument, err := s.store.GetInstrument(r.Context(), pos.InstrumentID); err == nil {
			h.Symbol = instrument.Symbol
		}
		if q, err := s.store.LatestQuote(r.Context(), pos.InstrumentID); err == nil {
			value := q.Price.Mul(decimal.NewFromInt(pos.Quantity)).Round(2)
			h.LastPrice = &q.Price
			h.MarketValue = &value
		}
		holdings = append(holdings, h)
	}

	snap, err := s.snapshots.Compute(r.Context(), participant, time.Now().UTC())
	if err != nil {
		slog.Error("compute snapshot", "participant", participantID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not value portfolio")
		return
	}

	writeJSON(w, http.StatusOK, portfolioResponse{
		Participant: participant,
		Holdings:    holdings,
		Snapshot:    snap,
	})
}

func (s *Service) handleListOrders(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	orders, err := s.store.ListOrdersByParticipant(r.Context(), participantID)
	if err != nil {
		writeError(w, storeStatus(err), "could not load orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Service) handleListLedger(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	entries, err := s.store.ListLedgerEntries(r.Context(), participantID)
	if err != nil {
		writeError(w, storeStatus(err), "could not load ledger")
		return
	}
	balance, err := s.store.LedgerBalance(r.Context(), participantID)
	if err != nil {
		writeError(w, storeStatus(err), "could not compute ledger balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "balance": balance})
}

func (s *Service) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	instrument, err := s.quotes.GetOrCreateInstrument(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, quotes.ErrInvalidSymbol) {
			writeError(w, http.StatusBadRequest, "invalid symbol")
			return
		}
		writeError(w, storeStatus(err), "could not resolve symbol")
		return
	}

	quote, err := s.store.LatestQuote(r.Context(), instrument.ID)
	if errors.Is(err, store.ErrNotFound) {
		if q := s.quotes.Refresh(r.Context(), instrument); q != nil {
			quote, err = q, nil
		}
	}
	if err != nil || quote == nil {
		writeError(w, http.StatusNotFound, "no quote available for "+instrument.Symbol)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument": instrument, "quote": quote})
}
