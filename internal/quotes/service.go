package quotes

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stockwars/sim-engine/internal/model"
	"github.com/stockwars/sim-engine/internal/store"
)

// ErrInvalidSymbol is returned for symbols that fail normalization.
var ErrInvalidSymbol = errors.New("quotes: invalid symbol format")

var symbolRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,15}$`)

// NormalizeSymbol uppercases and validates a raw ticker symbol.
func NormalizeSymbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if sym == "" || !symbolRe.MatchString(sym) {
		return "", ErrInvalidSymbol
	}
	return sym, nil
}

// Service fetches and stores quotes.
type Service struct {
	store    store.Store
	provider Provider
}

// NewService creates a quote service.
func NewService(st store.Store, provider Provider) *Service {
	return &Service{store: st, provider: provider}
}

// GetOrCreateInstrument resolves a symbol to an instrument, creating it on
// first sight.
func (s *Service) GetOrCreateInstrument(ctx context.Context, rawSymbol string) (*model.Instrument, error) {
	symbol, err := NormalizeSymbol(rawSymbol)
	if err != nil {
		return nil, err
	}

	inst, err := s.store.GetInstrumentBySymbol(ctx, symbol)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	inst = &model.Instrument{ID: uuid.New().String(), Symbol: symbol}
	if err := s.store.CreateInstrument(ctx, inst); err != nil {
		// Lost a creation race; the winner's row is fine.
		if errors.Is(err, store.ErrConflict) {
			return s.store.GetInstrumentBySymbol(ctx, symbol)
		}
		return nil, err
	}
	return inst, nil
}

// Refresh fetches the latest price for an instrument and stores it as a new
// Quote row. Returns the stored quote, or nil on any failure: the trade path
// must keep working against the last cached quote when the provider is down.
func (s *Service) Refresh(ctx context.Context, instrument *model.Instrument) *model.Quote {
	price, err := s.provider.FetchPrice(ctx, instrument.Symbol)
	if err != nil {
		slog.Warn("quote refresh failed",
			"symbol", instrument.Symbol,
			"provider", s.provider.Name(),
			"error", err,
		)
		return nil
	}

	q := &model.Quote{
		ID:           uuid.New().String(),
		InstrumentID: instrument.ID,
		AsOf:         time.Now().UTC(),
		Price:        price.Round(6),
		ProviderName: s.provider.Name(),
	}
	if err := s.store.InsertQuote(ctx, q); err != nil {
		slog.Warn("quote store failed", "symbol", instrument.Symbol, "error", err)
		return nil
	}
	return q
}

// RefreshActiveCompetitionSymbols refreshes quotes for every instrument held
// or quoted in active competitions. Used by the cron fetcher.
func (s *Service) RefreshActiveCompetitionSymbols(ctx context.Context, instrumentIDs []string) int {
	var ok int
	for _, id := range instrumentIDs {
		inst, err := s.store.GetInstrument(ctx, id)
		if err != nil {
			continue
		}
		if q := s.Refresh(ctx, inst); q != nil {
			ok++
		}
	}
	return ok
}
