// Package quotes fetches market prices from an external provider and stores
// them as append-only Quote rows. Provider failures never propagate into the
// trade path; callers see the previously cached quote instead.
package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider fetches the latest price for one symbol.
type Provider interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ErrNoPrice is returned when the provider responds without a usable price
// (unknown symbol, rate limit, malformed payload).
var ErrNoPrice = errors.New("quotes: no price in provider response")

// TwelveDataProvider fetches prices from the Twelve Data quote endpoint.
// https://twelvedata.com/docs#quote
type TwelveDataProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewTwelveDataProvider creates a provider. baseURL defaults to the public
// API when empty.
func NewTwelveDataProvider(apiKey, baseURL string) *TwelveDataProvider {
	if baseURL == "" {
		baseURL = "https://api.twelvedata.com"
	}
	return &TwelveDataProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *TwelveDataProvider) Name() string { return "TWELVE_DATA" }

// quotePayload is the subset of the Twelve Data quote response we read.
// `close` carries the latest price in quote payloads; some responses use
// `price` instead, so accept either.
type quotePayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Close   string `json:"close"`
	Price   string `json:"price"`
}

func (p *TwelveDataProvider) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch quote %s: status %d", symbol, resp.StatusCode)
	}

	var payload quotePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	// Twelve Data uses {status:"error", code:..., message:...} on failures.
	if payload.Status == "error" {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, ErrNoPrice)
	}

	raw := payload.Close
	if raw == "" {
		raw = payload.Price
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, ErrNoPrice)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, ErrNoPrice)
	}
	return price, nil
}
