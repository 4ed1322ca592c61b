package providers

import (
	"context"
	"net/url"
	"strings"

	"github.com/rendis/finflow/internal/expressions"
	"github.com/rendis/finflow/pkg/schema"
)

// DefaultMarketDataURL is the public CoinGecko API.
const DefaultMarketDataURL = "https://api.coingecko.com/api/v3"

const marketProvider = "market-data"

// quoteQuery picks one currency's figures out of a /simple/price response.
const quoteQuery = `.[$id] // {} | {
	price: .[$cur],
	change24h: .[$cur + "_24h_change"],
	volume24h: .[$cur + "_24h_vol"],
	marketCap: .[$cur + "_market_cap"]
}`

// CurrencyQuote is one coin's figures in one currency.
type CurrencyQuote struct {
	Currency  string  `json:"currency"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
	Volume24h float64 `json:"volume_24h"`
	MarketCap float64 `json:"market_cap"`
}

// Quote is a coin's price in each requested currency, in request order.
type Quote struct {
	CoinID string          `json:"coin_id"`
	Quotes []CurrencyQuote `json:"quotes"`
}

// Primary returns the first quote.
func (q *Quote) Primary() CurrencyQuote {
	if q == nil || len(q.Quotes) == 0 {
		return CurrencyQuote{}
	}
	return q.Quotes[0]
}

// MarketData is a CoinGecko-compatible price client.
type MarketData struct {
	c  *client
	jq *expressions.GoJQEngine
}

// NewMarketData creates a market-data client. The API key, when set, is
// sent as the demo key header.
func NewMarketData(cfg Config) (*MarketData, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMarketDataURL
	}
	c, err := newClient(marketProvider, "x-cg-demo-api-key", cfg)
	if err != nil {
		return nil, err
	}
	return &MarketData{c: c, jq: expressions.NewGoJQEngine()}, nil
}

// Price fetches the current price of coinID. currencies defaults to usd.
// A coin the provider does not know yields NOT_FOUND.
func (m *MarketData) Price(ctx context.Context, coinID string, currencies []string) (*Quote, error) {
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	if coinID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "coin id is required")
	}
	currencies = normalizeCurrencies(currencies)

	q := url.Values{}
	q.Set("ids", coinID)
	q.Set("vs_currencies", strings.Join(currencies, ","))
	q.Set("include_market_cap", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")

	var body any
	if err := m.c.getJSON(ctx, "/simple/price", q, &body); err != nil {
		return nil, err
	}

	quote := &Quote{CoinID: coinID}
	for _, cur := range currencies {
		out, err := m.jq.Query(ctx, quoteQuery, body, map[string]any{"id": coinID, "cur": cur})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnknown, "%s: unexpected response shape", marketProvider).WithCause(err)
		}
		fields, _ := out.(map[string]any)
		price, ok := number(fields["price"])
		if !ok {
			continue
		}
		cq := CurrencyQuote{Currency: cur, Price: price}
		cq.Change24h, _ = number(fields["change24h"])
		cq.Volume24h, _ = number(fields["volume24h"])
		cq.MarketCap, _ = number(fields["marketCap"])
		quote.Quotes = append(quote.Quotes, cq)
	}

	if len(quote.Quotes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s: no price data for %q", marketProvider, coinID).
			WithDetails(map[string]any{"provider": marketProvider, "coin_id": coinID})
	}
	return quote, nil
}

func normalizeCurrencies(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return []string{"usd"}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
