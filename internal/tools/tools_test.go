package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/finflow/internal/providers"
	"github.com/rendis/finflow/internal/validation"
	"github.com/rendis/finflow/pkg/schema"
)

type fakeMarket struct {
	quote *providers.Quote
	err   error
	calls atomic.Int32
}

func (f *fakeMarket) Price(_ context.Context, coinID string, currencies []string) (*providers.Quote, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	q := *f.quote
	q.CoinID = coinID
	return &q, nil
}

type fakeNews struct {
	articles []providers.Article
	err      error
	last     providers.SearchParams
}

func (f *fakeNews) Search(_ context.Context, p providers.SearchParams) (*providers.SearchResult, error) {
	f.last = p
	if f.err != nil {
		return nil, f.err
	}
	return &providers.SearchResult{
		Query:        p.Query,
		TotalResults: len(f.articles),
		Page:         1,
		PageSize:     providers.ClampPageSize(p.PageSize),
		From:         "2026-02-22",
		Articles:     f.articles,
	}, nil
}

func btcQuote() *providers.Quote {
	return &providers.Quote{Quotes: []providers.CurrencyQuote{{
		Currency: "usd", Price: 64250.5, Change24h: 2.35, Volume24h: 28.5e9, MarketCap: 1.2e12,
	}}}
}

func articles(n int) []providers.Article {
	out := make([]providers.Article, n)
	for i := range out {
		out[i] = providers.Article{
			Title:       "Headline",
			URL:         "https://example.com",
			Source:      "Wire",
			PublishedAt: time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func newRegistry(t *testing.T, m PriceSource, n NewsSource) *Registry {
	t.Helper()
	r := NewRegistry(validation.NewJSONSchemaValidator())
	require.NoError(t, Builtin(r, m, n))
	return r
}

func TestRegistry(t *testing.T) {
	r := newRegistry(t, &fakeMarket{quote: btcQuote()}, &fakeNews{})
	assert.Equal(t, 3, r.Count())
	_, err := r.Get("crypto.analysis")
	assert.NoError(t, err)

	names := []string{}
	for _, info := range r.List() {
		names = append(names, info.Name)
		assert.NotEmpty(t, info.InputSchema)
	}
	assert.Equal(t, []string{"crypto.analysis", "crypto.price", "news.search"}, names)

	assert.True(t, schema.IsCode(r.Register(NewPriceTool(nil)), schema.ErrCodeConflict))
	assert.True(t, schema.IsCode(r.Register(nil), schema.ErrCodeValidation))

	_, err = r.Get("shell.exec")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestInvoke_ValidatesParams(t *testing.T) {
	m := &fakeMarket{quote: btcQuote()}
	r := newRegistry(t, m, &fakeNews{})

	_, err := r.Invoke(context.Background(), "crypto.price", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = r.Invoke(context.Background(), "crypto.price", json.RawMessage(`{"coin_id": 7}`))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Zero(t, m.calls.Load(), "invalid params never reach the provider")

	_, err = r.Invoke(context.Background(), "nope", json.RawMessage(`{}`))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestPriceTool(t *testing.T) {
	r := newRegistry(t, &fakeMarket{quote: btcQuote()}, &fakeNews{})

	res, err := r.Invoke(context.Background(), "crypto.price", json.RawMessage(`{"coin_id":"bitcoin"}`))
	require.NoError(t, err)

	q, ok := res.Data.(*providers.Quote)
	require.True(t, ok)
	assert.Equal(t, "bitcoin", q.CoinID)
	assert.Contains(t, res.Report, "Price report for bitcoin")
	assert.Contains(t, res.Report, "USD: 64,250.50 (+2.35% 24h)")
	assert.Contains(t, res.Report, "volume 24h: 28.50B")
	assert.Contains(t, res.Report, "market cap: 1.20T")
}

func TestPriceTool_ProviderErrorPassesThrough(t *testing.T) {
	m := &fakeMarket{err: schema.NewError(schema.ErrCodeNotFound, "market-data: no price data")}
	r := newRegistry(t, m, &fakeNews{})
	_, err := r.Invoke(context.Background(), "crypto.price", json.RawMessage(`{"coin_id":"nope"}`))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestNewsTool(t *testing.T) {
	n := &fakeNews{articles: articles(2)}
	r := newRegistry(t, &fakeMarket{quote: btcQuote()}, n)

	res, err := r.Invoke(context.Background(), "news.search", json.RawMessage(`{"query":"ethereum","page_size":5,"page":2}`))
	require.NoError(t, err)
	assert.Equal(t, providers.SearchParams{Query: "ethereum", PageSize: 5, Page: 2}, n.last)
	assert.Contains(t, res.Report, `News for "ethereum"`)
	assert.Contains(t, res.Report, "1. Headline")
	assert.Contains(t, res.Report, "2026-02-27 10:00 UTC")
}

func TestAnalysisTool_Statuses(t *testing.T) {
	down := schema.NewError(schema.ErrCodeRateLimited, "market-data: slow down")
	newsDown := schema.NewError(schema.ErrCodeUnauthorized, "news: bad key")

	cases := []struct {
		name       string
		market     *fakeMarket
		news       *fakeNews
		wantStatus string
		wantCode   string
	}{
		{"both ok", &fakeMarket{quote: btcQuote()}, &fakeNews{articles: articles(12)}, StatusComplete, ""},
		{"news empty", &fakeMarket{quote: btcQuote()}, &fakeNews{}, StatusPartial, ""},
		{"market down", &fakeMarket{err: down}, &fakeNews{articles: articles(4)}, StatusPartial, ""},
		{"news down", &fakeMarket{quote: btcQuote()}, &fakeNews{err: newsDown}, StatusPartial, ""},
		{"both down", &fakeMarket{err: down}, &fakeNews{err: newsDown}, "", schema.ErrCodeRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry(t, tc.market, tc.news)
			res, err := r.Invoke(context.Background(), "crypto.analysis", json.RawMessage(`{"coin_id":"bitcoin"}`))
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, schema.CodeOf(err))
				assert.ErrorIs(t, err, newsDown)
				return
			}
			require.NoError(t, err)
			a := res.Data.(*Analysis)
			assert.Equal(t, tc.wantStatus, a.Status)
			assert.Contains(t, res.Report, "["+tc.wantStatus+"]")
		})
	}
}

func TestAnalysisTool_MetricsAndDefaults(t *testing.T) {
	n := &fakeNews{articles: articles(12)}
	r := newRegistry(t, &fakeMarket{quote: btcQuote()}, n)

	res, err := r.Invoke(context.Background(), "crypto.analysis", json.RawMessage(`{"coin_id":"bitcoin"}`))
	require.NoError(t, err)
	a := res.Data.(*Analysis)

	assert.Equal(t, "bitcoin", n.last.Query, "query defaults to the coin id")
	assert.Equal(t, defaultArticleCount, n.last.PageSize)
	assert.Equal(t, "bullish", a.Metrics.Momentum)
	assert.Equal(t, "low", a.Metrics.Liquidity)
	assert.InDelta(t, 0.02375, a.Metrics.VolumeToMarketCap, 0.0001)
	assert.Equal(t, "high", a.Metrics.NewsCoverage)
	assert.Equal(t, 12, a.Metrics.ArticleCount)

	_, err = r.Invoke(context.Background(), "crypto.analysis", json.RawMessage(`{"coin_id":"bitcoin","query":"btc etf","article_count":99}`))
	require.NoError(t, err)
	assert.Equal(t, "btc etf", n.last.Query)
	assert.Equal(t, maxArticleCount, n.last.PageSize)

	_, err = r.Invoke(context.Background(), "crypto.analysis", json.RawMessage(`{"coin_id":"bitcoin","article_count":0}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n.last.PageSize)
}

func TestClassifiers(t *testing.T) {
	assert.Equal(t, "strong bullish", Momentum(7))
	assert.Equal(t, "neutral", Momentum(-1))
	assert.Equal(t, "bearish", Momentum(-3))
	assert.Equal(t, "strong bearish", Momentum(-12))

	level, _ := Liquidity(20, 100)
	assert.Equal(t, "high", level)
	level, _ = Liquidity(5, 100)
	assert.Equal(t, "moderate", level)
	level, ratio := Liquidity(5, 0)
	assert.Equal(t, "unknown", level)
	assert.Zero(t, ratio)

	assert.Equal(t, "none", Coverage(0))
	assert.Equal(t, "low", Coverage(2))
	assert.Equal(t, "moderate", Coverage(3))
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "1,234,567.89", formatMoney(1234567.891))
	assert.Equal(t, "-1,000.00", formatMoney(-1000))
	assert.Equal(t, "999.00", formatMoney(999))
	assert.Equal(t, "0.5000", formatMoney(0.5))
	assert.Equal(t, "0.000123", formatMoney(0.000123))
	assert.Equal(t, "12.00K", formatCompact(12000))
	assert.Equal(t, "3.10M", formatCompact(3.1e6))
	assert.Equal(t, "-2.50%", formatPercent(-2.5))
}
