package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/finflow/internal/providers"
	"github.com/rendis/finflow/pkg/schema"
)

const analysisInputSchema = `{
  "type": "object",
  "properties": {
    "coin_id": {"type": "string", "minLength": 1},
    "query": {"type": "string", "description": "news query, defaults to the coin id"},
    "article_count": {"type": "integer", "description": "clamped to [1, 20], default 15"}
  },
  "required": ["coin_id"]
}`

const (
	defaultArticleCount = 15
	maxArticleCount     = 20
)

// Analysis statuses.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
)

// Metrics are figures derived from a quote and a news search.
type Metrics struct {
	Momentum          string  `json:"momentum"`
	VolumeToMarketCap float64 `json:"volume_to_market_cap"`
	Liquidity         string  `json:"liquidity"`
	NewsCoverage      string  `json:"news_coverage"`
	ArticleCount      int     `json:"article_count"`
}

// Analysis is the crypto.analysis result.
type Analysis struct {
	CoinID      string                   `json:"coin_id"`
	Query       string                   `json:"query"`
	Status      string                   `json:"status"`
	Quote       *providers.CurrencyQuote `json:"quote,omitempty"`
	Articles    []providers.Article      `json:"articles,omitempty"`
	Metrics     Metrics                  `json:"metrics"`
	MarketError string                   `json:"market_error,omitempty"`
	NewsError   string                   `json:"news_error,omitempty"`
}

// AnalysisTool implements "crypto.analysis": price and news fetched
// concurrently and combined. Either half may fail without failing the tool.
type AnalysisTool struct {
	market PriceSource
	news   NewsSource
}

// NewAnalysisTool creates the crypto.analysis tool.
func NewAnalysisTool(market PriceSource, news NewsSource) *AnalysisTool {
	return &AnalysisTool{market: market, news: news}
}

func (t *AnalysisTool) Name() string { return "crypto.analysis" }

func (t *AnalysisTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Combined market and news analysis of a cryptocurrency with momentum, liquidity and coverage metrics.",
		InputSchema: json.RawMessage(analysisInputSchema),
	}
}

func (t *AnalysisTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	coinID := strings.TrimSpace(stringParam(params, "coin_id", ""))
	if coinID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "coin_id is required")
	}
	query := stringParam(params, "query", coinID)
	count := min(max(intParam(params, "article_count", defaultArticleCount), 1), maxArticleCount)

	var (
		quote              *providers.Quote
		news               *providers.SearchResult
		marketErr, newsErr error
	)
	// Both halves always run to completion; neither error cancels the other.
	var g errgroup.Group
	g.Go(func() error {
		quote, marketErr = t.market.Price(ctx, coinID, nil)
		return nil
	})
	g.Go(func() error {
		news, newsErr = t.news.Search(ctx, providers.SearchParams{Query: query, PageSize: count})
		return nil
	})
	_ = g.Wait()

	if marketErr != nil && newsErr != nil {
		return nil, schema.NewErrorf(schema.CodeOf(marketErr),
			"analysis failed: market: %v; news: %v", marketErr, newsErr).
			WithCause(errors.Join(marketErr, newsErr))
	}

	a := &Analysis{CoinID: coinID, Query: query}
	if marketErr != nil {
		a.MarketError = marketErr.Error()
	} else {
		q := quote.Primary()
		a.Quote = &q
		a.Metrics.Momentum = Momentum(q.Change24h)
		a.Metrics.Liquidity, a.Metrics.VolumeToMarketCap = Liquidity(q.Volume24h, q.MarketCap)
	}
	if newsErr != nil {
		a.NewsError = newsErr.Error()
	} else {
		a.Articles = news.Articles
	}
	a.Metrics.ArticleCount = len(a.Articles)
	a.Metrics.NewsCoverage = Coverage(len(a.Articles))

	a.Status = StatusComplete
	if marketErr != nil || newsErr != nil || len(a.Articles) == 0 {
		a.Status = StatusPartial
	}

	report, err := render("analysis", a)
	if err != nil {
		return nil, err
	}
	return &Result{Data: a, Report: report}, nil
}

// Momentum classifies a 24h percentage change.
func Momentum(change24h float64) string {
	switch {
	case change24h > 5:
		return "strong bullish"
	case change24h > 1:
		return "bullish"
	case change24h >= -1:
		return "neutral"
	case change24h >= -5:
		return "bearish"
	}
	return "strong bearish"
}

// Liquidity classifies the volume to market cap ratio.
func Liquidity(volume, marketCap float64) (string, float64) {
	if marketCap <= 0 {
		return "unknown", 0
	}
	ratio := volume / marketCap
	switch {
	case ratio >= 0.1:
		return "high", ratio
	case ratio >= 0.03:
		return "moderate", ratio
	}
	return "low", ratio
}

// Coverage classifies how much news a search found.
func Coverage(articles int) string {
	switch {
	case articles >= 10:
		return "high"
	case articles >= 3:
		return "moderate"
	case articles > 0:
		return "low"
	}
	return "none"
}
