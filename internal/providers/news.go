package providers

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/finflow/pkg/schema"
)

// DefaultNewsURL is the public NewsAPI endpoint.
const DefaultNewsURL = "https://newsapi.org/v2"

const (
	newsProvider    = "news"
	newsLookback    = 7 * 24 * time.Hour
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Article is one search hit.
type Article struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
}

// SearchParams are news search options. Zero values take defaults.
type SearchParams struct {
	Query    string
	PageSize int
	Page     int
}

// SearchResult is one page of articles.
type SearchResult struct {
	Query        string    `json:"query"`
	TotalResults int       `json:"total_results"`
	Page         int       `json:"page"`
	PageSize     int       `json:"page_size"`
	From         string    `json:"from"`
	Articles     []Article `json:"articles"`
}

type newsResponse struct {
	Status       string `json:"status"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	TotalResults int    `json:"totalResults"`
	Articles     []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string    `json:"title"`
		Description string    `json:"description"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"publishedAt"`
	} `json:"articles"`
}

// News is a NewsAPI-compatible search client.
type News struct {
	c   *client
	now func() time.Time
}

// NewNews creates a news client. now defaults to time.Now and anchors the
// fixed seven-day lookback window.
func NewNews(cfg Config, now func() time.Time) (*News, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNewsURL
	}
	c, err := newClient(newsProvider, "X-Api-Key", cfg)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &News{c: c, now: now}, nil
}

// ClampPageSize bounds n to [1, MaxPageSize], defaulting zero to DefaultPageSize.
func ClampPageSize(n int) int {
	switch {
	case n == 0:
		return DefaultPageSize
	case n < 1:
		return 1
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

// Search returns English articles about p.Query from the last seven days,
// newest first.
func (n *News) Search(ctx context.Context, p SearchParams) (*SearchResult, error) {
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "news query is required")
	}
	pageSize := ClampPageSize(p.PageSize)
	page := max(p.Page, 1)
	from := n.now().UTC().Add(-newsLookback).Format("2006-01-02")

	q := url.Values{}
	q.Set("q", query)
	q.Set("from", from)
	q.Set("sortBy", "publishedAt")
	q.Set("language", "en")
	q.Set("pageSize", itoa(pageSize))
	q.Set("page", itoa(page))

	var resp newsResponse
	if err := n.c.getJSON(ctx, "/everything", q, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, schema.NewErrorf(schema.ErrCodeUnknown, "%s: %s", newsProvider, resp.Message).
			WithDetails(map[string]any{"provider": newsProvider, "provider_code": resp.Code})
	}

	out := &SearchResult{
		Query:        query,
		TotalResults: resp.TotalResults,
		Page:         page,
		PageSize:     pageSize,
		From:         from,
		Articles:     make([]Article, 0, len(resp.Articles)),
	}
	for _, a := range resp.Articles {
		out.Articles = append(out.Articles, Article{
			Title:       a.Title,
			Description: a.Description,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Source:      a.Source.Name,
		})
	}
	return out, nil
}
