package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/finflow/internal/providers"
)

const newsInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "page_size": {"type": "integer", "description": "clamped to [1, 100]"},
    "page": {"type": "integer"}
  },
  "required": ["query"]
}`

// NewsTool implements "news.search".
type NewsTool struct {
	news NewsSource
}

// NewNewsTool creates the news.search tool.
func NewNewsTool(news NewsSource) *NewsTool {
	return &NewsTool{news: news}
}

func (t *NewsTool) Name() string { return "news.search" }

func (t *NewsTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Search English news from the last seven days, newest first.",
		InputSchema: json.RawMessage(newsInputSchema),
	}
}

func (t *NewsTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	res, err := t.news.Search(ctx, providers.SearchParams{
		Query:    stringParam(params, "query", ""),
		PageSize: intParam(params, "page_size", 0),
		Page:     intParam(params, "page", 1),
	})
	if err != nil {
		return nil, err
	}
	report, err := render("news", res)
	if err != nil {
		return nil, err
	}
	return &Result{Data: res, Report: report}, nil
}
