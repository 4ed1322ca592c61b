// Package tools holds the agent tools: named operations with a JSON input
// schema that return structured data plus a text report.
package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/finflow/internal/providers"
)

// Tool is one agent-callable operation.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// ToolSchema describes a tool's input contract.
type ToolSchema struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolInfo is a registered tool, for listings.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Result is what a tool returns: machine-readable data and a report for humans.
type Result struct {
	Data   any    `json:"data"`
	Report string `json:"report"`
}

// PriceSource fetches coin quotes. Satisfied by *providers.MarketData.
type PriceSource interface {
	Price(ctx context.Context, coinID string, currencies []string) (*providers.Quote, error)
}

// NewsSource searches recent articles. Satisfied by *providers.News.
type NewsSource interface {
	Search(ctx context.Context, p providers.SearchParams) (*providers.SearchResult, error)
}

// Param helpers. Params arrive as decoded JSON, so numbers are float64.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func stringSliceParam(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
