package tools

import (
	"context"
	"encoding/json"
)

const priceInputSchema = `{
  "type": "object",
  "properties": {
    "coin_id": {"type": "string", "minLength": 1, "description": "CoinGecko coin id, e.g. bitcoin"},
    "currencies": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 10}
  },
  "required": ["coin_id"]
}`

// PriceTool implements "crypto.price".
type PriceTool struct {
	market PriceSource
}

// NewPriceTool creates the crypto.price tool.
func NewPriceTool(market PriceSource) *PriceTool {
	return &PriceTool{market: market}
}

func (t *PriceTool) Name() string { return "crypto.price" }

func (t *PriceTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Current price, 24h change, 24h volume and market cap of a cryptocurrency.",
		InputSchema: json.RawMessage(priceInputSchema),
	}
}

func (t *PriceTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	quote, err := t.market.Price(ctx, stringParam(params, "coin_id", ""), stringSliceParam(params, "currencies"))
	if err != nil {
		return nil, err
	}
	report, err := render("price", quote)
	if err != nil {
		return nil, err
	}
	return &Result{Data: quote, Report: report}, nil
}
