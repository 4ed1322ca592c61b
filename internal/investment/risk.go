package investment

import (
	"context"
	"strings"

	"github.com/rendis/finflow/internal/expressions"
	"github.com/rendis/finflow/pkg/schema"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// volatility is the fixed symbol to risk table. Unlisted symbols are medium.
var volatility = map[string]string{
	"AAPL":  RiskLow,
	"MSFT":  RiskLow,
	"JNJ":   RiskLow,
	"KO":    RiskLow,
	"PG":    RiskLow,
	"SPY":   RiskLow,
	"GOOGL": RiskMedium,
	"AMZN":  RiskMedium,
	"META":  RiskMedium,
	"NFLX":  RiskMedium,
	"TSLA":  RiskHigh,
	"NVDA":  RiskHigh,
	"COIN":  RiskHigh,
	"MSTR":  RiskHigh,
	"GME":   RiskHigh,
	"AMC":   RiskHigh,
}

// ClassifyRisk returns the volatility tier of symbol.
func ClassifyRisk(symbol string) string {
	if level, ok := volatility[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return level
	}
	return RiskMedium
}

// RecommendationRule yields Recommendation when the CEL condition When holds
// over amount and riskLevel.
type RecommendationRule struct {
	When           string `json:"when"`
	Recommendation string `json:"recommendation"`
}

// DefaultRules are evaluated in order; the first match wins.
var DefaultRules = []RecommendationRule{
	{When: `riskLevel == "high" && amount > 100000.0`, Recommendation: "High volatility at large size: reduce the position or stage the entry"},
	{When: `riskLevel == "high"`, Recommendation: "High volatility: limit exposure and set stop-loss levels"},
	{When: `riskLevel == "medium" && amount >= 50000.0`, Recommendation: "Moderate volatility: consider dollar-cost averaging"},
	{When: `riskLevel == "low" && amount < 10000.0`, Recommendation: "Low volatility: suitable for immediate investment"},
	{When: `true`, Recommendation: "Standard position: proceed with regular monitoring"},
}

const (
	needsApprovalExpr = `amount >= approvalThreshold || riskLevel == "high"`
	approverTierExpr  = `amount > directorThreshold ? "director" : "analyst"`
)

// Approver tiers.
const (
	TierAnalyst  = "analyst"
	TierDirector = "director"
)

// Default policy thresholds.
const (
	DefaultApprovalThreshold = 10000
	DefaultDirectorThreshold = 100000
)

// Policy decides recommendations (CEL rules) and approval routing (Expr).
type Policy struct {
	ApprovalThreshold float64
	DirectorThreshold float64

	rules []RecommendationRule
	cel   *expressions.CELEngine
	expr  *expressions.ExprEngine
}

// NewPolicy compiles every rule and policy expression up front. Zero
// thresholds take the defaults; nil rules take DefaultRules.
func NewPolicy(approvalThreshold, directorThreshold float64, rules []RecommendationRule) (*Policy, error) {
	if approvalThreshold <= 0 {
		approvalThreshold = DefaultApprovalThreshold
	}
	if directorThreshold <= 0 {
		directorThreshold = DefaultDirectorThreshold
	}
	if rules == nil {
		rules = DefaultRules
	}
	if len(rules) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "at least one recommendation rule is required")
	}

	celEng, err := expressions.NewCELEngine("amount", "riskLevel")
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := celEng.Compile(r.When); err != nil {
			return nil, err
		}
	}
	exprEng := expressions.NewExprEngine()
	for _, e := range []string{needsApprovalExpr, approverTierExpr} {
		if err := exprEng.Compile(e); err != nil {
			return nil, err
		}
	}

	return &Policy{
		ApprovalThreshold: approvalThreshold,
		DirectorThreshold: directorThreshold,
		rules:             rules,
		cel:               celEng,
		expr:              exprEng,
	}, nil
}

// Recommend returns the recommendation of the first matching rule.
func (p *Policy) Recommend(ctx context.Context, amount float64, riskLevel string) (string, error) {
	data := map[string]any{"amount": amount, "riskLevel": riskLevel}
	for _, r := range p.rules {
		ok, err := expressions.EvalBool(ctx, p.cel, r.When, data)
		if err != nil {
			return "", err
		}
		if ok {
			return r.Recommendation, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeExecution, "no recommendation rule matched %s/%v", riskLevel, amount)
}

// NeedsApproval reports whether a human must sign off.
func (p *Policy) NeedsApproval(ctx context.Context, amount float64, riskLevel string) (bool, error) {
	return expressions.EvalBool(ctx, p.expr, needsApprovalExpr, map[string]any{
		"amount":            amount,
		"riskLevel":         riskLevel,
		"approvalThreshold": p.ApprovalThreshold,
	})
}

// ApproverTier names who must approve amount.
func (p *Policy) ApproverTier(ctx context.Context, amount float64) (string, error) {
	return expressions.EvalString(ctx, p.expr, approverTierExpr, map[string]any{
		"amount":            amount,
		"directorThreshold": p.DirectorThreshold,
	})
}
