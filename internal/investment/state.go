package investment

import (
	"encoding/json"

	"github.com/rendis/finflow/pkg/schema"
)

// State is the investment-approval pipeline state. Fields are filled in
// stage order and never removed.
type State struct {
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`

	// gather-signals
	Signals *Signals `json:"signals,omitempty"`

	// assess-risk
	RiskLevel      string `json:"riskLevel,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	NeedsApproval  bool   `json:"needsApproval,omitempty"`

	// request-approval
	Approved    *bool   `json:"approved,omitempty"`
	ApprovedBy  string  `json:"approvedBy,omitempty"`
	FinalAmount float64 `json:"finalAmount,omitempty"`
	Comments    string  `json:"comments,omitempty"`

	// finalize
	Status string `json:"status,omitempty"`
}

// Signals are simulated market signals for a symbol.
type Signals struct {
	NewsCount       int     `json:"newsCount"`
	SentimentScore  float64 `json:"sentimentScore"`
	ConfidenceScore float64 `json:"confidenceScore"`
}

// ApprovalRequest is the suspension payload shown to the approver.
type ApprovalRequest struct {
	Symbol         string  `json:"symbol"`
	Amount         float64 `json:"amount"`
	RiskLevel      string  `json:"riskLevel"`
	Recommendation string  `json:"recommendation"`
}

// ApprovalInput is the resume data an approver supplies.
type ApprovalInput struct {
	Approved       bool     `json:"approved"`
	ApproverID     string   `json:"approverId"`
	AdjustedAmount *float64 `json:"adjustedAmount,omitempty"`
	Comments       string   `json:"comments,omitempty"`
}

// Decision statuses.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Decision is the outcome of a completed investment-approval instance.
type Decision struct {
	Symbol         string  `json:"symbol"`
	Status         string  `json:"status"`
	FinalAmount    float64 `json:"finalAmount"`
	RiskLevel      string  `json:"riskLevel"`
	Recommendation string  `json:"recommendation"`
	ApprovedBy     string  `json:"approvedBy"`
	Comments       string  `json:"comments,omitempty"`
}

// DecisionOf extracts the decision from a final state snapshot.
func DecisionOf(state json.RawMessage) (*Decision, error) {
	var s State
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode investment state").WithCause(err)
	}
	if s.Status == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidState, "investment decision not final")
	}
	return &Decision{
		Symbol:         s.Symbol,
		Status:         s.Status,
		FinalAmount:    s.FinalAmount,
		RiskLevel:      s.RiskLevel,
		Recommendation: s.Recommendation,
		ApprovedBy:     s.ApprovedBy,
		Comments:       s.Comments,
	}, nil
}
