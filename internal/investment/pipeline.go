// Package investment is the investment-approval pipeline: simulated market
// signals, a volatility-based risk assessment, an optional human approval
// and the final decision.
package investment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/identity"
)

// PipelineName is the registry name of the investment-approval pipeline.
const PipelineName = "investment-approval"

// Stage names.
const (
	StageGatherSignals   = "gather-signals"
	StageAssessRisk      = "assess-risk"
	StageRequestApproval = "request-approval"
	StageFinalize        = "finalize"
)

// InputSchema validates the start input.
var InputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["symbol", "amount"],
	"properties": {
		"symbol": {"type": "string", "minLength": 1, "maxLength": 12},
		"amount": {"type": "number", "exclusiveMinimum": 0}
	},
	"additionalProperties": false
}`)

// ApprovalSchema validates the resume data of request-approval.
var ApprovalSchema = json.RawMessage(`{
	"type": "object",
	"required": ["approved", "approverId"],
	"properties": {
		"approved": {"type": "boolean"},
		"approverId": {"type": "string", "minLength": 1},
		"adjustedAmount": {"type": "number", "exclusiveMinimum": 0},
		"comments": {"type": "string"}
	}
}`)

// New builds the pipeline over the given policy and signal source.
func New(policy *Policy, signals *SignalSource) *engine.Pipeline[State] {
	return &engine.Pipeline[State]{
		Name:         PipelineName,
		Description:  "Routes an investment through signal gathering, risk assessment and tiered approval.",
		StateVersion: 1,
		InputSchema:  InputSchema,
		Stages: []engine.Stage[State]{
			{
				Name:   StageGatherSignals,
				Reads:  []string{"symbol"},
				Writes: []string{"signals"},
				Run:    gatherSignals(signals),
			},
			{
				Name:   StageAssessRisk,
				Reads:  []string{"symbol", "amount"},
				Writes: []string{"riskLevel", "recommendation", "needsApproval"},
				Run:    assessRisk(policy),
			},
			{
				Name:         StageRequestApproval,
				Reads:        []string{"symbol", "amount", "riskLevel", "recommendation", "needsApproval"},
				Writes:       []string{"approved", "approvedBy", "finalAmount", "comments"},
				ResumeSchema: ApprovalSchema,
				Actor:        "approverId",
				Run:          requestApproval(policy),
			},
			{
				Name:   StageFinalize,
				Reads:  []string{"approved", "finalAmount", "riskLevel", "recommendation"},
				Writes: []string{"status"},
				Run:    finalize,
			},
		},
	}
}

func gatherSignals(src *SignalSource) engine.StageFunc[State] {
	return func(_ context.Context, s State, _ *engine.Resume) (engine.Outcome[State], error) {
		sig := src.Gather()
		s.Signals = &sig
		return engine.Continue(s), nil
	}
}

func assessRisk(policy *Policy) engine.StageFunc[State] {
	return func(ctx context.Context, s State, _ *engine.Resume) (engine.Outcome[State], error) {
		s.RiskLevel = ClassifyRisk(s.Symbol)

		rec, err := policy.Recommend(ctx, s.Amount, s.RiskLevel)
		if err != nil {
			return engine.Outcome[State]{}, err
		}
		s.Recommendation = rec

		needs, err := policy.NeedsApproval(ctx, s.Amount, s.RiskLevel)
		if err != nil {
			return engine.Outcome[State]{}, err
		}
		s.NeedsApproval = needs
		return engine.Continue(s), nil
	}
}

// requestApproval suspends for a human when the policy asks for one. It
// has no side effects before suspending, so re-entry is safe.
func requestApproval(policy *Policy) engine.StageFunc[State] {
	return func(ctx context.Context, s State, resume *engine.Resume) (engine.Outcome[State], error) {
		if !s.NeedsApproval {
			approved := true
			s.Approved = &approved
			s.ApprovedBy = identity.SystemAgentID
			s.FinalAmount = s.Amount
			s.Comments = ""
			return engine.Continue(s), nil
		}

		if resume == nil {
			tier, err := policy.ApproverTier(ctx, s.Amount)
			if err != nil {
				return engine.Outcome[State]{}, err
			}
			return engine.Suspend[State](fmt.Sprintf("%s approval required", tier), ApprovalRequest{
				Symbol:         s.Symbol,
				Amount:         s.Amount,
				RiskLevel:      s.RiskLevel,
				Recommendation: s.Recommendation,
			}), nil
		}

		var in ApprovalInput
		if err := resume.Decode(&in); err != nil {
			return engine.Outcome[State]{}, err
		}
		s.Approved = &in.Approved
		s.ApprovedBy = in.ApproverID
		s.FinalAmount = s.Amount
		if in.AdjustedAmount != nil {
			s.FinalAmount = *in.AdjustedAmount
		}
		s.Comments = in.Comments
		return engine.Continue(s), nil
	}
}

func finalize(_ context.Context, s State, _ *engine.Resume) (engine.Outcome[State], error) {
	s.Status = StatusRejected
	if s.Approved != nil && *s.Approved {
		s.Status = StatusApproved
	}
	return engine.Continue(s), nil
}
