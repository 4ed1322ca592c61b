package engine

import (
	"context"
	"encoding/json"
	"reflect"
	"runtime/debug"
	"slices"
	"sort"

	"github.com/rendis/finflow/pkg/schema"
)

// StageInfo is the type-erased description of a stage.
type StageInfo struct {
	Name         string          `json:"name"`
	Reads        []string        `json:"reads,omitempty"`
	Writes       []string        `json:"writes,omitempty"`
	ResumeSchema json.RawMessage `json:"resume_schema,omitempty"`
	Actor        string          `json:"actor,omitempty"`
}

// PipelineInfo describes a registered pipeline.
type PipelineInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	StateVersion int             `json:"state_version"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	Stages       []StageInfo     `json:"stages"`
}

// Definition is a pipeline with its state type erased, so pipelines over
// different state structs share one Registry and Executor.
type Definition interface {
	Info() PipelineInfo
	initialState(input json.RawMessage) (json.RawMessage, error)
	runStage(ctx context.Context, index int, state json.RawMessage, resume *Resume) (stageResult, error)
	missingRun() []int
}

type stageResult struct {
	next      json.RawMessage
	suspended bool
	reason    string
	payload   json.RawMessage
}

// Pipeline is a linear sequence of stages over state S. The initial state
// is the start input decoded into S.
type Pipeline[S any] struct {
	Name        string
	Description string
	// StateVersion is bumped whenever S changes incompatibly; snapshots of
	// another version cannot be resumed.
	StateVersion int
	InputSchema  json.RawMessage
	Stages       []Stage[S]
}

func (p *Pipeline[S]) Info() PipelineInfo {
	info := PipelineInfo{
		Name:         p.Name,
		Description:  p.Description,
		StateVersion: p.StateVersion,
		InputSchema:  p.InputSchema,
		Stages:       make([]StageInfo, len(p.Stages)),
	}
	for i, st := range p.Stages {
		info.Stages[i] = StageInfo{
			Name:         st.Name,
			Reads:        st.Reads,
			Writes:       st.Writes,
			ResumeSchema: st.ResumeSchema,
			Actor:        st.Actor,
		}
	}
	return info
}

func (p *Pipeline[S]) missingRun() []int {
	var out []int
	for i, st := range p.Stages {
		if st.Run == nil {
			out = append(out, i)
		}
	}
	return out
}

func (p *Pipeline[S]) initialState(input json.RawMessage) (json.RawMessage, error) {
	var s S
	if len(input) > 0 {
		if err := json.Unmarshal(input, &s); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "decode pipeline input").WithCause(err)
		}
	}
	out, err := json.Marshal(s)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode initial state").WithCause(err)
	}
	return out, nil
}

func (p *Pipeline[S]) runStage(ctx context.Context, index int, raw json.RawMessage, resume *Resume) (res stageResult, err error) {
	st := p.Stages[index]

	var state S
	if err := json.Unmarshal(raw, &state); err != nil {
		return res, schema.NewError(schema.ErrCodeStageFailed, "decode state snapshot").WithStage(st.Name).WithCause(err)
	}
	// Canonical form of the previous state, taken before the stage can touch it.
	prev, err := json.Marshal(state)
	if err != nil {
		return res, schema.NewError(schema.ErrCodeStageFailed, "encode state snapshot").WithStage(st.Name).WithCause(err)
	}

	out, err := callStage(ctx, st, state, resume)
	if err != nil {
		return res, err
	}

	switch out.kind {
	case outcomeSuspend:
		payload, err := json.Marshal(out.payload)
		if err != nil {
			return res, schema.NewError(schema.ErrCodeStageFailed, "encode suspend payload").WithStage(st.Name).WithCause(err)
		}
		return stageResult{suspended: true, reason: out.reason, payload: payload}, nil
	case outcomeContinue:
		next, err := json.Marshal(out.next)
		if err != nil {
			return res, schema.NewError(schema.ErrCodeStageFailed, "encode next state").WithStage(st.Name).WithCause(err)
		}
		if err := checkWrites(prev, next, st.Writes); err != nil {
			return res, err.WithStage(st.Name)
		}
		return stageResult{next: next}, nil
	default:
		return res, schema.NewError(schema.ErrCodeStageFailed, "stage returned no outcome").WithStage(st.Name)
	}
}

// callStage runs the stage function, turning a panic into a STAGE_FAILED error.
func callStage[S any](ctx context.Context, st Stage[S], state S, resume *Resume) (out Outcome[S], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeStageFailed, "stage panicked: %v", r).
				WithStage(st.Name).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
	}()
	out, err = st.Run(ctx, state, resume)
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeStageFailed)
		if fe.Stage == "" {
			fe.Stage = st.Name
		}
		return out, fe
	}
	return out, nil
}

// checkWrites enforces the append-only state contract: no field present in
// prev may disappear, and only declared fields may be added or changed.
func checkWrites(prev, next json.RawMessage, writes []string) *schema.FlowError {
	var before, after map[string]json.RawMessage
	if err := json.Unmarshal(prev, &before); err != nil {
		return schema.NewError(schema.ErrCodeStageFailed, "state must be a JSON object").WithCause(err)
	}
	if err := json.Unmarshal(next, &after); err != nil {
		return schema.NewError(schema.ErrCodeStageFailed, "state must be a JSON object").WithCause(err)
	}

	var removed, undeclared []string
	for k, v := range before {
		nv, ok := after[k]
		if !ok {
			removed = append(removed, k)
			continue
		}
		if !slices.Contains(writes, k) && !jsonEqual(v, nv) {
			undeclared = append(undeclared, k)
		}
	}
	for k := range after {
		if _, ok := before[k]; !ok && !slices.Contains(writes, k) {
			undeclared = append(undeclared, k)
		}
	}

	if len(removed) > 0 {
		sort.Strings(removed)
		return schema.NewErrorf(schema.ErrCodeStageFailed, "stage removed state fields %v", removed).
			WithDetails(map[string]any{"removed": removed})
	}
	if len(undeclared) > 0 {
		sort.Strings(undeclared)
		return schema.NewErrorf(schema.ErrCodeStageFailed, "stage wrote undeclared state fields %v", undeclared).
			WithDetails(map[string]any{"undeclared": undeclared, "writes": writes})
	}
	return nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(va, vb)
}

// stateFields returns the top-level property names declared by a JSON Schema.
func stateFields(schemaDoc json.RawMessage) []string {
	if len(schemaDoc) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return nil
	}
	out := make([]string, 0, len(doc.Properties))
	for k := range doc.Properties {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Definition = (*Pipeline[struct{}])(nil)
