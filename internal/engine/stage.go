package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/finflow/pkg/schema"
)

// StageFunc runs one stage over the typed pipeline state S.
//
// resume is nil on first entry. When an instance resumes, the stage that
// suspended is entered again with the same snapshot and a non-nil resume;
// any side effect performed before suspending will therefore run twice
// and must be idempotent.
type StageFunc[S any] func(ctx context.Context, state S, resume *Resume) (Outcome[S], error)

// Stage is one named step of a Pipeline.
type Stage[S any] struct {
	Name string
	// Reads lists the state fields (JSON names) the stage consumes.
	Reads []string
	// Writes lists the state fields the stage may add or overwrite. Any
	// other change to the snapshot fails the instance.
	Writes []string
	// ResumeSchema validates resume data before the instance is touched.
	ResumeSchema json.RawMessage
	// Actor names the resume field holding the id of the agent supplying it.
	Actor string
	Run   StageFunc[S]
}

// Resume carries externally supplied data into a re-entered stage.
type Resume struct {
	Data    json.RawMessage
	AgentID string
}

// Decode unmarshals the resume data into v.
func (r *Resume) Decode(v any) error {
	if r == nil || len(r.Data) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "resume data is empty")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode resume data").WithCause(err)
	}
	return nil
}

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeContinue
	outcomeSuspend
)

// Outcome is what a stage returns: either the next state or a suspension.
type Outcome[S any] struct {
	kind    outcomeKind
	next    S
	reason  string
	payload any
}

// Continue advances to the next stage with next as the new state.
func Continue[S any](next S) Outcome[S] {
	return Outcome[S]{kind: outcomeContinue, next: next}
}

// Suspend pauses the instance. payload is persisted verbatim and shown to
// whoever is expected to resume it.
func Suspend[S any](reason string, payload any) Outcome[S] {
	return Outcome[S]{kind: outcomeSuspend, reason: reason, payload: payload}
}

// Suspended reports whether the outcome is a suspension.
func (o Outcome[S]) Suspended() bool { return o.kind == outcomeSuspend }

// Next returns the state carried by a Continue outcome.
func (o Outcome[S]) Next() S { return o.next }

// Reason returns the suspension reason.
func (o Outcome[S]) Reason() string { return o.reason }

// Payload returns the suspension payload.
func (o Outcome[S]) Payload() any { return o.payload }
