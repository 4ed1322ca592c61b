package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/finflow/internal/logging"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/internal/streaming"
	"github.com/rendis/finflow/internal/validation"
	"github.com/rendis/finflow/pkg/schema"
)

// Executor runs pipeline instances: it drives stages in order, persists a
// snapshot at every stage boundary and re-enters a suspended stage when
// resume data arrives.
type Executor interface {
	// Start creates an instance of the named pipeline from input and runs it
	// until it completes, suspends or fails.
	Start(ctx context.Context, pipeline string, input json.RawMessage) (*store.Instance, error)

	// Resume re-enters the stage a suspended instance paused on, with input
	// as resume data, and continues from there.
	Resume(ctx context.Context, instanceID string, input json.RawMessage) (*store.Instance, error)

	// Expire fails a suspended instance with TIMEOUT_ERROR.
	Expire(ctx context.Context, instanceID, reason string) (*store.Instance, error)

	Get(ctx context.Context, instanceID string) (*store.Instance, error)
	List(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	Events(ctx context.Context, instanceID string) ([]*store.Event, error)

	// Timeline replays the event log into per-stage runs and durations.
	Timeline(ctx context.Context, instanceID string) (*store.Timeline, error)

	Pipelines() []PipelineInfo
}

// AgentRegistrar records the humans who supply resume data.
// Satisfied by *identity.Registry.
type AgentRegistrar interface {
	EnsureHuman(ctx context.Context, id string) (*store.Agent, error)
}

// ExecutorDeps are the executor's collaborators. Store and Registry are
// required; everything else has a usable zero value.
type ExecutorDeps struct {
	Store     store.Store
	Registry  *Registry
	Validator validation.Validator
	Hub       streaming.EventHub
	Agents    AgentRegistrar
	Metrics   *Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

type executorImpl struct {
	store     store.Store
	registry  *Registry
	validator validation.Validator
	hub       streaming.EventHub
	agents    AgentRegistrar
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	fsm       *InstanceFSM
	locks     *keyedLock
}

// NewExecutor creates an Executor.
func NewExecutor(deps ExecutorDeps) (Executor, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a store")
	}
	if deps.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a pipeline registry")
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewJSONSchemaValidator()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, nil)))
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	fsm := NewInstanceFSM(deps.Clock)
	for from, targets := range ValidInstanceTransitions {
		for _, to := range targets {
			fsm.OnAfter(from, to, deps.Metrics.hook())
		}
	}

	return &executorImpl{
		store:     deps.Store,
		registry:  deps.Registry,
		validator: deps.Validator,
		hub:       deps.Hub,
		agents:    deps.Agents,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Clock,
		fsm:       fsm,
		locks:     newKeyedLock(),
	}, nil
}

// Start creates and runs a new instance.
func (e *executorImpl) Start(ctx context.Context, pipeline string, input json.RawMessage) (*store.Instance, error) {
	def, err := e.registry.Get(pipeline)
	if err != nil {
		return nil, err
	}
	info := def.Info()

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := e.validator.ValidateJSON(input, info.InputSchema); err != nil {
		return nil, err
	}
	state, err := def.initialState(input)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	inst := &store.Instance{
		ID:           uuid.NewString(),
		Pipeline:     info.Name,
		StateVersion: info.StateVersion,
		State:        state,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.fsm.Apply(ctx, inst, schema.InstanceStatusRunning); err != nil {
		return nil, err
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, storeError("create instance", err)
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	logging.LogWith(ctx, e.logger).Info("instance started", "pipeline", inst.Pipeline)
	e.metrics.InstancesStarted.WithLabelValues(inst.Pipeline).Inc()
	if err := e.record(ctx, inst, "", transitionEvent("", inst.Status), input, ""); err != nil {
		return e.fail(ctx, inst, err)
	}
	e.notify(ctx, inst, "", schema.InstanceStatusRunning)

	return e.advance(ctx, def, inst, nil)
}

// Resume validates the resume data, then re-enters the paused stage.
// Every rejection happens before the stored instance is modified.
func (e *executorImpl) Resume(ctx context.Context, instanceID string, input json.RawMessage) (*store.Instance, error) {
	if !e.locks.TryLock(instanceID) {
		return nil, e.rejectResume(concurrentResume(instanceID))
	}
	defer e.locks.Unlock(instanceID)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, e.rejectResume(err)
	}
	if inst.Status != schema.InstanceStatusSuspended {
		return nil, e.rejectResume(schema.NewErrorf(schema.ErrCodeInvalidState,
			"instance %s is %s, only suspended instances can be resumed", inst.ID, inst.Status).
			WithDetails(map[string]any{"status": string(inst.Status)}))
	}

	def, err := e.registry.Get(inst.Pipeline)
	if err != nil {
		return nil, e.rejectResume(err)
	}
	info := def.Info()
	if inst.StateVersion != info.StateVersion {
		return nil, e.rejectResume(schema.NewErrorf(schema.ErrCodeInvalidState,
			"instance %s has state version %d, pipeline %s is at %d",
			inst.ID, inst.StateVersion, info.Name, info.StateVersion))
	}
	if inst.StageIndex < 0 || inst.StageIndex >= len(info.Stages) {
		return nil, e.rejectResume(schema.NewErrorf(schema.ErrCodeInvalidState,
			"instance %s is suspended at unknown stage %d", inst.ID, inst.StageIndex))
	}
	stage := info.Stages[inst.StageIndex]

	if len(input) == 0 {
		return nil, e.rejectResume(schema.NewError(schema.ErrCodeValidation, "resume data is empty"))
	}
	if !json.Valid(input) {
		return nil, e.rejectResume(schema.NewError(schema.ErrCodeValidation, "resume data is not valid JSON"))
	}
	if err := e.validator.ValidateJSON(input, stage.ResumeSchema); err != nil {
		return nil, e.rejectResume(schema.AsFlowError(err, schema.ErrCodeValidation).WithStage(stage.Name))
	}

	agentID := actorOf(input, stage.Actor)
	ctx = logging.WithIDs(ctx, inst.ID, stage.Name, agentID)
	if agentID != "" && e.agents != nil {
		if _, err := e.agents.EnsureHuman(ctx, agentID); err != nil {
			return nil, e.rejectResume(err)
		}
	}

	expected := inst.Version
	from := inst.Status
	if err := e.fsm.Apply(ctx, inst, schema.InstanceStatusRunning); err != nil {
		return nil, e.rejectResume(err)
	}
	if err := e.save(ctx, inst, expected); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			err = concurrentResume(inst.ID).WithCause(err)
		}
		return nil, e.rejectResume(err)
	}

	logging.LogWith(ctx, e.logger).Info("instance resumed")
	if err := e.record(ctx, inst, stage.Name, transitionEvent(from, inst.Status), input, agentID); err != nil {
		return e.fail(ctx, inst, err)
	}
	e.notify(ctx, inst, schema.InstanceStatusSuspended, schema.InstanceStatusRunning)

	return e.advance(ctx, def, inst, &Resume{Data: input, AgentID: agentID})
}

// Expire fails a suspended instance. A concurrent resume wins: the instance
// is then no longer suspended and INVALID_STATE or CONCURRENT_RESUME is returned.
func (e *executorImpl) Expire(ctx context.Context, instanceID, reason string) (*store.Instance, error) {
	if !e.locks.TryLock(instanceID) {
		return nil, concurrentResume(instanceID)
	}
	defer e.locks.Unlock(instanceID)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstanceStatusSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"instance %s is %s, only suspended instances can expire", inst.ID, inst.Status)
	}
	if reason == "" {
		reason = "approval timeout"
	}

	stage := ""
	if inst.Suspension != nil {
		stage = inst.Suspension.Stage
	}
	ctx = logging.WithIDs(ctx, inst.ID, stage, "")
	cause := schema.NewError(schema.ErrCodeTimeout, reason).WithStage(stage)
	if err := e.terminate(ctx, inst, cause); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, concurrentResume(inst.ID).WithCause(err)
		}
		return nil, err
	}
	return inst, nil
}

func (e *executorImpl) Get(ctx context.Context, instanceID string) (*store.Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

func (e *executorImpl) List(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

func (e *executorImpl) Events(ctx context.Context, instanceID string) ([]*store.Event, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, instanceID, 0)
}

func (e *executorImpl) Timeline(ctx context.Context, instanceID string) (*store.Timeline, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return store.Replay(ctx, e.store, instanceID)
}

func (e *executorImpl) Pipelines() []PipelineInfo {
	return e.registry.List()
}

// advance runs stages from inst.StageIndex until the pipeline completes,
// suspends or fails. resume is handed to the first stage only.
//
// Once a stage has returned, its outcome is persisted under a context that
// ignores cancellation, and a write that does not go through fails the
// instance, so an aborted request never leaves it running.
func (e *executorImpl) advance(ctx context.Context, def Definition, inst *store.Instance, resume *Resume) (*store.Instance, error) {
	info := def.Info()

	for inst.StageIndex < len(info.Stages) {
		st := info.Stages[inst.StageIndex]
		sctx := logging.WithStage(ctx, st.Name)
		log := logging.LogWith(sctx, e.logger)

		if err := ctx.Err(); err != nil {
			return e.fail(sctx, inst, schema.NewError(schema.ErrCodeExecution, "execution cancelled").WithStage(st.Name).WithCause(err))
		}

		if err := e.record(sctx, inst, st.Name, schema.EventStageStarted,
			mustJSON(map[string]any{"index": inst.StageIndex, "reentry": resume != nil}), agentOf(resume)); err != nil {
			return e.fail(sctx, inst, err)
		}

		began := e.now()
		res, err := def.runStage(sctx, inst.StageIndex, inst.State, resume)
		elapsed := e.now().Sub(began)
		pctx := context.WithoutCancel(sctx)

		switch {
		case err != nil:
			e.observeStage(inst.Pipeline, st.Name, "failed", elapsed)
			log.Warn("stage failed", "error", err)
			return e.fail(pctx, inst, err)

		case res.suspended && resume != nil:
			e.observeStage(inst.Pipeline, st.Name, "failed", elapsed)
			return e.fail(pctx, inst, schema.NewError(schema.ErrCodeResuspend, "re-suspension not permitted").WithStage(st.Name))

		case res.suspended:
			e.observeStage(inst.Pipeline, st.Name, "suspended", elapsed)
			return e.suspend(pctx, inst, st.Name, res)
		}

		e.observeStage(inst.Pipeline, st.Name, "completed", elapsed)
		snap := inst.Clone()
		inst.State = res.next
		inst.StageIndex++
		if err := e.save(pctx, inst, snap.Version); err != nil {
			*inst = *snap
			return e.fail(pctx, inst, err)
		}
		if err := e.record(pctx, inst, st.Name, schema.EventStageCompleted, res.next, agentOf(resume)); err != nil {
			return e.fail(pctx, inst, err)
		}
		log.Debug("stage completed", "duration_ms", elapsed.Milliseconds())
		resume = nil
	}

	return e.complete(context.WithoutCancel(ctx), inst)
}

func (e *executorImpl) complete(ctx context.Context, inst *store.Instance) (*store.Instance, error) {
	snap := inst.Clone()
	if err := e.fsm.Apply(ctx, inst, schema.InstanceStatusCompleted); err != nil {
		return e.fail(ctx, inst, err)
	}
	if err := e.save(ctx, inst, snap.Version); err != nil {
		*inst = *snap
		return e.fail(ctx, inst, err)
	}
	// The completion is stored; a lost event does not undo it.
	if err := e.record(ctx, inst, "", transitionEvent(snap.Status, inst.Status), inst.State, ""); err != nil {
		return inst, err
	}
	e.notify(ctx, inst, snap.Status, schema.InstanceStatusCompleted)
	logging.LogWith(ctx, e.logger).Info("instance completed")
	return inst, nil
}

func (e *executorImpl) suspend(ctx context.Context, inst *store.Instance, stage string, res stageResult) (*store.Instance, error) {
	snap := inst.Clone()
	if err := e.fsm.Apply(ctx, inst, schema.InstanceStatusSuspended); err != nil {
		return e.fail(ctx, inst, err)
	}
	inst.Suspension = &store.Suspension{Stage: stage, Reason: res.reason, Payload: res.payload}
	if err := e.save(ctx, inst, snap.Version); err != nil {
		*inst = *snap
		return e.fail(ctx, inst, err)
	}
	payload := mustJSON(map[string]any{"reason": res.reason, "payload": res.payload})
	if err := e.record(ctx, inst, stage, transitionEvent(snap.Status, inst.Status), payload, ""); err != nil {
		return inst, err
	}
	e.notify(ctx, inst, snap.Status, schema.InstanceStatusSuspended)
	logging.LogWith(ctx, e.logger).Info("instance suspended", "reason", res.reason)
	return inst, nil
}

// fail marks inst failed with cause and returns cause to the caller along
// with the failed instance.
func (e *executorImpl) fail(ctx context.Context, inst *store.Instance, cause error) (*store.Instance, error) {
	fe := schema.AsFlowError(cause, schema.ErrCodeStageFailed)
	if err := e.terminate(ctx, inst, fe); err != nil {
		return inst, errors.Join(fe, err)
	}
	return inst, fe
}

// terminate persists the failed state. It survives a cancelled ctx so an
// aborted run never leaves the instance running.
func (e *executorImpl) terminate(ctx context.Context, inst *store.Instance, fe *schema.FlowError) error {
	ctx = context.WithoutCancel(ctx)
	from := inst.Status
	expected := inst.Version

	if err := e.fsm.Apply(ctx, inst, schema.InstanceStatusFailed); err != nil {
		return err
	}
	errJSON, err := json.Marshal(fe)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "encode instance error").WithCause(err)
	}
	inst.Error = errJSON
	if err := e.save(ctx, inst, expected); err != nil {
		return err
	}
	if err := e.record(ctx, inst, fe.Stage, transitionEvent(from, inst.Status), errJSON, ""); err != nil {
		return err
	}
	e.notify(ctx, inst, from, schema.InstanceStatusFailed)
	logging.LogWith(ctx, e.logger).Error("instance failed", "code", fe.Code, "error", fe.Message)
	return nil
}

func (e *executorImpl) save(ctx context.Context, inst *store.Instance, expected int64) error {
	inst.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateInstance(ctx, inst, expected); err != nil {
		return storeError("save instance", err)
	}
	return nil
}

// record appends an event to the log and mirrors it on the hub.
func (e *executorImpl) record(ctx context.Context, inst *store.Instance, stage, typ string, payload json.RawMessage, agentID string) error {
	ev := &store.Event{
		InstanceID: inst.ID,
		Stage:      stage,
		Type:       typ,
		Payload:    payload,
		AgentID:    agentID,
		Timestamp:  e.now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return storeError("append event", err)
	}
	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			InstanceID: inst.ID,
			Pipeline:   inst.Pipeline,
			Stage:      stage,
			EventType:  typ,
			Status:     string(inst.Status),
			Sequence:   ev.Sequence,
			Payload:    payload,
			Timestamp:  ev.Timestamp,
		})
	}
	return nil
}

func (e *executorImpl) notify(ctx context.Context, inst *store.Instance, from, to schema.InstanceStatus) {
	for _, err := range e.fsm.Notify(ctx, inst, from, to) {
		logging.LogWith(ctx, e.logger).Warn("transition hook failed", "from", displayStatus(from), "to", string(to), "error", err)
	}
}

func (e *executorImpl) rejectResume(err error) error {
	e.metrics.ResumesRejected.WithLabelValues(schema.CodeOf(err)).Inc()
	return err
}

func (e *executorImpl) observeStage(pipeline, stage, outcome string, d time.Duration) {
	e.metrics.StageDuration.WithLabelValues(pipeline, stage, outcome).Observe(d.Seconds())
}

func concurrentResume(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConcurrentResume, "instance %s is already being resumed", id)
}

// storeError keeps FlowErrors from the store as they are and wraps anything else.
func storeError(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("%s: %v", op, err)).WithCause(err)
}

// actorOf reads the string field named field from a resume document.
func actorOf(input json.RawMessage, field string) string {
	if field == "" {
		return ""
	}
	var doc map[string]any
	if json.Unmarshal(input, &doc) != nil {
		return ""
	}
	s, _ := doc[field].(string)
	return s
}

func agentOf(r *Resume) string {
	if r == nil {
		return ""
	}
	return r.AgentID
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
