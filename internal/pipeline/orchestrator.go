package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/human"
	"github.com/tjfontaine/genpipe/internal/ledger"
	"github.com/tjfontaine/genpipe/internal/quality"
)

// cleanupTimeout bounds persistence and unloads after a run's context ended.
const cleanupTimeout = 30 * time.Second

var errShutDown = errors.New("orchestrator is shut down")

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithLedgerFactory sets how per-run ledgers are built.
func WithLedgerFactory(f ledger.Factory) Option {
	return func(o *Orchestrator) { o.ledgers = f }
}

// WithLoaders sets the resource loaders steps can acquire.
func WithLoaders(loaders map[string]ports.ResourceLoader) Option {
	return func(o *Orchestrator) { o.loaders = loaders }
}

// WithDefaults sets the base configuration and parameter schema applied
// to new submissions.
func WithDefaults(base domain.Overrides, schema domain.Schema) Option {
	return func(o *Orchestrator) {
		o.base = base
		o.schema = schema
	}
}

type run struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool // guarded by Orchestrator.mu
}

// Orchestrator owns the lifecycle of pipeline instances.
type Orchestrator struct {
	store    ports.InstanceStore
	events   ports.EventPublisher
	gate     *quality.Gate
	registry *Registry
	human    *human.Gateway
	loaders  map[string]ports.ResourceLoader
	ledgers  ledger.Factory
	logger   *slog.Logger
	tracer   trace.Tracer

	cfgMu  sync.RWMutex
	base   domain.Overrides
	schema domain.Schema

	// mu guards runs and the at-rest transitions of instances without one.
	mu      sync.Mutex
	runs    map[string]*run
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewOrchestrator wires the orchestrator and binds it to the human gateway.
func NewOrchestrator(store ports.InstanceStore, events ports.EventPublisher, gate *quality.Gate,
	registry *Registry, gw *human.Gateway, opts ...Option) *Orchestrator {
	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    store,
		events:   events,
		gate:     gate,
		registry: registry,
		human:    gw,
		loaders:  make(map[string]ports.ResourceLoader),
		ledgers:  ledger.NewFactory(24, 8),
		logger:   slog.Default(),
		tracer:   otel.Tracer("genpipe/pipeline"),
		base:     domain.DefaultBase(),
		schema:   domain.DefaultSchema(),
		runs:     make(map[string]*run),
		baseCtx:  baseCtx,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(o)
	}
	gw.Bind(o)
	return o
}

// SetDefaults replaces the base configuration and schema for subsequent
// submissions and gate evaluations.
func (o *Orchestrator) SetDefaults(base domain.Overrides, schema domain.Schema) {
	o.cfgMu.Lock()
	o.base = base
	o.schema = schema
	o.cfgMu.Unlock()
	o.gate.SetSchema(schema)
}

func (o *Orchestrator) defaults() (domain.Overrides, domain.Schema) {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.base, o.schema
}

// NormalizePatch coerces a raw operator patch against the schema.
func (o *Orchestrator) NormalizePatch(raw map[string]any) (domain.Patch, error) {
	_, schema := o.defaults()
	patch, rejected := schema.Normalize(raw)
	if len(rejected) > 0 {
		return nil, domain.ErrInvalidRequest("invalid parameters: " + strings.Join(rejected, ", ")).WithParam("patch")
	}
	return patch, nil
}

// NewInstance prepares a queued instance. Steps default to the registry
// order; config entries are validated against the schema and override
// the base configuration.
func (o *Orchestrator) NewInstance(intent string, inputs map[string]any, steps []string, config map[string]any) (*domain.Instance, error) {
	if len(steps) == 0 {
		steps = o.registry.Names()
	}
	if len(steps) == 0 {
		return nil, domain.ErrInvalidRequest("no steps configured")
	}
	for _, s := range steps {
		if _, ok := o.registry.Get(s); !ok {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("unknown step %q", s)).WithParam("steps")
		}
	}

	base, _ := o.defaults()
	merged := base.Clone()
	if len(config) > 0 {
		patch, err := o.NormalizePatch(config)
		if err != nil {
			return nil, err
		}
		merged.Merge(patch)
	}
	return domain.NewInstance(uuid.NewString(), intent, steps, inputs, merged), nil
}

// Submit persists a queued instance, announces it and starts running it
// in the background.
func (o *Orchestrator) Submit(ctx context.Context, inst *domain.Instance) error {
	if inst.Status != domain.StatusQueued {
		return &domain.InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Op: "submit"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errShutDown
	}
	if err := o.store.Create(ctx, inst); err != nil {
		return fmt.Errorf("failed to persist instance: %w", err)
	}
	o.publish(ctx, inst.ID, domain.StatusEvent(inst.View()))
	if err := o.startLocked(inst.Clone()); err != nil {
		return err
	}

	o.logger.Info("instance submitted",
		slog.String("instance_id", inst.ID),
		slog.String("steps", strings.Join(inst.Steps, ",")))
	return nil
}

// GetStatus returns the persisted status of an instance.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (domain.StatusView, error) {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	return inst.View(), nil
}

// List returns the most recently updated instances.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]domain.StatusView, error) {
	return o.store.List(ctx, limit)
}

// Resume records operator feedback on a paused instance and continues it.
// It fails with InvalidStateError unless the instance is paused; accepted,
// when set, runs under the orchestrator lock once that check passes.
func (o *Orchestrator) Resume(ctx context.Context, id string, fb *domain.Feedback, accepted func()) error {
	// a run that just paused may still be releasing resources
	if err := o.waitIdle(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, busy := o.runs[id]; busy {
		return &domain.InvalidStateError{InstanceID: id, Status: domain.StatusRunning, Op: "resume"}
	}
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != domain.StatusPaused {
		return &domain.InvalidStateError{InstanceID: id, Status: inst.Status, Op: "resume"}
	}
	if !fb.Action.Valid() {
		return domain.ErrInvalidRequest("unknown action " + string(fb.Action)).WithParam("action")
	}

	step := fb.Step
	if step == "" && inst.Pending != nil {
		step = inst.Pending.Step
	}
	idx := inst.StepIndex(step)
	if idx < 0 {
		idx = inst.Current
	}
	if idx >= len(inst.Steps) {
		return fmt.Errorf("instance %s: paused past its last step", id)
	}
	step = inst.Steps[idx]

	fb.Step = step
	if fb.ReceivedAt.IsZero() {
		fb.ReceivedAt = time.Now().UTC()
	}
	inst.Feedback = fb
	if accepted != nil {
		accepted()
	}

	if fb.Action == domain.ActionCancel {
		return o.cancelInstance(ctx, inst)
	}

	switch fb.Action {
	case domain.ActionRetry:
		patch := fb.Patch
		if len(patch) == 0 && inst.Pending != nil {
			patch = inst.Pending.Suggested
		}
		inst.Overrides.Merge(patch)
		inst.Current = idx
	case domain.ActionProceed:
		inst.Current = idx + 1
	}
	inst.Pending = nil
	delete(inst.RetryCounts, step)
	delete(inst.History, step)

	if inst.Current >= len(inst.Steps) {
		return o.complete(ctx, inst)
	}
	if err := o.transition(ctx, inst, domain.StatusRunning, ""); err != nil {
		return err
	}
	o.logger.Info("instance resumed",
		slog.String("instance_id", id),
		slog.String("action", string(fb.Action)),
		slog.String("step", inst.CurrentStep()))
	return o.startLocked(inst)
}

// Cancel stops an instance. A running instance is cancelled through its
// context and marked failed once the in-flight call returns.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.runs[id]; ok {
		r.cancelled = true
		r.cancel()
		return nil
	}

	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return &domain.InvalidStateError{InstanceID: id, Status: inst.Status, Op: "cancel"}
	}
	return o.cancelInstance(ctx, inst)
}

// Shutdown stops all runs and waits for them to exit. Interrupted
// instances keep their last persisted state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) waitIdle(ctx context.Context, id string) error {
	o.mu.Lock()
	r := o.runs[id]
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startLocked launches the run goroutine. o.mu must be held and the
// instance must have no run.
func (o *Orchestrator) startLocked(inst *domain.Instance) error {
	if o.closed {
		return errShutDown
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.runs[inst.ID] = r
	o.wg.Add(1)
	go o.drive(ctx, r, inst)
	return nil
}

func (o *Orchestrator) drive(ctx context.Context, r *run, inst *domain.Instance) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel()

	led := o.ledgers()
	err := o.loop(ctx, inst, led)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if relErr := led.ReleaseAll(cleanupCtx); relErr != nil {
		o.logger.Warn("failed to release resources",
			slog.String("instance_id", inst.ID),
			slog.String("error", relErr.Error()))
	}

	o.mu.Lock()
	if r.cancelled && !inst.Status.Terminal() {
		if cErr := o.cancelInstance(cleanupCtx, inst); cErr != nil {
			o.logger.Error("failed to cancel instance",
				slog.String("instance_id", inst.ID),
				slog.String("error", cErr.Error()))
		}
		err = nil
	}
	delete(o.runs, inst.ID)
	o.mu.Unlock()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		o.logger.Info("run interrupted by shutdown",
			slog.String("instance_id", inst.ID),
			slog.String("status", string(inst.Status)))
	default:
		o.fail(cleanupCtx, inst, err)
	}
}

// loop advances inst until it completes, pauses or hits an error.
func (o *Orchestrator) loop(ctx context.Context, inst *domain.Instance, led *ledger.Ledger) error {
	if inst.Status == domain.StatusQueued {
		if err := o.transition(ctx, inst, domain.StatusRunning, ""); err != nil {
			return err
		}
	}

	for inst.Current < len(inst.Steps) {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := inst.CurrentStep()
		unit, ok := o.registry.Get(step)
		if !ok {
			return fmt.Errorf("step %q is not registered", step)
		}

		result := o.execute(ctx, inst, unit, led)
		if err := ctx.Err(); err != nil {
			return err
		}
		inst.Results[step] = result
		if err := o.transition(ctx, inst, domain.StatusAwaitingJudgment, ""); err != nil {
			return err
		}

		retries := inst.RetryCounts[step]
		verdict, err := o.evaluate(ctx, inst, step, result)
		if err != nil {
			return err
		}
		quality.Apply(inst, step, verdict)

		switch verdict.Decision {
		case domain.DecisionRetry:
			// a retry may rewind to an earlier step, never skip ahead
			if verdict.TargetStep != "" {
				if idx := inst.StepIndex(verdict.TargetStep); idx >= 0 && idx <= inst.Current {
					inst.Current = idx
				}
			}
			if err := o.transition(ctx, inst, domain.StatusRunning, ""); err != nil {
				return err
			}
		case domain.DecisionProceed:
			inst.Current++
			if inst.Current < len(inst.Steps) {
				if err := o.transition(ctx, inst, domain.StatusRunning, ""); err != nil {
					return err
				}
			}
		case domain.DecisionEscalate:
			if err := ValidateTransition(inst.ID, inst.Status, domain.StatusPaused); err != nil {
				return err
			}
			req := &domain.HumanRequest{
				Step:     step,
				Question: verdict.Question,
				Context: map[string]any{
					"rationale":   verdict.Rationale,
					"symptom":     verdict.Symptom,
					"retry_count": retries,
					"success":     result.Success,
					"error":       result.Error,
					"artifact":    result.Artifact,
				},
				Suggested: verdict.Suggested,
			}
			return o.human.RequestInput(context.WithoutCancel(ctx), inst, req)
		}
	}

	return o.complete(ctx, inst)
}

// execute runs one step, turning every failure into a failing result.
func (o *Orchestrator) execute(ctx context.Context, inst *domain.Instance, unit ports.StepUnit, led *ledger.Ledger) *domain.StepResult {
	step := unit.Name()
	attempt := inst.RetryCounts[step] + 1

	ctx, span := o.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("instance_id", inst.ID),
			attribute.String("step", step),
			attribute.Int("attempt", attempt)))
	defer span.End()

	in := &ports.StepInput{
		InstanceID: inst.ID,
		Step:       step,
		Intent:     inst.Intent,
		Attempt:    attempt,
		Config:     inst.Config(step),
		Inputs:     inst.Inputs,
		Previous:   maps.Clone(inst.Results),
	}
	if inst.Feedback != nil && inst.Feedback.Step == step {
		in.Guidance = inst.Feedback.Message
	}

	config := make(map[string]any, len(in.Config))
	for k, v := range in.Config {
		config[k] = v.Any()
	}
	o.publish(ctx, inst.ID, domain.NewEvent(domain.EventToolCall, map[string]any{
		"step":      step,
		"attempt":   attempt,
		"config":    config,
		"resources": unit.Resources(),
	}))

	result, err := o.invoke(ctx, led, unit, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("step failed",
			slog.String("instance_id", inst.ID),
			slog.String("step", step),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		result = domain.FailedResult(step, attempt, err)
	}

	o.publish(ctx, inst.ID, domain.NewEvent(domain.EventToolResult, map[string]any{
		"step":     step,
		"attempt":  attempt,
		"success":  result.Success,
		"error":    result.Error,
		"artifact": result.Artifact,
	}))
	return result
}

func (o *Orchestrator) invoke(ctx context.Context, led *ledger.Ledger, unit ports.StepUnit, in *ports.StepInput) (*domain.StepResult, error) {
	if err := o.acquire(ctx, led, unit.Resources()); err != nil {
		return nil, err
	}

	result, err := unit.Execute(ctx, in)
	if err == nil && result == nil {
		err = errors.New("step returned no result")
	}
	if err != nil {
		return nil, &domain.StepExecutionError{Step: in.Step, Err: err}
	}

	result.Step = in.Step
	result.Attempt = in.Attempt
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	return result, nil
}

// acquire loads the resources a step needs. Everything held is released
// first when the step needs none of it, and nothing in needed is evicted
// to make room for another member of needed.
func (o *Orchestrator) acquire(ctx context.Context, led *ledger.Ledger, needed []string) error {
	snap := led.Snapshot()
	if len(snap.Active) > 0 {
		disjoint := true
		for _, h := range snap.Active {
			for _, n := range needed {
				if h.Name == n {
					disjoint = false
				}
			}
		}
		if disjoint {
			if err := led.ReleaseAll(ctx); err != nil {
				o.logger.Warn("failed to release previous resources", slog.String("error", err.Error()))
			}
		}
	}

	for _, name := range needed {
		loader, ok := o.loaders[name]
		if !ok {
			return &domain.ResourceLoadError{Resource: name, Reason: "no loader configured"}
		}
		if err := led.Acquire(ctx, name, loader, needed...); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, inst *domain.Instance, step string, result *domain.StepResult) (*domain.Verdict, error) {
	ev := &quality.Evaluation{
		InstanceID: inst.ID,
		Step:       step,
		Intent:     inst.Intent,
		Result:     result,
		RetryCount: inst.RetryCounts[step],
		History:    inst.History[step],
		Config:     inst.Config(step),
		Earlier:    inst.Steps[:inst.Current],
	}
	onThought := func(text string) {
		o.publish(ctx, inst.ID, domain.NewEvent(domain.EventThought, map[string]any{
			"step":    step,
			"text":    text,
			"partial": true,
		}))
	}

	verdict, err := o.gate.Evaluate(ctx, ev, onThought)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"step":      step,
		"decision":  string(verdict.Decision),
		"rationale": verdict.Rationale,
	}
	if len(verdict.Patch) > 0 {
		payload["patch"] = verdict.Patch.Raw()
	}
	o.publish(ctx, inst.ID, domain.NewEvent(domain.EventThought, payload))

	o.logger.Info("step judged",
		slog.String("instance_id", inst.ID),
		slog.String("step", step),
		slog.String("decision", string(verdict.Decision)),
		slog.Int("retry_count", ev.RetryCount))
	return verdict, nil
}

func (o *Orchestrator) complete(ctx context.Context, inst *domain.Instance) error {
	if n := len(inst.Steps); n > 0 {
		if last := inst.Results[inst.Steps[n-1]]; last != nil {
			inst.OutputRef = last.Artifact
		}
	}
	inst.Current = len(inst.Steps)
	if err := o.transition(ctx, inst, domain.StatusCompleted, "completed"); err != nil {
		return err
	}
	o.logger.Info("instance completed",
		slog.String("instance_id", inst.ID),
		slog.String("output_ref", inst.OutputRef))
	return nil
}

func (o *Orchestrator) cancelInstance(ctx context.Context, inst *domain.Instance) error {
	inst.Pending = nil
	if err := o.transition(ctx, inst, domain.StatusFailed, "cancelled"); err != nil {
		return err
	}
	o.logger.Info("instance cancelled", slog.String("instance_id", inst.ID))
	return nil
}

// fail records an unexpected internal error as the instance's final state.
func (o *Orchestrator) fail(ctx context.Context, inst *domain.Instance, cause error) {
	o.logger.Error("instance failed",
		slog.String("instance_id", inst.ID),
		slog.String("error", cause.Error()))
	if inst.Status.Terminal() {
		return
	}
	if err := o.transition(ctx, inst, domain.StatusFailed, cause.Error()); err != nil {
		o.logger.Error("failed to record failure",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()))
	}
}

// transition validates and applies a status change, persists the instance
// and publishes the new status. Persistence outlives cancellation of ctx.
func (o *Orchestrator) transition(ctx context.Context, inst *domain.Instance, to domain.Status, message string) error {
	if err := ValidateTransition(inst.ID, inst.Status, to); err != nil {
		return err
	}
	inst.Status = to
	inst.Message = message
	inst.Touch()

	ctx = context.WithoutCancel(ctx)
	if err := o.store.Save(ctx, inst); err != nil {
		return fmt.Errorf("failed to persist instance %s: %w", inst.ID, err)
	}
	o.publish(ctx, inst.ID, domain.StatusEvent(inst.View()))
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, id string, e *domain.Event) {
	if err := o.events.Publish(ctx, id, e); err != nil {
		o.logger.Warn("failed to publish event",
			slog.String("instance_id", id),
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()))
	}
}

var _ human.Resumer = (*Orchestrator)(nil)
