// Package quality implements the quality gate that judges step results
// and decides whether the pipeline proceeds, retries, or asks a human.
//
// The gate remembers every patch it has applied to a step. A retry patch
// that is identical to an earlier one is rejected, and from the second
// retry on a patch must touch a remedy class that has not been tried yet.
// Rejected patches are replaced from the RemedyTable; when nothing untried
// is left the gate escalates instead.
//
// A retry patch only changes the step it reruns: the judged step, or an
// earlier step named as the retry target. Entries for any other step are
// dropped before the checks above.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// DefaultMaxRetries is the retry ceiling: three evaluations per step.
const DefaultMaxRetries = 2

// Evaluation is everything the gate needs to judge one step result.
type Evaluation struct {
	InstanceID string
	Step       string
	Intent     string
	Result     *domain.StepResult
	RetryCount int
	History    []domain.Patch
	// Config is the step's current configuration without category prefix.
	Config map[string]domain.Value
	// Earlier lists the steps before Step that a retry may go back to.
	Earlier []string
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithSchema sets the parameter schema judge patches are normalized
// against.
func WithSchema(schema domain.Schema) Option {
	return func(g *Gate) { g.schema = schema }
}

// WithRemedies replaces DefaultRemedies.
func WithRemedies(table RemedyTable) Option {
	return func(g *Gate) { g.remedies = table }
}

// WithMaxRetries sets how many retries a step gets before the gate
// escalates without asking the judge.
func WithMaxRetries(n int) Option {
	return func(g *Gate) { g.maxRetries = n }
}

// WithArtifacts presigns step artifacts so the judge gets a readable URL.
func WithArtifacts(store ports.ArtifactStore) Option {
	return func(g *Gate) { g.artifacts = store }
}

// WithPrompter sets the prompt builder used for judge requests.
func WithPrompter(p *Prompter) Option {
	return func(g *Gate) { g.prompter = p }
}

// Gate judges step results.
type Gate struct {
	judge      ports.Judge
	artifacts  ports.ArtifactStore
	schemaMu   sync.RWMutex
	schema     domain.Schema
	remedies   RemedyTable
	prompter   *Prompter
	maxRetries int
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewGate creates a gate around judge.
func NewGate(judge ports.Judge, opts ...Option) *Gate {
	g := &Gate{
		judge:      judge,
		schema:     domain.DefaultSchema(),
		remedies:   DefaultRemedies(),
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
		tracer:     otel.Tracer("genpipe/quality"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetSchema swaps the parameter schema, e.g. after a config reload.
func (g *Gate) SetSchema(schema domain.Schema) {
	g.schemaMu.Lock()
	defer g.schemaMu.Unlock()
	g.schema = schema
}

func (g *Gate) currentSchema() domain.Schema {
	g.schemaMu.RLock()
	defer g.schemaMu.RUnlock()
	return g.schema
}

// Evaluate produces a verdict. Judge failures other than cancellation
// fail open to proceed.
func (g *Gate) Evaluate(ctx context.Context, ev *Evaluation, onThought func(string)) (*domain.Verdict, error) {
	ctx, span := g.tracer.Start(ctx, "quality.evaluate",
		trace.WithAttributes(
			attribute.String("instance_id", ev.InstanceID),
			attribute.String("step", ev.Step),
			attribute.Int("retry_count", ev.RetryCount)))
	defer span.End()

	symptom := symptomOf(ev.Result)

	if ev.RetryCount >= g.maxRetries {
		v := g.escalate(ev, symptom, domain.ErrRetryCeiling.Error(), "")
		span.SetAttributes(attribute.String("decision", string(v.Decision)))
		return v, nil
	}

	artifactURL := ""
	if g.artifacts != nil && ev.Result != nil && ev.Result.Artifact != "" {
		url, err := g.artifacts.PresignGet(ctx, ev.Result.Artifact)
		if err != nil {
			g.logger.Warn("presign artifact failed",
				slog.String("instance_id", ev.InstanceID),
				slog.String("artifact", ev.Result.Artifact),
				slog.String("error", err.Error()))
		} else {
			artifactURL = url
		}
	}

	req := &ports.JudgeRequest{
		InstanceID:  ev.InstanceID,
		Step:        ev.Step,
		Intent:      ev.Intent,
		Result:      ev.Result,
		ArtifactURL: artifactURL,
		RetryCount:  ev.RetryCount,
		History:     ev.History,
		Config:      ev.Config,
	}
	if g.prompter != nil {
		req.Prompt = g.prompter.Render(ev, artifactURL)
	}

	proposal, err := g.judge.Evaluate(ctx, req, onThought)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		g.logger.Warn("judge failed, proceeding",
			slog.String("instance_id", ev.InstanceID),
			slog.String("step", ev.Step),
			slog.Bool("parse_error", domain.IsJudgeParse(err)),
			slog.String("error", err.Error()))
		return &domain.Verdict{Decision: domain.DecisionProceed, Rationale: "judge unavailable: " + err.Error()}, nil
	}
	if !proposal.Decision.Valid() {
		g.logger.Warn("judge returned unknown decision, proceeding",
			slog.String("instance_id", ev.InstanceID),
			slog.String("decision", string(proposal.Decision)))
		return &domain.Verdict{Decision: domain.DecisionProceed, Rationale: "unknown decision " + string(proposal.Decision)}, nil
	}
	if proposal.Symptom != "" {
		symptom = proposal.Symptom
	}

	var v *domain.Verdict
	switch proposal.Decision {
	case domain.DecisionProceed:
		v = &domain.Verdict{Decision: domain.DecisionProceed, Rationale: proposal.Rationale, Symptom: symptom}
	case domain.DecisionEscalate:
		v = g.escalate(ev, symptom, proposal.Rationale, proposal.Question)
	case domain.DecisionRetry:
		v = g.retry(ev, symptom, proposal)
	}
	span.SetAttributes(attribute.String("decision", string(v.Decision)))
	return v, nil
}

func (g *Gate) retry(ev *Evaluation, symptom string, proposal *domain.Proposal) *domain.Verdict {
	patch, rejected := g.currentSchema().Normalize(proposal.Patch)
	if len(rejected) > 0 {
		g.logger.Warn("dropped invalid patch entries",
			slog.String("instance_id", ev.InstanceID),
			slog.String("step", ev.Step),
			slog.String("keys", strings.Join(rejected, ",")))
	}

	target := proposal.TargetStep
	if target != "" && !slices.Contains(ev.Earlier, target) {
		if target != ev.Step {
			g.logger.Warn("ignored retry target that is not an earlier step",
				slog.String("instance_id", ev.InstanceID),
				slog.String("step", ev.Step),
				slog.String("target_step", target))
		}
		target = ""
	}
	scope := ev.Step
	if target != "" {
		scope = target
	}
	if foreign := scopePatch(patch, scope); len(foreign) > 0 {
		g.logger.Warn("dropped patch entries for other steps",
			slog.String("instance_id", ev.InstanceID),
			slog.String("step", scope),
			slog.String("keys", strings.Join(foreign, ",")))
	}

	v := &domain.Verdict{
		Decision:   domain.DecisionRetry,
		Rationale:  proposal.Rationale,
		Symptom:    symptom,
		Patch:      patch,
		TargetStep: target,
	}

	reason := g.checkPatch(patch, ev.History, ev.RetryCount)
	if reason == "" {
		return v
	}

	remedy, ok := g.remedies.Next(ev.Step, symptom, ev.History, ev.Config)
	if !ok {
		g.logger.Warn("patch rejected and no untried remedy left",
			slog.String("instance_id", ev.InstanceID),
			slog.String("step", ev.Step),
			slog.String("reason", reason))
		return g.escalate(ev, symptom, "patch rejected: "+reason, "")
	}

	g.logger.Warn("patch rejected, substituting remedy",
		slog.String("instance_id", ev.InstanceID),
		slog.String("step", ev.Step),
		slog.String("reason", reason),
		slog.String("remedy_class", remedy.Class))
	v.Patch = remedy.Patch
	v.TargetStep = ""
	v.Rationale = fmt.Sprintf("%s (patch rejected: %s; trying %s: %s)", proposal.Rationale, reason, remedy.Class, remedy.Note)
	return v
}

// scopePatch deletes the entries of patch that belong to a step other than
// step and returns their keys, sorted.
func scopePatch(patch domain.Patch, step string) []string {
	var foreign []string
	for key := range patch {
		if category, _, ok := domain.SplitKey(key); !ok || category != step {
			foreign = append(foreign, key)
		}
	}
	for _, key := range foreign {
		delete(patch, key)
	}
	slices.Sort(foreign)
	return foreign
}

// checkPatch returns why patch may not be used as the next retry, or "".
func (g *Gate) checkPatch(patch domain.Patch, history []domain.Patch, retryCount int) string {
	if len(patch) == 0 {
		if hasEmpty(history) {
			return "unchanged configuration was already retried"
		}
		if retryCount == 0 {
			return ""
		}
	}
	if seen(patch, history) {
		return "identical to a previous patch"
	}
	if retryCount >= 1 {
		tried := g.remedies.TriedClasses(history)
		for _, c := range g.remedies.ClassesOf(patch) {
			if !tried[c] {
				return ""
			}
		}
		return "only changes remedy classes that already failed"
	}
	return ""
}

func (g *Gate) escalate(ev *Evaluation, symptom, rationale, question string) *domain.Verdict {
	v := &domain.Verdict{
		Decision:  domain.DecisionEscalate,
		Rationale: rationale,
		Symptom:   symptom,
		Question:  question,
	}
	if remedy, ok := g.remedies.Next(ev.Step, symptom, ev.History, ev.Config); ok {
		v.Suggested = remedy.Patch
	}
	if v.Question == "" {
		v.Question = fmt.Sprintf("Step %s still fails after %d retries (%s). Retry with new guidance, proceed anyway, or cancel?",
			ev.Step, ev.RetryCount, rationale)
	}
	return v
}

// symptomOf reads the symptom a step reported, if any.
func symptomOf(r *domain.StepResult) string {
	if r == nil || r.Payload == nil {
		return ""
	}
	if s, ok := r.Payload["symptom"].(string); ok {
		return s
	}
	return ""
}

// Apply records a verdict on inst for step. A retry appends the patch to
// the step's history, bumps its counter and merges the patch into the
// overrides. Proceed and escalate clear counter and history; merged
// overrides stay.
func Apply(inst *domain.Instance, step string, v *domain.Verdict) {
	switch v.Decision {
	case domain.DecisionRetry:
		inst.History[step] = append(inst.History[step], v.Patch)
		inst.RetryCounts[step]++
		inst.Overrides.Merge(v.Patch)
	case domain.DecisionProceed, domain.DecisionEscalate:
		delete(inst.RetryCounts, step)
		delete(inst.History, step)
	}
	inst.Touch()
}
