package quality

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// scriptedJudge answers with queued proposals or errors in order.
type scriptedJudge struct {
	proposals []*domain.Proposal
	errs      []error
	thoughts  []string
	calls     int
	lastReq   *ports.JudgeRequest
}

func (j *scriptedJudge) Evaluate(ctx context.Context, req *ports.JudgeRequest, onThought func(string)) (*domain.Proposal, error) {
	i := j.calls
	j.calls++
	j.lastReq = req
	if onThought != nil {
		for _, t := range j.thoughts {
			onThought(t)
		}
	}
	if i < len(j.errs) && j.errs[i] != nil {
		return nil, j.errs[i]
	}
	if i < len(j.proposals) {
		return j.proposals[i], nil
	}
	return &domain.Proposal{Decision: domain.DecisionProceed}, nil
}

func retryWith(patch map[string]any) *domain.Proposal {
	return &domain.Proposal{Decision: domain.DecisionRetry, Rationale: "layers clipped", Symptom: "clipping", Patch: patch}
}

func segEval(retry int, history []domain.Patch) *Evaluation {
	return &Evaluation{
		InstanceID: "inst",
		Step:       domain.StepSegmentation,
		Intent:     "a cat on a skateboard",
		Result:     &domain.StepResult{Step: domain.StepSegmentation, Success: false, Error: "layer 2 clipped"},
		RetryCount: retry,
		History:    history,
		Config:     domain.DefaultBase().Category(domain.StepSegmentation),
	}
}

func TestEvaluate_RetryCeilingSkipsJudge(t *testing.T) {
	judge := &scriptedJudge{}
	g := NewGate(judge)

	v, err := g.Evaluate(context.Background(), segEval(2, []domain.Patch{
		{"segmentation.resolution": domain.IntValue(768)},
		{"segmentation.prompt_mode": domain.StringValue("grid")},
	}), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v.Decision != domain.DecisionEscalate {
		t.Errorf("Decision = %s, want escalate", v.Decision)
	}
	if judge.calls != 0 {
		t.Errorf("judge called %d times, want 0", judge.calls)
	}
	if v.Question == "" {
		t.Error("escalation must carry a question")
	}
	if v.Rationale != domain.ErrRetryCeiling.Error() {
		t.Errorf("Rationale = %q", v.Rationale)
	}
}

func TestEvaluate_FailOpen(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"parse error", &domain.JudgeParseError{Raw: "not json", Err: errors.New("invalid character")}},
		{"transport error", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(&scriptedJudge{errs: []error{tt.err}})
			v, err := g.Evaluate(context.Background(), segEval(0, nil), nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if v.Decision != domain.DecisionProceed {
				t.Errorf("Decision = %s, want proceed", v.Decision)
			}
		})
	}

	t.Run("unknown decision", func(t *testing.T) {
		g := NewGate(&scriptedJudge{proposals: []*domain.Proposal{{Decision: "maybe"}}})
		v, err := g.Evaluate(context.Background(), segEval(0, nil), nil)
		if err != nil || v.Decision != domain.DecisionProceed {
			t.Errorf("got %v, %v; want proceed", v, err)
		}
	})
}

func TestEvaluate_CancellationIsNotFailOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGate(&scriptedJudge{errs: []error{context.Canceled}})

	if _, err := g.Evaluate(ctx, segEval(0, nil), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Evaluate() error = %v, want context.Canceled", err)
	}
}

func TestEvaluate_AcceptsFirstPatch(t *testing.T) {
	judge := &scriptedJudge{proposals: []*domain.Proposal{
		retryWith(map[string]any{"segmentation": map[string]any{"resolution": 768}}),
	}}
	g := NewGate(judge)

	v, err := g.Evaluate(context.Background(), segEval(0, nil), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	want := domain.Patch{"segmentation.resolution": domain.IntValue(768)}
	if v.Decision != domain.DecisionRetry || !v.Patch.Equal(want) {
		t.Errorf("got %s %v, want retry %v", v.Decision, v.Patch, want)
	}
}

func TestEvaluate_RejectsIdenticalPatch(t *testing.T) {
	history := []domain.Patch{{"segmentation.resolution": domain.IntValue(768)}}
	judge := &scriptedJudge{proposals: []*domain.Proposal{
		retryWith(map[string]any{"segmentation.resolution": "768"}),
	}}
	g := NewGate(judge)

	v, err := g.Evaluate(context.Background(), segEval(1, history), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v.Decision != domain.DecisionRetry {
		t.Fatalf("Decision = %s, want retry with substitute", v.Decision)
	}
	if seen(v.Patch, history) {
		t.Errorf("substituted patch %v repeats history", v.Patch)
	}
	if !strings.Contains(v.Rationale, "patch rejected") {
		t.Errorf("Rationale = %q, want rejection note", v.Rationale)
	}
}

func TestEvaluate_SecondRetryNeedsNewClass(t *testing.T) {
	history := []domain.Patch{{"segmentation.resolution": domain.IntValue(768)}}
	judge := &scriptedJudge{proposals: []*domain.Proposal{
		retryWith(map[string]any{"segmentation": map[string]any{"resolution": 1024}}),
	}}
	g := NewGate(judge)

	v, err := g.Evaluate(context.Background(), segEval(1, history), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	want := domain.Patch{"segmentation.prompt_mode": domain.StringValue("grid")}
	if !v.Patch.Equal(want) {
		t.Errorf("Patch = %v, want clipping remedy %v", v.Patch, want)
	}
}

func TestEvaluate_SecondRetryWithNewClassAccepted(t *testing.T) {
	history := []domain.Patch{{"segmentation.resolution": domain.IntValue(768)}}
	judge := &scriptedJudge{proposals: []*domain.Proposal{
		retryWith(map[string]any{"segmentation": map[string]any{"num_layers": 7, "resolution": 1024}}),
	}}
	g := NewGate(judge)

	v, _ := g.Evaluate(context.Background(), segEval(1, history), nil)
	if v.Patch["segmentation.num_layers"] != domain.IntValue(7) {
		t.Errorf("Patch = %v, want judge patch kept", v.Patch)
	}
}

func TestEvaluate_EmptyPatchToleratedOnce(t *testing.T) {
	judge := &scriptedJudge{proposals: []*domain.Proposal{
		{Decision: domain.DecisionRetry, Rationale: "transient"},
		{Decision: domain.DecisionRetry, Rationale: "transient again"},
	}}
	g := NewGate(judge)

	v1, _ := g.Evaluate(context.Background(), segEval(0, nil), nil)
	if v1.Decision != domain.DecisionRetry || len(v1.Patch) != 0 {
		t.Fatalf("first empty retry = %s %v, want accepted", v1.Decision, v1.Patch)
	}

	v2, _ := g.Evaluate(context.Background(), segEval(1, []domain.Patch{{}}), nil)
	if len(v2.Patch) == 0 {
		t.Errorf("second empty retry accepted; want substituted remedy, got %s", v2.Decision)
	}
}

func TestEvaluate_PatchScopedToRetriedStep(t *testing.T) {
	vidEval := &Evaluation{
		InstanceID: "inst",
		Step:       domain.StepVideoGeneration,
		Result:     &domain.StepResult{Step: domain.StepVideoGeneration, Success: false, Error: "subject cut off"},
		Config:     domain.DefaultBase().Category(domain.StepVideoGeneration),
		Earlier:    []string{domain.StepSegmentation},
	}

	tests := []struct {
		name       string
		ev         *Evaluation
		proposal   *domain.Proposal
		wantPatch  domain.Patch
		wantTarget string
		wantRemedy bool
	}{
		{
			name: "other step entries dropped",
			ev:   segEval(0, nil),
			proposal: retryWith(map[string]any{
				"segmentation":     map[string]any{"resolution": 768},
				"video_generation": map[string]any{"num_frames": 64},
			}),
			wantPatch: domain.Patch{"segmentation.resolution": domain.IntValue(768)},
		},
		{
			name:      "only other step entries on first retry",
			ev:        segEval(0, nil),
			proposal:  retryWith(map[string]any{"video_generation": map[string]any{"num_frames": 64}}),
			wantPatch: domain.Patch{},
		},
		{
			name:       "only other step entries on second retry",
			ev:         segEval(1, []domain.Patch{{}}),
			proposal:   retryWith(map[string]any{"postprocess": map[string]any{"scale": 4}}),
			wantRemedy: true,
		},
		{
			name: "forward target ignored",
			ev:   segEval(0, nil),
			proposal: &domain.Proposal{
				Decision:   domain.DecisionRetry,
				TargetStep: domain.StepPostprocess,
				Patch:      map[string]any{"postprocess.scale": 4},
			},
			wantPatch: domain.Patch{},
		},
		{
			name: "earlier target keeps its entries",
			ev:   vidEval,
			proposal: &domain.Proposal{
				Decision:   domain.DecisionRetry,
				TargetStep: domain.StepSegmentation,
				Patch: map[string]any{
					"segmentation.resolution":     1024,
					"video_generation.num_frames": 64,
				},
			},
			wantPatch:  domain.Patch{"segmentation.resolution": domain.IntValue(1024)},
			wantTarget: domain.StepSegmentation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(&scriptedJudge{proposals: []*domain.Proposal{tt.proposal}})
			v, err := g.Evaluate(context.Background(), tt.ev, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if v.Decision != domain.DecisionRetry {
				t.Fatalf("Decision = %s, want retry", v.Decision)
			}
			if v.TargetStep != tt.wantTarget {
				t.Errorf("TargetStep = %q, want %q", v.TargetStep, tt.wantTarget)
			}
			scope := tt.ev.Step
			if tt.wantTarget != "" {
				scope = tt.wantTarget
			}
			for key := range v.Patch {
				if !strings.HasPrefix(key, scope+".") {
					t.Errorf("Patch %v touches %q outside %s", v.Patch, key, scope)
				}
			}
			if tt.wantRemedy {
				if len(v.Patch) == 0 || !strings.Contains(v.Rationale, "patch rejected") {
					t.Errorf("got %v (%q), want substituted remedy", v.Patch, v.Rationale)
				}
				return
			}
			if !v.Patch.Equal(tt.wantPatch) {
				t.Errorf("Patch = %v, want %v", v.Patch, tt.wantPatch)
			}
		})
	}
}

func TestEvaluate_EscalatesWhenRemediesExhausted(t *testing.T) {
	table := RemedyTable{
		Classes: DefaultRemedies().Classes,
		Remedies: map[string]map[string][]Remedy{
			domain.StepSegmentation: {AnySymptom: {
				{Class: "resolution", Patch: domain.Patch{"segmentation.resolution": domain.IntValue(1024)}},
			}},
		},
	}
	history := []domain.Patch{{"segmentation.resolution": domain.IntValue(768)}}
	judge := &scriptedJudge{proposals: []*domain.Proposal{
		retryWith(map[string]any{"segmentation.resolution": 768}),
	}}
	g := NewGate(judge, WithRemedies(table))

	v, _ := g.Evaluate(context.Background(), segEval(1, history), nil)
	if v.Decision != domain.DecisionEscalate {
		t.Errorf("Decision = %s, want escalate", v.Decision)
	}
}

func TestEvaluate_ForwardsThoughts(t *testing.T) {
	judge := &scriptedJudge{thoughts: []string{"checking ", "layers"}}
	g := NewGate(judge)

	var got []string
	_, _ = g.Evaluate(context.Background(), segEval(0, nil), func(s string) { got = append(got, s) })
	if strings.Join(got, "") != "checking layers" {
		t.Errorf("thoughts = %v", got)
	}
}

func TestApply(t *testing.T) {
	inst := domain.NewInstance("i", "", nil, nil, domain.DefaultBase())
	step := domain.StepSegmentation

	Apply(inst, step, &domain.Verdict{Decision: domain.DecisionRetry, Patch: domain.Patch{"segmentation.resolution": domain.IntValue(1024)}})
	if inst.RetryCounts[step] != 1 || len(inst.History[step]) != 1 {
		t.Fatalf("after retry: counts=%v history=%v", inst.RetryCounts, inst.History)
	}
	if inst.Config(step)["resolution"] != domain.IntValue(1024) {
		t.Errorf("patch not visible in step config")
	}

	Apply(inst, step, &domain.Verdict{Decision: domain.DecisionProceed})
	if inst.RetryCounts[step] != 0 || len(inst.History[step]) != 0 {
		t.Errorf("proceed must clear counter and history")
	}
	if inst.Config(step)["resolution"] != domain.IntValue(1024) {
		t.Errorf("proceed must keep the winning overrides")
	}
}

// randomProposal draws from a small value space so repeats are likely.
func randomProposal(r *rand.Rand) *domain.Proposal {
	keys := []struct {
		key    string
		values []any
	}{
		{"segmentation.resolution", []any{768, 1024}},
		{"segmentation.prompt_mode", []any{"center", "grid"}},
		{"segmentation.num_layers", []any{5, 6}},
	}
	patch := map[string]any{}
	for _, k := range keys {
		if r.Intn(2) == 0 {
			patch[k.key] = k.values[r.Intn(len(k.values))]
		}
	}
	return &domain.Proposal{Decision: domain.DecisionRetry, Rationale: "random", Patch: patch}
}

func TestAntiRepetitionProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		judge := &scriptedJudge{}
		for i := 0; i < 8; i++ {
			judge.proposals = append(judge.proposals, randomProposal(r))
		}
		g := NewGate(judge, WithMaxRetries(8))
		inst := domain.NewInstance("p", "", nil, nil, domain.DefaultBase())
		step := domain.StepSegmentation

		for i := 0; i < 8; i++ {
			ev := segEval(inst.RetryCounts[step], inst.History[step])
			ev.Config = inst.Config(step)
			v, err := g.Evaluate(context.Background(), ev, nil)
			if err != nil {
				t.Fatalf("run %d: Evaluate() error = %v", run, err)
			}
			if v.Decision != domain.DecisionRetry {
				break
			}
			Apply(inst, step, v)
		}

		history := inst.History[step]
		for i := 1; i < len(history); i++ {
			if history[i].Equal(history[i-1]) {
				t.Fatalf("run %d: consecutive history entries equal: %v", run, history)
			}
			for j := 0; j < i; j++ {
				if Fingerprint(history[i]) == Fingerprint(history[j]) && history[i].Equal(history[j]) {
					t.Fatalf("run %d: entry %d repeats entry %d: %v", run, i, j, history)
				}
			}
		}
	}
}
