package human

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/events"
	"github.com/tjfontaine/genpipe/internal/storage/memory"
)

type fakeResumer struct {
	mu    sync.Mutex
	calls []*domain.Feedback
	err   error
}

func (r *fakeResumer) Resume(ctx context.Context, id string, fb *domain.Feedback, accepted func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fb)
	if r.err != nil {
		return r.err
	}
	accepted()
	return nil
}

func setup(t *testing.T, status domain.Status) (*Gateway, *memory.Store, *events.Bus, *fakeResumer) {
	t.Helper()
	store := memory.New()
	bus := events.NewBus(events.WithKeepalive(0))
	t.Cleanup(func() { bus.Close() })

	inst := domain.NewInstance("inst", "intent", nil, nil, domain.DefaultBase())
	inst.Status = status
	if status == domain.StatusPaused {
		inst.Pending = &domain.HumanRequest{Step: domain.StepSegmentation, Question: "retry?"}
	}
	if err := store.Create(context.Background(), inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r := &fakeResumer{}
	g := NewGateway(store, bus)
	g.Bind(r)
	return g, store, bus, r
}

func TestRequestInput(t *testing.T) {
	ctx := context.Background()
	g, store, bus, _ := setup(t, domain.StatusAwaitingJudgment)

	sub, err := bus.Subscribe(ctx, "inst")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()
	<-sub.C // snapshot

	inst, _ := store.Get(ctx, "inst")
	err = g.RequestInput(ctx, inst, &domain.HumanRequest{
		Step:      domain.StepSegmentation,
		Suggested: domain.Patch{"segmentation.prompt_mode": domain.StringValue("grid")},
	})
	if err != nil {
		t.Fatalf("RequestInput() error = %v", err)
	}

	stored, _ := store.Get(ctx, "inst")
	if stored.Status != domain.StatusPaused {
		t.Errorf("Status = %s, want paused", stored.Status)
	}
	if stored.Pending == nil || stored.Pending.Question == "" {
		t.Fatalf("paused instance without question: %+v", stored.Pending)
	}

	e := <-sub.C
	if e.Type != domain.EventHumanInputRequest {
		t.Fatalf("event type = %s, want human_input_request", e.Type)
	}
	if e.Payload["question"] == "" {
		t.Error("human_input_request without question")
	}
	if _, ok := e.Payload["suggested"]; !ok {
		t.Error("suggested remedy missing from request")
	}
}

func TestRequestInput_WrongState(t *testing.T) {
	g, store, _, _ := setup(t, domain.StatusRunning)
	inst, _ := store.Get(context.Background(), "inst")

	err := g.RequestInput(context.Background(), inst, &domain.HumanRequest{Step: "segmentation"})
	if !domain.IsInvalidState(err) {
		t.Errorf("RequestInput() error = %v, want InvalidStateError", err)
	}
}

func TestSubmitFeedback_NotPaused(t *testing.T) {
	for _, status := range []domain.Status{
		domain.StatusQueued,
		domain.StatusRunning,
		domain.StatusAwaitingJudgment,
		domain.StatusCompleted,
		domain.StatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			ctx := context.Background()
			g, store, bus, r := setup(t, status)
			before, _ := store.Get(ctx, "inst")
			seq := bus.Seq("inst")

			err := g.SubmitFeedback(ctx, "inst", &domain.Feedback{Action: domain.ActionRetry, Message: "try grid"})
			if !domain.IsInvalidState(err) {
				t.Fatalf("SubmitFeedback() error = %v, want InvalidStateError", err)
			}

			after, _ := store.Get(ctx, "inst")
			if after.Status != before.Status || after.Feedback != nil || !after.UpdatedAt.Equal(before.UpdatedAt) {
				t.Errorf("instance changed: before %+v after %+v", before.View(), after.View())
			}
			if len(r.calls) != 0 {
				t.Error("resumer called for non-paused instance")
			}
			if bus.Seq("inst") != seq {
				t.Error("event published for rejected feedback")
			}
		})
	}
}

func TestSubmitFeedback_Paused(t *testing.T) {
	ctx := context.Background()
	g, store, bus, r := setup(t, domain.StatusPaused)

	sub, _ := bus.Subscribe(ctx, "inst")
	defer sub.Close()
	<-sub.C

	waited := make(chan *domain.Feedback, 1)
	go func() {
		fb, err := g.AwaitFeedback(ctx, "inst")
		if err == nil {
			waited <- fb
		}
	}()
	// let the waiter register
	time.Sleep(20 * time.Millisecond)

	err := g.SubmitFeedback(ctx, "inst", &domain.Feedback{Action: domain.ActionRetry, Message: "use grid prompting"})
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}

	if len(r.calls) != 1 || r.calls[0].Message != "use grid prompting" {
		t.Fatalf("resumer calls = %v", r.calls)
	}
	if r.calls[0].Step != domain.StepSegmentation || r.calls[0].ReceivedAt.IsZero() {
		t.Errorf("Feedback = %+v, want stamped for segmentation", r.calls[0])
	}
	stored, _ := store.Get(ctx, "inst")
	if stored.Feedback != nil {
		t.Errorf("gateway wrote feedback %+v itself", stored.Feedback)
	}

	e := <-sub.C
	if e.Type != domain.EventHumanInputReceived || e.Payload["action"] != "retry" {
		t.Errorf("event = %s %v", e.Type, e.Payload)
	}

	select {
	case fb := <-waited:
		if fb.Action != domain.ActionRetry {
			t.Errorf("awaited action = %s", fb.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitFeedback never returned")
	}
}

func TestSubmitFeedback_ResumeRejected(t *testing.T) {
	ctx := context.Background()
	g, store, bus, r := setup(t, domain.StatusPaused)
	before, _ := store.Get(ctx, "inst")
	seq := bus.Seq("inst")

	// the instance was cancelled between the paused check and the resume
	r.err = &domain.InvalidStateError{InstanceID: "inst", Status: domain.StatusFailed, Op: "resume"}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	waited := make(chan error, 1)
	go func() {
		_, err := g.AwaitFeedback(waitCtx, "inst")
		waited <- err
	}()
	time.Sleep(10 * time.Millisecond)

	err := g.SubmitFeedback(ctx, "inst", &domain.Feedback{Action: domain.ActionRetry})
	if !domain.IsInvalidState(err) {
		t.Fatalf("SubmitFeedback() error = %v, want InvalidStateError", err)
	}
	after, _ := store.Get(ctx, "inst")
	if after.Feedback != nil || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("rejected feedback written: %+v", after.Feedback)
	}
	if bus.Seq("inst") != seq {
		t.Error("human_input_received published for rejected feedback")
	}
	if err := <-waited; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitFeedback() error = %v, want deadline exceeded", err)
	}
}

func TestSubmitFeedback_InvalidAction(t *testing.T) {
	g, _, _, _ := setup(t, domain.StatusPaused)
	err := g.SubmitFeedback(context.Background(), "inst", &domain.Feedback{Action: "later"})

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode() != 400 {
		t.Errorf("SubmitFeedback() error = %v, want 400 APIError", err)
	}
}

func TestSubmitFeedback_NotFound(t *testing.T) {
	g, _, _, _ := setup(t, domain.StatusPaused)
	err := g.SubmitFeedback(context.Background(), "missing", &domain.Feedback{Action: domain.ActionProceed})
	if !domain.IsNotFound(err) {
		t.Errorf("SubmitFeedback() error = %v, want not found", err)
	}
}

func TestAwaitFeedback_ContextTimeout(t *testing.T) {
	g, _, _, _ := setup(t, domain.StatusPaused)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := g.AwaitFeedback(ctx, "inst"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitFeedback() error = %v, want deadline exceeded", err)
	}
	if len(g.waiters) != 0 {
		t.Error("waiter not removed after timeout")
	}
}
