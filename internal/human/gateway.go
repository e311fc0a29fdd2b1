// Package human suspends escalated instances until an operator answers.
package human

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// Resumer records feedback on a paused instance and continues it. The
// paused check and the write of fb happen under the resumer's own lock;
// accepted runs there too, once fb is known to apply.
type Resumer interface {
	Resume(ctx context.Context, instanceID string, fb *domain.Feedback, accepted func()) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Gateway owns the paused state of instances.
type Gateway struct {
	store  ports.InstanceStore
	events ports.EventPublisher
	logger *slog.Logger

	// submitMu makes the paused check and the resume one step, so two
	// concurrent answers cannot both resume an instance.
	submitMu sync.Mutex
	resumer  Resumer

	waitMu  sync.Mutex
	waiters map[string][]chan *domain.Feedback
}

// NewGateway creates a gateway. Bind must be called before SubmitFeedback.
func NewGateway(store ports.InstanceStore, events ports.EventPublisher, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		events:  events,
		logger:  slog.Default(),
		waiters: make(map[string][]chan *domain.Feedback),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind sets the component that resumes instances.
func (g *Gateway) Bind(r Resumer) {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()
	g.resumer = r
}

// RequestInput pauses inst, which must be awaiting judgment, and
// publishes the question. The pause is persisted before the event goes
// out.
func (g *Gateway) RequestInput(ctx context.Context, inst *domain.Instance, req *domain.HumanRequest) error {
	if inst.Status != domain.StatusAwaitingJudgment {
		return &domain.InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Op: "pause"}
	}
	if req.Question == "" {
		req.Question = fmt.Sprintf("Step %s needs review. Retry, proceed or cancel?", req.Step)
	}
	req.CreatedAt = time.Now().UTC()

	inst.Pending = req
	inst.Status = domain.StatusPaused
	inst.Message = req.Question
	inst.Touch()
	if err := g.store.Save(ctx, inst); err != nil {
		return fmt.Errorf("failed to persist pause: %w", err)
	}

	payload := map[string]any{
		"step":     req.Step,
		"question": req.Question,
	}
	if len(req.Context) > 0 {
		payload["context"] = req.Context
	}
	if len(req.Suggested) > 0 {
		payload["suggested"] = req.Suggested.Raw()
	}
	g.publish(ctx, inst.ID, domain.NewEvent(domain.EventHumanInputRequest, payload))
	g.publish(ctx, inst.ID, domain.StatusEvent(inst.View()))

	g.logger.Info("instance paused for human input",
		slog.String("instance_id", inst.ID),
		slog.String("step", req.Step))
	return nil
}

// SubmitFeedback records operator feedback for a paused instance and
// resumes it. Any other status fails with InvalidStateError and leaves
// the instance untouched.
func (g *Gateway) SubmitFeedback(ctx context.Context, instanceID string, fb *domain.Feedback) error {
	if fb == nil || !fb.Action.Valid() {
		return domain.ErrInvalidRequest("action must be one of retry, proceed, cancel").WithParam("action")
	}

	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	if g.resumer == nil {
		return errors.New("human gateway has no resumer bound")
	}

	inst, err := g.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != domain.StatusPaused {
		return &domain.InvalidStateError{InstanceID: instanceID, Status: inst.Status, Op: "submit feedback to"}
	}

	fb.ReceivedAt = time.Now().UTC()
	if inst.Pending != nil {
		fb.Step = inst.Pending.Step
	}

	// the resumer persists fb; a cancel racing this call wins and fb is
	// rejected with InvalidStateError
	return g.resumer.Resume(ctx, instanceID, fb, func() {
		payload := map[string]any{
			"step":    fb.Step,
			"action":  string(fb.Action),
			"message": fb.Message,
		}
		if len(fb.Patch) > 0 {
			payload["patch"] = fb.Patch.Raw()
		}
		g.publish(ctx, instanceID, domain.NewEvent(domain.EventHumanInputReceived, payload))
		g.notify(instanceID, fb)

		g.logger.Info("human feedback received",
			slog.String("instance_id", instanceID),
			slog.String("action", string(fb.Action)))
	})
}

// AwaitFeedback blocks until the next feedback for the instance arrives
// or ctx ends.
func (g *Gateway) AwaitFeedback(ctx context.Context, instanceID string) (*domain.Feedback, error) {
	ch := make(chan *domain.Feedback, 1)

	g.waitMu.Lock()
	g.waiters[instanceID] = append(g.waiters[instanceID], ch)
	g.waitMu.Unlock()

	select {
	case fb := <-ch:
		return fb, nil
	case <-ctx.Done():
		g.removeWaiter(instanceID, ch)
		return nil, ctx.Err()
	}
}

func (g *Gateway) notify(instanceID string, fb *domain.Feedback) {
	g.waitMu.Lock()
	waiters := g.waiters[instanceID]
	delete(g.waiters, instanceID)
	g.waitMu.Unlock()

	for _, ch := range waiters {
		c := *fb
		ch <- &c
	}
}

func (g *Gateway) removeWaiter(instanceID string, ch chan *domain.Feedback) {
	g.waitMu.Lock()
	defer g.waitMu.Unlock()

	waiters := g.waiters[instanceID]
	for i, w := range waiters {
		if w == ch {
			g.waiters[instanceID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(g.waiters[instanceID]) == 0 {
		delete(g.waiters, instanceID)
	}
}

func (g *Gateway) publish(ctx context.Context, instanceID string, e *domain.Event) {
	if err := g.events.Publish(ctx, instanceID, e); err != nil {
		g.logger.Warn("failed to publish event",
			slog.String("instance_id", instanceID),
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()))
	}
}
