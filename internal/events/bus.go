// Package events provides the per-instance ordered event bus.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
)

const (
	defaultKeepalive = 30 * time.Second
	defaultBuffer    = 64
)

// Option configures a Bus.
type Option func(*Bus)

// WithClock replaces the clock driving keep-alives.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithKeepalive sets the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(b *Bus) { b.keepalive = d }
}

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) { b.buffer = n }
}

// WithStatusSource sets where snapshots come from when the bus has not
// seen a status event for an instance yet.
func WithStatusSource(src ports.StatusSource) Option {
	return func(b *Bus) { b.status = src }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

type topic struct {
	seq        uint64
	lastStatus *domain.Event
	subs       map[*Subscription]struct{}
}

// Bus fans events out to subscribers with a per-instance sequence.
// Publish never blocks: a subscriber whose buffer is full is disconnected
// and must resubscribe to get a fresh snapshot.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool

	status    ports.StatusSource
	clock     clockwork.Clock
	keepalive time.Duration
	buffer    int
	logger    *slog.Logger
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics:    make(map[string]*topic),
		clock:     clockwork.NewRealClock(),
		keepalive: defaultKeepalive,
		buffer:    defaultBuffer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topicLocked(id string) *topic {
	t, ok := b.topics[id]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[id] = t
	}
	return t
}

// Publish assigns the next sequence number for instanceID and delivers a
// copy of event to every subscriber.
func (b *Bus) Publish(ctx context.Context, instanceID string, event *domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	t := b.topicLocked(instanceID)
	t.seq++

	e := *event
	e.Seq = t.seq
	e.InstanceID = instanceID
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now().UTC()
	}
	event.Seq = e.Seq

	if e.Type == domain.EventStatus {
		cached := e
		t.lastStatus = &cached
	}

	for sub := range t.subs {
		if !sub.send(&e) {
			b.logger.Warn("dropping slow subscriber",
				slog.String("instance_id", instanceID),
				slog.Uint64("seq", e.Seq))
			delete(t.subs, sub)
			sub.close()
		}
	}
	return nil
}

// Seq returns the last sequence number assigned for instanceID.
func (b *Bus) Seq(instanceID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[instanceID]; ok {
		return t.seq
	}
	return 0
}

// Subscribe returns a subscription whose first event is a status snapshot
// carrying the current sequence number, followed by live events in order.
// The subscription ends when ctx is done, Close is called, or the
// subscriber falls too far behind.
func (b *Bus) Subscribe(ctx context.Context, instanceID string) (*Subscription, error) {
	var (
		persisted    domain.StatusView
		persistedErr error
		hasPersisted bool
	)
	if b.status != nil {
		persisted, persistedErr = b.status.Status(ctx, instanceID)
		hasPersisted = persistedErr == nil
	}

	b.mu.Lock()
	t := b.topicLocked(instanceID)

	var snapshot domain.Event
	switch {
	case t.lastStatus != nil:
		snapshot = *t.lastStatus
	case hasPersisted:
		snapshot = *domain.StatusEvent(persisted)
	case persistedErr != nil:
		if len(t.subs) == 0 && t.seq == 0 {
			delete(b.topics, instanceID)
		}
		b.mu.Unlock()
		return nil, persistedErr
	default:
		snapshot = *domain.NewEvent(domain.EventStatus, map[string]any{"task_id": instanceID, "status": "unknown"})
	}
	snapshot.Seq = t.seq
	snapshot.InstanceID = instanceID

	sub := &Subscription{
		ch:   make(chan *domain.Event, b.buffer+1),
		done: make(chan struct{}),
		bus:  b,
		id:   instanceID,
	}
	sub.C = sub.ch
	sub.send(&snapshot)
	t.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.watch(ctx, sub)
	return sub, nil
}

// watch ends the subscription with ctx and emits keep-alives.
func (b *Bus) watch(ctx context.Context, sub *Subscription) {
	var tick <-chan time.Time
	if b.keepalive > 0 {
		ticker := b.clock.NewTicker(b.keepalive)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.done:
			return
		case now := <-tick:
			ping := &domain.Event{
				Type:       domain.EventPing,
				InstanceID: sub.id,
				Timestamp:  now.UTC(),
			}
			// a full buffer already guarantees traffic, so skip the ping
			sub.send(ping)
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[sub.id]; ok {
		delete(t.subs, sub)
	}
}

// Drop forgets an instance and disconnects its subscribers.
func (b *Bus) Drop(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[instanceID]
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.close()
	}
	delete(b.topics, instanceID)
}

// Close disconnects every subscriber. Later publishes are ignored.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		for sub := range t.subs {
			sub.close()
		}
	}
	b.topics = make(map[string]*topic)
	b.closed = true
	return nil
}

// Subscription is a live view of one instance's events. C is closed when
// the subscription ends.
type Subscription struct {
	C <-chan *domain.Event

	mu     sync.Mutex
	ch     chan *domain.Event
	done   chan struct{}
	closed bool
	bus    *Bus
	id     string
}

func (s *Subscription) send(e *domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.close()
}

var _ ports.EventPublisher = (*Bus)(nil)
