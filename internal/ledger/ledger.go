// Package ledger tracks the exclusive computational resources held by one
// pipeline instance and enforces their load/unload lifecycle.
//
// A Ledger never reports more load than its capacity. Before a load it
// requires free capacity of at least max(headroom, footprint) and evicts
// least-recently-used resources to get there. Resources the caller marks
// as kept are never evicted; with them in place only the footprint has to
// fit.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithReclaim sets a hook run after every release, e.g. to ask the
// computation service to return freed memory to the device.
func WithReclaim(fn func(ctx context.Context) error) Option {
	return func(l *Ledger) {
		l.reclaim = fn
	}
}

type entry struct {
	loader    ports.ResourceLoader
	footprint float64
	lastUsed  uint64
}

// Ledger is the active set of loaded resources for one instance.
type Ledger struct {
	mu       sync.Mutex
	capacity float64
	headroom float64
	active   map[string]*entry
	tick     uint64

	reclaim func(ctx context.Context) error
	logger  *slog.Logger
}

// New creates an empty ledger.
func New(capacity, headroom float64, opts ...Option) *Ledger {
	l := &Ledger{
		capacity: capacity,
		headroom: headroom,
		active:   make(map[string]*entry),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Factory builds a fresh ledger per instance run.
type Factory func() *Ledger

// NewFactory returns a Factory with fixed limits.
func NewFactory(capacity, headroom float64, opts ...Option) Factory {
	return func() *Ledger {
		return New(capacity, headroom, opts...)
	}
}

// Acquire ensures name is loaded. A resource that is already active is
// only marked as recently used, so repeated calls load once. Names in keep
// are never chosen for eviction.
func (l *Ledger) Acquire(ctx context.Context, name string, loader ports.ResourceLoader, keep ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tick++
	if e, ok := l.active[name]; ok {
		e.lastUsed = l.tick
		return nil
	}

	footprint := loader.Footprint()
	if footprint > l.capacity {
		return &domain.ResourceLoadError{
			Resource: name,
			Reason:   fmt.Sprintf("footprint %.1f exceeds capacity %.1f", footprint, l.capacity),
		}
	}

	need := max(l.headroom, footprint)
	evicted := 0
	for l.free() < need {
		victim := l.leastRecentlyUsed(keep)
		if victim == "" {
			break
		}
		l.logger.Info("evicting resource",
			slog.String("resource", victim),
			slog.String("for", name),
			slog.Float64("free", l.free()),
			slog.Float64("need", need))
		_ = l.unload(ctx, victim)
		evicted++
	}
	if evicted > 0 {
		l.reclaimPass(ctx)
	}

	if l.free() < footprint {
		return &domain.ResourceLoadError{
			Resource: name,
			Reason:   fmt.Sprintf("only %.1f of %.1f free with %v kept", l.free(), footprint, keep),
		}
	}

	if err := loader.Load(ctx); err != nil {
		return &domain.ResourceLoadError{Resource: name, Reason: "loader failed", Err: err}
	}

	l.active[name] = &entry{loader: loader, footprint: footprint, lastUsed: l.tick}
	l.logger.Info("resource loaded",
		slog.String("resource", name),
		slog.Float64("footprint", footprint),
		slog.Float64("used", l.used()))
	return nil
}

// Release unloads name if it is active, then runs a reclamation pass.
// Releasing an inactive name only reclaims.
func (l *Ledger) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if _, ok := l.active[name]; ok {
		err = l.unload(ctx, name)
	}
	l.reclaimPass(ctx)
	return err
}

// ReleaseAll unloads everything. Used at step boundaries that need a
// disjoint resource set.
func (l *Ledger) ReleaseAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, name := range slices.Sorted(maps.Keys(l.active)) {
		if err := l.unload(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.reclaimPass(ctx)
	return firstErr
}

// Holds reports whether name is active.
func (l *Ledger) Holds(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[name]
	return ok
}

// Snapshot is a point-in-time view of a ledger.
type Snapshot struct {
	Active   []domain.ResourceHandle `json:"active"`
	Used     float64                 `json:"used"`
	Capacity float64                 `json:"capacity"`
}

// Snapshot reports the active set sorted by name.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{Used: l.used(), Capacity: l.capacity}
	for name, e := range l.active {
		s.Active = append(s.Active, domain.ResourceHandle{Name: name, Loaded: true, Footprint: e.footprint})
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i].Name < s.Active[j].Name })
	return s
}

// unload removes name from the active set even if the loader fails; the
// resource is no longer counted either way.
func (l *Ledger) unload(ctx context.Context, name string) error {
	e := l.active[name]
	delete(l.active, name)
	if err := e.loader.Unload(ctx); err != nil {
		l.logger.Warn("resource unload failed",
			slog.String("resource", name),
			slog.String("error", err.Error()))
		return fmt.Errorf("unload %s: %w", name, err)
	}
	l.logger.Info("resource unloaded", slog.String("resource", name))
	return nil
}

func (l *Ledger) reclaimPass(ctx context.Context) {
	if l.reclaim != nil {
		if err := l.reclaim(ctx); err != nil {
			l.logger.Warn("reclaim failed", slog.String("error", err.Error()))
		}
	}
	l.logger.Debug("resource usage",
		slog.Float64("used", l.used()),
		slog.Float64("capacity", l.capacity),
		slog.Int("active", len(l.active)))
}

// leastRecentlyUsed returns the eviction candidate outside keep, or "" if
// every active resource is kept.
func (l *Ledger) leastRecentlyUsed(keep []string) string {
	var (
		victim string
		oldest uint64
	)
	for name, e := range l.active {
		if slices.Contains(keep, name) {
			continue
		}
		if victim == "" || e.lastUsed < oldest || (e.lastUsed == oldest && name < victim) {
			victim, oldest = name, e.lastUsed
		}
	}
	return victim
}

func (l *Ledger) used() float64 {
	var total float64
	for _, e := range l.active {
		total += e.footprint
	}
	return total
}

func (l *Ledger) free() float64 {
	return l.capacity - l.used()
}
