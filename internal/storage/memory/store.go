// Package memory is an in-memory instance store for tests and
// single-process deployments.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// Store keeps cloned instances in a map.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*domain.Instance
}

var (
	_ ports.InstanceStore = (*Store)(nil)
	_ ports.StatusSource  = (*Store)(nil)
)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		instances: make(map[string]*domain.Instance),
	}
}

func (s *Store) Create(ctx context.Context, inst *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return nil, &domain.NotFoundError{Kind: "instance", ID: id}
	}
	return inst.Clone(), nil
}

func (s *Store) Save(ctx context.Context, inst *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.StatusView, error) {
	s.mu.RLock()
	views := make([]domain.StatusView, 0, len(s.instances))
	for _, inst := range s.instances {
		views = append(views, inst.View())
	}
	s.mu.RUnlock()

	slices.SortFunc(views, func(a, b domain.StatusView) int {
		return cmp.Compare(b.UpdatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	})
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

func (s *Store) Status(ctx context.Context, id string) (domain.StatusView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return domain.StatusView{}, &domain.NotFoundError{Kind: "instance", ID: id}
	}
	return inst.View(), nil
}

func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, inst := range s.instances {
		if inst.Status.Terminal() && inst.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
			delete(s.instances, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) Close() error {
	return nil
}
