package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
)

const (
	defaultRetentionWindow = 24 * time.Hour
	defaultSweepInterval   = 10 * time.Minute
)

// topicDropper forgets the event stream of a removed instance.
type topicDropper interface {
	Drop(instanceID string)
}

// sweeper deletes finished instances once they fall out of the retention
// window and drops their event topics.
type sweeper struct {
	store    ports.InstanceStore
	topics   topicDropper
	clock    clockwork.Clock
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func newSweeper(store ports.InstanceStore, topics topicDropper, clock clockwork.Clock, cfg config.RetentionConfig, logger *slog.Logger) *sweeper {
	s := &sweeper{
		store:    store,
		topics:   topics,
		clock:    clock,
		window:   cfg.Window,
		interval: cfg.SweepInterval,
		logger:   logger,
	}
	if s.window <= 0 {
		s.window = defaultRetentionWindow
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	return s
}

func (s *sweeper) run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

// sweep runs one retention pass and returns the removed ids.
func (s *sweeper) sweep(ctx context.Context) []string {
	cutoff := s.clock.Now().Add(-s.window)
	ids, err := s.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return nil
	}
	for _, id := range ids {
		s.topics.Drop(id)
	}
	if len(ids) > 0 {
		s.logger.Info("retention sweep removed finished instances",
			slog.Int("count", len(ids)),
			slog.Time("cutoff", cutoff))
	}
	return ids
}
