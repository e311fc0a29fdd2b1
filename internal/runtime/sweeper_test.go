package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
	"github.com/tjfontaine/genpipe/internal/storage/memory"
)

type recordingDropper struct {
	mu      sync.Mutex
	dropped []string
}

func (d *recordingDropper) Drop(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped = append(d.dropped, id)
}

func (d *recordingDropper) Dropped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dropped...)
}

func seed(t *testing.T, store *memory.Store, id string, status domain.Status) {
	t.Helper()
	inst := domain.NewInstance(id, "intent", nil, nil, domain.DefaultBase())
	inst.Status = status
	if err := store.Create(context.Background(), inst); err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func TestSweeper_Sweep(t *testing.T) {
	store := memory.New()
	seed(t, store, "done", domain.StatusCompleted)
	seed(t, store, "failed", domain.StatusFailed)
	seed(t, store, "paused", domain.StatusPaused)

	tests := []struct {
		name     string
		advance  time.Duration
		wantGone []string
	}{
		{"inside window", time.Hour, nil},
		{"past window", 25 * time.Hour, []string{"done", "failed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(time.Now().Add(tt.advance))
			drops := &recordingDropper{}
			s := newSweeper(store, drops, clock, config.RetentionConfig{Window: 24 * time.Hour}, quietLogger())

			got := s.sweep(context.Background())
			if len(got) != len(tt.wantGone) {
				t.Fatalf("removed %v, want %v", got, tt.wantGone)
			}
			for i, id := range tt.wantGone {
				if got[i] != id {
					t.Errorf("removed[%d] = %s, want %s", i, got[i], id)
				}
			}
			if len(drops.Dropped()) != len(tt.wantGone) {
				t.Errorf("dropped topics = %v", drops.Dropped())
			}
		})
	}

	if _, err := store.Get(context.Background(), "paused"); err != nil {
		t.Errorf("paused instance must survive retention: %v", err)
	}
}

func TestSweeper_RunsOnInterval(t *testing.T) {
	store := memory.New()
	seed(t, store, "old", domain.StatusCompleted)

	clock := clockwork.NewFakeClockAt(time.Now().Add(48 * time.Hour))
	drops := &recordingDropper{}
	s := newSweeper(store, drops, clock, config.RetentionConfig{Window: 24 * time.Hour, SweepInterval: time.Minute}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("sweeper never started its ticker: %v", err)
	}
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for len(drops.Dropped()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not run after the interval elapsed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := store.Get(context.Background(), "old"); !domain.IsNotFound(err) {
		t.Errorf("Get(old) error = %v, want not found", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop with its context")
	}
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := newSweeper(memory.New(), &recordingDropper{}, clockwork.NewFakeClock(), config.RetentionConfig{}, quietLogger())
	if s.window != defaultRetentionWindow || s.interval != defaultSweepInterval {
		t.Errorf("window=%s interval=%s", s.window, s.interval)
	}
}
