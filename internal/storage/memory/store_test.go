package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/genpipe/internal/core/domain"
)

func TestStore_CreateGetIsolation(t *testing.T) {
	ctx := context.Background()
	store := New()

	inst := domain.NewInstance("a", "intent", nil, nil, domain.DefaultBase())
	if err := store.Create(ctx, inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, inst); err == nil {
		t.Error("Create() duplicate should fail")
	}

	inst.Status = domain.StatusRunning
	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.StatusQueued {
		t.Errorf("stored copy changed through caller pointer: %s", got.Status)
	}

	got.History["segmentation"] = []domain.Patch{{"segmentation.resolution": domain.IntValue(1024)}}
	again, _ := store.Get(ctx, "a")
	if len(again.History) != 0 {
		t.Error("Get() returned shared history map")
	}

	if _, err := store.Get(ctx, "missing"); !domain.IsNotFound(err) {
		t.Errorf("Get(missing) error = %v, want not found", err)
	}
}

func TestStore_DeleteFinishedBefore(t *testing.T) {
	ctx := context.Background()
	store := New()
	old := time.Now().Add(-48 * time.Hour)

	for _, tc := range []struct {
		id      string
		status  domain.Status
		updated time.Time
	}{
		{"done-old", domain.StatusCompleted, old},
		{"failed-old", domain.StatusFailed, old},
		{"paused-old", domain.StatusPaused, old},
		{"done-new", domain.StatusCompleted, time.Now()},
	} {
		inst := domain.NewInstance(tc.id, "", nil, nil, nil)
		inst.Status = tc.status
		inst.UpdatedAt = tc.updated
		_ = store.Save(ctx, inst)
	}

	ids, err := store.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "done-old" || ids[1] != "failed-old" {
		t.Errorf("deleted = %v, want [done-old failed-old]", ids)
	}

	views, _ := store.List(ctx, 0)
	if len(views) != 2 {
		t.Fatalf("List() = %d views, want 2", len(views))
	}
	if views[0].ID != "done-new" {
		t.Errorf("List() not ordered by recency: %v", views)
	}
}
