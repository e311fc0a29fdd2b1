package ports

import (
	"context"
	"io"
	"time"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
)

// ConfigProvider loads and watches configuration. Watch blocks until ctx
// is done or the provider is closed.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// InstanceStore persists pipeline instances and their patch history.
// Implementations: SQL (sqlite, postgres) and in-memory.
type InstanceStore interface {
	Create(ctx context.Context, inst *domain.Instance) error
	Get(ctx context.Context, id string) (*domain.Instance, error)
	// Save replaces the stored instance, including its patch history.
	Save(ctx context.Context, inst *domain.Instance) error
	List(ctx context.Context, limit int) ([]domain.StatusView, error)
	// DeleteFinishedBefore removes terminal instances last updated before
	// cutoff and returns their ids.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// EventPublisher publishes instance events.
type EventPublisher interface {
	Publish(ctx context.Context, instanceID string, event *domain.Event) error
	Close() error
}

// StatusSource answers the last persisted status of an instance.
type StatusSource interface {
	Status(ctx context.Context, instanceID string) (domain.StatusView, error)
}

// ArtifactStore gives the judge and clients access to step artifacts.
type ArtifactStore interface {
	PresignGet(ctx context.Context, ref string) (string, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}
