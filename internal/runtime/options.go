package runtime

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/genpipe/internal/adapters/config/file"
	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/storage/memory"
	"github.com/tjfontaine/genpipe/internal/storage/sqldb"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Service) error {
		provider, err := file.NewProvider(path, file.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Service) error {
		s.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage instead of the configured store.
func WithSQLite(path string) Option {
	return func(s *Service) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		s.store = store
		return nil
	}
}

// WithPostgres uses PostgreSQL storage.
// Recommended when several processes share one database.
func WithPostgres(dsn string) Option {
	return func(s *Service) error {
		store, err := sqldb.NewPostgres(dsn)
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		s.store = store
		return nil
	}
}

// WithMemoryStore keeps instances in memory only.
func WithMemoryStore() Option {
	return func(s *Service) error {
		s.store = memory.New()
		return nil
	}
}

// WithStore sets a custom instance store.
func WithStore(store ports.InstanceStore) Option {
	return func(s *Service) error {
		s.store = store
		return nil
	}
}

// WithJudge replaces the configured chat-model judge.
func WithJudge(judge ports.Judge) Option {
	return func(s *Service) error {
		s.judge = judge
		return nil
	}
}

// WithArtifacts replaces the configured artifact store.
func WithArtifacts(store ports.ArtifactStore) Option {
	return func(s *Service) error {
		s.artifacts = store
		return nil
	}
}

// WithSteps registers step units instead of the configured HTTP steps.
func WithSteps(units ...ports.StepUnit) Option {
	return func(s *Service) error {
		s.units = append(s.units, units...)
		return nil
	}
}

// WithResourceLoaders replaces the configured HTTP resource loaders.
func WithResourceLoaders(loaders map[string]ports.ResourceLoader) Option {
	return func(s *Service) error {
		s.loaders = loaders
		return nil
	}
}

// WithClock sets the clock driving keep-alives and retention sweeps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) error {
		s.clock = clock
		return nil
	}
}

// WithLogger sets a custom logger.
// Apply it before WithFileConfig so the provider logs through it too.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}
