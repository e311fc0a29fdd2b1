// Package runtime wires the pipeline supervisor together and manages its
// lifecycle. A Service can be embedded in a larger application or run
// standalone from cmd/genpipe.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/genpipe/internal/adapters/artifacts/minio"
	"github.com/tjfontaine/genpipe/internal/api/tasks"
	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/events"
	"github.com/tjfontaine/genpipe/internal/human"
	"github.com/tjfontaine/genpipe/internal/judge/openai"
	"github.com/tjfontaine/genpipe/internal/ledger"
	"github.com/tjfontaine/genpipe/internal/pipeline"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
	"github.com/tjfontaine/genpipe/internal/quality"
	"github.com/tjfontaine/genpipe/internal/server"
	"github.com/tjfontaine/genpipe/internal/storage/memory"
	"github.com/tjfontaine/genpipe/internal/storage/sqldb"
)

// Service owns the orchestrator, its collaborators and the HTTP server.
type Service struct {
	// Dependencies (injected via options or built from config)
	config    ports.ConfigProvider
	store     ports.InstanceStore
	judge     ports.Judge
	artifacts ports.ArtifactStore
	units     []ports.StepUnit
	loaders   map[string]ports.ResourceLoader
	clock     clockwork.Clock
	logger    *slog.Logger

	// Built in Start
	bus      *events.Bus
	gate     *quality.Gate
	human    *human.Gateway
	registry *pipeline.Registry
	orch     *pipeline.Orchestrator
	server   *server.Server

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	wg      sync.WaitGroup
	started bool
}

// New creates a Service. A config provider is required; the store and
// the judge default to what the configuration describes.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	return s, nil
}

// Start loads configuration, wires the pipeline and starts serving.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	cfg, err := s.config.Load(s.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := s.init(cfg); err != nil {
		return err
	}

	s.server = server.New(cfg.Server.Port, s.logger,
		server.WithServiceName(cfg.Telemetry.ServiceName))
	tasks.NewHandler(s.orch, s.human, s.bus,
		tasks.WithLogger(s.logger),
		tasks.WithPingInterval(cfg.Server.Keepalive)).Register(s.server.Router)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.server.Start(); err != nil {
			s.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.watchConfig()
	}()
	go func() {
		defer s.wg.Done()
		newSweeper(s.store, s.bus, s.clock, cfg.Retention, s.logger).run(s.ctx)
	}()

	s.started = true
	s.logger.Info("genpipe started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("steps", len(s.registry.Names())),
		slog.Int("resources", len(s.loaders)))
	return nil
}

// init builds every component that depends on configuration.
func (s *Service) init(cfg *config.Config) error {
	if s.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		s.store = store
	}

	busOpts := []events.Option{
		events.WithClock(s.clock),
		events.WithKeepalive(cfg.Server.Keepalive),
		events.WithLogger(s.logger),
	}
	if src, ok := s.store.(ports.StatusSource); ok {
		busOpts = append(busOpts, events.WithStatusSource(src))
	}
	s.bus = events.NewBus(busOpts...)

	if s.loaders == nil {
		loaders, err := pipeline.NewLoadersFromConfig(cfg.Resources)
		if err != nil {
			return fmt.Errorf("init resources: %w", err)
		}
		s.loaders = loaders
	}

	var err error
	if len(s.units) > 0 {
		s.registry, err = pipeline.NewRegistry(s.units...)
	} else {
		s.registry, err = pipeline.NewRegistryFromConfig(cfg.Pipeline.Steps, s.logger)
	}
	if err != nil {
		return fmt.Errorf("init steps: %w", err)
	}

	if s.judge == nil {
		s.judge = openai.New(cfg.Judge, openai.WithLogger(s.logger))
	}
	if s.artifacts == nil && cfg.Artifacts.Endpoint != "" {
		store, err := minio.New(cfg.Artifacts)
		if err != nil {
			return fmt.Errorf("init artifacts: %w", err)
		}
		if err := store.EnsureBucket(s.ctx); err != nil {
			s.logger.Warn("artifact bucket unavailable",
				slog.String("bucket", cfg.Artifacts.Bucket),
				slog.String("error", err.Error()))
		}
		s.artifacts = store
	}

	remedies := quality.DefaultRemedies()
	prompter, err := quality.NewPrompter(cfg.Gate.Encoding, cfg.Gate.PromptBudgetTokens, remedies)
	if err != nil {
		return fmt.Errorf("init prompter: %w", err)
	}
	base, err := cfg.Base()
	if err != nil {
		return err
	}
	schema := cfg.Schema()

	gateOpts := []quality.Option{
		quality.WithLogger(s.logger),
		quality.WithSchema(schema),
		quality.WithRemedies(remedies),
		quality.WithMaxRetries(cfg.Gate.MaxRetries),
		quality.WithPrompter(prompter),
	}
	if s.artifacts != nil {
		gateOpts = append(gateOpts, quality.WithArtifacts(s.artifacts))
	}
	s.gate = quality.NewGate(s.judge, gateOpts...)

	s.human = human.NewGateway(s.store, s.bus, human.WithLogger(s.logger))

	ledgers := ledger.NewFactory(cfg.Ledger.Capacity, cfg.Ledger.Headroom,
		ledger.WithLogger(s.logger),
		ledger.WithReclaim(pipeline.ReclaimFunc(s.loaders)))

	s.orch = pipeline.NewOrchestrator(s.store, s.bus, s.gate, s.registry, s.human,
		pipeline.WithLogger(s.logger),
		pipeline.WithLedgerFactory(ledgers),
		pipeline.WithLoaders(s.loaders),
		pipeline.WithDefaults(base, schema))
	return nil
}

func openStore(cfg config.StorageConfig) (ports.InstanceStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		if cfg.Database.DSN != "" {
			return sqldb.New(sqldb.Config{Driver: "sqlite", DSN: cfg.Database.DSN})
		}
		return sqldb.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		return sqldb.NewPostgres(cfg.Database.DSN)
	case "database":
		return sqldb.New(sqldb.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Handler returns the HTTP handler serving the API. Only valid after Start.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Router
}

// Orchestrator returns the running orchestrator. Only valid after Start.
func (s *Service) Orchestrator() *pipeline.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch
}

// Shutdown gracefully stops the service. Running instances keep their
// last persisted state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down genpipe")

	if s.cancel != nil {
		s.cancel()
	}

	var firstErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			firstErr = err
		}
	}

	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop orchestrator", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// Close resources
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if s.config != nil {
		if err := s.config.Close(); err != nil {
			s.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()
	s.started = false
	s.logger.Info("genpipe shutdown complete")
	return firstErr
}

// watchConfig pushes reloaded defaults and schema to the orchestrator.
// Steps and resources are fixed for the life of the process.
func (s *Service) watchConfig() {
	onChange := func(cfg *config.Config) {
		base, err := cfg.Base()
		if err != nil {
			s.logger.Error("ignoring reloaded config", slog.String("error", err.Error()))
			return
		}
		s.orch.SetDefaults(base, cfg.Schema())
		s.logger.Info("config reloaded, pipeline defaults updated")
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}
