// Package file provides file-based configuration with hot-reload.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
)

const defaultDebounce = 100 * time.Millisecond

// Option configures a Provider.
type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) Option {
	return func(p *Provider) { p.debounce = d }
}

func WithClock(clock clockwork.Clock) Option {
	return func(p *Provider) { p.clock = clock }
}

// Provider implements ports.ConfigProvider on top of a YAML file and
// GENPIPE_ environment variables.
type Provider struct {
	path     string
	logger   *slog.Logger
	clock    clockwork.Clock
	debounce time.Duration

	mu      sync.RWMutex
	current *config.Config
	hash    uint64
	closed  chan struct{}
	once    sync.Once
}

var _ ports.ConfigProvider = (*Provider)(nil)

func NewProvider(path string, opts ...Option) (*Provider, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	p := &Provider{
		path:     path,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		debounce: defaultDebounce,
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Load reads the configuration and makes it current.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}
	p.swap(cfg)
	p.logger.Info("config loaded", slog.String("path", p.path))
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// swap installs cfg and reports whether it differs from the previous one.
func (p *Provider) swap(cfg *config.Config) bool {
	h, err := hashstructure.Hash(cfg, hashstructure.FormatV2, nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := err != nil || p.current == nil || h != p.hash
	p.current, p.hash = cfg, h
	return changed
}

// Watch blocks until ctx is done or the provider is closed, calling
// onChange with every valid configuration written to the file. Bursts of
// writes are coalesced, invalid edits are logged and skipped, and edits
// that leave the configuration unchanged are ignored.
//
// The directory is watched rather than the file so that editors which
// replace the file on save are noticed.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	p.logger.Info("watching config file for changes", slog.String("path", p.path))

	target := filepath.Clean(p.path)
	var (
		timer   clockwork.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.closed:
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = p.clock.NewTimer(p.debounce)
			} else {
				timer.Reset(p.debounce)
			}
			pending = timer.Chan()

		case <-pending:
			pending = nil
			p.reload(onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (p *Provider) reload(onChange func(*config.Config)) {
	cfg, err := config.Load(p.path)
	if err != nil {
		p.logger.Error("failed to reload config",
			slog.String("path", p.path),
			slog.String("error", err.Error()))
		return
	}
	if !p.swap(cfg) {
		p.logger.Debug("config file rewritten without changes", slog.String("path", p.path))
		return
	}
	p.logger.Info("config reloaded", slog.String("path", p.path))
	onChange(cfg)
}

// Close stops any running Watch.
func (p *Provider) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
