package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/pkg/config"
)

// NewRegistryFromConfig builds HTTP steps in configured order.
func NewRegistryFromConfig(steps []config.StepConfig, logger *slog.Logger) (*Registry, error) {
	r, _ := NewRegistry()
	for _, stepCfg := range steps {
		if stepCfg.URL == "" {
			return nil, fmt.Errorf("step %s: url is required", stepCfg.Name)
		}
		timeout := stepCfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Minute
		}
		err := r.Register(NewHTTPStep(HTTPStepConfig{
			Name:      stepCfg.Name,
			URL:       stepCfg.URL,
			Timeout:   timeout,
			Retries:   stepCfg.Retries,
			Resources: stepCfg.Resources,
			Headers:   stepCfg.Headers,
			Logger:    logger,
		}))
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewLoadersFromConfig builds an HTTP loader per configured resource.
func NewLoadersFromConfig(resources []config.ResourceConfig) (map[string]ports.ResourceLoader, error) {
	loaders := make(map[string]ports.ResourceLoader, len(resources))
	for _, rc := range resources {
		if _, dup := loaders[rc.Name]; dup {
			return nil, fmt.Errorf("resource %s: defined twice", rc.Name)
		}
		if rc.URL == "" {
			return nil, fmt.Errorf("resource %s: url is required", rc.Name)
		}
		timeout := rc.Timeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		loaders[rc.Name] = NewHTTPResource(rc.Name, rc.Footprint, rc.URL, timeout)
	}
	return loaders, nil
}
