package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/genpipe/internal/core/domain"
)

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Storage   StorageConfig    `koanf:"storage"`
	Pipeline  PipelineConfig   `koanf:"pipeline"`
	Resources []ResourceConfig `koanf:"resources"`
	Ledger    LedgerConfig     `koanf:"ledger"`
	Gate      GateConfig       `koanf:"gate"`
	Judge     JudgeConfig      `koanf:"judge"`
	Artifacts ArtifactsConfig  `koanf:"artifacts"`
	Retention RetentionConfig  `koanf:"retention"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port      int           `koanf:"port"`
	Keepalive time.Duration `koanf:"keepalive"` // event stream ping interval
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, postgres, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`
}

// PipelineConfig describes the step order and tunable parameters.
type PipelineConfig struct {
	Steps []StepConfig `koanf:"steps"`
	// Defaults is category -> key -> value, e.g. segmentation.resolution.
	Defaults map[string]map[string]any `koanf:"defaults"`
	// Params is category -> key -> spec.
	Params map[string]map[string]domain.ParamSpec `koanf:"params"`
}

type StepConfig struct {
	Name      string            `koanf:"name"`
	URL       string            `koanf:"url"`
	Timeout   time.Duration     `koanf:"timeout"`
	Retries   int               `koanf:"retries"`
	Resources []string          `koanf:"resources"`
	Headers   map[string]string `koanf:"headers"`
}

type ResourceConfig struct {
	Name      string        `koanf:"name"`
	Footprint float64       `koanf:"footprint"` // in ledger capacity units
	URL       string        `koanf:"url"`
	Timeout   time.Duration `koanf:"timeout"`
}

type LedgerConfig struct {
	Capacity float64 `koanf:"capacity"`
	Headroom float64 `koanf:"headroom"` // free capacity required before a load
}

type GateConfig struct {
	MaxRetries         int    `koanf:"max_retries"`
	PromptBudgetTokens int    `koanf:"prompt_budget_tokens"`
	Encoding           string `koanf:"encoding"`
}

type JudgeConfig struct {
	BaseURL     string        `koanf:"base_url"`
	APIKey      string        `koanf:"api_key"`
	Model       string        `koanf:"model"`
	Timeout     time.Duration `koanf:"timeout"`
	Temperature float32       `koanf:"temperature"`
}

type ArtifactsConfig struct {
	Endpoint   string        `koanf:"endpoint"`
	AccessKey  string        `koanf:"access_key"`
	SecretKey  string        `koanf:"secret_key"`
	Bucket     string        `koanf:"bucket"`
	UseSSL     bool          `koanf:"use_ssl"`
	PresignTTL time.Duration `koanf:"presign_ttl"`
}

type RetentionConfig struct {
	Window        time.Duration `koanf:"window"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if present) and then GENPIPE_ environment variables.
// GENPIPE_JUDGE__API_KEY sets judge.api_key.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("GENPIPE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GENPIPE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":               8080,
		"server.keepalive":          "30s",
		"storage.type":              "sqlite",
		"storage.sqlite.path":       "./data/genpipe.db",
		"ledger.capacity":           24.0,
		"ledger.headroom":           8.0,
		"gate.max_retries":          2,
		"gate.prompt_budget_tokens": 2048,
		"gate.encoding":             "cl100k_base",
		"judge.base_url":            "https://api.openai.com/v1",
		"judge.model":               "gpt-4o-mini",
		"judge.timeout":             "60s",
		"artifacts.presign_ttl":     "1h",
		"retention.window":          "24h",
		"retention.sweep_interval":  "10m",
		"telemetry.service_name":    "genpipe",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Judge.APIKey = substituteEnvVars(cfg.Judge.APIKey)
	cfg.Artifacts.AccessKey = substituteEnvVars(cfg.Artifacts.AccessKey)
	cfg.Artifacts.SecretKey = substituteEnvVars(cfg.Artifacts.SecretKey)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)

	if len(cfg.Pipeline.Steps) == 0 {
		cfg.Pipeline.Steps = DefaultSteps()
	}
	if len(cfg.Resources) == 0 {
		cfg.Resources = DefaultResources()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultSteps is the segmentation -> video_generation -> postprocess chain
// against a local computation service.
func DefaultSteps() []StepConfig {
	return []StepConfig{
		{Name: domain.StepSegmentation, URL: "http://127.0.0.1:9000/steps/segmentation", Timeout: 10 * time.Minute, Retries: 2, Resources: []string{"layer_model"}},
		{Name: domain.StepVideoGeneration, URL: "http://127.0.0.1:9000/steps/video_generation", Timeout: 30 * time.Minute, Retries: 2, Resources: []string{"video_model"}},
		{Name: domain.StepPostprocess, URL: "http://127.0.0.1:9000/steps/postprocess", Timeout: 10 * time.Minute, Retries: 2, Resources: []string{"rife", "real_cugan"}},
	}
}

// DefaultResources matches DefaultSteps.
func DefaultResources() []ResourceConfig {
	return []ResourceConfig{
		{Name: "layer_model", Footprint: 12, URL: "http://127.0.0.1:9000/resources/layer_model", Timeout: 5 * time.Minute},
		{Name: "video_model", Footprint: 20, URL: "http://127.0.0.1:9000/resources/video_model", Timeout: 5 * time.Minute},
		{Name: "rife", Footprint: 2, URL: "http://127.0.0.1:9000/resources/rife", Timeout: time.Minute},
		{Name: "real_cugan", Footprint: 3, URL: "http://127.0.0.1:9000/resources/real_cugan", Timeout: time.Minute},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	resources := make(map[string]ResourceConfig, len(c.Resources))
	for _, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("resource without name")
		}
		if r.Footprint > c.Ledger.Capacity {
			return fmt.Errorf("resource %s footprint %.1f exceeds ledger capacity %.1f", r.Name, r.Footprint, c.Ledger.Capacity)
		}
		resources[r.Name] = r
	}
	seen := make(map[string]bool, len(c.Pipeline.Steps))
	for _, s := range c.Pipeline.Steps {
		if s.Name == "" {
			return fmt.Errorf("pipeline step without name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate pipeline step %s", s.Name)
		}
		seen[s.Name] = true
		for _, r := range s.Resources {
			if _, ok := resources[r]; !ok {
				return fmt.Errorf("step %s uses undeclared resource %s", s.Name, r)
			}
		}
	}
	if c.Gate.MaxRetries < 0 {
		return fmt.Errorf("gate.max_retries must not be negative")
	}
	if _, err := c.Base(); err != nil {
		return err
	}
	return nil
}

// StepNames returns the configured step order.
func (c *Config) StepNames() []string {
	names := make([]string, len(c.Pipeline.Steps))
	for i, s := range c.Pipeline.Steps {
		names[i] = s.Name
	}
	return names
}

// Schema merges configured parameter specs over the built-in ones.
func (c *Config) Schema() domain.Schema {
	schema := domain.DefaultSchema()
	for category, params := range c.Pipeline.Params {
		for key, spec := range params {
			schema[category+"."+key] = spec
		}
	}
	return schema
}

// Base returns the starting configuration for new instances. Configured
// defaults are coerced through the schema.
func (c *Config) Base() (domain.Overrides, error) {
	base := domain.DefaultBase()
	raw := make(map[string]any)
	for category, values := range c.Pipeline.Defaults {
		for key, v := range values {
			raw[category+"."+key] = v
		}
	}
	patch, rejected := c.Schema().Normalize(raw)
	if len(rejected) > 0 {
		return nil, fmt.Errorf("invalid pipeline defaults: %s", strings.Join(rejected, ", "))
	}
	base.Merge(patch)
	return base, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
