package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/gate"
	"github.com/lucasnoah/handoff/internal/retry"
)

// Load reads and parses the configuration at path, then applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault loads the first config found in ./handoff.yaml or
// ~/.handoff/config.yaml. Without either, the built-in defaults are used.
func LoadDefault() (*Config, error) {
	candidates := []string{"handoff.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".handoff", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HANDOFF_DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = "postgres"
		}
	}
	if v := os.Getenv("HANDOFF_REDIS_ADDR"); v != "" {
		cfg.Events.RedisAddr = v
	}
	if v := os.Getenv("HANDOFF_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HANDOFF_DEPLOY_URL"); v != "" {
		cfg.Deploy.BaseURL = v
	}
	if v := os.Getenv("HANDOFF_DEPLOY_TOKEN"); v != "" {
		cfg.Deploy.Token = v
	}
	if v := os.Getenv("HANDOFF_NOTIFIER_TOKEN"); v != "" {
		cfg.Notifier.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Backend == "file" && cfg.Storage.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.Dir = filepath.Join(home, ".handoff", "pipelines")
		}
	}

	if cfg.Retry.BaseDelay == "" {
		cfg.Retry.BaseDelay = retry.DefaultBaseDelay.String()
	}
	if cfg.Retry.MaxDelay == "" {
		cfg.Retry.MaxDelay = retry.DefaultMaxDelay.String()
	}

	defaults := gate.DefaultThresholds()
	if cfg.Gate.PassRate == 0 {
		cfg.Gate.PassRate = defaults.PassRate
	}
	if cfg.Gate.WarnRate == 0 {
		cfg.Gate.WarnRate = defaults.WarnRate
	}
	if cfg.Gate.MaxCriticalWarn == 0 {
		cfg.Gate.MaxCriticalWarn = defaults.MaxCriticalWarn
	}

	if cfg.Acceptance.Window == "" {
		cfg.Acceptance.Window = "72h"
	}
	if cfg.Acceptance.PollInterval == "" {
		cfg.Acceptance.PollInterval = "30s"
	}

	if cfg.Build.Command == "" {
		cfg.Build.Command = "npm run build"
	}
	if cfg.Checks == nil {
		cfg.Checks = map[string]Check{}
	}
	if len(cfg.Testing.Checks) == 0 {
		if _, ok := cfg.Checks["unit"]; !ok {
			cfg.Checks["unit"] = Check{Command: "npx vitest run --reporter=json", Parser: "vitest", Timeout: "10m"}
		}
		cfg.Testing.Checks = []string{"unit"}
	}
	for name, c := range cfg.Checks {
		if c.Parser == "" {
			c.Parser = "generic"
			cfg.Checks[name] = c
		}
	}

	if cfg.E2E.Command == "" {
		cfg.E2E.Command = "npx playwright test --reporter=json"
	}
	if cfg.E2E.Parser == "" {
		cfg.E2E.Parser = "playwright"
	}
	if cfg.E2E.Timeout == "" {
		cfg.E2E.Timeout = "15m"
	}

	if cfg.Deploy.RateLimit == 0 {
		cfg.Deploy.RateLimit = 5
	}
	if cfg.Deploy.Burst == 0 {
		cfg.Deploy.Burst = 10
	}
	if cfg.Deploy.Timeout == "" {
		cfg.Deploy.Timeout = "30s"
	}

	if cfg.Notifier.Kind == "" {
		cfg.Notifier.Kind = "log"
		if cfg.Notifier.BaseURL != "" {
			cfg.Notifier.Kind = "http"
		}
	}
	if cfg.Notifier.Sender == "" {
		cfg.Notifier.Sender = "delivery@handoff.local"
	}
	if cfg.Notifier.Timeout == "" {
		cfg.Notifier.Timeout = "10s"
	}

	if cfg.Preflight.MaxSizeMB == 0 {
		cfg.Preflight.MaxSizeMB = 200
	}
	if cfg.Artifacts.Prefix == "" {
		cfg.Artifacts.Prefix = "sources"
	}
	if cfg.Events.ChannelPrefix == "" {
		cfg.Events.ChannelPrefix = "handoff:events"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.LeaseTTL == "" {
		cfg.Server.LeaseTTL = "30s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ParseDuration parses s, returning def when s is empty or invalid. Validate
// reports invalid values, so callers past validation never see def used for
// a typo.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay: ParseDuration(c.Retry.BaseDelay, retry.DefaultBaseDelay),
		MaxDelay:  ParseDuration(c.Retry.MaxDelay, retry.DefaultMaxDelay),
	}
}

// GateThresholds returns the configured quality gate thresholds.
func (c *Config) GateThresholds() gate.Thresholds {
	return gate.Thresholds{
		PassRate:        c.Gate.PassRate,
		WarnRate:        c.Gate.WarnRate,
		MaxCriticalWarn: c.Gate.MaxCriticalWarn,
	}
}

// Catalog applies the configured retry count and per-stage overrides to defs
// and builds the catalog. When retry.max_retries is set, every stage that
// allows retries gets it unless the stage overrides it.
func (c *Config) Catalog(defs []catalog.StageDefinition) (*catalog.Catalog, error) {
	out := make([]catalog.StageDefinition, len(defs))
	for i, d := range defs {
		if d.CanRetry && c.Retry.MaxRetries != nil {
			d.MaxRetries = *c.Retry.MaxRetries
		}
		if o, ok := c.Stages[string(d.ID)]; ok {
			d.Timeout = ParseDuration(o.Timeout, d.Timeout)
			if o.MaxRetries != nil {
				d.MaxRetries = *o.MaxRetries
			}
		}
		out[i] = d
	}
	return catalog.New(out)
}

// SkippedStages returns the stages configured with skip: true.
func (c *Config) SkippedStages() []catalog.StageID {
	var out []catalog.StageID
	for id, o := range c.Stages {
		if o.Skip {
			out = append(out, catalog.StageID(id))
		}
	}
	return out
}

// TestingChecks resolves the testing stage's check names.
func (c *Config) TestingChecks() []NamedCheck {
	out := make([]NamedCheck, 0, len(c.Testing.Checks))
	for _, name := range c.Testing.Checks {
		if chk, ok := c.Checks[name]; ok {
			out = append(out, NamedCheck{Name: name, Check: chk})
		}
	}
	return out
}

// NamedCheck pairs a check with its name.
type NamedCheck struct {
	Name string
	Check
}
