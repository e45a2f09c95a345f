package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/artifact"
	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/checks"
	"github.com/lucasnoah/handoff/internal/config"
	"github.com/lucasnoah/handoff/internal/db"
	"github.com/lucasnoah/handoff/internal/deploy"
	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/logging"
	"github.com/lucasnoah/handoff/internal/notify"
	"github.com/lucasnoah/handoff/internal/orchestrator"
	"github.com/lucasnoah/handoff/internal/pipeline"
	"github.com/lucasnoah/handoff/internal/preflight"
	"github.com/lucasnoah/handoff/internal/stage"
)

// app holds every long-lived component of one handoff process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	cat    *catalog.Catalog
	bus    *events.Bus
	store  *pipeline.Store
	orch   *orchestrator.Orchestrator
	engine *stage.Engine
	db     *db.DB

	closers []func()
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// loadCatalog builds the default catalog with the configured overrides and
// validates the configuration against it.
func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat, err := cfg.Catalog(catalog.DefaultDefinitions())
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg, cat); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return cat, nil
}

// newApp wires configuration, storage, the event bus, provider clients, the
// stage engine and the orchestrator. The caller must call close.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, version)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, cat: cat}
	a.closers = append(a.closers, func() { logger.Sync() })
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	a.bus = events.NewBus(a.logger)
	if cfg.Events.RedisAddr != "" {
		client, err := events.NewRedisClient(ctx, cfg.Events.RedisAddr)
		if err != nil {
			a.bus.Close()
			return err
		}
		a.closers = append(a.closers, func() { client.Close() })
		events.NewRedisBridge(client, cfg.Events.ChannelPrefix).Attach(a.bus)
	}
	// Closed before the Redis client so queued events still reach it.
	a.closers = append(a.closers, a.bus.Close)

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	a.store = pipeline.NewStore(a.cat, backend, a.bus, a.logger)

	deployer := deploy.NewClient(deploy.Config{
		BaseURL:   cfg.Deploy.BaseURL,
		Token:     cfg.Deploy.Token,
		RateLimit: cfg.Deploy.RateLimit,
		Burst:     cfg.Deploy.Burst,
		Timeout:   config.ParseDuration(cfg.Deploy.Timeout, 0),
	}, nil, a.logger)
	providers := map[string]orchestrator.Pinger{"deploy": deployer}
	sourceCheck := preflight.NewFSChecker(cfg.Preflight.MaxSizeMB)

	var notifier notify.Notifier = notify.NewLogNotifier(a.logger)
	if cfg.Notifier.Kind == "http" {
		n := notify.NewHTTPNotifier(notify.Config{
			BaseURL: cfg.Notifier.BaseURL,
			Token:   cfg.Notifier.Token,
			Sender:  cfg.Notifier.Sender,
			Timeout: config.ParseDuration(cfg.Notifier.Timeout, 0),
		}, nil, a.logger)
		notifier = n
		providers["notifier"] = n
	}

	checker := checks.NewRunner(nil)
	deps := stage.Deps{
		Checker:   checker,
		Deployer:  deployer,
		Notifier:  notifier,
		Preflight: sourceCheck,
		Instances: a.store,
		Logger:    a.logger,
		Tests: stage.NewE2ERunner(checker, checks.CheckConfig{
			Name:    "e2e",
			Command: cfg.E2E.Command,
			Parser:  cfg.E2E.Parser,
			Timeout: config.ParseDuration(cfg.E2E.Timeout, 0),
		}, cfg.E2E.Dir),
	}
	if a.db != nil {
		deps.Recorder = a.db
	}
	if cfg.Artifacts.Bucket != "" {
		client, err := artifact.NewS3Client(ctx, artifact.S3Config{
			Bucket:   cfg.Artifacts.Bucket,
			Prefix:   cfg.Artifacts.Prefix,
			Region:   cfg.Artifacts.Region,
			Endpoint: cfg.Artifacts.Endpoint,
		})
		if err != nil {
			return err
		}
		deps.Artifacts = artifact.NewUploader(client, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix)
	}

	a.engine = stage.NewEngine(deps, stage.Options{
		Build: checks.CheckConfig{
			Name:    "build",
			Command: cfg.Build.Command,
			Parser:  "generic",
			Timeout: config.ParseDuration(cfg.Build.Timeout, 0),
			Env:     cfg.Build.Env,
		},
		Tests:            testSuite(cfg),
		AcceptanceWindow: config.ParseDuration(cfg.Acceptance.Window, 0),
		PollInterval:     config.ParseDuration(cfg.Acceptance.PollInterval, 0),
		OpsRecipient:     cfg.Notifier.OpsRecipient,
	})

	a.orch = orchestrator.New(a.store, orchestrator.Options{
		Executors:  a.engine.Executors(),
		Retry:      cfg.RetryPolicy(),
		Gate:       cfg.GateThresholds(),
		StrictGate: cfg.Gate.Strict,
		Skip:       cfg.SkippedStages(),
		Deployer:   deployer,
		Providers:  providers,
		Preflight:  sourceCheck,
		LeaseTTL:   config.ParseDuration(cfg.Server.LeaseTTL, 0),
		Logger:     a.logger,
	})
	return nil
}

func (a *app) openBackend(ctx context.Context) (pipeline.Backend, error) {
	switch a.cfg.Storage.Backend {
	case "memory":
		return pipeline.NewMemoryBackend(), nil
	case "postgres":
		d, err := db.Open(ctx, a.cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d.Close)
		if err := d.Migrate(ctx); err != nil {
			return nil, err
		}
		a.db = d
		return db.NewBackend(d), nil
	default:
		return pipeline.NewFileBackend(a.cfg.Storage.Dir)
	}
}

func testSuite(cfg *config.Config) checks.SuiteOpts {
	named := cfg.TestingChecks()
	opts := checks.SuiteOpts{Name: "unit", Continue: cfg.Testing.Continue}
	for _, nc := range named {
		opts.Checks = append(opts.Checks, checks.CheckConfig{
			Name:       nc.Name,
			Command:    nc.Command,
			Parser:     nc.Parser,
			Timeout:    config.ParseDuration(nc.Timeout, 0),
			AutoFix:    nc.AutoFix,
			FixCommand: nc.FixCommand,
		})
	}
	return opts
}

// close shuts the orchestrator down and releases everything in reverse order.
func (a *app) close() {
	if a.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		a.orch.Shutdown(ctx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
