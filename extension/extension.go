// Package extension provides the Forge extension adapter for the credit
// ledger.
//
// It implements the forge.Extension interface to integrate the engine
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/credits"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Prepaid credit ledger with reservations and allowances"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// openTimeout bounds connecting to a configured store.
const openTimeout = 15 * time.Second

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

var validate = validator.New()

// Extension adapts the credit engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config      Config
	engine      *credits.Engine
	store       store.Store
	creditsOpts []credits.Option
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *credits.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration, opens
// the store, builds the engine and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
		defer cancel()
		s, err := openStore(ctx, e.config)
		if err != nil {
			return err
		}
		e.store = s
	}

	e.engine = credits.New(e.store, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*credits.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension]. It migrates the store and starts
// the reconcile loop when configured.
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("credits: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.Logger().Info("credits: engine started",
		forge.F("driver", e.config.Driver),
		forge.F("reconcile_interval", e.config.ReconcileInterval),
	)
	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs credits.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []credits.Option {
	opts := make([]credits.Option, 0, len(e.creditsOpts)+1)
	opts = append(opts, credits.WithConfig(e.config.EngineConfig()))
	return append(opts, e.creditsOpts...)
}

// openStore builds the store selected by cfg.Driver.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case "", DriverMemory:
		return memory.New(), nil
	case DriverPostgres:
		s, err = postgres.Open(ctx, cfg.DSN)
	case DriverSQLite:
		s, err = sqlite.Open(ctx, cfg.DSN)
	case DriverMongo:
		s, err = mongo.Open(ctx, cfg.DSN, cfg.Database)
	default:
		return nil, fmt.Errorf("credits: unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credits: configuration is required but not found in config files; " +
				"ensure 'extensions.credits' or 'credits' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	if err := validate.Struct(e.config); err != nil {
		return fmt.Errorf("credits: invalid extension config: %w", err)
	}
	if e.store == nil && e.config.Driver != DriverMemory && e.config.DSN == "" {
		return fmt.Errorf("credits: driver %q requires a dsn", e.config.Driver)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("driver", e.config.Driver),
		forge.F("reservation_ttl", e.config.ReservationTTL),
		forge.F("reconcile_batch_limit", e.config.ReconcileBatchLimit),
		forge.F("reconcile_older_than", e.config.ReconcileOlderThan),
		forge.F("reconcile_interval", e.config.ReconcileInterval),
		forge.F("webhook_staleness_window", e.config.WebhookStalenessWindow),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.credits", "credits"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Driver == "" {
		cfg.Driver = defaults.Driver
	}
	if cfg.Database == "" {
		cfg.Database = defaults.Database
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = defaults.ReservationTTL
	}
	if cfg.ReconcileBatchLimit == 0 {
		cfg.ReconcileBatchLimit = defaults.ReconcileBatchLimit
	}
	if cfg.ReconcileOlderThan == 0 {
		cfg.ReconcileOlderThan = cfg.ReservationTTL
	}
	if cfg.WebhookStalenessWindow == 0 {
		cfg.WebhookStalenessWindow = defaults.WebhookStalenessWindow
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if yamlConfig.Driver == "" {
		yamlConfig.Driver = programmaticConfig.Driver
	}
	if yamlConfig.DSN == "" {
		yamlConfig.DSN = programmaticConfig.DSN
	}
	if yamlConfig.Database == "" {
		yamlConfig.Database = programmaticConfig.Database
	}
	if yamlConfig.ReservationTTL == 0 {
		yamlConfig.ReservationTTL = programmaticConfig.ReservationTTL
	}
	if yamlConfig.ReconcileBatchLimit == 0 {
		yamlConfig.ReconcileBatchLimit = programmaticConfig.ReconcileBatchLimit
	}
	if yamlConfig.ReconcileOlderThan == 0 {
		yamlConfig.ReconcileOlderThan = programmaticConfig.ReconcileOlderThan
	}
	if yamlConfig.ReconcileInterval == 0 {
		yamlConfig.ReconcileInterval = programmaticConfig.ReconcileInterval
	}
	if yamlConfig.WebhookStalenessWindow == 0 {
		yamlConfig.WebhookStalenessWindow = programmaticConfig.WebhookStalenessWindow
	}

	return mergeWithDefaults(yamlConfig)
}
