package extension

import (
	"time"

	"github.com/xraph/credits"
)

// Store drivers understood by Config.Driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// Driver selects the store backend when none was set with WithStore
	// (default: "memory").
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=memory postgres sqlite mongo"`

	// DSN is the connection string: a postgres URL, a sqlite file path or
	// a mongo URI.
	DSN string `json:"dsn" mapstructure:"dsn" yaml:"dsn"`

	// Database is the mongo database name (default: "credits").
	Database string `json:"database" mapstructure:"database" yaml:"database"`

	// ReservationTTL bounds how long a hold stays reserved (default: 24h).
	ReservationTTL time.Duration `json:"reservation_ttl" mapstructure:"reservation_ttl" yaml:"reservation_ttl"`

	// ReconcileBatchLimit caps the rows one sweep reclaims (default: 500).
	ReconcileBatchLimit int `json:"reconcile_batch_limit" mapstructure:"reconcile_batch_limit" yaml:"reconcile_batch_limit"`

	// ReconcileOlderThan is the staleness age for holds without an expiry
	// (default: ReservationTTL).
	ReconcileOlderThan time.Duration `json:"reconcile_older_than" mapstructure:"reconcile_older_than" yaml:"reconcile_older_than"`

	// ReconcileInterval runs the sweeper inside the app when positive.
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval" yaml:"reconcile_interval"`

	// WebhookStalenessWindow rejects provider events older than this
	// (default: 5m).
	WebhookStalenessWindow time.Duration `json:"webhook_staleness_window" mapstructure:"webhook_staleness_window" yaml:"webhook_staleness_window"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	d := credits.DefaultConfig()
	return Config{
		Driver:                 DriverMemory,
		Database:               "credits",
		ReservationTTL:         d.ReservationTTL,
		ReconcileBatchLimit:    d.ReconcileBatchLimit,
		ReconcileOlderThan:     d.ReconcileOlderThan,
		ReconcileInterval:      d.ReconcileInterval,
		WebhookStalenessWindow: d.WebhookStalenessWindow,
	}
}

// EngineConfig returns the engine configuration carried by c.
func (c Config) EngineConfig() credits.Config {
	return credits.Config{
		ReservationTTL:         c.ReservationTTL,
		ReconcileBatchLimit:    c.ReconcileBatchLimit,
		ReconcileOlderThan:     c.ReconcileOlderThan,
		ReconcileInterval:      c.ReconcileInterval,
		WebhookStalenessWindow: c.WebhookStalenessWindow,
	}
}
