package credits

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment variables read by LoadConfig. Durations are whole minutes.
const (
	EnvReservationTTL         = "CREDIT_RESERVATION_TTL_MINUTES"
	EnvReconcileLimit         = "CREDIT_RESERVATION_RECONCILE_LIMIT"
	EnvReconcileOlderThan     = "CREDIT_RESERVATION_RECONCILE_OLDER_THAN_MINUTES"
	EnvReconcileInterval      = "CREDIT_RESERVATION_RECONCILE_INTERVAL_MINUTES"
	EnvWebhookStalenessWindow = "WEBHOOK_STALENESS_MINUTES"
)

// Config holds the engine's tunables.
type Config struct {
	// ReservationTTL bounds how long a hold may stay reserved. It also
	// seeds ReconcileOlderThan when that is unset.
	ReservationTTL time.Duration `json:"reservation_ttl" mapstructure:"reservation_ttl" yaml:"reservation_ttl" validate:"gt=0"`

	// ReconcileBatchLimit caps the stale rows one sweep reclaims.
	ReconcileBatchLimit int `json:"reconcile_batch_limit" mapstructure:"reconcile_batch_limit" yaml:"reconcile_batch_limit" validate:"gt=0"`

	// ReconcileOlderThan is the age after which a hold without an explicit
	// expiry is stale.
	ReconcileOlderThan time.Duration `json:"reconcile_older_than" mapstructure:"reconcile_older_than" yaml:"reconcile_older_than" validate:"gt=0"`

	// ReconcileInterval runs the sweeper inside Start when positive.
	// Zero leaves scheduling to the host.
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"gte=0"`

	// WebhookStalenessWindow rejects provider events older than this.
	WebhookStalenessWindow time.Duration `json:"webhook_staleness_window" mapstructure:"webhook_staleness_window" yaml:"webhook_staleness_window" validate:"gt=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ReservationTTL:         24 * time.Hour,
		ReconcileBatchLimit:    500,
		ReconcileOlderThan:     24 * time.Hour,
		ReconcileInterval:      0,
		WebhookStalenessWindow: 5 * time.Minute,
	}
}

var validate = validator.New()

// Validate checks the configuration and reports the first bad field.
func (c Config) Validate() error {
	return validationError(validate.Struct(c))
}

// validationError converts validator failures into a ValidationError.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param()),
		}
	}
	return ValidationError{Field: "input", Message: err.Error()}
}

// LoadConfig builds a Config from DefaultConfig, then the given .env files,
// then the process environment. Later sources win. Missing env files are
// skipped.
func LoadConfig(envFiles ...string) (Config, error) {
	values := make(map[string]string)
	for _, file := range envFiles {
		m, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("credits: read %s: %w", file, err)
		}
		for k, v := range m {
			values[k] = v
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
		v, ok := values[key]
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	cfg := DefaultConfig()

	minutes := func(key string, dst *time.Duration) (bool, error) {
		raw, ok := lookup(key)
		if !ok {
			return false, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return false, ValidationError{Field: key, Message: fmt.Sprintf("not a whole number of minutes: %q", raw)}
		}
		*dst = time.Duration(n) * time.Minute
		return true, nil
	}

	if _, err := minutes(EnvReservationTTL, &cfg.ReservationTTL); err != nil {
		return Config{}, err
	}
	olderThanSet, err := minutes(EnvReconcileOlderThan, &cfg.ReconcileOlderThan)
	if err != nil {
		return Config{}, err
	}
	if _, err := minutes(EnvReconcileInterval, &cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}
	if _, err := minutes(EnvWebhookStalenessWindow, &cfg.WebhookStalenessWindow); err != nil {
		return Config{}, err
	}
	if raw, ok := lookup(EnvReconcileLimit); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, ValidationError{Field: EnvReconcileLimit, Message: fmt.Sprintf("not an integer: %q", raw)}
		}
		cfg.ReconcileBatchLimit = n
	}
	if !olderThanSet {
		cfg.ReconcileOlderThan = cfg.ReservationTTL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = def.ReservationTTL
	}
	if c.ReconcileBatchLimit <= 0 {
		c.ReconcileBatchLimit = def.ReconcileBatchLimit
	}
	if c.ReconcileOlderThan <= 0 {
		c.ReconcileOlderThan = c.ReservationTTL
	}
	if c.ReconcileInterval < 0 {
		c.ReconcileInterval = 0
	}
	if c.WebhookStalenessWindow <= 0 {
		c.WebhookStalenessWindow = def.WebhookStalenessWindow
	}
	return c
}
