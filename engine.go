package credits

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
)

// Engine is the credit ledger. It owns no state of its own besides
// configuration; every balance lives in the injected store.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	config  Config
	now     func() time.Time

	// Background sweeper
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	cancelWorker context.CancelFunc
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
		config:   DefaultConfig(),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}
	e.config = e.config.withDefaults()

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithConfig replaces the configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Start migrates the store, initializes plugins and, when
// ReconcileInterval is positive, starts the reconciliation loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.config.Validate(); err != nil {
		return err
	}
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	if e.config.ReconcileInterval > 0 {
		// The loop outlives the start context; Stop ends it.
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.cancelWorker = cancel
		e.wg.Add(1)
		go e.reconcileWorker(wctx)
	}

	e.logger.Info("credits engine started",
		"reservation_ttl", e.config.ReservationTTL,
		"reconcile_interval", e.config.ReconcileInterval,
		"reconcile_limit", e.config.ReconcileBatchLimit,
		"webhook_staleness", e.config.WebhookStalenessWindow,
		"plugins", e.plugins.Count(),
	)

	return nil
}

// Stop halts the background loop, notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if e.cancelWorker != nil {
			e.cancelWorker()
		}
	})
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// reconcileWorker runs the sweeper on a ticker until Stop.
func (e *Engine) reconcileWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			res, err := e.ReconcileStaleReservations(ctx, ReconcileOpts{})
			if err != nil {
				e.logger.Warn("scheduled reconciliation finished with errors",
					"error", err,
					"released", res.Released,
				)
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Unit of work plumbing
// ──────────────────────────────────────────────────

// effects collects what a unit of work wants to announce. They run only
// after the transaction committed, so a rolled-back attempt (or a retried
// one) never leaks events.
type effects struct {
	ownerID  string
	hooks    []func(ctx context.Context)
	warnings []ConsistencyWarning
}

func (fx *effects) emit(fn func(ctx context.Context)) {
	fx.hooks = append(fx.hooks, fn)
}

func (fx *effects) warn(kind string, expected, actual int64, detail string) {
	fx.warnings = append(fx.warnings, ConsistencyWarning{
		OwnerID:  fx.ownerID,
		Kind:     kind,
		Expected: expected,
		Actual:   actual,
		Detail:   detail,
	})
}

// locked runs fn inside the owner's unit of work and flushes its effects
// once the store reports a commit.
func (e *Engine) locked(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.Tx, fx *effects) error) error {
	var fx *effects
	err := e.store.WithOwnerLock(ctx, ownerID, func(ctx context.Context, tx store.Tx) error {
		fx = &effects{ownerID: ownerID}
		return fn(ctx, tx, fx)
	})
	if err != nil {
		return err
	}
	e.flush(ctx, fx)
	return nil
}

func (e *Engine) flush(ctx context.Context, fx *effects) {
	if fx == nil {
		return
	}
	for _, w := range fx.warnings {
		e.logger.Warn("credit ledger consistency warning",
			"owner_id", w.OwnerID,
			"kind", w.Kind,
			"expected", w.Expected,
			"actual", w.Actual,
			"detail", w.Detail,
		)
		e.plugins.EmitConsistencyWarning(ctx, w.OwnerID, w.Kind, w)
	}
	for _, hook := range fx.hooks {
		hook(ctx)
	}
}
