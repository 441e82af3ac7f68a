package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and dispatches hooks to the
// plugins that implement them. Hook lists are cached at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onCreditsAdded         []OnCreditsAdded
	onCreditsDebited       []OnCreditsDebited
	onReservationCreated   []OnReservationCreated
	onReservationCommitted []OnReservationCommitted
	onReservationReleased  []OnReservationReleased
	onReservationsExpired  []OnReservationsExpired
	onReconcileCompleted   []OnReconcileCompleted
	onMessageBilled        []OnMessageBilled
	onPaymentRecorded      []OnPaymentRecorded
	onAllowanceReset       []OnAllowanceReset
	onSubscriptionChanged  []OnSubscriptionChanged
	onWebhookProcessed     []OnWebhookProcessed
	onWebhookDuplicate     []OnWebhookDuplicate
	onWebhookFailed        []OnWebhookFailed
	onWebhookStale         []OnWebhookStale
	onConsistencyWarning   []OnConsistencyWarning
	onCleanupFailed        []OnCleanupFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its hook interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	cache := func(ok bool, name string, add func()) {
		if ok {
			add()
			hooks = append(hooks, name)
		}
	}

	v1, ok := p.(OnInit)
	cache(ok, "OnInit", func() { r.onInit = append(r.onInit, v1) })
	v2, ok := p.(OnShutdown)
	cache(ok, "OnShutdown", func() { r.onShutdown = append(r.onShutdown, v2) })
	v3, ok := p.(OnCreditsAdded)
	cache(ok, "OnCreditsAdded", func() { r.onCreditsAdded = append(r.onCreditsAdded, v3) })
	v4, ok := p.(OnCreditsDebited)
	cache(ok, "OnCreditsDebited", func() { r.onCreditsDebited = append(r.onCreditsDebited, v4) })
	v5, ok := p.(OnReservationCreated)
	cache(ok, "OnReservationCreated", func() { r.onReservationCreated = append(r.onReservationCreated, v5) })
	v6, ok := p.(OnReservationCommitted)
	cache(ok, "OnReservationCommitted", func() { r.onReservationCommitted = append(r.onReservationCommitted, v6) })
	v7, ok := p.(OnReservationReleased)
	cache(ok, "OnReservationReleased", func() { r.onReservationReleased = append(r.onReservationReleased, v7) })
	v8, ok := p.(OnReservationsExpired)
	cache(ok, "OnReservationsExpired", func() { r.onReservationsExpired = append(r.onReservationsExpired, v8) })
	v9, ok := p.(OnReconcileCompleted)
	cache(ok, "OnReconcileCompleted", func() { r.onReconcileCompleted = append(r.onReconcileCompleted, v9) })
	v10, ok := p.(OnMessageBilled)
	cache(ok, "OnMessageBilled", func() { r.onMessageBilled = append(r.onMessageBilled, v10) })
	v11, ok := p.(OnPaymentRecorded)
	cache(ok, "OnPaymentRecorded", func() { r.onPaymentRecorded = append(r.onPaymentRecorded, v11) })
	v12, ok := p.(OnAllowanceReset)
	cache(ok, "OnAllowanceReset", func() { r.onAllowanceReset = append(r.onAllowanceReset, v12) })
	v13, ok := p.(OnSubscriptionChanged)
	cache(ok, "OnSubscriptionChanged", func() { r.onSubscriptionChanged = append(r.onSubscriptionChanged, v13) })
	v14, ok := p.(OnWebhookProcessed)
	cache(ok, "OnWebhookProcessed", func() { r.onWebhookProcessed = append(r.onWebhookProcessed, v14) })
	v15, ok := p.(OnWebhookDuplicate)
	cache(ok, "OnWebhookDuplicate", func() { r.onWebhookDuplicate = append(r.onWebhookDuplicate, v15) })
	v16, ok := p.(OnWebhookFailed)
	cache(ok, "OnWebhookFailed", func() { r.onWebhookFailed = append(r.onWebhookFailed, v16) })
	v17, ok := p.(OnWebhookStale)
	cache(ok, "OnWebhookStale", func() { r.onWebhookStale = append(r.onWebhookStale, v17) })
	v18, ok := p.(OnConsistencyWarning)
	cache(ok, "OnConsistencyWarning", func() { r.onConsistencyWarning = append(r.onConsistencyWarning, v18) })
	v19, ok := p.(OnCleanupFailed)
	cache(ok, "OnCleanupFailed", func() { r.onCleanupFailed = append(r.onCleanupFailed, v19) })

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for every plugin in the snapshot returned by list. Hook
// errors and timeouts are logged and never propagate.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list func() []T, fn func(T) error) {
	r.mu.RLock()
	plugins := list()
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", func() []OnInit { return r.onInit }, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", func() []OnShutdown { return r.onShutdown }, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitCreditsAdded(ctx context.Context, entry *wallet.Entry) {
	emit(ctx, r, "OnCreditsAdded", func() []OnCreditsAdded { return r.onCreditsAdded }, func(p OnCreditsAdded) error {
		return p.OnCreditsAdded(ctx, entry)
	})
}

func (r *Registry) EmitCreditsDebited(ctx context.Context, entry *wallet.Entry) {
	emit(ctx, r, "OnCreditsDebited", func() []OnCreditsDebited { return r.onCreditsDebited }, func(p OnCreditsDebited) error {
		return p.OnCreditsDebited(ctx, entry)
	})
}

func (r *Registry) EmitReservationCreated(ctx context.Context, rsv *reservation.Reservation) {
	emit(ctx, r, "OnReservationCreated", func() []OnReservationCreated { return r.onReservationCreated }, func(p OnReservationCreated) error {
		return p.OnReservationCreated(ctx, rsv)
	})
}

func (r *Registry) EmitReservationCommitted(ctx context.Context, rsv *reservation.Reservation, charge *billing.MessageCharge) {
	emit(ctx, r, "OnReservationCommitted", func() []OnReservationCommitted { return r.onReservationCommitted }, func(p OnReservationCommitted) error {
		return p.OnReservationCommitted(ctx, rsv, charge)
	})
}

func (r *Registry) EmitReservationReleased(ctx context.Context, rsv *reservation.Reservation) {
	emit(ctx, r, "OnReservationReleased", func() []OnReservationReleased { return r.onReservationReleased }, func(p OnReservationReleased) error {
		return p.OnReservationReleased(ctx, rsv)
	})
}

func (r *Registry) EmitReservationsExpired(ctx context.Context, ownerID string, expired []*reservation.Reservation) {
	emit(ctx, r, "OnReservationsExpired", func() []OnReservationsExpired { return r.onReservationsExpired }, func(p OnReservationsExpired) error {
		return p.OnReservationsExpired(ctx, ownerID, expired)
	})
}

func (r *Registry) EmitReconcileCompleted(ctx context.Context, released, owners, failed int, elapsed time.Duration) {
	emit(ctx, r, "OnReconcileCompleted", func() []OnReconcileCompleted { return r.onReconcileCompleted }, func(p OnReconcileCompleted) error {
		return p.OnReconcileCompleted(ctx, released, owners, failed, elapsed)
	})
}

func (r *Registry) EmitMessageBilled(ctx context.Context, charge *billing.MessageCharge) {
	emit(ctx, r, "OnMessageBilled", func() []OnMessageBilled { return r.onMessageBilled }, func(p OnMessageBilled) error {
		return p.OnMessageBilled(ctx, charge)
	})
}

func (r *Registry) EmitPaymentRecorded(ctx context.Context, txn *billing.Transaction) {
	emit(ctx, r, "OnPaymentRecorded", func() []OnPaymentRecorded { return r.onPaymentRecorded }, func(p OnPaymentRecorded) error {
		return p.OnPaymentRecorded(ctx, txn)
	})
}

func (r *Registry) EmitAllowanceReset(ctx context.Context, a *allowance.Allowance) {
	emit(ctx, r, "OnAllowanceReset", func() []OnAllowanceReset { return r.onAllowanceReset }, func(p OnAllowanceReset) error {
		return p.OnAllowanceReset(ctx, a)
	})
}

func (r *Registry) EmitSubscriptionChanged(ctx context.Context, a *allowance.Allowance) {
	emit(ctx, r, "OnSubscriptionChanged", func() []OnSubscriptionChanged { return r.onSubscriptionChanged }, func(p OnSubscriptionChanged) error {
		return p.OnSubscriptionChanged(ctx, a)
	})
}

func (r *Registry) EmitWebhookProcessed(ctx context.Context, evt *webhook.Event) {
	emit(ctx, r, "OnWebhookProcessed", func() []OnWebhookProcessed { return r.onWebhookProcessed }, func(p OnWebhookProcessed) error {
		return p.OnWebhookProcessed(ctx, evt)
	})
}

func (r *Registry) EmitWebhookDuplicate(ctx context.Context, provider, eventID string) {
	emit(ctx, r, "OnWebhookDuplicate", func() []OnWebhookDuplicate { return r.onWebhookDuplicate }, func(p OnWebhookDuplicate) error {
		return p.OnWebhookDuplicate(ctx, provider, eventID)
	})
}

func (r *Registry) EmitWebhookFailed(ctx context.Context, evt *webhook.Event, err error) {
	emit(ctx, r, "OnWebhookFailed", func() []OnWebhookFailed { return r.onWebhookFailed }, func(p OnWebhookFailed) error {
		return p.OnWebhookFailed(ctx, evt, err)
	})
}

func (r *Registry) EmitWebhookStale(ctx context.Context, provider, eventID string, age time.Duration) {
	emit(ctx, r, "OnWebhookStale", func() []OnWebhookStale { return r.onWebhookStale }, func(p OnWebhookStale) error {
		return p.OnWebhookStale(ctx, provider, eventID, age)
	})
}

func (r *Registry) EmitConsistencyWarning(ctx context.Context, ownerID, kind string, warning error) {
	emit(ctx, r, "OnConsistencyWarning", func() []OnConsistencyWarning { return r.onConsistencyWarning }, func(p OnConsistencyWarning) error {
		return p.OnConsistencyWarning(ctx, ownerID, kind, warning)
	})
}

func (r *Registry) EmitCleanupFailed(ctx context.Context, op string, err error) {
	emit(ctx, r, "OnCleanupFailed", func() []OnCleanupFailed { return r.onCleanupFailed }, func(p OnCleanupFailed) error {
		return p.OnCleanupFailed(ctx, op, err)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the credit pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
