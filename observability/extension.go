// Package observability provides a metrics extension for the credit ledger
// that records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnCreditsAdded         = (*MetricsExtension)(nil)
	_ plugin.OnCreditsDebited       = (*MetricsExtension)(nil)
	_ plugin.OnReservationCreated   = (*MetricsExtension)(nil)
	_ plugin.OnReservationCommitted = (*MetricsExtension)(nil)
	_ plugin.OnReservationReleased  = (*MetricsExtension)(nil)
	_ plugin.OnReservationsExpired  = (*MetricsExtension)(nil)
	_ plugin.OnReconcileCompleted   = (*MetricsExtension)(nil)
	_ plugin.OnPaymentRecorded      = (*MetricsExtension)(nil)
	_ plugin.OnWebhookProcessed     = (*MetricsExtension)(nil)
	_ plugin.OnWebhookDuplicate     = (*MetricsExtension)(nil)
	_ plugin.OnWebhookFailed        = (*MetricsExtension)(nil)
	_ plugin.OnWebhookStale         = (*MetricsExtension)(nil)
	_ plugin.OnConsistencyWarning   = (*MetricsExtension)(nil)
	_ plugin.OnCleanupFailed        = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records ledger lifecycle metrics. Register it as a
// plugin on the engine.
type MetricsExtension struct {
	// Wallet metrics
	CreditsAdded   Counter
	CreditsDebited Counter

	// Reservation metrics
	ReservationsCreated   Counter
	ReservationsCommitted Counter
	ReservationsReleased  Counter
	ReservationsExpired   Counter
	AllowanceConsumed     Counter
	CreditsConsumed       Counter

	// Reconcile metrics
	ReconcileRuns     Counter
	ReconcileFailures Counter
	ReconcileLatency  Histogram

	// Billing metrics
	PurchasesRecorded Counter
	InvoicesRecorded  Counter
	RefundsRecorded   Counter

	// Webhook metrics
	WebhookProcessed Counter
	WebhookUnmatched Counter
	WebhookDuplicate Counter
	WebhookFailed    Counter
	WebhookStale     Counter

	// Health metrics
	ConsistencyWarnings Counter
	CleanupFailures     Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided
// MetricFactory. Use NewPrometheusFactory for a Prometheus registry or
// app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		CreditsAdded:   factory.Counter("credits.wallet.added"),
		CreditsDebited: factory.Counter("credits.wallet.debited"),

		ReservationsCreated:   factory.Counter("credits.reservation.created"),
		ReservationsCommitted: factory.Counter("credits.reservation.committed"),
		ReservationsReleased:  factory.Counter("credits.reservation.released"),
		ReservationsExpired:   factory.Counter("credits.reservation.expired"),
		AllowanceConsumed:     factory.Counter("credits.allowance.consumed"),
		CreditsConsumed:       factory.Counter("credits.wallet.consumed"),

		ReconcileRuns:     factory.Counter("credits.reconcile.runs"),
		ReconcileFailures: factory.Counter("credits.reconcile.failures"),
		ReconcileLatency:  factory.Histogram("credits.reconcile.latency_ms"),

		PurchasesRecorded: factory.Counter("credits.billing.purchases"),
		InvoicesRecorded:  factory.Counter("credits.billing.invoices"),
		RefundsRecorded:   factory.Counter("credits.billing.refunds"),

		WebhookProcessed: factory.Counter("credits.webhook.processed"),
		WebhookUnmatched: factory.Counter("credits.webhook.unmatched"),
		WebhookDuplicate: factory.Counter("credits.webhook.duplicate"),
		WebhookFailed:    factory.Counter("credits.webhook.failed"),
		WebhookStale:     factory.Counter("credits.webhook.stale"),

		ConsistencyWarnings: factory.Counter("credits.consistency.warnings"),
		CleanupFailures:     factory.Counter("credits.cleanup.failures"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnCreditsAdded implements plugin.OnCreditsAdded.
func (m *MetricsExtension) OnCreditsAdded(_ context.Context, entry *wallet.Entry) error {
	m.CreditsAdded.Add(float64(entry.Amount))
	return nil
}

// OnCreditsDebited implements plugin.OnCreditsDebited.
func (m *MetricsExtension) OnCreditsDebited(_ context.Context, entry *wallet.Entry) error {
	m.CreditsDebited.Add(float64(entry.Amount))
	return nil
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReservationCreated implements plugin.OnReservationCreated.
func (m *MetricsExtension) OnReservationCreated(_ context.Context, _ *reservation.Reservation) error {
	m.ReservationsCreated.Inc()
	return nil
}

// OnReservationCommitted implements plugin.OnReservationCommitted.
func (m *MetricsExtension) OnReservationCommitted(_ context.Context, _ *reservation.Reservation, charge *billing.MessageCharge) error {
	m.ReservationsCommitted.Inc()
	if charge != nil {
		m.AllowanceConsumed.Add(float64(charge.UsedAllowance))
		m.CreditsConsumed.Add(float64(charge.DebitedCredits))
	}
	return nil
}

// OnReservationReleased implements plugin.OnReservationReleased.
func (m *MetricsExtension) OnReservationReleased(_ context.Context, _ *reservation.Reservation) error {
	m.ReservationsReleased.Inc()
	return nil
}

// OnReservationsExpired implements plugin.OnReservationsExpired.
func (m *MetricsExtension) OnReservationsExpired(_ context.Context, _ string, expired []*reservation.Reservation) error {
	m.ReservationsExpired.Add(float64(len(expired)))
	return nil
}

// OnReconcileCompleted implements plugin.OnReconcileCompleted.
func (m *MetricsExtension) OnReconcileCompleted(_ context.Context, _, _, failed int, elapsed time.Duration) error {
	m.ReconcileRuns.Inc()
	if failed > 0 {
		m.ReconcileFailures.Add(float64(failed))
	}
	m.ReconcileLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnPaymentRecorded implements plugin.OnPaymentRecorded.
func (m *MetricsExtension) OnPaymentRecorded(_ context.Context, txn *billing.Transaction) error {
	switch txn.Kind {
	case billing.KindPurchase:
		m.PurchasesRecorded.Inc()
	case billing.KindSubscriptionInvoice:
		m.InvoicesRecorded.Inc()
	case billing.KindRefund:
		m.RefundsRecorded.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (m *MetricsExtension) OnWebhookProcessed(_ context.Context, evt *webhook.Event) error {
	if evt.Status == webhook.StatusUnmatched {
		m.WebhookUnmatched.Inc()
		return nil
	}
	m.WebhookProcessed.Inc()
	return nil
}

// OnWebhookDuplicate implements plugin.OnWebhookDuplicate.
func (m *MetricsExtension) OnWebhookDuplicate(_ context.Context, _, _ string) error {
	m.WebhookDuplicate.Inc()
	return nil
}

// OnWebhookFailed implements plugin.OnWebhookFailed.
func (m *MetricsExtension) OnWebhookFailed(_ context.Context, _ *webhook.Event, _ error) error {
	m.WebhookFailed.Inc()
	return nil
}

// OnWebhookStale implements plugin.OnWebhookStale.
func (m *MetricsExtension) OnWebhookStale(_ context.Context, _, _ string, _ time.Duration) error {
	m.WebhookStale.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Health hooks
// ──────────────────────────────────────────────────

// OnConsistencyWarning implements plugin.OnConsistencyWarning.
func (m *MetricsExtension) OnConsistencyWarning(_ context.Context, _, _ string, _ error) error {
	m.ConsistencyWarnings.Inc()
	return nil
}

// OnCleanupFailed implements plugin.OnCleanupFailed.
func (m *MetricsExtension) OnCleanupFailed(_ context.Context, _ string, _ error) error {
	m.CleanupFailures.Inc()
	return nil
}
