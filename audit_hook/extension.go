// Package audithook bridges credit ledger events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import any
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnCreditsAdded        = (*Extension)(nil)
	_ plugin.OnCreditsDebited      = (*Extension)(nil)
	_ plugin.OnReservationsExpired = (*Extension)(nil)
	_ plugin.OnReconcileCompleted  = (*Extension)(nil)
	_ plugin.OnPaymentRecorded     = (*Extension)(nil)
	_ plugin.OnAllowanceReset      = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged = (*Extension)(nil)
	_ plugin.OnWebhookProcessed    = (*Extension)(nil)
	_ plugin.OnWebhookFailed       = (*Extension)(nil)
	_ plugin.OnWebhookStale        = (*Extension)(nil)
	_ plugin.OnConsistencyWarning  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit record.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnCreditsAdded implements plugin.OnCreditsAdded.
func (e *Extension) OnCreditsAdded(ctx context.Context, entry *wallet.Entry) error {
	return e.record(ctx, ActionCreditsAdded, SeverityInfo, OutcomeSuccess,
		ResourceWallet, entry.ID.String(), entry.OwnerID, CategoryBilling, nil,
		"amount", entry.Amount,
		"balance_after", entry.BalanceAfter,
		"reason", entry.Meta.Reason,
		"transaction_ref", entry.Meta.TransactionRef,
	)
}

// OnCreditsDebited implements plugin.OnCreditsDebited. Per-message debits
// are high volume; disable ActionCreditsDebited to skip them.
func (e *Extension) OnCreditsDebited(ctx context.Context, entry *wallet.Entry) error {
	return e.record(ctx, ActionCreditsDebited, SeverityInfo, OutcomeSuccess,
		ResourceWallet, entry.ID.String(), entry.OwnerID, CategoryBilling, nil,
		"amount", entry.Amount,
		"balance_after", entry.BalanceAfter,
		"reason", entry.Meta.Reason,
		"message_id", entry.Meta.MessageID,
	)
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReservationsExpired implements plugin.OnReservationsExpired.
func (e *Extension) OnReservationsExpired(ctx context.Context, ownerID string, expired []*reservation.Reservation) error {
	var total int64
	ids := make([]string, 0, len(expired))
	for _, r := range expired {
		total += r.Amount
		ids = append(ids, r.ID.String())
	}
	return e.record(ctx, ActionReservationsExpired, SeverityInfo, OutcomeSuccess,
		ResourceReservation, "", ownerID, CategoryBilling, nil,
		"count", len(expired),
		"amount", total,
		"reservation_ids", ids,
	)
}

// OnReconcileCompleted implements plugin.OnReconcileCompleted. Only sweeps
// with failed owners are audited.
func (e *Extension) OnReconcileCompleted(ctx context.Context, released, owners, failed int, elapsed time.Duration) error {
	if failed == 0 {
		return nil
	}
	return e.record(ctx, ActionReconcileCompleted, SeverityWarning, OutcomePartial,
		ResourceReservation, "", "", CategoryIntegrity, nil,
		"released", released,
		"owners", owners,
		"failed", failed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnPaymentRecorded implements plugin.OnPaymentRecorded.
func (e *Extension) OnPaymentRecorded(ctx context.Context, txn *billing.Transaction) error {
	action := ActionPaymentRecorded
	switch txn.Kind {
	case billing.KindRefund:
		action = ActionRefundRecorded
	case billing.KindSubscriptionInvoice:
		action = ActionInvoiceRecorded
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), txn.OwnerID, CategoryPayment, nil,
		"provider", txn.Provider,
		"external_ref", txn.ExternalRef,
		"credits", txn.Credits,
		"amount", txn.Amount.String(),
		"original_ref", txn.Meta.OriginalRef,
	)
}

// ──────────────────────────────────────────────────
// Allowance hooks
// ──────────────────────────────────────────────────

// OnAllowanceReset implements plugin.OnAllowanceReset.
func (e *Extension) OnAllowanceReset(ctx context.Context, a *allowance.Allowance) error {
	return e.record(ctx, ActionAllowanceReset, SeverityInfo, OutcomeSuccess,
		ResourceAllowance, a.SubscriptionID, a.OwnerID, CategorySubscription, nil,
		"included_per_period", a.IncludedPerPeriod,
		"reset_ref", a.LastResetRef,
	)
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (e *Extension) OnSubscriptionChanged(ctx context.Context, a *allowance.Allowance) error {
	action := ActionSubscriptionActivated
	if a.Status != allowance.StatusActive {
		action = ActionSubscriptionEnded
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceAllowance, a.SubscriptionID, a.OwnerID, CategorySubscription, nil,
		"status", string(a.Status),
		"plan_type", a.PlanType,
		"included_per_period", a.IncludedPerPeriod,
	)
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (e *Extension) OnWebhookProcessed(ctx context.Context, evt *webhook.Event) error {
	action, severity := ActionWebhookProcessed, SeverityInfo
	if evt.Status == webhook.StatusUnmatched {
		action, severity = ActionWebhookUnmatched, SeverityWarning
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceWebhook, evt.EventID, evt.OwnerID, CategoryIntegration, nil,
		"provider", evt.Provider,
		"event_type", evt.EventType,
		"customer_id", evt.Meta.CustomerID,
	)
}

// OnWebhookFailed implements plugin.OnWebhookFailed.
func (e *Extension) OnWebhookFailed(ctx context.Context, evt *webhook.Event, err error) error {
	return e.record(ctx, ActionWebhookFailed, SeverityError, OutcomeFailure,
		ResourceWebhook, evt.EventID, evt.OwnerID, CategoryIntegration, err,
		"provider", evt.Provider,
		"event_type", evt.EventType,
	)
}

// OnWebhookStale implements plugin.OnWebhookStale.
func (e *Extension) OnWebhookStale(ctx context.Context, provider, eventID string, age time.Duration) error {
	return e.record(ctx, ActionWebhookStale, SeverityWarning, OutcomeFailure,
		ResourceWebhook, eventID, "", CategoryIntegration, nil,
		"provider", provider,
		"age_seconds", int64(age.Seconds()),
	)
}

// ──────────────────────────────────────────────────
// Health hooks
// ──────────────────────────────────────────────────

// OnConsistencyWarning implements plugin.OnConsistencyWarning.
func (e *Extension) OnConsistencyWarning(ctx context.Context, ownerID, kind string, warning error) error {
	return e.record(ctx, ActionConsistencyWarning, SeverityCritical, OutcomePartial,
		ResourceConsistency, kind, ownerID, CategoryIntegrity, warning,
		"kind", kind,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, ownerID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		if s, isString := kvPairs[i+1].(string); isString && s == "" {
			continue
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		OwnerID:    ownerID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"owner_id", ownerID,
			"error", recErr,
		)
	}
	return nil
}
