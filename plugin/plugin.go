// Package plugin provides an extensible plugin system for the credit ledger.
// Plugins implement any subset of the hook interfaces below; the registry
// discovers them at registration and calls them after the owning
// transaction has committed.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *credits.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnCreditsAdded is called after credits were added to a wallet, by a
// direct credit or a recorded purchase.
type OnCreditsAdded interface {
	Plugin
	OnCreditsAdded(ctx context.Context, entry *wallet.Entry) error
}

// OnCreditsDebited is called after credits were taken from a wallet.
type OnCreditsDebited interface {
	Plugin
	OnCreditsDebited(ctx context.Context, entry *wallet.Entry) error
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReservationCreated is called for every new or revived hold.
type OnReservationCreated interface {
	Plugin
	OnReservationCreated(ctx context.Context, r *reservation.Reservation) error
}

// OnReservationCommitted is called once per reservation that moved to
// committed, together with the resulting message charge.
type OnReservationCommitted interface {
	Plugin
	OnReservationCommitted(ctx context.Context, r *reservation.Reservation, charge *billing.MessageCharge) error
}

// OnReservationReleased is called when a hold was released by the caller.
type OnReservationReleased interface {
	Plugin
	OnReservationReleased(ctx context.Context, r *reservation.Reservation) error
}

// OnReservationsExpired is called per owner after the sweeper expired
// stale holds.
type OnReservationsExpired interface {
	Plugin
	OnReservationsExpired(ctx context.Context, ownerID string, expired []*reservation.Reservation) error
}

// OnReconcileCompleted is called at the end of every sweep.
type OnReconcileCompleted interface {
	Plugin
	OnReconcileCompleted(ctx context.Context, released, owners, failed int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Billing hooks
// ──────────────────────────────────────────────────

// OnMessageBilled is called when a message charge became paid.
type OnMessageBilled interface {
	Plugin
	OnMessageBilled(ctx context.Context, charge *billing.MessageCharge) error
}

// OnPaymentRecorded is called for every newly recorded billing transaction.
type OnPaymentRecorded interface {
	Plugin
	OnPaymentRecorded(ctx context.Context, txn *billing.Transaction) error
}

// ──────────────────────────────────────────────────
// Allowance hooks
// ──────────────────────────────────────────────────

// OnAllowanceReset is called when a new allowance period began.
type OnAllowanceReset interface {
	Plugin
	OnAllowanceReset(ctx context.Context, a *allowance.Allowance) error
}

// OnSubscriptionChanged is called when a subscription was activated or
// deactivated.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, a *allowance.Allowance) error
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed is called after a delivery was handled or recorded
// as unmatched.
type OnWebhookProcessed interface {
	Plugin
	OnWebhookProcessed(ctx context.Context, evt *webhook.Event) error
}

// OnWebhookDuplicate is called when a delivery was skipped as a replay.
type OnWebhookDuplicate interface {
	Plugin
	OnWebhookDuplicate(ctx context.Context, provider, eventID string) error
}

// OnWebhookFailed is called when the processor returned an error.
type OnWebhookFailed interface {
	Plugin
	OnWebhookFailed(ctx context.Context, evt *webhook.Event, err error) error
}

// OnWebhookStale is called when a delivery was rejected for its age.
type OnWebhookStale interface {
	Plugin
	OnWebhookStale(ctx context.Context, provider, eventID string, age time.Duration) error
}

// ──────────────────────────────────────────────────
// Health hooks
// ──────────────────────────────────────────────────

// OnConsistencyWarning is called when the ledger repaired or tolerated an
// inconsistent state. warning is a credits.ConsistencyWarning.
type OnConsistencyWarning interface {
	Plugin
	OnConsistencyWarning(ctx context.Context, ownerID, kind string, warning error) error
}

// OnCleanupFailed is called when a best-effort cleanup step failed.
type OnCleanupFailed interface {
	Plugin
	OnCleanupFailed(ctx context.Context, op string, err error) error
}
