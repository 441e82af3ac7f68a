package audithook

// Action constants for audit events.
const (
	// Wallet actions
	ActionCreditsAdded   = "credits.added"
	ActionCreditsDebited = "credits.debited"

	// Reservation actions
	ActionReservationsExpired = "reservations.expired"
	ActionReconcileCompleted  = "reconcile.completed"

	// Billing actions
	ActionPaymentRecorded = "payment.recorded"
	ActionRefundRecorded  = "refund.recorded"
	ActionInvoiceRecorded = "invoice.recorded"

	// Allowance actions
	ActionAllowanceReset        = "allowance.reset"
	ActionSubscriptionActivated = "subscription.activated"
	ActionSubscriptionEnded     = "subscription.ended"

	// Webhook actions
	ActionWebhookProcessed = "webhook.processed"
	ActionWebhookUnmatched = "webhook.unmatched"
	ActionWebhookFailed    = "webhook.failed"
	ActionWebhookStale     = "webhook.stale"

	// Health actions
	ActionConsistencyWarning = "consistency.warning"
)

// Resource constants for audit events.
const (
	ResourceWallet      = "wallet"
	ResourceReservation = "reservation"
	ResourceTransaction = "transaction"
	ResourceAllowance   = "allowance"
	ResourceWebhook     = "webhook"
	ResourceConsistency = "consistency"
)

// Category constants for audit events.
const (
	CategoryBilling      = "billing"
	CategorySubscription = "subscription"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
	CategoryIntegrity    = "integrity"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
