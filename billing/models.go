// Package billing models payment-side records: provider transactions that
// fund wallets, and the per-message charge that makes billing idempotent.
package billing

import (
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

type Kind string

const (
	KindPurchase            Kind = "purchase"
	KindSubscriptionInvoice Kind = "subscription_invoice"
	KindRefund              Kind = "refund"
)

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionPending   TransactionStatus = "pending"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// Meta carries provider references for a transaction.
type Meta struct {
	SessionID       string `json:"session_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
	OriginalRef     string `json:"original_ref,omitempty"`
}

// Transaction is a payment recorded against an owner. (Provider,
// ExternalRef) is unique; inserting it twice means "already recorded".
type Transaction struct {
	types.Entity
	ID          id.TransactionID  `json:"id"`
	OwnerID     string            `json:"owner_id"`
	Provider    string            `json:"provider"`
	ExternalRef string            `json:"external_ref"`
	Kind        Kind              `json:"kind"`
	Status      TransactionStatus `json:"status"`
	Credits     int64             `json:"credits"`
	Amount      types.Money       `json:"amount"`
	Meta        Meta              `json:"meta"`
}

type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargePaid    ChargeStatus = "paid"
	ChargeFailed  ChargeStatus = "failed"
)

// MessageCharge records how a billable message was paid for. A message in
// ChargePaid is never charged again.
type MessageCharge struct {
	MessageID      string       `json:"message_id"`
	OwnerID        string       `json:"owner_id"`
	Status         ChargeStatus `json:"status"`
	UsedAllowance  int64        `json:"used_allowance"`
	DebitedCredits int64        `json:"debited_credits"`
	BilledAt       *time.Time   `json:"billed_at,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Paid reports whether the message has already been billed.
func (c *MessageCharge) Paid() bool {
	return c != nil && c.Status == ChargePaid
}
