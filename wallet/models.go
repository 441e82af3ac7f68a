// Package wallet models the prepaid credit balance held per owner and the
// append-only history of changes to it.
package wallet

import (
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Wallet is the per-owner credit balance. It is created lazily by the first
// locked unit of work and never deleted.
type Wallet struct {
	types.Entity
	OwnerID         string `json:"owner_id"`
	Balance         int64  `json:"balance"`
	ReservedBalance int64  `json:"reserved_balance"`
}

// Available returns the credits not held by live reservations, floored at 0.
func (w *Wallet) Available() int64 {
	if w == nil {
		return 0
	}
	if avail := w.Balance - w.ReservedBalance; avail > 0 {
		return avail
	}
	return 0
}

// EntryKind classifies a balance change.
type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
	EntryRefund EntryKind = "refund"
)

// Meta describes why a balance changed.
type Meta struct {
	Reason         string `json:"reason,omitempty"`
	CampaignID     string `json:"campaign_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ReservationID  string `json:"reservation_id,omitempty"`
	TransactionRef string `json:"transaction_ref,omitempty"`
}

// Entry is one balance change, written in the same transaction as the
// wallet update it records.
type Entry struct {
	ID           id.EntryID `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Kind         EntryKind  `json:"kind"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	Meta         Meta       `json:"meta"`
	CreatedAt    time.Time  `json:"created_at"`
}
