// Package store defines the persistence contract for the credit ledger.
//
// Reads go straight through Store. Every balance-affecting write happens
// inside WithOwnerLock, which serializes all units of work for one owner
// and commits or rolls them back as a whole.
package store

import (
	"context"
	"time"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// Store is the unified storage interface for all ledger records.
type Store interface {
	// WithOwnerLock runs fn in one transaction holding the owner's wallet
	// lock, creating the wallet when missing. fn's error rolls everything
	// back; a nil return commits.
	WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context, tx Tx) error) error

	// Wallet methods
	GetWallet(ctx context.Context, ownerID string) (*wallet.Wallet, error)
	ListEntries(ctx context.Context, ownerID string, opts wallet.ListOpts) ([]*wallet.Entry, error)

	// Reservation methods
	GetReservation(ctx context.Context, rsvID id.ReservationID) (*reservation.Reservation, error)
	ListReservations(ctx context.Context, ownerID string, opts reservation.ListOpts) ([]*reservation.Reservation, error)
	ListStaleReservations(ctx context.Context, now, reservedBefore time.Time, limit int) ([]*reservation.Reservation, error)

	// Allowance methods
	GetAllowance(ctx context.Context, ownerID string) (*allowance.Allowance, error)

	// Billing methods
	GetMessageCharge(ctx context.Context, messageID string) (*billing.MessageCharge, error)
	GetTransaction(ctx context.Context, provider, externalRef string) (*billing.Transaction, error)
	ListTransactions(ctx context.Context, ownerID string, opts billing.ListOpts) ([]*billing.Transaction, error)

	// Webhook methods
	CreateWebhookEvent(ctx context.Context, evt *webhook.Event) (bool, error)
	GetWebhookEvent(ctx context.Context, provider, eventID string) (*webhook.Event, error)
	FindWebhookEventByHash(ctx context.Context, provider, payloadHash, ownerID string) (*webhook.Event, error)
	UpdateWebhookEvent(ctx context.Context, evt *webhook.Event) error
	ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Event, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the owner-locked unit of work handed to WithOwnerLock callbacks.
// Its reads observe its own earlier writes.
type Tx interface {
	OwnerID() string

	// Wallet returns the locked wallet row.
	Wallet(ctx context.Context) (*wallet.Wallet, error)
	SaveWallet(ctx context.Context, w *wallet.Wallet) error
	AppendEntry(ctx context.Context, e *wallet.Entry) error

	GetReservation(ctx context.Context, rsvID id.ReservationID) (*reservation.Reservation, error)
	GetReservationByMessage(ctx context.Context, messageID string) (*reservation.Reservation, error)
	GetReservationByIdempotencyKey(ctx context.Context, key string) (*reservation.Reservation, error)
	// FindReservationsByMessages returns existing rows keyed by message id.
	FindReservationsByMessages(ctx context.Context, messageIDs []string) (map[string]*reservation.Reservation, error)
	CreateReservation(ctx context.Context, r *reservation.Reservation) error
	UpdateReservation(ctx context.Context, r *reservation.Reservation) error
	// SumReserved totals Amount over the owner's rows in status reserved.
	SumReserved(ctx context.Context) (int64, error)

	GetAllowance(ctx context.Context) (*allowance.Allowance, error)
	SaveAllowance(ctx context.Context, a *allowance.Allowance) error

	GetMessageCharge(ctx context.Context, messageID string) (*billing.MessageCharge, error)
	SaveMessageCharge(ctx context.Context, c *billing.MessageCharge) error

	// InsertTransaction returns false without an error when (Provider,
	// ExternalRef) is already recorded.
	InsertTransaction(ctx context.Context, t *billing.Transaction) (bool, error)
	GetTransaction(ctx context.Context, provider, externalRef string) (*billing.Transaction, error)
	UpdateTransaction(ctx context.Context, t *billing.Transaction) error
}
