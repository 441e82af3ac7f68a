// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// Factory returns a migrated, empty store. The suite closes it after the
// factory's own cleanups have run.
type Factory func(t *testing.T) store.Store

// Run exercises s against the store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"WalletCommit", testWalletCommit},
		{"Rollback", testRollback},
		{"SerializedOwner", testSerializedOwner},
		{"ReservationIndexes", testReservationIndexes},
		{"MessageUniqueAcrossOwners", testMessageUniqueAcrossOwners},
		{"StaleReservations", testStaleReservations},
		{"AllowanceAndCharges", testAllowanceAndCharges},
		{"Transactions", testTransactions},
		{"Webhooks", testWebhooks},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var s store.Store
			t.Cleanup(func() {
				if s != nil {
					_ = s.Close()
				}
			})
			s = newStore(t)
			tc.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newReservation(ownerID, messageID string, amount int64, expiresAt time.Time) *reservation.Reservation {
	return &reservation.Reservation{
		Entity:     types.NewEntityAt(base),
		ID:         id.NewReservationID(),
		OwnerID:    ownerID,
		MessageID:  messageID,
		Amount:     amount,
		Status:     reservation.StatusReserved,
		Reason:     "sms:reserve",
		ExpiresAt:  &expiresAt,
		ReservedAt: base,
	}
}

func testWalletCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		assert.Equal(t, "owner-1", tx.OwnerID())
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		assert.Zero(t, w.Balance)
		w.Balance = 25
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &wallet.Entry{
			ID:           id.NewEntryID(),
			OwnerID:      "owner-1",
			Kind:         wallet.EntryCredit,
			Amount:       25,
			BalanceAfter: 25,
			Meta:         wallet.Meta{Reason: "purchase", TransactionRef: "pi_1"},
			CreatedAt:    base,
		})
	})
	require.NoError(t, err)

	w, err := s.GetWallet(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), w.Balance)

	entries, err := s.ListEntries(ctx, "owner-1", wallet.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pi_1", entries[0].Meta.TransactionRef)

	_, err = s.GetWallet(ctx, "nobody")
	require.ErrorIs(t, err, credits.ErrWalletNotFound)
	require.NoError(t, s.Ping(ctx))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		w.Balance = 99
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.CreateReservation(ctx, newReservation("owner-1", "m-rollback", 1, base.Add(time.Hour))); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	if w, err := s.GetWallet(ctx, "owner-1"); err == nil {
		assert.Zero(t, w.Balance)
	}
	rsvs, err := s.ListReservations(ctx, "owner-1", reservation.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, rsvs)
}

func testSerializedOwner(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
				w, err := tx.Wallet(ctx)
				if err != nil {
					return err
				}
				w.Balance++
				return tx.SaveWallet(ctx, w)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	w, err := s.GetWallet(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), w.Balance)
}

func testReservationIndexes(t *testing.T, s store.Store) {
	ctx := context.Background()
	r1 := newReservation("owner-1", "m-1", 2, base.Add(time.Hour))
	r2 := newReservation("owner-1", "", 5, base.Add(time.Hour))
	r2.IdempotencyKey = "batch-7"

	err := s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateReservation(ctx, r1); err != nil {
			return err
		}
		if err := tx.CreateReservation(ctx, r2); err != nil {
			return err
		}

		got, err := tx.GetReservationByMessage(ctx, "m-1")
		require.NoError(t, err)
		assert.Equal(t, r1.ID.String(), got.ID.String())

		got, err = tx.GetReservationByIdempotencyKey(ctx, "batch-7")
		require.NoError(t, err)
		assert.Equal(t, r2.ID.String(), got.ID.String())

		found, err := tx.FindReservationsByMessages(ctx, []string{"m-1", "m-404"})
		require.NoError(t, err)
		assert.Len(t, found, 1)
		assert.Contains(t, found, "m-1")

		sum, err := tx.SumReserved(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), sum)
		return nil
	})
	require.NoError(t, err)

	err = s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetReservation(ctx, r1.ID)
		if err != nil {
			return err
		}
		committed := base.Add(time.Minute)
		r.Status = reservation.StatusCommitted
		r.CommittedAt = &committed
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		sum, err := tx.SumReserved(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), sum)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetReservation(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCommitted, got.Status)
	require.NotNil(t, got.CommittedAt)

	listed, err := s.ListReservations(ctx, "owner-1", reservation.ListOpts{Status: reservation.StatusReserved})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "batch-7", listed[0].IdempotencyKey)

	_, err = s.GetReservation(ctx, id.NewReservationID())
	require.ErrorIs(t, err, credits.ErrReservationNotFound)
}

func testMessageUniqueAcrossOwners(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		return tx.CreateReservation(ctx, newReservation("owner-1", "shared", 1, base.Add(time.Hour)))
	})
	require.NoError(t, err)

	err = s.WithOwnerLock(ctx, "owner-2", func(ctx context.Context, tx store.Tx) error {
		return tx.CreateReservation(ctx, newReservation("owner-2", "shared", 1, base.Add(time.Hour)))
	})
	require.ErrorIs(t, err, credits.ErrAlreadyExists)
}

func testStaleReservations(t *testing.T, s store.Store) {
	ctx := context.Background()
	expired := newReservation("owner-1", "m-expired", 1, base.Add(-time.Minute))
	live := newReservation("owner-1", "m-live", 1, base.Add(time.Hour))
	other := newReservation("owner-2", "m-other", 1, base.Add(-2*time.Minute))

	for _, r := range []*reservation.Reservation{expired, live, other} {
		err := s.WithOwnerLock(ctx, r.OwnerID, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateReservation(ctx, r)
		})
		require.NoError(t, err)
	}

	stale, err := s.ListStaleReservations(ctx, base, base.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "m-other", stale[0].MessageID, "oldest expiry first")
	assert.Equal(t, "m-expired", stale[1].MessageID)

	limited, err := s.ListStaleReservations(ctx, base, base.Add(-24*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testAllowanceAndCharges(t *testing.T, s store.Store) {
	ctx := context.Background()
	start, end := base, base.AddDate(0, 1, 0)

	err := s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetAllowance(ctx)
		require.ErrorIs(t, err, credits.ErrAllowanceNotFound)

		if err := tx.SaveAllowance(ctx, &allowance.Allowance{
			Entity:             types.NewEntityAt(base),
			OwnerID:            "owner-1",
			SubscriptionID:     "sub_1",
			PlanType:           "starter",
			Interval:           allowance.IntervalMonth,
			Status:             allowance.StatusActive,
			IncludedPerPeriod:  100,
			UsedThisPeriod:     10,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
		}); err != nil {
			return err
		}
		billed := base
		return tx.SaveMessageCharge(ctx, &billing.MessageCharge{
			MessageID:      "m-1",
			OwnerID:        "owner-1",
			Status:         billing.ChargePaid,
			UsedAllowance:  1,
			DebitedCredits: 0,
			BilledAt:       &billed,
		})
	})
	require.NoError(t, err)

	a, err := s.GetAllowance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), a.Remaining())
	assert.True(t, a.InPeriod(start))

	c, err := s.GetMessageCharge(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, c.Paid())

	_, err = s.GetMessageCharge(ctx, "m-404")
	require.ErrorIs(t, err, credits.ErrMessageChargeNotFound)
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	txn := &billing.Transaction{
		Entity:      types.NewEntityAt(base),
		ID:          id.NewTransactionID(),
		OwnerID:     "owner-1",
		Provider:    "stripe",
		ExternalRef: "pi_1",
		Kind:        billing.KindPurchase,
		Status:      billing.TransactionCompleted,
		Credits:     500,
		Amount:      types.EUR(4900),
		Meta:        billing.Meta{PaymentIntentID: "pi_1"},
	}

	err := s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		created, err := tx.InsertTransaction(ctx, txn)
		require.NoError(t, err)
		assert.True(t, created)
		return nil
	})
	require.NoError(t, err)

	err = s.WithOwnerLock(ctx, "owner-1", func(ctx context.Context, tx store.Tx) error {
		dup := *txn
		dup.ID = id.NewTransactionID()
		created, err := tx.InsertTransaction(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := tx.GetTransaction(ctx, "stripe", "pi_1")
		if err != nil {
			return err
		}
		got.Status = billing.TransactionRefunded
		return tx.UpdateTransaction(ctx, got)
	})
	require.NoError(t, err)

	got, err := s.GetTransaction(ctx, "stripe", "pi_1")
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionRefunded, got.Status)
	assert.Equal(t, types.EUR(4900), got.Amount)
	assert.Equal(t, txn.ID.String(), got.ID.String())

	list, err := s.ListTransactions(ctx, "owner-1", billing.ListOpts{Kind: billing.KindPurchase})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetTransaction(ctx, "stripe", "pi_404")
	require.ErrorIs(t, err, credits.ErrTransactionNotFound)
}

func testWebhooks(t *testing.T, s store.Store) {
	ctx := context.Background()
	evt := &webhook.Event{
		ID:          id.NewWebhookEventID(),
		Provider:    "stripe",
		EventID:     "evt_1",
		PayloadHash: webhook.HashPayload([]byte("body")),
		EventType:   "invoice.paid",
		OwnerID:     "owner-1",
		Status:      webhook.StatusReceived,
		Meta:        webhook.Meta{InvoiceID: "in_1"},
		ReceivedAt:  base,
	}

	created, err := s.CreateWebhookEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *evt
	dup.ID = id.NewWebhookEventID()
	created, err = s.CreateWebhookEvent(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	found, err := s.FindWebhookEventByHash(ctx, "stripe", evt.PayloadHash, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", found.EventID)

	_, err = s.FindWebhookEventByHash(ctx, "stripe", evt.PayloadHash, "owner-2")
	require.ErrorIs(t, err, credits.ErrWebhookEventNotFound)

	done := base.Add(time.Second)
	evt.Status = webhook.StatusProcessed
	evt.ProcessedAt = &done
	require.NoError(t, s.UpdateWebhookEvent(ctx, evt))

	got, err := s.GetWebhookEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusProcessed, got.Status)
	assert.Equal(t, "in_1", got.Meta.InvoiceID)
	require.NotNil(t, got.ProcessedAt)

	list, err := s.ListWebhookEvents(ctx, webhook.ListOpts{Provider: "stripe", Status: webhook.StatusProcessed})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetWebhookEvent(ctx, "stripe", "evt_404")
	require.ErrorIs(t, err, credits.ErrWebhookEventNotFound)
}
