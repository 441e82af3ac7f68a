package credits_test

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
)

func TestReserveForMessagesNormalizesIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	res, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{" a ", "b", "", "a", "c"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	assert.Equal(t, &credits.BatchReserveResult{Reserved: 3, Reused: 0, Total: 3}, res)
	assert.Equal(t, int64(3), h.wallet(t, "owner-1").ReservedBalance)

	rows, err := h.engine.ListReservations(ctx, "owner-1", reservation.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, credits.DefaultReserveReason, r.Reason)
		require.NotNil(t, r.ExpiresAt)
		assert.Equal(t, h.clock.Now().Add(24*time.Hour), *r.ExpiresAt)
	}

	res, err = h.engine.ReserveForMessages(ctx, "owner-1", []string{"a", "b", "d"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	assert.Equal(t, &credits.BatchReserveResult{Reserved: 1, Reused: 2, Total: 3}, res)

	empty, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{" ", ""}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	assert.Equal(t, &credits.BatchReserveResult{}, empty)
}

func TestReserveForMessagesIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 5)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"1", "2", "3"}, credits.BatchReserveOpts{AmountPerMessage: 2})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	rows, err := h.engine.ListReservations(ctx, "owner-1", reservation.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, h.wallet(t, "owner-1").ReservedBalance)
}

func TestReserveRejectsOverflowingAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"a", "b"},
		credits.BatchReserveOpts{AmountPerMessage: math.MaxInt64/2 + 1})
	var verr credits.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount_per_message", verr.Field)

	_, err = h.engine.Reserve(ctx, "owner-1", math.MaxInt64, credits.ReserveOpts{MessageID: "c"})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	rows, err := h.engine.ListReservations(ctx, "owner-1", reservation.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	w := h.wallet(t, "owner-1")
	assert.Equal(t, int64(10), w.Balance)
	assert.Zero(t, w.ReservedBalance)

	// A huge allowance saturates the spendable sum instead of wrapping negative.
	h.subscribe(t, "owner-1", math.MaxInt64)
	res, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"a", "b"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reserved)
	assert.Equal(t, int64(2), h.wallet(t, "owner-1").ReservedBalance)
}

func TestNoDoubleSpendUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := make([]string, 6)
			for j := range ids {
				ids[j] = "batch" + strconv.Itoa(i) + "-" + strconv.Itoa(j)
			}
			_, errs[i] = h.engine.ReserveForMessages(ctx, "owner-1", ids, credits.BatchReserveOpts{})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, credits.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(6), h.wallet(t, "owner-1").ReservedBalance)
}

func TestReserveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	first, err := h.engine.Reserve(ctx, "owner-1", 3, credits.ReserveOpts{IdempotencyKey: "send-1"})
	require.NoError(t, err)
	assert.True(t, first.Reserved)

	again, err := h.engine.Reserve(ctx, "owner-1", 3, credits.ReserveOpts{IdempotencyKey: "send-1"})
	require.NoError(t, err)
	assert.False(t, again.Reserved)
	assert.Equal(t, first.Reservation.ID, again.Reservation.ID)
	assert.Equal(t, int64(3), h.wallet(t, "owner-1").ReservedBalance)

	byMsg, err := h.engine.Reserve(ctx, "owner-1", 2, credits.ReserveOpts{MessageID: "m-9"})
	require.NoError(t, err)
	dup, err := h.engine.Reserve(ctx, "owner-1", 2, credits.ReserveOpts{MessageID: "m-9"})
	require.NoError(t, err)
	assert.False(t, dup.Reserved)
	assert.Equal(t, byMsg.Reservation.ID, dup.Reservation.ID)

	_, err = h.engine.Reserve(ctx, "owner-1", 6, credits.ReserveOpts{})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
}

func TestMessageBelongsToOneOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 5)
	h.fund(t, "owner-2", 5)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"shared"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	_, err = h.engine.ReserveForMessages(ctx, "owner-2", []string{"shared"}, credits.BatchReserveOpts{})
	require.ErrorIs(t, err, credits.ErrAlreadyExists)

	_, err = h.engine.Commit(ctx, "owner-2", credits.ByMessage("shared"), credits.CommitOpts{})
	require.ErrorIs(t, err, credits.ErrReservationNotFound)
}

func TestCommitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	rsv, err := h.engine.Reserve(ctx, "owner-1", 4, credits.ReserveOpts{MessageID: "m-1"})
	require.NoError(t, err)

	first, err := h.engine.Commit(ctx, "owner-1", credits.ByID(rsv.Reservation.ID), credits.CommitOpts{})
	require.NoError(t, err)
	assert.True(t, first.Committed)
	assert.Equal(t, int64(6), first.Balance)
	assert.Equal(t, int64(4), first.Consumption.DebitedCredits)
	assert.Equal(t, reservation.StatusCommitted, first.Reservation.Status)

	second, err := h.engine.Commit(ctx, "owner-1", credits.ByMessage("m-1"), credits.CommitOpts{})
	require.NoError(t, err)
	assert.False(t, second.Committed)
	assert.True(t, second.AlreadyCommitted)

	w := h.wallet(t, "owner-1")
	assert.Equal(t, int64(6), w.Balance)
	assert.Zero(t, w.ReservedBalance)

	charge, err := h.store.GetMessageCharge(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePaid, charge.Status)
	assert.Equal(t, int64(4), charge.DebitedCredits)
}

func TestCommitAndReleaseStateRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"r1", "r2"}, credits.BatchReserveOpts{})
	require.NoError(t, err)

	rel, err := h.engine.Release(ctx, "owner-1", credits.ByMessage("r1"), credits.ReleaseOpts{Reason: "carrier_error"})
	require.NoError(t, err)
	assert.True(t, rel.Released)
	assert.Equal(t, "carrier_error", rel.Reservation.Reason)

	again, err := h.engine.Release(ctx, "owner-1", credits.ByMessage("r1"), credits.ReleaseOpts{})
	require.NoError(t, err)
	assert.True(t, again.AlreadyReleased)
	assert.Equal(t, int64(1), h.wallet(t, "owner-1").ReservedBalance)

	_, err = h.engine.Commit(ctx, "owner-1", credits.ByMessage("r1"), credits.CommitOpts{})
	require.ErrorIs(t, err, credits.ErrReservationStateConflict)

	_, err = h.engine.Commit(ctx, "owner-1", credits.ByMessage("r2"), credits.CommitOpts{})
	require.NoError(t, err)
	_, err = h.engine.Release(ctx, "owner-1", credits.ByMessage("r2"), credits.ReleaseOpts{})
	require.ErrorIs(t, err, credits.ErrAlreadyCommitted)
	require.ErrorIs(t, err, credits.ErrReservationStateConflict)

	_, err = h.engine.Commit(ctx, "owner-1", credits.ByMessage("missing"), credits.CommitOpts{})
	require.ErrorIs(t, err, credits.ErrReservationNotFound)
	assert.True(t, credits.IsNotFound(err))

	_, err = h.engine.Release(ctx, "owner-1", credits.ReservationRef{}, credits.ReleaseOpts{})
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}

func TestReviveNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"42"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	original, err := h.engine.Release(ctx, "owner-1", credits.ByMessage("42"), credits.ReleaseOpts{})
	require.NoError(t, err)

	res, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"42"}, credits.BatchReserveOpts{AmountPerMessage: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reserved)

	rows, err := h.engine.ListReservations(ctx, "owner-1", reservation.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, original.Reservation.ID, rows[0].ID)
	assert.Equal(t, reservation.StatusReserved, rows[0].Status)
	assert.Nil(t, rows[0].ReleasedAt)
	assert.Equal(t, int64(2), rows[0].Amount, "revived rows take the new amount")
	assert.Equal(t, int64(2), h.wallet(t, "owner-1").ReservedBalance)
}

func TestReviveSkipsBilledMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"77"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	_, err = h.engine.Release(ctx, "owner-1", credits.ByMessage("77"), credits.ReleaseOpts{})
	require.NoError(t, err)
	_, err = h.engine.ConsumeMessageBilling(ctx, "owner-1", 1, credits.ConsumeOpts{MessageID: "77"})
	require.NoError(t, err)

	res, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"77"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	assert.Equal(t, &credits.BatchReserveResult{Reserved: 0, Reused: 1, Total: 1}, res)
	assert.Zero(t, h.wallet(t, "owner-1").ReservedBalance)
}

func TestEndToEndAllowanceFundedSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "owner-1", 100)

	rsv, err := h.engine.Reserve(ctx, "owner-1", 1, credits.ReserveOpts{MessageID: "1"})
	require.NoError(t, err)
	require.True(t, rsv.Reserved)

	commit, err := h.engine.Commit(ctx, "owner-1", credits.ByMessage("1"), credits.CommitOpts{})
	require.NoError(t, err)
	assert.True(t, commit.Committed)
	assert.Equal(t, int64(1), commit.Consumption.UsedAllowance)
	assert.Zero(t, commit.Consumption.DebitedCredits)
	assert.Zero(t, commit.Balance)

	status, err := h.engine.GetAllowance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.UsedThisPeriod)
	assert.Equal(t, int64(99), status.RemainingThisPeriod)

	got, err := h.engine.GetReservation(ctx, rsv.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCommitted, got.Status)

	_, err = h.engine.Release(ctx, "owner-1", credits.ByID(rsv.Reservation.ID), credits.ReleaseOpts{})
	require.ErrorIs(t, err, credits.ErrAlreadyCommitted)

	w := h.wallet(t, "owner-1")
	assert.Zero(t, w.Balance)
	assert.Zero(t, w.ReservedBalance)
}

func TestCommitShortfallWarnsInsteadOfFailing(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	h.fund(t, "owner-1", 5)

	_, err := h.engine.Reserve(ctx, "owner-1", 5, credits.ReserveOpts{MessageID: "m-short"})
	require.NoError(t, err)
	// A direct debit bypasses the hold and leaves the wallet short.
	_, err = h.engine.Debit(ctx, "owner-1", 3, wallet.Meta{Reason: "manual"})
	require.NoError(t, err)

	res, err := h.engine.Commit(ctx, "owner-1", credits.ByMessage("m-short"), credits.CommitOpts{})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, int64(2), res.Consumption.DebitedCredits)
	assert.Equal(t, int64(3), res.Consumption.Shortfall)
	assert.Zero(t, res.Balance)
	assert.Contains(t, rec.warningKinds(), credits.WarnCommitShortfall)
}
