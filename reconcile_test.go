package credits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/wallet"
)

var errLockUnavailable = errors.New("lock unavailable")

// lockFailingStore refuses the owner lock of one owner.
type lockFailingStore struct {
	*memory.Store
	failOwner string
}

func (s *lockFailingStore) WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.Tx) error) error {
	if ownerID == s.failOwner {
		return errLockUnavailable
	}
	return s.Store.WithOwnerLock(ctx, ownerID, fn)
}

func TestReconcileReclaimsExpiredOnce(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"m-1", "m-2"}, credits.BatchReserveOpts{AmountPerMessage: 3})
	require.NoError(t, err)
	_, err = h.engine.Commit(ctx, "owner-1", credits.ByMessage("m-2"), credits.CommitOpts{})
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)

	res, err := h.engine.ReconcileStaleReservations(ctx, credits.ReconcileOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 1, res.Owners)
	assert.Zero(t, res.Corrected)

	again, err := h.engine.ReconcileStaleReservations(ctx, credits.ReconcileOpts{})
	require.NoError(t, err)
	assert.Zero(t, again.Released)

	w := h.wallet(t, "owner-1")
	assert.Equal(t, int64(7), w.Balance)
	assert.Zero(t, w.ReservedBalance)
	assert.Equal(t, 1, rec.expired)

	rsvs, err := h.engine.ListReservations(ctx, "owner-1", reservation.ListOpts{Status: reservation.StatusExpired})
	require.NoError(t, err)
	require.Len(t, rsvs, 1)
	assert.Equal(t, "m-1", rsvs[0].MessageID)
	assert.NotNil(t, rsvs[0].ReleasedAt)

	_, err = h.engine.Commit(ctx, "owner-1", credits.ByMessage("m-1"), credits.CommitOpts{})
	require.ErrorIs(t, err, credits.ErrReservationStateConflict)
}

func TestReconcileCorrectsDrift(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	past := h.clock.Now().Add(-time.Minute)
	_, err := h.engine.Reserve(ctx, "owner-1", 2, credits.ReserveOpts{MessageID: "m-1", ExpiresAt: &past})
	require.NoError(t, err)
	_, err = h.engine.Reserve(ctx, "owner-1", 3, credits.ReserveOpts{MessageID: "m-2"})
	require.NoError(t, err)
	h.corruptReserved(t, "owner-1", 7)

	res, err := h.engine.ReconcileStaleReservations(ctx, credits.ReconcileOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 1, res.Corrected)
	assert.Equal(t, int64(3), h.wallet(t, "owner-1").ReservedBalance)
	assert.Contains(t, rec.warningKinds(), credits.WarnReservedDrift)
}

func TestReconcileContinuesPastFailingOwner(t *testing.T) {
	s := &lockFailingStore{Store: memory.New()}
	c := newClock()
	e := credits.New(s, credits.WithClock(c.Now))
	ctx := context.Background()

	past := c.Now().Add(-time.Minute)
	for _, owner := range []string{"owner-a", "owner-b"} {
		_, err := e.Credit(ctx, owner, 5, wallet.Meta{})
		require.NoError(t, err)
		_, err = e.Reserve(ctx, owner, 2, credits.ReserveOpts{MessageID: "m-" + owner, ExpiresAt: &past})
		require.NoError(t, err)
	}
	s.failOwner = "owner-a"

	res, err := e.ReconcileStaleReservations(ctx, credits.ReconcileOpts{})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Owners)
	assert.Equal(t, 1, res.Released)

	var multi credits.MultiError
	require.ErrorAs(t, err, &multi)
	require.Len(t, multi.Errors, 1)
	assert.ErrorIs(t, err, errLockUnavailable)
	assert.Contains(t, err.Error(), "owner-a")

	b, err := s.GetWallet(ctx, "owner-b")
	require.NoError(t, err)
	assert.Zero(t, b.ReservedBalance)
	a, err := s.GetWallet(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.ReservedBalance)

	held, err := e.ListReservations(ctx, "owner-a", reservation.ListOpts{Status: reservation.StatusReserved})
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestReconcileHonorsLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := h.clock.Now().Add(-time.Minute)
	for _, owner := range []string{"owner-a", "owner-b", "owner-c"} {
		h.fund(t, owner, 5)
		_, err := h.engine.Reserve(ctx, owner, 1, credits.ReserveOpts{MessageID: "m-" + owner, ExpiresAt: &past})
		require.NoError(t, err)
	}

	first, err := h.engine.ReconcileStaleReservations(ctx, credits.ReconcileOpts{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Released)
	assert.Equal(t, 2, first.Owners)

	second, err := h.engine.ReconcileStaleReservations(ctx, credits.ReconcileOpts{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Released)
}

func TestReconcileWithNothingStale(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.ReconcileStaleReservations(context.Background(), credits.ReconcileOpts{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Zero(t, res.Released)
}

func TestRecomputeReserved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)
	_, err := h.engine.Reserve(ctx, "owner-1", 4, credits.ReserveOpts{MessageID: "m-1"})
	require.NoError(t, err)
	h.corruptReserved(t, "owner-1", 9)

	res, err := h.engine.RecomputeReserved(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.Before)
	assert.Equal(t, int64(4), res.After)
	assert.True(t, res.Corrected)

	res, err = h.engine.RecomputeReserved(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, res.Corrected)

	_, err = h.engine.RecomputeReserved(ctx, " ")
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}
