package credits_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/billing"
)

func TestAllowanceBeforeCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "owner-1", 100)

	// Use 95 of the allowance with an empty wallet.
	_, err := h.engine.ConsumeMessageBilling(ctx, "owner-1", 95, credits.ConsumeOpts{MessageID: "warmup"})
	require.NoError(t, err)
	h.fund(t, "owner-1", 50)

	res, err := h.engine.ConsumeMessageBilling(ctx, "owner-1", 10, credits.ConsumeOpts{MessageID: "m-10"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.UsedAllowance)
	assert.Equal(t, int64(5), res.DebitedCredits)
	assert.Equal(t, int64(45), res.Balance)
	assert.Zero(t, res.RemainingAllowance)
	assert.Equal(t, billing.ChargePaid, res.BillingStatus)

	status, err := h.engine.GetAllowance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), status.UsedThisPeriod)
	assert.Equal(t, int64(45), h.wallet(t, "owner-1").Balance)
}

func TestConsumeIsOncePerMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 10)

	first, err := h.engine.ConsumeMessageBilling(ctx, "owner-1", 3, credits.ConsumeOpts{MessageID: "m-1"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyBilled)

	second, err := h.engine.ConsumeMessageBilling(ctx, "owner-1", 3, credits.ConsumeOpts{MessageID: "m-1"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyBilled)
	assert.Equal(t, int64(3), second.DebitedCredits)
	assert.Equal(t, int64(7), second.Balance)
	assert.Equal(t, int64(7), h.wallet(t, "owner-1").Balance)
}

func TestConsumeRejectsMessageOfAnotherOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-a", 10)
	h.fund(t, "owner-b", 10)

	_, err := h.engine.ConsumeMessageBilling(ctx, "owner-a", 3, credits.ConsumeOpts{MessageID: "m-1"})
	require.NoError(t, err)

	_, err = h.engine.ConsumeMessageBilling(ctx, "owner-b", 3, credits.ConsumeOpts{MessageID: "m-1"})
	require.ErrorIs(t, err, credits.ErrAlreadyExists)
	assert.Equal(t, int64(10), h.wallet(t, "owner-b").Balance)
	assert.Equal(t, int64(7), h.wallet(t, "owner-a").Balance)
}

func TestConsumeRequiresAvailableCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "owner-1", 5)
	h.subscribe(t, "owner-1", 2)

	// 4 of the 5 credits are held for another send.
	_, err := h.engine.Reserve(ctx, "owner-1", 4, credits.ReserveOpts{MessageID: "held"})
	require.NoError(t, err)

	_, err = h.engine.ConsumeMessageBilling(ctx, "owner-1", 4, credits.ConsumeOpts{MessageID: "m-2"})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	status, err := h.engine.GetAllowance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Zero(t, status.UsedThisPeriod, "failed consumption rolls back the allowance")

	_, err = h.engine.ConsumeMessageBilling(ctx, "owner-1", 3, credits.ConsumeOpts{MessageID: "m-3"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), h.wallet(t, "owner-1").Balance)
}
