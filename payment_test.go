package credits_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/types"
)

func TestRecordPurchaseOnce(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	in := credits.PaymentInput{
		OwnerID:     "owner-1",
		Provider:    "stripe",
		ExternalRef: "cs_1",
		Credits:     500,
		Amount:      types.EUR(4900),
		Meta:        billing.Meta{SessionID: "cs_1"},
	}

	first, err := h.engine.RecordPurchase(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.AlreadyRecorded)
	assert.Equal(t, int64(500), first.Balance)

	second, err := h.engine.RecordPurchase(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRecorded)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, int64(500), h.wallet(t, "owner-1").Balance)
	assert.Equal(t, int64(500), rec.added)

	txns, err := h.engine.ListTransactions(ctx, "owner-1", billing.ListOpts{Kind: billing.KindPurchase})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "EUR 49.00", txns[0].Amount.String())

	_, err = h.engine.RecordPurchase(ctx, credits.PaymentInput{OwnerID: "owner-1", Provider: "stripe", ExternalRef: "cs_2"})
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}

func TestRecordRefund(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()

	_, err := h.engine.RecordPurchase(ctx, credits.PaymentInput{OwnerID: "owner-1", Provider: "stripe", ExternalRef: "pi_1", Credits: 100})
	require.NoError(t, err)
	_, err = h.engine.ConsumeMessageBilling(ctx, "owner-1", 70, credits.ConsumeOpts{MessageID: "m-1"})
	require.NoError(t, err)

	refund := credits.RefundInput{OwnerID: "owner-1", Provider: "stripe", ExternalRef: "re_1", OriginalRef: "pi_1"}
	res, err := h.engine.RecordRefund(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Transaction.Credits, "refund is floored at the balance")
	assert.Zero(t, res.Balance)
	assert.Contains(t, rec.warningKinds(), credits.WarnRefundShortfall)

	original, err := h.store.GetTransaction(ctx, "stripe", "pi_1")
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionRefunded, original.Status)

	again, err := h.engine.RecordRefund(ctx, refund)
	require.NoError(t, err)
	assert.True(t, again.AlreadyRecorded)

	_, err = h.engine.RecordRefund(ctx, credits.RefundInput{OwnerID: "owner-1", Provider: "stripe", ExternalRef: "re_2", OriginalRef: "pi_1"})
	var verr credits.ValidationError
	require.ErrorAs(t, err, &verr, "already refunded purchase")
	assert.Equal(t, "original_ref", verr.Field)

	_, err = h.engine.RecordRefund(ctx, credits.RefundInput{OwnerID: "owner-2", Provider: "stripe", ExternalRef: "re_3", OriginalRef: "pi_unknown"})
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}

func TestRecordInvoicePaymentResetsAllowance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "owner-1", 100)
	_, err := h.engine.ConsumeMessageBilling(ctx, "owner-1", 40, credits.ConsumeOpts{MessageID: "m-1"})
	require.NoError(t, err)

	next := h.clock.Now().AddDate(0, 1, 0)
	in := credits.InvoiceInput{
		OwnerID:      "owner-1",
		Provider:     "stripe",
		InvoiceID:    "in_1",
		Amount:       types.EUR(2900),
		Period:       credits.PeriodInput{Start: next, End: next.AddDate(0, 1, 0), IncludedPerPeriod: 150},
		BonusCredits: 10,
	}
	res, err := h.engine.RecordInvoicePayment(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, res.Reset)
	assert.True(t, res.Reset.Reset)
	assert.Equal(t, int64(10), res.Balance)

	status, err := h.engine.GetAllowance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), status.RemainingThisPeriod)

	again, err := h.engine.RecordInvoicePayment(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.AlreadyRecorded)
	assert.Equal(t, int64(10), h.wallet(t, "owner-1").Balance)

	_, err = h.engine.RecordInvoicePayment(ctx, credits.InvoiceInput{OwnerID: "owner-1", Provider: "stripe", InvoiceID: "in_2", Period: credits.PeriodInput{Start: next, End: next.Add(-time.Hour)}})
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}
