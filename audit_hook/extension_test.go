package audithook_test

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
	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/webhook"
)

type sink struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (s *sink) Record(_ context.Context, evt *audithook.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *sink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

func (s *sink) find(action string) *audithook.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Action == action {
			return e
		}
	}
	return nil
}

func TestAuditTrailForPaymentsAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	rec := &sink{}
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionCreditsDebited))

	e := credits.New(memory.New(), credits.WithPlugin(ext))
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop() })

	_, err := e.RecordPurchase(ctx, credits.PaymentInput{
		OwnerID:     "owner-1",
		Provider:    "stripe",
		ExternalRef: "cs_1",
		Credits:     500,
		Amount:      types.EUR(1000),
	})
	require.NoError(t, err)

	start := time.Now().Add(-time.Hour)
	_, err = e.ActivateSubscription(ctx, "owner-1", credits.SubscriptionInput{
		SubscriptionID:    "sub_1",
		Interval:          allowance.IntervalMonth,
		IncludedPerPeriod: 100,
		PeriodStart:       start,
		PeriodEnd:         start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	_, err = e.ConsumeMessageBilling(ctx, "owner-1", 200, credits.ConsumeOpts{MessageID: "m-1"})
	require.NoError(t, err)

	actions := rec.actions()
	assert.Contains(t, actions, audithook.ActionPaymentRecorded)
	assert.Contains(t, actions, audithook.ActionCreditsAdded)
	assert.Contains(t, actions, audithook.ActionSubscriptionActivated)
	assert.NotContains(t, actions, audithook.ActionCreditsDebited)

	payment := rec.find(audithook.ActionPaymentRecorded)
	require.NotNil(t, payment)
	assert.Equal(t, "owner-1", payment.OwnerID)
	assert.Equal(t, audithook.CategoryPayment, payment.Category)
	assert.Equal(t, "cs_1", payment.Metadata["external_ref"])
	assert.Equal(t, int64(500), payment.Metadata["credits"])
	assert.NotContains(t, payment.Metadata, "original_ref")
}

func TestAuditEnabledActionsFilter(t *testing.T) {
	ctx := context.Background()
	rec := &sink{}
	ext := audithook.New(rec, audithook.WithEnabledActions(audithook.ActionWebhookFailed))

	require.NoError(t, ext.OnWebhookProcessed(ctx, &webhook.Event{EventID: "evt_1", Status: webhook.StatusProcessed}))
	require.NoError(t, ext.OnWebhookFailed(ctx, &webhook.Event{EventID: "evt_2", Provider: "stripe"}, errors.New("boom")))

	require.Equal(t, []string{audithook.ActionWebhookFailed}, rec.actions())
	failed := rec.find(audithook.ActionWebhookFailed)
	assert.Equal(t, "boom", failed.Reason)
	assert.Equal(t, audithook.SeverityError, failed.Severity)
	assert.Equal(t, "evt_2", failed.ResourceID)
}

func TestAuditReconcileOnlyWhenOwnersFail(t *testing.T) {
	ctx := context.Background()
	rec := &sink{}
	ext := audithook.New(rec)

	require.NoError(t, ext.OnReconcileCompleted(ctx, 3, 2, 0, time.Second))
	assert.Empty(t, rec.actions())

	require.NoError(t, ext.OnReconcileCompleted(ctx, 3, 2, 1, time.Second))
	assert.Equal(t, []string{audithook.ActionReconcileCompleted}, rec.actions())
}

func TestAuditRecorderErrorsAreSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))

	err := ext.OnConsistencyWarning(context.Background(), "owner-1", credits.WarnReservedDrift,
		credits.ConsistencyWarning{OwnerID: "owner-1", Kind: credits.WarnReservedDrift})
	assert.NoError(t, err)
}
