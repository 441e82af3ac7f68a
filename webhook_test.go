package credits_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/webhook"
)

func delivery(h *harness, eventID string, payload string) credits.WebhookDelivery {
	return credits.WebhookDelivery{
		Provider:       "stripe",
		EventID:        eventID,
		EventType:      "invoice.paid",
		Payload:        []byte(payload),
		OwnerID:        "owner-1",
		EventTimestamp: h.clock.Now().Add(-time.Minute),
	}
}

func TestWebhookProcessedOnce(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()

	var calls atomic.Int32
	processor := func(context.Context, *webhook.Event) error {
		calls.Add(1)
		return nil
	}

	first, err := h.engine.ProcessWebhook(ctx, delivery(h, "evt_1", `{"id":"evt_1"}`), processor)
	require.NoError(t, err)
	assert.True(t, first.Processed)
	assert.Equal(t, webhook.StatusProcessed, first.Event.Status)
	assert.Equal(t, webhook.HashPayload([]byte(`{"id":"evt_1"}`)), first.Event.PayloadHash)

	second, err := h.engine.ProcessWebhook(ctx, delivery(h, "evt_1", `{"id":"evt_1"}`), processor)
	require.NoError(t, err)
	assert.False(t, second.Processed)
	assert.Equal(t, credits.WebhookReasonDuplicate, second.Reason)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, rec.webhooks, "duplicate:evt_1")
}

func TestWebhookDuplicateByPayloadHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	noop := func(context.Context, *webhook.Event) error { return nil }

	_, err := h.engine.ProcessWebhook(ctx, delivery(h, "evt_a", `same-body`), noop)
	require.NoError(t, err)

	out, err := h.engine.ProcessWebhook(ctx, delivery(h, "evt_b", `same-body`), noop)
	require.NoError(t, err)
	assert.Equal(t, credits.WebhookReasonDuplicate, out.Reason)

	found, err := h.engine.CheckReplay(ctx, "stripe", "evt_c", webhook.HashPayload([]byte(`other`)), "owner-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestWebhookStaleIsRejected(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()

	d := delivery(h, "evt_old", `{}`)
	d.EventTimestamp = h.clock.Now().Add(-10 * time.Minute)
	out, err := h.engine.ProcessWebhook(ctx, d, func(context.Context, *webhook.Event) error {
		t.Fatal("processor must not run for stale events")
		return nil
	})
	require.ErrorIs(t, err, credits.ErrWebhookStale)
	assert.Equal(t, credits.WebhookReasonStale, out.Reason)
	assert.False(t, credits.IsRetryable(err))
	assert.Contains(t, rec.webhooks, "stale:evt_old")

	_, err = h.store.GetWebhookEvent(ctx, "stripe", "evt_old")
	require.ErrorIs(t, err, credits.ErrWebhookEventNotFound)
}

func TestWebhookUnmatchedIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := delivery(h, "evt_orphan", `{"customer":"cus_404"}`)
	d.OwnerID = ""
	d.Meta = webhook.Meta{CustomerID: "cus_404"}
	out, err := h.engine.ProcessWebhook(ctx, d, func(context.Context, *webhook.Event) error {
		t.Fatal("processor must not run without an owner")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, credits.WebhookReasonUnmatched, out.Reason)

	events, err := h.engine.ListWebhookEvents(ctx, webhook.ListOpts{Status: webhook.StatusUnmatched})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "cus_404", events[0].Meta.CustomerID)
	assert.Empty(t, events[0].OwnerID)
}

func TestWebhookProcessorFailureIsRecorded(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	boom := errors.New("downstream exploded")

	out, err := h.engine.ProcessWebhook(ctx, delivery(h, "evt_fail", `{}`), func(context.Context, *webhook.Event) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, credits.WebhookReasonFailed, out.Reason)

	evt, err := h.store.GetWebhookEvent(ctx, "stripe", "evt_fail")
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, evt.Status)
	assert.Equal(t, boom.Error(), evt.Error)
	assert.NotNil(t, evt.ProcessedAt)
	assert.Contains(t, rec.webhooks, "failed:evt_fail")

	// Failed events are not retried by redelivery.
	again, err := h.engine.ProcessWebhook(ctx, delivery(h, "evt_fail", `{}`), func(context.Context, *webhook.Event) error {
		t.Fatal("redelivery must not reprocess")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, credits.WebhookReasonDuplicate, again.Reason)
}

func TestWebhookValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ProcessWebhook(context.Background(), credits.WebhookDelivery{Provider: "stripe"}, func(context.Context, *webhook.Event) error { return nil })
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}
