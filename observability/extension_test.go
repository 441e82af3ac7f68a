package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/observability"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

func value(t *testing.T, c observability.Counter) float64 {
	t.Helper()
	pc, ok := c.(prometheus.Counter)
	require.True(t, ok, "counter is not a prometheus.Counter")
	return testutil.ToFloat64(pc)
}

func TestMetricsFollowEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	e := credits.New(memory.New(), credits.WithPlugin(metrics))
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop() })

	_, err := e.Credit(ctx, "owner-1", 10, wallet.Meta{Reason: "topup"})
	require.NoError(t, err)

	_, err = e.ReserveForMessages(ctx, "owner-1", []string{"m-1", "m-2"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	_, err = e.Commit(ctx, "owner-1", credits.ReservationRef{MessageID: "m-1"}, credits.CommitOpts{})
	require.NoError(t, err)
	_, err = e.Release(ctx, "owner-1", credits.ReservationRef{MessageID: "m-2"}, credits.ReleaseOpts{})
	require.NoError(t, err)

	assert.Equal(t, float64(10), value(t, metrics.CreditsAdded))
	assert.Equal(t, float64(2), value(t, metrics.ReservationsCreated))
	assert.Equal(t, float64(1), value(t, metrics.ReservationsCommitted))
	assert.Equal(t, float64(1), value(t, metrics.CreditsConsumed))
	assert.Equal(t, float64(0), value(t, metrics.AllowanceConsumed))
	assert.Equal(t, float64(1), value(t, metrics.ReservationsReleased))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["credits_reservation_committed_total"])
	assert.True(t, names["credits_reconcile_latency_ms"])
}

func TestMetricsCountWebhookOutcomes(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(prometheus.NewRegistry()))

	require.NoError(t, metrics.OnWebhookProcessed(ctx, &webhook.Event{Status: webhook.StatusProcessed}))
	require.NoError(t, metrics.OnWebhookProcessed(ctx, &webhook.Event{Status: webhook.StatusUnmatched}))
	require.NoError(t, metrics.OnWebhookDuplicate(ctx, "stripe", "evt_1"))
	require.NoError(t, metrics.OnWebhookStale(ctx, "stripe", "evt_2", time.Hour))
	require.NoError(t, metrics.OnCleanupFailed(ctx, "release", assert.AnError))
	require.NoError(t, metrics.OnReconcileCompleted(ctx, 4, 2, 1, 30*time.Millisecond))

	assert.Equal(t, float64(1), value(t, metrics.WebhookProcessed))
	assert.Equal(t, float64(1), value(t, metrics.WebhookUnmatched))
	assert.Equal(t, float64(1), value(t, metrics.WebhookDuplicate))
	assert.Equal(t, float64(1), value(t, metrics.WebhookStale))
	assert.Equal(t, float64(0), value(t, metrics.WebhookFailed))
	assert.Equal(t, float64(1), value(t, metrics.CleanupFailures))
	assert.Equal(t, float64(1), value(t, metrics.ReconcileRuns))
	assert.Equal(t, float64(1), value(t, metrics.ReconcileFailures))
}

func TestPrometheusFactoryReusesRegisteredCollectors(t *testing.T) {
	f := observability.NewPrometheusFactory(prometheus.NewRegistry())

	a := f.Counter("credits.webhook.failed")
	b := f.Counter("credits.webhook.failed")
	a.Inc()
	b.Add(2)

	assert.Equal(t, float64(3), value(t, a))
	assert.Same(t, a, b)
}
