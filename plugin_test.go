package credits_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// recordingPlugin captures the hooks the engine emits.
type recordingPlugin struct {
	mu        sync.Mutex
	warnings  []string
	cleanups  []string
	created   []string
	committed []string
	expired   int
	billed    []string
	webhooks  []string
	added     int64
}

func (p *recordingPlugin) Name() string { return "recording" }

func (p *recordingPlugin) OnConsistencyWarning(_ context.Context, _, kind string, _ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warnings = append(p.warnings, kind)
	return nil
}

func (p *recordingPlugin) OnCleanupFailed(_ context.Context, op string, _ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, op)
	return nil
}

func (p *recordingPlugin) OnReservationCreated(_ context.Context, r *reservation.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, r.MessageID)
	return nil
}

func (p *recordingPlugin) OnReservationCommitted(_ context.Context, r *reservation.Reservation, _ *billing.MessageCharge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, r.MessageID)
	return nil
}

func (p *recordingPlugin) OnReservationsExpired(_ context.Context, _ string, expired []*reservation.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired += len(expired)
	return nil
}

func (p *recordingPlugin) OnMessageBilled(_ context.Context, c *billing.MessageCharge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.billed = append(p.billed, c.MessageID)
	return nil
}

func (p *recordingPlugin) OnWebhookStale(_ context.Context, _, eventID string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhooks = append(p.webhooks, "stale:"+eventID)
	return nil
}

func (p *recordingPlugin) OnWebhookDuplicate(_ context.Context, _, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhooks = append(p.webhooks, "duplicate:"+eventID)
	return nil
}

func (p *recordingPlugin) OnWebhookFailed(_ context.Context, evt *webhook.Event, _ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhooks = append(p.webhooks, "failed:"+evt.EventID)
	return nil
}

func (p *recordingPlugin) OnCreditsAdded(_ context.Context, e *wallet.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added += e.Amount
	return nil
}

func (p *recordingPlugin) warningKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.warnings...)
}

func TestHooksFireOnlyAfterCommit(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	h.fund(t, "owner-1", 1)

	// Rolled back: two messages do not fit one credit.
	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"a", "b"}, credits.BatchReserveOpts{})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
	assert.Empty(t, rec.created)

	_, err = h.engine.ReserveForMessages(ctx, "owner-1", []string{"a"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	_, err = h.engine.Commit(ctx, "owner-1", credits.ByMessage("a"), credits.CommitOpts{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, rec.created)
	assert.Equal(t, []string{"a"}, rec.committed)
	assert.Equal(t, []string{"a"}, rec.billed)
	assert.Equal(t, int64(1), rec.added)
}

func TestBestEffortReportsFailures(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	ok := h.engine.BestEffort(ctx, "cleanup.ok", func(ctx context.Context) error {
		ran = true
		return ctx.Err()
	})
	assert.True(t, ok, "cleanup runs even after the caller's context is cancelled")
	assert.True(t, ran)

	ok = h.engine.BestEffort(context.Background(), "cleanup.fail", func(context.Context) error {
		return assert.AnError
	})
	assert.False(t, ok)
	assert.Equal(t, []string{"cleanup.fail"}, rec.cleanups)
}

func TestReleaseBestEffort(t *testing.T) {
	rec := &recordingPlugin{}
	h := newHarness(t, credits.WithPlugin(rec))
	ctx := context.Background()
	h.fund(t, "owner-1", 3)

	_, err := h.engine.ReserveForMessages(ctx, "owner-1", []string{"x", "y"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	_, err = h.engine.Commit(ctx, "owner-1", credits.ByMessage("y"), credits.CommitOpts{})
	require.NoError(t, err)

	assert.True(t, h.engine.ReleaseBestEffort(ctx, "owner-1", credits.ByMessage("x"), "send_failed"))
	assert.True(t, h.engine.ReleaseBestEffort(ctx, "owner-1", credits.ByMessage("y"), "send_failed"))
	assert.False(t, h.engine.ReleaseBestEffort(ctx, "owner-1", credits.ByMessage("nope"), "send_failed"))
	assert.Equal(t, []string{"reservation.release"}, rec.cleanups)
	assert.Zero(t, h.wallet(t, "owner-1").ReservedBalance)
}
