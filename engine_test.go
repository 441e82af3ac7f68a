package credits_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/wallet"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *credits.Engine
	store  *memory.Store
	clock  *clock
}

func newHarness(t *testing.T, opts ...credits.Option) *harness {
	t.Helper()
	s := memory.New()
	c := newClock()
	opts = append([]credits.Option{credits.WithClock(c.Now)}, opts...)
	e := credits.New(s, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return &harness{engine: e, store: s, clock: c}
}

func (h *harness) fund(t *testing.T, ownerID string, amount int64) {
	t.Helper()
	_, err := h.engine.Credit(context.Background(), ownerID, amount, wallet.Meta{Reason: "test"})
	require.NoError(t, err)
}

func (h *harness) subscribe(t *testing.T, ownerID string, included int64) {
	t.Helper()
	start := h.clock.Now().Add(-time.Hour)
	_, err := h.engine.ActivateSubscription(context.Background(), ownerID, credits.SubscriptionInput{
		SubscriptionID:    "sub_" + ownerID,
		PlanType:          "starter",
		Interval:          allowance.IntervalMonth,
		IncludedPerPeriod: included,
		PeriodStart:       start,
		PeriodEnd:         start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
}

func (h *harness) wallet(t *testing.T, ownerID string) *wallet.Wallet {
	t.Helper()
	w, err := h.store.GetWallet(context.Background(), ownerID)
	require.NoError(t, err)
	return w
}

// corruptReserved overwrites the stored reserved balance, simulating drift
// left behind by a crashed writer.
func (h *harness) corruptReserved(t *testing.T, ownerID string, reserved int64) {
	t.Helper()
	err := h.store.WithOwnerLock(context.Background(), ownerID, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		w.ReservedBalance = reserved
		return tx.SaveWallet(ctx, w)
	})
	require.NoError(t, err)
}

func TestWithConfigFillsDefaults(t *testing.T) {
	e := credits.New(memory.New(), credits.WithConfig(credits.Config{ReconcileInterval: -time.Minute}))
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())
	require.Equal(t, credits.DefaultConfig(), e.Config())
}

func TestStartRunsScheduledReconcile(t *testing.T) {
	s := memory.New()
	e := credits.New(s, credits.WithConfig(credits.Config{ReconcileInterval: 10 * time.Millisecond}))
	ctx := context.Background()

	// A startup-scoped context ends before the sweep is due.
	startCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, e.Start(startCtx))
	cancel()

	_, err := e.Credit(ctx, "owner-sched", 5, wallet.Meta{})
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	_, err = e.Reserve(ctx, "owner-sched", 2, credits.ReserveOpts{MessageID: "sched-1", ExpiresAt: &past})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w, err := s.GetWallet(ctx, "owner-sched")
		return err == nil && w.ReservedBalance == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Stop())
}
