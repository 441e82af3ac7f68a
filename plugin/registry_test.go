package plugin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/reservation"
)

type recorder struct {
	mu        sync.Mutex
	committed []string
	cleanups  []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnReservationCommitted(_ context.Context, rsv *reservation.Reservation, _ *billing.MessageCharge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, rsv.MessageID)
	return nil
}

func (r *recorder) OnCleanupFailed(_ context.Context, op string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, op)
	return errors.New("hook errors are swallowed")
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnShutdown(ctx context.Context) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(&recorder{}))
	require.Error(t, reg.Register(&recorder{}))
	assert.Equal(t, 1, reg.Count())
	assert.NotNil(t, reg.Get("recorder"))
	assert.Nil(t, reg.Get("missing"))
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	rec := &recorder{}
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(rec))
	require.NoError(t, reg.Register(slowPlugin{}))

	ctx := context.Background()
	reg.EmitReservationCommitted(ctx, &reservation.Reservation{MessageID: "m1"}, &billing.MessageCharge{})
	reg.EmitCleanupFailed(ctx, "release", errors.New("boom"))
	// No plugin implements this hook; it must be a no-op.
	reg.EmitWebhookDuplicate(ctx, "stripe", "evt_1")

	assert.Equal(t, []string{"m1"}, rec.committed)
	assert.Equal(t, []string{"release"}, rec.cleanups)
}

func TestEmitTimesOutSlowPlugins(t *testing.T) {
	reg := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	require.NoError(t, reg.Register(slowPlugin{}))

	start := time.Now()
	reg.EmitShutdown(context.Background())
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
