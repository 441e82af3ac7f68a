package kafkasink_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/kafkasink"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/wallet"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) types(t *testing.T) []string {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.msgs))
	for _, m := range w.msgs {
		var evt kafkasink.Event
		require.NoError(t, json.Unmarshal(m.Value, &evt))
		require.Len(t, m.Headers, 1)
		assert.Equal(t, evt.Type, string(m.Headers[0].Value))
		assert.Equal(t, evt.OwnerID, string(m.Key))
		out = append(out, evt.Type)
	}
	return out
}

func TestSinkPublishesCommittedEvents(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{}
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sink := kafkasink.New(w, kafkasink.WithClock(func() time.Time { return at }))

	e := credits.New(memory.New(), credits.WithPlugin(sink))
	require.NoError(t, e.Start(ctx))

	_, err := e.Credit(ctx, "owner-1", 5, wallet.Meta{Reason: "topup"})
	require.NoError(t, err)
	_, err = e.Reserve(ctx, "owner-1", 2, credits.ReserveOpts{MessageID: "m-1"})
	require.NoError(t, err)
	_, err = e.Commit(ctx, "owner-1", credits.ReservationRef{MessageID: "m-1"}, credits.CommitOpts{})
	require.NoError(t, err)

	// Rejected work publishes nothing.
	_, err = e.Reserve(ctx, "owner-1", 50, credits.ReserveOpts{MessageID: "m-2"})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	assert.Equal(t, []string{
		kafkasink.TypeCreditsAdded,
		kafkasink.TypeReservationCreated,
		kafkasink.TypeCreditsDebited,
		kafkasink.TypeReservationCommitted,
	}, w.types(t))

	var committed struct {
		OccurredAt time.Time `json:"occurred_at"`
		Data       struct {
			Reservation reservation.Reservation `json:"reservation"`
			Charge      struct {
				DebitedCredits int64 `json:"debited_credits"`
			} `json:"charge"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[3].Value, &committed))
	assert.Equal(t, at, committed.OccurredAt)
	assert.Equal(t, "m-1", committed.Data.Reservation.MessageID)
	assert.Equal(t, reservation.StatusCommitted, committed.Data.Reservation.Status)
	assert.Equal(t, int64(2), committed.Data.Charge.DebitedCredits)

	require.NoError(t, e.Stop())
	assert.True(t, w.closed)
}

func TestSinkExpiredBatch(t *testing.T) {
	w := &recordingWriter{}
	sink := kafkasink.New(w)

	expired := []*reservation.Reservation{
		{OwnerID: "owner-1", MessageID: "a", Amount: 1, Status: reservation.StatusExpired},
		{OwnerID: "owner-1", MessageID: "b", Amount: 1, Status: reservation.StatusExpired},
	}
	require.NoError(t, sink.OnReservationsExpired(context.Background(), "owner-1", expired))
	assert.Equal(t, []string{kafkasink.TypeReservationsExpired, kafkasink.TypeReservationsExpired}, w.types(t))

	require.NoError(t, sink.OnReservationsExpired(context.Background(), "owner-1", nil))
	assert.Len(t, w.msgs, 2)
}

func TestSinkReportsWriteFailures(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	sink := kafkasink.New(w)

	err := sink.OnConsistencyWarning(context.Background(), "owner-1", credits.WarnCommitShortfall,
		credits.ConsistencyWarning{OwnerID: "owner-1", Kind: credits.WarnCommitShortfall})
	require.Error(t, err)
	assert.Contains(t, err.Error(), kafkasink.TypeConsistencyWarning)
}

func TestNewWriterUsesHashBalancer(t *testing.T) {
	w := kafkasink.NewWriter([]string{"localhost:9092"}, "credits-events")
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, "credits-events", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
}
