package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestClosedStoreRejectsWork(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())

	err := s.WithOwnerLock(context.Background(), "owner-1", func(context.Context, store.Tx) error { return nil })
	require.ErrorIs(t, err, credits.ErrStoreClosed)
	require.ErrorIs(t, s.Ping(context.Background()), credits.ErrStoreClosed)
}
