package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/sqlite"
	"github.com/xraph/credits/store/storetest"
	"github.com/xraph/credits/wallet"
)

func openMemory(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, openMemory)
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openMemory(t)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
}

func TestDSN(t *testing.T) {
	dsn := sqlite.DSN("/tmp/credits.db")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
	assert.NotContains(t, sqlite.DSN(":memory:"), "journal_mode")
}

func TestEngineOnSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)

	engine := credits.New(s)
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop() }()

	_, err = engine.Credit(ctx, "owner-1", 3, wallet.Meta{Reason: "purchase"})
	require.NoError(t, err)

	res, err := engine.ReserveForMessages(ctx, "owner-1", []string{"m-1", "m-2", "m-1"}, credits.BatchReserveOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	_, err = engine.ReserveForMessages(ctx, "owner-2", []string{"m-1"}, credits.BatchReserveOpts{})
	require.ErrorIs(t, err, credits.ErrAlreadyExists)

	_, err = engine.Commit(ctx, "owner-1", credits.ByMessage("m-1"), credits.CommitOpts{})
	require.NoError(t, err)
	_, err = engine.Release(ctx, "owner-1", credits.ByMessage("m-2"), credits.ReleaseOpts{Reason: "send_failed"})
	require.NoError(t, err)

	bal, err := engine.GetBalance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal.Balance)
	assert.Zero(t, bal.Reserved)

	entries, err := engine.ListEntries(ctx, "owner-1", wallet.ListOpts{Kind: wallet.EntryDebit})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m-1", entries[0].Meta.MessageID)
}
