package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/storetest"
)

// Set CREDITS_TEST_POSTGRES_DSN to a disposable database to run.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("CREDITS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CREDITS_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := postgres.Open(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		_, err = s.DB().ExecContext(ctx, `TRUNCATE credit_wallet_entries, credit_reservations, credit_allowances,
credit_message_charges, credit_billing_transactions, credit_webhook_events, credit_wallets`)
		require.NoError(t, err)
		return s
	})
}
