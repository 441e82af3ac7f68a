package credits_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
)

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := credits.LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, credits.DefaultConfig(), cfg)
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	path := writeEnv(t, "CREDIT_RESERVATION_TTL_MINUTES=30\nCREDIT_RESERVATION_RECONCILE_LIMIT=50\nWEBHOOK_STALENESS_MINUTES=2\n")
	t.Setenv(credits.EnvReconcileLimit, "75")

	cfg, err := credits.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 30*time.Minute, cfg.ReconcileOlderThan, "older-than follows the TTL")
	assert.Equal(t, 75, cfg.ReconcileBatchLimit, "process env wins over the file")
	assert.Equal(t, 2*time.Minute, cfg.WebhookStalenessWindow)
}

func TestLoadConfigExplicitOlderThan(t *testing.T) {
	t.Setenv(credits.EnvReservationTTL, "60")
	t.Setenv(credits.EnvReconcileOlderThan, "90")
	t.Setenv(credits.EnvReconcileInterval, "5")

	cfg, err := credits.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.ReconcileOlderThan)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv(credits.EnvReservationTTL, "soon")
	_, err := credits.LoadConfig()
	var verr credits.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, credits.EnvReservationTTL, verr.Field)

	t.Setenv(credits.EnvReservationTTL, "0")
	_, err = credits.LoadConfig()
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, credits.DefaultConfig().Validate())

	cfg := credits.DefaultConfig()
	cfg.ReconcileBatchLimit = 0
	err := cfg.Validate()
	var verr credits.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ReconcileBatchLimit", verr.Field)
}
