package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.DBDriver)
	require.Equal(t, "8081", cfg.Port)
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	require.True(t, decimal.RequireFromString("0.01").Equal(cfg.PlatformFeeRate))
	require.True(t, decimal.NewFromInt(1000).Equal(cfg.PlatformFeeCap))
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.Empty(t, cfg.AdminUserIDs)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ADMIN_USER_IDS", "admin-1,admin-2")
	t.Setenv("GATEWAY_SECRET_KEY", "sk_test_123")
	t.Setenv("RECONCILE_PENDING_AFTER", "30m")
	t.Setenv("PLATFORM_FEE_CAP", "2500")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, []string{"admin-1", "admin-2"}, cfg.AdminUserIDs)
	require.Equal(t, "sk_test_123", cfg.WebhookSecret)
	require.Equal(t, 30*time.Minute, cfg.ReconcilePendingAfter)
	require.True(t, decimal.NewFromInt(2500).Equal(cfg.PlatformFeeCap))

	_, ok := cfg.AdminSet()["admin-2"]
	require.True(t, ok)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_driver: sqlite
database_url: /tmp/escrow.db
gateway_mode: fake
admin_user_ids:
  - root
`), 0o600))
	t.Setenv("ESCROW_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, "/tmp/escrow.db", cfg.DatabaseURL)
	require.Equal(t, GatewayModeFake, cfg.GatewayMode)
	require.Equal(t, []string{"root"}, cfg.AdminUserIDs)
}

func TestLoad_InvalidDriver(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
}
