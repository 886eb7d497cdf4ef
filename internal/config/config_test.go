package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blendguard/safety-vault/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir()) // no .env here

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, uint32(7000), cfg.RiskThresholdBps)
	require.Equal(t, uint32(8500), cfg.LiquidationThresholdBps)
	require.Equal(t, config.OracleLedger, cfg.OracleMode)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
	require.Equal(t, "info", cfg.Log.Level)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("RISK_THRESHOLD_BPS", "6500")
	t.Setenv("ORACLE_MODE", "static")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, uint32(6500), cfg.RiskThresholdBps)
	require.Equal(t, config.OracleStatic, cfg.OracleMode)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=from-dotenv\n"), 0o600))
	chdir(t, dir)
	t.Setenv("JWT_SECRET", "") // registers cleanup
	os.Unsetenv("JWT_SECRET")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.JWTSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RISK_THRESHOLD_BPS", "0")
	t.Setenv("ORACLE_MODE", "magic")
	t.Setenv("SNOWFLAKE_NODE", "5000")

	_, err := config.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "RISK_THRESHOLD_BPS")
	require.Contains(t, err.Error(), "ORACLE_MODE")
	require.Contains(t, err.Error(), "SNOWFLAKE_NODE")
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	seedYAML := `
pools:
  - id: pool-usdc
    asset: USDC
    backstop_reserve: "5000"
    backstop_coverage: "1000"
  - id: pool-xlm
    asset: XLM
accounts:
  - user_id: alice
    position_id: XLM-123
    balances:
      USDC: "2000"
    collateral:
      pool-usdc: "10000"
    debt:
      pool-usdc: "8000"
`
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := config.LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Pools, 2)
	require.Len(t, seed.Accounts, 1)

	pool, err := seed.Pools[0].ToPool()
	require.NoError(t, err)
	require.NotNil(t, pool.Backstop)
	require.Equal(t, "5000", pool.Backstop.Reserve.String())

	bare, err := seed.Pools[1].ToPool()
	require.NoError(t, err)
	require.Nil(t, bare.Backstop)

	acct, err := seed.Accounts[0].ToAccount()
	require.NoError(t, err)
	require.Equal(t, "XLM-123", acct.PositionID)
	require.Equal(t, "8000", acct.Debt["pool-usdc"].String())
}

func TestLoadSeedMissingFile(t *testing.T) {
	_, err := config.LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
