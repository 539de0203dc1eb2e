package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.Equal(t, DispatchTemporal, cfg.DispatchMode)
	require.Equal(t, "deposit-task-queue", cfg.TemporalTaskQueue)
	require.Equal(t, 10*time.Minute, cfg.DepositTimeout)
	require.Equal(t, 30*time.Minute, cfg.StaleAfter)
	require.Equal(t, 5, cfg.CriticalMaxAttempts)
	require.True(t, cfg.WatchRepositories)
	require.Equal(t, StagingMinio, cfg.StagingDriver)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "PGX")
	t.Setenv("STORE_DSN", "postgres://u:p@db/deposits")
	t.Setenv("DISPATCH_MODE", "inline")
	t.Setenv("DEPOSIT_TIMEOUT", "90")
	t.Setenv("STALE_AFTER", "2h")
	t.Setenv("SWEEP_CONCURRENCY", "not-a-number")
	t.Setenv("HEALTH_INTERVAL", "-1s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "pgx", cfg.StoreDriver)
	require.Equal(t, DispatchInline, cfg.DispatchMode)
	require.Equal(t, 90*time.Second, cfg.DepositTimeout)
	require.Equal(t, 2*time.Hour, cfg.StaleAfter)
	require.Equal(t, defaultSweepConcurrency, cfg.SweepConcurrency)
	require.Equal(t, defaultHealthEvery, cfg.HealthInterval)
}

func TestLoadDurationBounds(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DEPOSIT_TIMEOUT", "0")
	t.Setenv("STALE_AFTER", "-30")
	t.Setenv("AGGREGATION_INTERVAL", "0")
	t.Setenv("ADVANCEMENT_INTERVAL", "-5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, defaultDepositTimeout, cfg.DepositTimeout)
	require.Equal(t, defaultStaleAfter, cfg.StaleAfter)
	require.Zero(t, cfg.AggregationInterval)
	require.Equal(t, defaultAdvancementEvery, cfg.AdvancementInterval)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")
	_, err := Load()
	require.ErrorContains(t, err, "STORE_DRIVER")

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DSN", "")
	_, err = Load()
	require.ErrorContains(t, err, "STORE_DSN")

	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DISPATCH_MODE", "carrier-pigeon")
	_, err = Load()
	require.ErrorContains(t, err, "DISPATCH_MODE")

	t.Setenv("DISPATCH_MODE", "inline")
	t.Setenv("STAGING_DRIVER", "nfs")
	_, err = Load()
	require.ErrorContains(t, err, "STAGING_DRIVER")
}
