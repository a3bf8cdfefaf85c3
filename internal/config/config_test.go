package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAPIKeys(t *testing.T) {
	keys := parseAPIKeys("k1:admin, k2:sync ,broken")

	assert.Len(t, keys, 2)
	assert.Equal(t, "admin", keys["k1"])
	assert.Equal(t, "sync", keys["k2"])
	assert.Empty(t, parseAPIKeys(""))
}

func TestLoad_DefaultsAndFloor(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RECONCILER_POLL_INTERVAL", "10s")
	t.Setenv("RECONCILER_SPEND_THRESHOLD", "12.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MinPollInterval, cfg.Reconciler.PollInterval)
	assert.True(t, cfg.Reconciler.SpendThreshold.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 9*time.Minute, cfg.Reconciler.NewURLGrace)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, 3, cfg.Redirect.CounterWorkers)
}

func TestLoad_BillingTimeoutFitsTick(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BILLING_TIMEOUT", "30s")
	t.Setenv("RECONCILER_TICK_TIMEOUT", "20s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Billing.Timeout)
	assert.Less(t, cfg.Billing.Timeout, cfg.Reconciler.TickTimeout)
}
