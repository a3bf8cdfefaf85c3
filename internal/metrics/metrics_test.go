package metrics_test

import (
	"errors"
	"testing"

	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.IncDispatch(metrics.DispatchServed)
	m.IncDispatch(metrics.DispatchServed)
	m.IncBillingCall("set_daily_budget", nil)
	m.IncBillingCall("set_daily_budget", errors.New("boom"))
	m.IncGuardViolation("original_click_limit")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["campaign_redirect_dispatch_total"])
	assert.True(t, names["campaign_redirect_billing_calls_total"])
	assert.True(t, names["campaign_redirect_guard_violations_total"])

	count, err := testutil.GatherAndCount(reg, "campaign_redirect_billing_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.IncDispatch(metrics.DispatchExhausted)
		m.IncRedirectMethod("direct")
		m.IncMethodDropped()
		m.IncSpendTransition("low_spend", "high_spend")
		m.ObserveTick(0)
	})
}
