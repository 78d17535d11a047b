package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Enforcements.WithLabelValues("CONFIRMED").Inc()
	m.Enforcements.WithLabelValues("CONFIRMED").Inc()
	m.RateLimited.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Enforcements.WithLabelValues("CONFIRMED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["auditor_enforcements_total"])
	assert.True(t, names["auditor_rate_limited_total"])
}

func TestNew_SeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
