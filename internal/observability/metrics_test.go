package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.StreamState.WithLabelValues("news1").Set(0)
	m.MuxBitrateBps.WithLabelValues("news1").Set(5_000_000)
	m.MuxPacketsSent.WithLabelValues("news1").Add(188)
	m.ECMSent.WithLabelValues("news1", "101").Inc()
	m.ECMOKPrimary.WithLabelValues("news1", "101").Inc()
	m.ECMRTTMs.WithLabelValues("news1", "101").Observe(0.042)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.StreamState.WithLabelValues("news1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ECMSent.WithLabelValues("news1", "101")))
}

func TestNewMetrics_DistinctStreamsIndependent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.StreamClientsConnected.WithLabelValues("news1").Set(3)
	m.StreamClientsConnected.WithLabelValues("sports1").Set(7)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.StreamClientsConnected.WithLabelValues("news1")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.StreamClientsConnected.WithLabelValues("sports1")))
}
