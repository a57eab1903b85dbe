package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghrunner/broker-proxy/internal/events"
)

func gaugeValue(t *testing.T, g *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.WithLabelValues(labels...).Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestStatusUpdateSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.StatusUpdate([]events.TargetStatus{
		{TargetID: "t1", SessionActive: true, JobsAssigned: 3},
		{TargetID: "t2", SessionActive: false, JobsAssigned: 0},
	})

	assert.Equal(t, 1.0, gaugeValue(t, c.sessionActive, "t1"))
	assert.Equal(t, 3.0, gaugeValue(t, c.jobsAssigned, "t1"))
	assert.Equal(t, 0.0, gaugeValue(t, c.sessionActive, "t2"))
}

func TestJobReceivedIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.JobReceived("t1", "job-1")
	c.JobReceived("t1", "job-2")

	assert.Equal(t, 2.0, counterValue(t, c.jobsReceived, "t1"))
}

func TestErrorIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Error("t1", errors.New("boom"))

	assert.Equal(t, 1.0, counterValue(t, c.targetErrors, "t1"))
}
