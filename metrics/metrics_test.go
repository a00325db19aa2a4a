package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetSockets(1, 2, 3)
		c.SetQueue(1, 1)
		c.Dial(ResultSuccess)
		c.Duplicate()
		c.Forgotten(2)
		c.Rejected()
	})
}

func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				out[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[name] = m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestCollector_Values(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.SetSockets(3, 2, 1)
	c.SetQueue(5, 4)
	c.Dial(ResultSuccess)
	c.Dial(ResultFailure)
	c.Dial(ResultFailure)
	c.Forgotten(3)
	c.Forgotten(0)

	got := gathered(t, reg)
	assert.Equal(t, 3.0, got["cellswarm_peers"])
	assert.Equal(t, 2.0, got["cellswarm_client_sockets"])
	assert.Equal(t, 5.0, got["cellswarm_queue_length"])
	assert.Equal(t, 2.0, got["cellswarm_dials_total/failure"])
	assert.Equal(t, 3.0, got["cellswarm_forgotten_total"])

	_, err = New(reg)
	assert.Error(t, err, "registering twice must fail")
}
