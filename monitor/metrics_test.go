package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("counters increment per label set", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		m := NewMetrics(registry)

		m.Published("ear.to.brain")
		m.Published("ear.to.brain")
		m.Consumed("ear.to.brain", "ack")
		m.DeadLettered("ear.to.brain", "schema")
		m.SetDLQDepth("ear.to.brain.dlq", 7)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("ear.to.brain")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.consumedTotal.WithLabelValues("ear.to.brain", "ack")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetteredTotal.WithLabelValues("ear.to.brain", "schema")))
		assert.Equal(t, 7.0, testutil.ToFloat64(m.dlqDepth.WithLabelValues("ear.to.brain.dlq")))
	})

	t.Run("gauge overwrites on each observation", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		m := NewMetrics(registry)

		m.SetDLQDepth("q.dlq", 3)
		m.SetDLQDepth("q.dlq", 0)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.dlqDepth.WithLabelValues("q.dlq")))
	})

	t.Run("collectors register under the voicepipe namespace", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		m := NewMetrics(registry)
		m.Published("q")

		families, err := registry.Gather()
		require.NoError(t, err)

		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "voicepipe_messaging_published_total")
	})
}
