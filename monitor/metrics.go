package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects pipeline messaging counters, exposed through the
// health server's /metrics endpoint.
type Metrics struct {
	publishedTotal    *prometheus.CounterVec
	consumedTotal     *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	dlqDepth          *prometheus.GaugeVec
}

// NewMetrics creates and registers the pipeline collectors. A nil
// registerer uses the default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicepipe",
				Subsystem: "messaging",
				Name:      "published_total",
				Help:      "Messages published with broker confirmation, by queue.",
			},
			[]string{"queue"},
		),
		consumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicepipe",
				Subsystem: "messaging",
				Name:      "consumed_total",
				Help:      "Messages consumed, by queue and settlement outcome.",
			},
			[]string{"queue", "outcome"},
		),
		deadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicepipe",
				Subsystem: "messaging",
				Name:      "deadlettered_total",
				Help:      "Messages routed to a dead-letter queue, by queue and reason.",
			},
			[]string{"queue", "reason"},
		),
		dlqDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "voicepipe",
				Subsystem: "messaging",
				Name:      "dlq_depth",
				Help:      "Messages currently waiting on a dead-letter queue.",
			},
			[]string{"queue"},
		),
	}

	registerer.MustRegister(m.publishedTotal, m.consumedTotal, m.deadLetteredTotal, m.dlqDepth)
	return m
}

// Published records a confirmed publish.
func (m *Metrics) Published(queue string) {
	m.publishedTotal.WithLabelValues(queue).Inc()
}

// Consumed records a settled delivery. Outcome is one of "ack",
// "retry", "deadletter".
func (m *Metrics) Consumed(queue, outcome string) {
	m.consumedTotal.WithLabelValues(queue, outcome).Inc()
}

// DeadLettered records a message routed to the DLQ.
func (m *Metrics) DeadLettered(queue, reason string) {
	m.deadLetteredTotal.WithLabelValues(queue, reason).Inc()
}

// SetDLQDepth records the observed depth of a dead-letter queue.
func (m *Metrics) SetDLQDepth(queue string, depth int) {
	m.dlqDepth.WithLabelValues(queue).Set(float64(depth))
}
