package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics exposes counters/histograms for the webhook → Gemini → Goftino flow.
type RelayMetrics struct {
	attemptsTotal   *prometheus.CounterVec
	rotationsTotal  prometheus.Counter
	exhaustedTotal  prometheus.Counter
	webhookTotal    *prometheus.CounterVec
	repliesTotal    *prometheus.CounterVec
	historyTurns    prometheus.Histogram
	processDuration *prometheus.HistogramVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goftinobot",
			Subsystem: "gemini",
			Name:      "attempts_total",
			Help:      "Completion attempts by outcome and failure kind",
		}, []string{"outcome", "kind"}),
		rotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goftinobot",
			Subsystem: "gemini",
			Name:      "credential_rotations_total",
			Help:      "Credentials moved to the back of the pool after a failure",
		}),
		exhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goftinobot",
			Subsystem: "gemini",
			Name:      "exhausted_total",
			Help:      "Calls that failed on every credential in the pool",
		}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goftinobot",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Inbound Goftino webhook events by event type and status",
		}, []string{"event", "status"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goftinobot",
			Subsystem: "relay",
			Name:      "outcomes_total",
			Help:      "Background relay task outcomes",
		}, []string{"outcome"}),
		historyTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "goftinobot",
			Subsystem: "relay",
			Name:      "history_turns",
			Help:      "Turns passed to Gemini after reconciliation",
			Buckets:   []float64{0, 1, 2, 4, 6, 8, 10, 20},
		}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "goftinobot",
			Subsystem: "relay",
			Name:      "process_seconds",
			Help:      "Duration of one background relay task",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.attemptsTotal, m.rotationsTotal, m.exhaustedTotal,
		m.webhookTotal, m.repliesTotal, m.historyTurns, m.processDuration,
	)
	return m
}

// ObserveAttempt records one backend attempt. kind is empty on success.
func (m *RelayMetrics) ObserveAttempt(success bool, kind string) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.attemptsTotal.WithLabelValues(outcome, kind).Inc()
}

func (m *RelayMetrics) ObserveRotation() {
	if m == nil {
		return
	}
	m.rotationsTotal.Inc()
}

func (m *RelayMetrics) ObserveExhausted() {
	if m == nil {
		return
	}
	m.exhaustedTotal.Inc()
}

func (m *RelayMetrics) ObserveWebhook(event, status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(event, status).Inc()
}

func (m *RelayMetrics) ObserveOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(outcome).Inc()
	m.processDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *RelayMetrics) ObserveHistory(turns int) {
	if m == nil {
		return
	}
	m.historyTurns.Observe(float64(turns))
}
