package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutcomeMetrics counts per-account results of the subscription engines,
// labelled by engine (reconcile, renewal, reminders, payments) and outcome.
type OutcomeMetrics struct {
	outcomes *prometheus.CounterVec
}

// NewOutcomeMetrics registers the outcome counter on the provided registerer.
func NewOutcomeMetrics(reg prometheus.Registerer) *OutcomeMetrics {
	if reg == nil {
		return &OutcomeMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_outcomes_total",
		Help:      "Per-account outcomes of the subscription engines.",
	}, []string{"engine", "outcome"})
	reg.MustRegister(outcomes)
	return &OutcomeMetrics{outcomes: outcomes}
}

// Inc adds one to the engine/outcome pair.
func (m *OutcomeMetrics) Inc(engine, outcome string) {
	m.Add(engine, outcome, 1)
}

// Add adds n to the engine/outcome pair. Non-positive n is ignored.
func (m *OutcomeMetrics) Add(engine, outcome string, n int) {
	if m == nil || m.outcomes == nil || n <= 0 {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(engine), normalizeLabel(outcome)).Add(float64(n))
}
