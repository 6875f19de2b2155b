package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memevault"

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SweepRuns       *prometheus.CounterVec
	SweepDuration   *prometheus.HistogramVec
	SweepItemErrors *prometheus.CounterVec
	FundingChecks   *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	PayoutAttempts  *prometheus.CounterVec
	VotesCast       prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Sweep ticks by job and outcome (ran, skipped, failed).",
		}, []string{"job", "outcome"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		SweepItemErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_item_errors_total",
			Help:      "Per-challenge errors isolated by a sweep.",
		}, []string{"job"}),
		FundingChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_checks_total",
			Help:      "Balance checks by result (funded, unfunded, error).",
		}, []string{"result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenge_transitions_total",
			Help:      "Applied challenge state transitions.",
		}, []string{"transition"}),
		PayoutAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_attempts_total",
			Help:      "Transfer attempts by result (paid, failed, manual).",
		}, []string{"result"}),
		VotesCast: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "Accepted votes.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSweep(job, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(job, outcome).Inc()
	if outcome != "skipped" {
		m.SweepDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *Metrics) SweepItemError(job string) {
	if m == nil {
		return
	}
	m.SweepItemErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) FundingCheck(result string) {
	if m == nil {
		return
	}
	m.FundingChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) PayoutAttempt(result string) {
	if m == nil {
		return
	}
	m.PayoutAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Vote() {
	if m == nil {
		return
	}
	m.VotesCast.Inc()
}
