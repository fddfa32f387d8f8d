package scan

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pipeline telemetry to Prometheus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stale         prometheus.Counter
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "medscan"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Scan runs by terminal outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Latency of gateway calls per pipeline stage.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"stage"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stale_responses_total",
			Help:      "Gateway responses dropped because their run was reset.",
		}),
	}
	collectors := []prometheus.Collector{m.runs, m.stageDuration, m.stale}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, fmt.Errorf("register pipeline metric: %w", err)
			}
			collectors[i] = are.ExistingCollector
		}
	}
	m.runs = collectors[0].(*prometheus.CounterVec)
	m.stageDuration = collectors[1].(*prometheus.HistogramVec)
	m.stale = collectors[2].(prometheus.Counter)
	return m, nil
}

func (m *Metrics) recordOutcome(s Snapshot) {
	if m == nil {
		return
	}
	outcome := "result"
	if s.Failure != nil {
		outcome = s.Failure.Kind.String()
		if s.Failure.Stage == StageInteraction {
			outcome += "_interaction"
		}
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordStage(stage Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage.String()).Observe(d.Seconds())
}

func (m *Metrics) recordStale() {
	if m == nil {
		return
	}
	m.stale.Inc()
}
