package delegation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report delegation activity.
type Metrics struct {
	delegationsTotal   *prometheus.CounterVec
	delegationDuration *prometheus.HistogramVec
	delegationsActive  prometheus.Gauge
	resolverMisses     prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when multiple coordinators exist in
// one process (e.g. unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided
// registerer. Supply a fresh registry when unique metric names are required
// (for example in tests). Registration errors other than duplicate
// registration panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	delegationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "delegation",
			Name:      "delegations_total",
			Help:      "Total delegations handled, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	delegationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "handoff",
			Subsystem: "delegation",
			Name:      "delegation_duration_seconds",
			Help:      "Wall-clock duration of delegated executions.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	delegationsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "handoff",
			Subsystem: "delegation",
			Name:      "delegations_active",
			Help:      "Number of delegations currently in flight.",
		},
	)
	resolverMisses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "delegation",
			Name:      "resolver_misses_total",
			Help:      "Completions that found no registered resolver (benign race).",
		},
	)

	for _, collector := range []prometheus.Collector{delegationsTotal, delegationDuration, delegationsActive, resolverMisses} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case delegationsTotal:
					delegationsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case delegationDuration:
					delegationDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case delegationsActive:
					delegationsActive = already.ExistingCollector.(prometheus.Gauge)
				case resolverMisses:
					resolverMisses = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		delegationsTotal:   delegationsTotal,
		delegationDuration: delegationDuration,
		delegationsActive:  delegationsActive,
		resolverMisses:     resolverMisses,
	}
}

func (m *Metrics) observe(outcome string, seconds float64) {
	m.delegationsTotal.WithLabelValues(outcome).Inc()
	m.delegationDuration.WithLabelValues(outcome).Observe(seconds)
}
