package reservation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Operations    *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	UnitsAcquired prometheus.Counter
	UnitsRejected prometheus.Counter
}

// NewMetrics registers engine metrics on reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasekeeper_operations_total",
				Help: "Lease operations by outcome code",
			},
			[]string{"operation", "outcome"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leasekeeper_operation_duration_seconds",
				Help:    "Lease operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		UnitsAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "leasekeeper_units_acquired_total",
			Help: "Units granted by successful acquires",
		}),
		UnitsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "leasekeeper_units_rejected_total",
			Help: "Units requested by acquires rejected for capacity",
		}),
	}
}

func (m *Metrics) observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Code(err)
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
	m.Duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
