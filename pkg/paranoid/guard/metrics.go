package guard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dial outcomes reported by Metrics.
const (
	OutcomeConnected         = "connected"
	OutcomeRejectedTransport = "rejected_transport"
	OutcomeRejectedPort      = "rejected_port"
	OutcomeRejectedAddress   = "rejected_address"
	OutcomeResolutionError   = "resolution_error"
	OutcomeConnectionError   = "connection_error"
)

// Metrics collects dial statistics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	dials   *prometheus.CounterVec
	resolve prometheus.Histogram
	connect prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paranoid",
			Name:      "dials_total",
			Help:      "Dial attempts by outcome.",
		}, []string{"outcome"}),
		resolve: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "paranoid",
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving and filtering target hosts.",
			Buckets:   prometheus.DefBuckets,
		}),
		connect: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "paranoid",
			Name:      "connect_duration_seconds",
			Help:      "Time spent connecting to validated addresses.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.dials, m.resolve, m.connect)
	}
	return m
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeResolve(start time.Time) {
	if m == nil {
		return
	}
	m.resolve.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeConnect(start time.Time) {
	if m == nil {
		return
	}
	m.connect.Observe(time.Since(start).Seconds())
}

func rejectOutcome(reason RejectReason) string {
	switch reason {
	case RejectTransport:
		return OutcomeRejectedTransport
	case RejectPort:
		return OutcomeRejectedPort
	default:
		return OutcomeRejectedAddress
	}
}
