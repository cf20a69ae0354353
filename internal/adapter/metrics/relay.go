package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics holds Prometheus metrics for routing, the registry and delivery.
type RelayMetrics struct {
	MessagesHandled *prometheus.CounterVec
	Registrations   *prometheus.CounterVec
	Unregistrations *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
	ResolveTargets  prometheus.Histogram
	ScanLimitHits   prometheus.Counter
	Deliveries      *prometheus.CounterVec
	SendDuration    prometheus.Histogram
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Total number of inbound messages, by classification.",
		}, []string{"kind"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total number of register calls, by result.",
		}, []string{"result"}),
		Unregistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "unregistrations_total",
			Help:      "Total number of unregister calls, by result.",
		}, []string{"result"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of broadcast target resolution in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ResolveTargets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "resolve_targets",
			Help:      "Number of targets per resolved broadcast.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ScanLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "scan_page_limit_hits_total",
			Help:      "Total number of scans truncated by the page limit.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Total number of send attempts, by outcome.",
		}, []string{"outcome"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Duration of a single transport send in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(m.MessagesHandled, m.Registrations, m.Unregistrations, m.ResolveDuration,
		m.ResolveTargets, m.ScanLimitHits, m.Deliveries, m.SendDuration)
	return m
}
