package scanner

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for scanner polling.
type Metrics struct {
	FetchesTotal *prometheus.CounterVec
	SignalsTotal *prometheus.CounterVec
	LastSuccess  *prometheus.GaugeVec
}

// NewMetrics registers and returns scanner metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_scanner_fetches_total",
			Help: "Feed fetches by feed and result (ok, sample, unavailable, error).",
		}, []string{"feed", "result"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_scanner_signals_total",
			Help: "Signals submitted from scanner feeds by feed and result (accepted, failed, deferred).",
		}, []string{"feed", "result"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripwire_scanner_last_success_timestamp_seconds",
			Help: "Unix time of the last successful fetch per feed.",
		}, []string{"feed"}),
	}
	reg.MustRegister(m.FetchesTotal, m.SignalsTotal, m.LastSuccess)
	return m
}

func (m *Metrics) fetch(feed, result string) {
	if m != nil {
		m.FetchesTotal.WithLabelValues(feed, result).Inc()
	}
}

func (m *Metrics) signals(feed, result string, n int) {
	if m != nil && n > 0 {
		m.SignalsTotal.WithLabelValues(feed, result).Add(float64(n))
	}
}

func (m *Metrics) success(feed string, at float64) {
	if m != nil {
		m.LastSuccess.WithLabelValues(feed).Set(at)
	}
}
