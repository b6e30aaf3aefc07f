package cases

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

// Hooks are optional callbacks fired by the pipeline. Nil fields are skipped.
type Hooks struct {
	OnSubmit     func(result string)
	OnCaseOpened func(kind signal.Kind)
	OnConflict   func()
	OnAttempt    func(a ActionType, outcome string, seconds float64)
	OnRetry      func(a ActionType)
	OnSkip       func(a ActionType)
	OnDispatch   func(outcome string)
	OnQueue      func(depth, inFlight int)
	OnSnapshot   func(s *Snapshot)
}

func (h Hooks) submit(result string) {
	if h.OnSubmit != nil {
		h.OnSubmit(result)
	}
}

func (h Hooks) caseOpened(k signal.Kind) {
	if h.OnCaseOpened != nil {
		h.OnCaseOpened(k)
	}
}

func (h Hooks) conflict() {
	if h.OnConflict != nil {
		h.OnConflict()
	}
}

func (h Hooks) attempt(a ActionType, outcome string, seconds float64) {
	if h.OnAttempt != nil {
		h.OnAttempt(a, outcome, seconds)
	}
}

func (h Hooks) retry(a ActionType) {
	if h.OnRetry != nil {
		h.OnRetry(a)
	}
}

func (h Hooks) skip(a ActionType) {
	if h.OnSkip != nil {
		h.OnSkip(a)
	}
}

func (h Hooks) dispatched(outcome string) {
	if h.OnDispatch != nil {
		h.OnDispatch(outcome)
	}
}

func (h Hooks) queue(depth, inFlight int) {
	if h.OnQueue != nil {
		h.OnQueue(depth, inFlight)
	}
}

func (h Hooks) snapshot(s *Snapshot) {
	if h.OnSnapshot != nil {
		h.OnSnapshot(s)
	}
}

// Metrics holds Prometheus metrics for the case pipeline.
type Metrics struct {
	SubmitsTotal      *prometheus.CounterVec
	CasesOpened       *prometheus.CounterVec
	ConflictsTotal    prometheus.Counter
	ActionAttempts    *prometheus.CounterVec
	ActionRetries     *prometheus.CounterVec
	ActionSkips       *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	DispatchesTotal   *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	InFlight          prometheus.Gauge
	CasesByState      *prometheus.GaugeVec
	ReviewQueueDepth  prometheus.Gauge
	LastSnapshotEpoch prometheus.Gauge
}

// NewMetrics registers and returns case pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_signal_submits_total",
			Help: "Total signal submissions by result.",
		}, []string{"result"}),
		CasesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_cases_opened_total",
			Help: "Total cases opened by violation kind.",
		}, []string{"kind"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripwire_case_write_conflicts_total",
			Help: "Optimistic write conflicts retried by the correlator.",
		}),
		ActionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_action_attempts_total",
			Help: "Collaborator calls by action and outcome.",
		}, []string{"action", "outcome"}),
		ActionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_action_retries_total",
			Help: "Transient failures that were retried, by action.",
		}, []string{"action"}),
		ActionSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_action_skips_total",
			Help: "Actions skipped because the ledger already recorded success.",
		}, []string{"action"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripwire_action_duration_seconds",
			Help:    "Duration of individual collaborator calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"action"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripwire_dispatches_total",
			Help: "Dispatcher runs by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_dispatch_queue_depth",
			Help: "Cases waiting for a dispatcher slot.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_dispatch_in_flight",
			Help: "Cases currently being dispatched.",
		}),
		CasesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripwire_cases",
			Help: "Cases by state, as of the last monitor run.",
		}, []string{"state"}),
		ReviewQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_review_queue_depth",
			Help: "Cases parked for operator review.",
		}),
		LastSnapshotEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripwire_monitor_last_run_timestamp_seconds",
			Help: "Unix time of the last successful monitor run.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.CasesOpened,
		m.ConflictsTotal,
		m.ActionAttempts,
		m.ActionRetries,
		m.ActionSkips,
		m.ActionDuration,
		m.DispatchesTotal,
		m.QueueDepth,
		m.InFlight,
		m.CasesByState,
		m.ReviewQueueDepth,
		m.LastSnapshotEpoch,
	)

	return m
}

// Hooks returns pipeline hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnCaseOpened: func(k signal.Kind) {
			m.CasesOpened.WithLabelValues(string(k)).Inc()
		},
		OnConflict: func() {
			m.ConflictsTotal.Inc()
		},
		OnAttempt: func(a ActionType, outcome string, seconds float64) {
			m.ActionAttempts.WithLabelValues(string(a), outcome).Inc()
			m.ActionDuration.WithLabelValues(string(a)).Observe(seconds)
		},
		OnRetry: func(a ActionType) {
			m.ActionRetries.WithLabelValues(string(a)).Inc()
		},
		OnSkip: func(a ActionType) {
			m.ActionSkips.WithLabelValues(string(a)).Inc()
		},
		OnDispatch: func(outcome string) {
			m.DispatchesTotal.WithLabelValues(outcome).Inc()
		},
		OnQueue: func(depth, inFlight int) {
			m.QueueDepth.Set(float64(depth))
			m.InFlight.Set(float64(inFlight))
		},
		OnSnapshot: func(s *Snapshot) {
			for _, st := range []State{StateDetected, StateUnderReview, StateActionsDispatched, StateResolved, StateDismissed} {
				m.CasesByState.WithLabelValues(string(st)).Set(float64(s.ByState[st]))
			}
			m.ReviewQueueDepth.Set(float64(s.NeedsReview))
			m.LastSnapshotEpoch.Set(float64(s.At.Unix()))
		},
	}
}
