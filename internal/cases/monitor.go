package cases

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Snapshot is one observation of pipeline health.
type Snapshot struct {
	At          time.Time
	ByState     map[State]int
	NeedsReview int
	QueueDepth  int
	InFlight    int
}

// Monitor is the single scheduled health-check task. Each run publishes a
// Snapshot through the hooks and logs it.
type Monitor struct {
	store      Store
	dispatcher *Dispatcher
	interval   time.Duration
	hooks      Hooks
	logger     log.Logger
}

// NewMonitor creates a monitor that runs every interval.
func NewMonitor(store Store, dispatcher *Dispatcher, interval time.Duration, logger log.Logger, hooks Hooks) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
		hooks:      hooks,
		logger:     logger,
	}
}

// Run blocks until ctx is done, taking a snapshot on every tick.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn(ctx, "monitor check failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Check takes one snapshot.
func (m *Monitor) Check(ctx context.Context) (*Snapshot, error) {
	counts, err := m.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	review, err := m.store.List(ctx, Filter{States: []State{StateUnderReview}, NeedsReview: true, Limit: 1000})
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		At:          time.Now().UTC(),
		ByState:     counts,
		NeedsReview: len(review),
	}
	if m.dispatcher != nil {
		s.QueueDepth, s.InFlight = m.dispatcher.QueueDepth()
	}
	m.hooks.snapshot(s)

	m.logger.Info(ctx, "pipeline snapshot",
		"detected", counts[StateDetected],
		"under_review", counts[StateUnderReview],
		"dispatched", counts[StateActionsDispatched],
		"needs_review", s.NeedsReview,
		"queue_depth", s.QueueDepth,
		"in_flight", s.InFlight,
	)
	return s, nil
}
