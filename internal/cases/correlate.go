package cases

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

const lockStripes = 64

// Correlation is the outcome of attaching one signal to a case.
type Correlation struct {
	Case    *Case
	Created bool

	// Supplementary is set when the signal was recorded for the audit trail
	// only and did not influence scoring or the plan.
	Supplementary bool

	// Ready is set when the case has a plan and is waiting for the dispatcher.
	Ready bool
}

// Correlator maps signals to cases. Within a process, writes for one key are
// serialized by a striped lock; across processes the store's version token
// and open-key uniqueness reject concurrent writers and the whole step is
// retried from a fresh read.
type Correlator struct {
	store   Store
	scorer  *Scorer
	planner Planner
	hooks   Hooks
	logger  log.Logger
	now     func() time.Time

	locks [lockStripes]sync.Mutex
}

// NewCorrelator creates a correlator. A nil planner uses SeverityPlanner.
func NewCorrelator(store Store, scorer *Scorer, planner Planner, logger log.Logger, hooks Hooks) *Correlator {
	if planner == nil {
		planner = SeverityPlanner{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Correlator{
		store:   store,
		scorer:  scorer,
		planner: planner,
		hooks:   hooks,
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Correlator) lockFor(k signal.Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	return &c.locks[h.Sum32()%lockStripes]
}

// Correlate finds or creates the case for sig's key and records sig on it.
func (c *Correlator) Correlate(ctx context.Context, sig *signal.Signal) (*Correlation, error) {
	mu := c.lockFor(sig.Key())
	mu.Lock()
	defer mu.Unlock()

	for range maxWriteAttempts {
		res, err := c.correlateOnce(ctx, sig)
		if errors.Is(err, ErrConflict) {
			c.hooks.conflict()
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("correlate %s: %w after %d attempts", sig.Key(), ErrConflict, maxWriteAttempts)
}

func (c *Correlator) correlateOnce(ctx context.Context, sig *signal.Signal) (*Correlation, error) {
	key := sig.Key()
	now := c.now()

	open, ok, err := c.store.FindOpen(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find open case: %w", err)
	}
	if ok {
		return c.attach(ctx, open, sig, now)
	}

	latest, ok, err := c.store.FindLatest(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find latest case: %w", err)
	}
	if ok && latest.State.Terminal() && !sig.ObservedAt.After(latest.ClosedAt) {
		latest.AppendEvidence(sig, true)
		latest.LastUpdatedAt = now
		if err := c.store.Update(ctx, latest); err != nil {
			return nil, err
		}
		return &Correlation{Case: latest, Supplementary: true}, nil
	}

	cs := &Case{
		ID:            ulid.Make().String(),
		Key:           key,
		OpenedAt:      now,
		LastUpdatedAt: now,
		Actions:       map[ActionType]*ActionResult{},
	}
	cs.Transition(StateDetected, now, "opened by "+string(sig.SourceType)+" signal")
	cs.AppendEvidence(sig, false)
	c.evaluate(ctx, cs, now)

	if err := c.store.Create(ctx, cs); err != nil {
		return nil, err
	}

	c.hooks.caseOpened(key.Kind)
	c.logger.Info(ctx, "case opened",
		"case_id", cs.ID,
		"kind", key.Kind,
		"severity", cs.Severity,
		"plan", cs.Plan.Ordered(),
	)
	return &Correlation{Case: cs, Created: true, Ready: !cs.NeedsReview()}, nil
}

func (c *Correlator) attach(ctx context.Context, cs *Case, sig *signal.Signal, now time.Time) (*Correlation, error) {
	if cs.State == StateActionsDispatched {
		cs.AppendEvidence(sig, true)
		cs.LastUpdatedAt = now
		if err := c.store.Update(ctx, cs); err != nil {
			return nil, err
		}
		return &Correlation{Case: cs, Supplementary: true}, nil
	}

	prev := cs.Severity
	cs.AppendEvidence(sig, false)
	cs.LastUpdatedAt = now
	c.evaluate(ctx, cs, now)
	if err := c.store.Update(ctx, cs); err != nil {
		return nil, err
	}

	if cs.Severity != prev {
		c.logger.Info(ctx, "case severity raised",
			"case_id", cs.ID,
			"from", prev,
			"to", cs.Severity,
			"evidence", len(cs.Evidence),
		)
	}
	return &Correlation{Case: cs, Ready: !cs.NeedsReview()}, nil
}

// evaluate rescores cs, moves a DETECTED case to UNDER_REVIEW and recomputes
// the plan when the severity changed. Severity never decreases here.
func (c *Correlator) evaluate(ctx context.Context, cs *Case, at time.Time) {
	prev := cs.Severity
	if !cs.SeverityOverridden {
		cs.Severity = MaxSeverity(cs.Severity, c.scorer.Score(cs))
	}
	if cs.State == StateDetected {
		cs.Transition(StateUnderReview, at, "scored "+string(cs.Severity))
	}
	if cs.Severity == prev && len(cs.Plan.Actions) > 0 {
		return
	}
	_ = c.plan(ctx, cs)
}

// plan recomputes cs.Plan. On failure the case is parked for an operator.
func (c *Correlator) plan(ctx context.Context, cs *Case) error {
	p, err := c.planner.Plan(ctx, cs)
	if err == nil && len(p.Actions) == 0 {
		err = errors.New("planner returned an empty plan")
	}
	if err != nil {
		cs.ReviewReason = "planning failed: " + err.Error()
		c.logger.Error(ctx, err, "action planning failed", "case_id", cs.ID)
		return err
	}
	cs.Plan = p
	return nil
}
