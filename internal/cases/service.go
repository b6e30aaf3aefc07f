package cases

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

// SubmitResult is the outcome of submitting one signal.
type SubmitResult struct {
	CaseID string `json:"case_id"`

	// Accepted is false when the signal was only recorded as supplementary
	// history and did not influence an active case.
	Accepted  bool     `json:"accepted"`
	Duplicate bool     `json:"duplicate"`
	Created   bool     `json:"created"`
	State     State    `json:"state"`
	Severity  Severity `json:"severity"`
}

// ServiceConfig sizes the intake pool.
type ServiceConfig struct {
	IntakeWorkers int
}

// Service is the business boundary for the enforcement pipeline: intake,
// case queries and operator overrides.
type Service struct {
	store      Store
	ingestor   *signal.Ingestor
	correlator *Correlator
	dispatcher *Dispatcher
	hooks      Hooks
	logger     log.Logger
	now        func() time.Time

	workers int
	intake  *semaphore.Weighted
	closed  atomic.Bool
}

// NewService creates the service. Call Start to resume and begin dispatching.
func NewService(cfg ServiceConfig, store Store, ingestor *signal.Ingestor, correlator *Correlator, dispatcher *Dispatcher, logger log.Logger, hooks Hooks) *Service {
	if cfg.IntakeWorkers <= 0 {
		cfg.IntakeWorkers = 16
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		ingestor:   ingestor,
		correlator: correlator,
		dispatcher: dispatcher,
		hooks:      hooks,
		logger:     logger,
		now:        time.Now,
		workers:    cfg.IntakeWorkers,
		intake:     semaphore.NewWeighted(int64(cfg.IntakeWorkers)),
	}
}

// Start resumes partially dispatched plans and starts the dispatcher.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.dispatcher.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume dispatch: %w", err)
	}
	if n > 0 {
		s.logger.Info(ctx, "resumed cases awaiting dispatch", "count", n)
	}
	s.dispatcher.Start()
	return nil
}

// Shutdown rejects new intake and lets in-flight dispatch finish within ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	return s.dispatcher.Stop(ctx)
}

// Submit ingests one signal, correlates it and schedules dispatch.
func (s *Service) Submit(ctx context.Context, in *signal.Input) (*SubmitResult, error) {
	if s.closed.Load() {
		s.hooks.submit("rejected")
		return nil, ErrShuttingDown
	}

	sig, err := s.ingestor.Ingest(in)
	if err != nil {
		s.hooks.submit("invalid")
		return nil, err
	}

	if err := s.intake.Acquire(ctx, 1); err != nil {
		s.ingestor.Forget(sig)
		return nil, err
	}
	defer s.intake.Release(1)

	res, err := s.correlator.Correlate(ctx, sig)
	if err != nil {
		s.ingestor.Forget(sig)
		s.hooks.submit("error")
		return nil, err
	}
	if res.Ready {
		s.dispatcher.Enqueue(res.Case.ID)
	}

	result := "accepted"
	if res.Supplementary {
		result = "supplementary"
	}
	s.hooks.submit(result)

	return &SubmitResult{
		CaseID:    res.Case.ID,
		Accepted:  !res.Supplementary,
		Duplicate: sig.Duplicate,
		Created:   res.Created,
		State:     res.Case.State,
		Severity:  res.Case.Severity,
	}, nil
}

// SubmitBatch submits inputs in parallel on the intake pool. Results and
// errors are index-aligned with ins; one failure does not stop the others.
func (s *Service) SubmitBatch(ctx context.Context, ins []*signal.Input) ([]*SubmitResult, []error) {
	results := make([]*SubmitResult, len(ins))
	errs := make([]error, len(ins))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, in := range ins {
		g.Go(func() error {
			results[i], errs[i] = s.Submit(gctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// Get returns a case by ID.
func (s *Service) Get(ctx context.Context, id string) (*Case, bool, error) {
	return s.store.Get(ctx, id)
}

// GetByKey returns the open case for key, or the most recent closed one.
func (s *Service) GetByKey(ctx context.Context, key signal.Key) (*Case, bool, error) {
	key = signal.Key{
		Subject:  signal.NormalizeIdentifier(key.Subject),
		Violator: signal.NormalizeIdentifier(key.Violator),
		Kind:     key.Kind,
	}
	c, ok, err := s.store.FindOpen(ctx, key)
	if err != nil || ok {
		return c, ok, err
	}
	return s.store.FindLatest(ctx, key)
}

// ListOpen lists cases matching f, newest activity first.
func (s *Service) ListOpen(ctx context.Context, f Filter) ([]*Case, error) {
	return s.store.List(ctx, f)
}

// Dismiss closes a case as a false positive. Side effects that already
// happened are not undone; each is recorded as an audit note.
func (s *Service) Dismiss(ctx context.Context, id, reason string) (*Case, error) {
	if reason == "" {
		reason = "dismissed by operator"
	}
	c, err := mutate(ctx, s.store, id, s.hooks, func(c *Case) (bool, error) {
		if c.State.Terminal() {
			return false, fmt.Errorf("%w: case is %s", ErrInvalidState, c.State)
		}
		now := s.now()
		for _, a := range c.Plan.Ordered() {
			r, ok := c.Actions[a]
			if ok && r.Status == ActionSucceeded && a.Irreversible() {
				c.AddNote(now, fmt.Sprintf("%s already completed at %s and cannot be retracted",
					a, r.CompletedAt.UTC().Format(time.RFC3339)))
			}
		}
		c.ReviewReason = ""
		c.Transition(StateDismissed, now, reason)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "case dismissed", "case_id", id, "reason", reason)
	return c, nil
}

// OverrideSeverity sets the severity explicitly, which may lower it. The
// severity stays pinned until the next override. The plan is recomputed
// unless dispatch is already under way; a dispatched case picks the new
// plan up on its next replan.
func (s *Service) OverrideSeverity(ctx context.Context, id string, sev Severity, reason string) (*Case, error) {
	if !sev.Valid() {
		return nil, &signal.ValidationError{Problems: []signal.FieldError{{Field: "severity", Problem: fmt.Sprintf("unknown severity %q", sev)}}}
	}
	ready := false
	c, err := mutate(ctx, s.store, id, s.hooks, func(c *Case) (bool, error) {
		if c.State.Terminal() {
			return false, fmt.Errorf("%w: case is %s", ErrInvalidState, c.State)
		}
		now := s.now()
		note := fmt.Sprintf("severity overridden %s -> %s", c.Severity, sev)
		if reason != "" {
			note += ": " + reason
		}
		c.Severity = sev
		c.SeverityOverridden = true
		c.AddNote(now, note)
		if c.State == StateDetected {
			c.Transition(StateUnderReview, now, "severity set by operator")
		}
		ready = false
		if c.State == StateUnderReview && !c.NeedsReview() {
			ready = s.correlator.plan(ctx, c) == nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if ready {
		s.dispatcher.Enqueue(c.ID)
	}
	s.logger.Info(ctx, "case severity overridden", "case_id", id, "severity", sev)
	return c, nil
}

// Replan takes a case out of the operator queue: failed ledger rows are
// reset, the plan is recomputed and the case is handed back to the
// dispatcher. Actions that already succeeded are not repeated.
func (s *Service) Replan(ctx context.Context, id string) (*Case, error) {
	cur, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if cur.State != StateUnderReview {
		return nil, fmt.Errorf("%w: replan requires %s, case is %s", ErrInvalidState, StateUnderReview, cur.State)
	}

	// The review reason keeps the dispatcher away until the rows are reset.
	for a, r := range cur.Actions {
		if r.Status != ActionFailed {
			continue
		}
		reset := *r
		reset.Status = ActionPending
		reset.Attempts = 0
		reset.UpdatedAt = s.now()
		if err := s.store.TransitionAction(ctx, id, a, ActionFailed, &reset); err != nil && !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("reset %s: %w", a, err)
		}
	}

	c, err := mutate(ctx, s.store, id, s.hooks, func(c *Case) (bool, error) {
		if c.State != StateUnderReview {
			return false, fmt.Errorf("%w: replan requires %s, case is %s", ErrInvalidState, StateUnderReview, c.State)
		}
		prev := c.ReviewReason
		c.ReviewReason = ""
		if err := s.correlator.plan(ctx, c); err != nil {
			return false, fmt.Errorf("replan: %w", err)
		}
		note := "replanned by operator"
		if prev != "" {
			note += " after: " + prev
		}
		c.AddNote(s.now(), note)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Enqueue(c.ID)
	s.logger.Info(ctx, "case replanned", "case_id", id, "plan", c.Plan.Ordered())
	return c, nil
}
