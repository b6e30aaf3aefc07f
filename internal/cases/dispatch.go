package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/linnemanlabs/tripwire/internal/cases"

// DispatcherConfig bounds dispatch concurrency and retry behavior.
type DispatcherConfig struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration

	// CorrelationWindow holds a ready case back until no new evidence has
	// arrived for this long, so corroborating signals land on one case
	// before its plan runs. Zero dispatches as soon as a plan exists.
	CorrelationWindow time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Concurrency:    8,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		CallTimeout:    10 * time.Second,

		CorrelationWindow: 30 * time.Second,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CorrelationWindow < 0 {
		c.CorrelationWindow = 0
	}
	return c
}

type actionOutcome int

const (
	actionSucceeded actionOutcome = iota
	actionFailed
	// actionPaused leaves the ledger row as-is for a later resume.
	actionPaused
)

type queueState int

const (
	stateQueued queueState = iota + 1
	stateRunning
	stateRerun
)

var (
	errNotDispatchable = errors.New("case is not ready for dispatch")
	errNotSettled      = errors.New("case is still inside the correlation window")
)

// Dispatcher executes case plans. Actions within a case run sequentially in
// priority order; cases run in parallel up to Concurrency. Every attempt is
// recorded in the ledger before the collaborator is called, so a restart
// resumes without repeating completed actions.
type Dispatcher struct {
	store     Store
	executors *Executors
	cfg       DispatcherConfig
	hooks     Hooks
	logger    log.Logger
	now       func() time.Time

	sem *semaphore.Weighted

	mu       sync.Mutex
	pending  []string
	state    map[string]queueState
	inFlight int
	started  bool
	wake     chan struct{}

	// timers hold cases waiting out the correlation window or a retry delay.
	timers map[string]*time.Timer
	// pauses backs off cases whose dispatch stopped on a store error.
	pauses map[string]*backoff.ExponentialBackOff

	// stopCtx is cancelled when Stop begins: no new cases or retries start.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	// workCtx is cancelled only when the shutdown budget runs out.
	workCtx    context.Context
	workCancel context.CancelFunc

	loopDone chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to begin processing.
func NewDispatcher(store Store, executors *Executors, cfg DispatcherConfig, logger log.Logger, hooks Hooks) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	stopCtx, stopCancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      store,
		executors:  executors,
		cfg:        cfg,
		hooks:      hooks,
		logger:     logger,
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		state:      make(map[string]queueState),
		timers:     make(map[string]*time.Timer),
		pauses:     make(map[string]*backoff.ExponentialBackOff),
		wake:       make(chan struct{}, 1),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		workCtx:    workCtx,
		workCancel: workCancel,
		loopDone:   make(chan struct{}),
	}
}

// Enqueue schedules case id for dispatch. A case already queued is not added
// twice; a case currently running is run again once it finishes.
func (d *Dispatcher) Enqueue(id string) {
	d.mu.Lock()
	switch d.state[id] {
	case stateQueued, stateRerun:
	case stateRunning:
		d.state[id] = stateRerun
	default:
		d.state[id] = stateQueued
		d.pending = append(d.pending, id)
	}
	d.mu.Unlock()

	d.reportQueue()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// QueueDepth returns the number of cases waiting and the number running.
func (d *Dispatcher) QueueDepth() (waiting, running int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending), d.inFlight
}

// enqueueAfter schedules case id for dispatch once wait has passed,
// replacing any earlier schedule for it.
func (d *Dispatcher) enqueueAfter(id string, wait time.Duration) {
	if wait <= 0 {
		d.Enqueue(id)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping() {
		return
	}
	if t, ok := d.timers[id]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		d.mu.Lock()
		if d.timers[id] == t {
			delete(d.timers, id)
		}
		d.mu.Unlock()
		if !d.stopping() {
			d.Enqueue(id)
		}
	})
	d.timers[id] = t
}

// settleWait returns how long c must stay in UNDER_REVIEW before its plan
// may run.
func (d *Dispatcher) settleWait(c *Case) time.Duration {
	if d.cfg.CorrelationWindow <= 0 || c.State != StateUnderReview {
		return 0
	}
	return c.LastEvidenceAt().Add(d.cfg.CorrelationWindow).Sub(d.now())
}

// retryDelay returns the next backoff for a case whose dispatch paused on a
// store error.
func (d *Dispatcher) retryDelay(id string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.pauses[id]
	if !ok {
		b = d.newBackOff()
		d.pauses[id] = b
	}
	if wait := b.NextBackOff(); wait > 0 {
		return wait
	}
	return d.cfg.MaxBackoff
}

// Resume enqueues every case the dispatcher owns: cases mid-plan and cases
// with a plan that were never handed over. Cases still inside the
// correlation window are scheduled for when it closes.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	var n int
	for _, st := range []State{StateActionsDispatched, StateUnderReview} {
		list, err := d.store.List(ctx, Filter{States: []State{st}, Limit: 1000})
		if err != nil {
			return n, fmt.Errorf("list %s cases: %w", st, err)
		}
		for _, c := range list {
			if c.NeedsReview() {
				continue
			}
			d.enqueueAfter(c.ID, d.settleWait(c))
			n++
		}
	}
	return n, nil
}

// Start launches the dispatch loop. It returns immediately.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.loop()
}

// Stop stops taking new work and waits for in-flight collaborator calls to
// finish. Pending retries and cases waiting out the correlation window are
// left in the store for the next Resume.
// If ctx expires first, in-flight calls are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopCancel()

	d.mu.Lock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}
	<-d.loopDone

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		d.workCancel()
		<-waited
		return ctx.Err()
	}
}

func (d *Dispatcher) stopping() bool { return d.stopCtx.Err() != nil }

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		id, ok := d.next()
		if !ok {
			return
		}
		if err := d.sem.Acquire(d.stopCtx, 1); err != nil {
			return
		}

		d.mu.Lock()
		d.inFlight++
		d.mu.Unlock()
		d.reportQueue()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.finish(id, d.dispatch(d.workCtx, id))
		}()
	}
}

func (d *Dispatcher) next() (string, bool) {
	for {
		d.mu.Lock()
		if len(d.pending) > 0 {
			id := d.pending[0]
			d.pending = d.pending[1:]
			d.state[id] = stateRunning
			d.mu.Unlock()
			return id, true
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.stopCtx.Done():
			return "", false
		}
	}
}

// finish releases case id. A positive retryIn schedules it again after that
// delay; a rerun requested while it was running is enqueued immediately.
func (d *Dispatcher) finish(id string, retryIn time.Duration) {
	d.mu.Lock()
	again := d.state[id] == stateRerun
	delete(d.state, id)
	d.inFlight--
	if retryIn == 0 {
		delete(d.pauses, id)
	}
	d.mu.Unlock()

	switch {
	case d.stopping():
	case again:
		d.Enqueue(id)
		return
	case retryIn > 0:
		d.enqueueAfter(id, retryIn)
	}
	d.reportQueue()
}

func (d *Dispatcher) reportQueue() {
	waiting, running := d.QueueDepth()
	d.hooks.queue(waiting, running)
}

// dispatch runs the plan of case id to completion, failure, or pause. It
// returns how long to wait before dispatching the case again, or zero when
// the dispatcher is done with it.
func (d *Dispatcher) dispatch(ctx context.Context, id string) time.Duration {
	L := d.logger.With("case_id", id)

	var settle time.Duration
	cs, err := mutate(ctx, d.store, id, d.hooks, func(c *Case) (bool, error) {
		switch {
		case c.State == StateActionsDispatched:
			return false, nil
		case c.State == StateUnderReview && c.ReviewReason == "":
			if settle = d.settleWait(c); settle > 0 {
				return false, errNotSettled
			}
			c.Transition(StateActionsDispatched, d.now(), "plan handed to dispatcher")
			return true, nil
		}
		return false, errNotDispatchable
	})
	switch {
	case errors.Is(err, errNotDispatchable):
		return 0
	case errors.Is(err, errNotSettled):
		return settle
	case err != nil:
		wait := d.retryDelay(id)
		L.Error(ctx, err, "failed to start dispatch", "retry_in", wait)
		d.hooks.dispatched("error")
		return wait
	}

	plan := cs.Plan
	var failed []string
	for _, a := range plan.Ordered() {
		if d.stopping() {
			L.Info(ctx, "dispatch paused for shutdown", "next_action", a)
			d.hooks.dispatched("paused")
			return 0
		}

		cur, ok, err := d.store.Get(ctx, id)
		if err != nil {
			wait := d.retryDelay(id)
			L.Error(ctx, err, "failed to reload case", "retry_in", wait)
			d.hooks.dispatched("error")
			return wait
		}
		if !ok {
			L.Warn(ctx, "case disappeared during dispatch")
			d.hooks.dispatched("error")
			return 0
		}
		if cur.State != StateActionsDispatched {
			L.Info(ctx, "dispatch stopped", "state", cur.State, "next_action", a)
			d.hooks.dispatched("cancelled")
			return 0
		}

		outcome, lastErr := d.runAction(ctx, L.With("action", a), cur, a)
		switch outcome {
		case actionSucceeded:
			continue
		case actionPaused:
			d.hooks.dispatched("paused")
			return d.pausedRetry(ctx, L, id)
		}

		failed = append(failed, fmt.Sprintf("%s: %s", a, lastErr))
		if plan.IsIndependent(a) {
			continue
		}
		d.hooks.dispatched("failed")
		return d.park(ctx, L, id, fmt.Sprintf("%s failed permanently (%s); later actions not attempted", a, lastErr))
	}

	if len(failed) > 0 {
		d.hooks.dispatched("failed")
		return d.park(ctx, L, id, "independent actions failed: "+strings.Join(failed, "; "))
	}

	_, err = mutate(ctx, d.store, id, d.hooks, func(c *Case) (bool, error) {
		if c.State != StateActionsDispatched {
			return false, nil
		}
		c.Transition(StateResolved, d.now(), "all planned actions succeeded")
		return true, nil
	})
	if err != nil {
		wait := d.retryDelay(id)
		L.Error(ctx, err, "failed to resolve case", "retry_in", wait)
		d.hooks.dispatched("error")
		return wait
	}
	L.Info(ctx, "case resolved", "actions", plan.Ordered())
	d.hooks.dispatched("resolved")
	return 0
}

// pausedRetry schedules a case whose action paused. Only a shutdown leaves
// it for the next Resume; any other pause came from the store and is
// retried in process.
func (d *Dispatcher) pausedRetry(ctx context.Context, L log.Logger, id string) time.Duration {
	if d.stopping() {
		return 0
	}
	wait := d.retryDelay(id)
	L.Warn(ctx, "dispatch paused, retrying", "retry_in", wait)
	return wait
}

// park returns the case to UNDER_REVIEW with a reason, putting it in the
// operator queue. A failed write is retried: the failed ledger row parks the
// case again on the next run.
func (d *Dispatcher) park(ctx context.Context, L log.Logger, id, reason string) time.Duration {
	_, err := mutate(ctx, d.store, id, d.hooks, func(c *Case) (bool, error) {
		if c.State != StateActionsDispatched {
			return false, nil
		}
		c.Transition(StateUnderReview, d.now(), reason)
		c.ReviewReason = reason
		return true, nil
	})
	if err != nil {
		wait := d.retryDelay(id)
		L.Error(ctx, err, "failed to return case to review", "reason", reason, "retry_in", wait)
		return wait
	}
	L.Warn(ctx, "case returned to review", "reason", reason)
	return 0
}

func (d *Dispatcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// runAction drives one action to a final ledger status or pauses it.
func (d *Dispatcher) runAction(ctx context.Context, L log.Logger, cs *Case, a ActionType) (actionOutcome, string) {
	rec, created, err := d.store.ClaimAction(ctx, cs.ID, a, IdempotencyKey(cs.ID, a))
	if err != nil {
		L.Error(ctx, err, "failed to claim action")
		return actionPaused, ""
	}

	switch rec.Status {
	case ActionSucceeded:
		d.hooks.skip(a)
		L.Info(ctx, "action already succeeded, skipping")
		return actionSucceeded, ""
	case ActionFailed:
		return actionFailed, rec.LastError
	}
	if !created {
		L.Info(ctx, "resuming action", "status", rec.Status, "attempts", rec.Attempts)
	}

	exec := d.executors.Get(a)
	bo := d.newBackOff()
	for {
		if rec.Attempts >= d.cfg.MaxAttempts {
			return d.fail(ctx, L, cs.ID, a, rec, "retries exhausted: "+rec.LastError)
		}

		attempt := *rec
		attempt.Attempts++
		attempt.Status = ActionRetrying
		if attempt.Attempts == 1 {
			attempt.Status = ActionPending
		}
		attempt.UpdatedAt = d.now()
		if err := d.store.TransitionAction(ctx, cs.ID, a, rec.Status, &attempt); err != nil {
			L.Error(ctx, err, "failed to record attempt")
			return actionPaused, ""
		}
		rec = &attempt

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		callCtx, span := otel.Tracer(tracerName).Start(callCtx, "action."+strings.ToLower(string(a)), trace.WithAttributes(
			attribute.String("tripwire.case.id", cs.ID),
			attribute.String("tripwire.action", string(a)),
			attribute.Int("tripwire.action.attempt", rec.Attempts),
		))
		out, callErr := exec.Execute(callCtx, cs, rec.IdempotencyKey)
		if callErr != nil {
			span.RecordError(callErr)
			span.SetStatus(codes.Error, callErr.Error())
		}
		span.End()
		cancel()
		took := time.Since(start).Seconds()

		if callErr == nil {
			done := *rec
			done.Status = ActionSucceeded
			done.Output = out
			done.LastError = ""
			done.CompletedAt = d.now()
			done.UpdatedAt = done.CompletedAt
			if err := d.store.TransitionAction(ctx, cs.ID, a, rec.Status, &done); err != nil {
				L.Error(ctx, err, "action succeeded but the ledger write failed")
				return actionPaused, ""
			}
			d.hooks.attempt(a, "success", took)
			L.Info(ctx, "action succeeded", "attempts", done.Attempts, "output", out)
			return actionSucceeded, ""
		}

		if IsPermanent(callErr) {
			d.hooks.attempt(a, "permanent", took)
			return d.fail(ctx, L, cs.ID, a, rec, callErr.Error())
		}

		d.hooks.attempt(a, "transient", took)
		retry := *rec
		retry.Status = ActionRetrying
		retry.LastError = callErr.Error()
		retry.UpdatedAt = d.now()
		if err := d.store.TransitionAction(ctx, cs.ID, a, rec.Status, &retry); err != nil {
			L.Error(ctx, err, "failed to record transient failure")
			return actionPaused, ""
		}
		rec = &retry
		if rec.Attempts >= d.cfg.MaxAttempts {
			continue
		}

		wait := bo.NextBackOff()
		d.hooks.retry(a)
		L.Warn(ctx, "action failed, retrying",
			"attempt", rec.Attempts,
			"backoff", wait,
			"error", rec.LastError,
		)
		if !d.sleep(wait) {
			return actionPaused, ""
		}

		cur, ok, err := d.store.Get(ctx, cs.ID)
		if err != nil || !ok || cur.State != StateActionsDispatched {
			return actionPaused, ""
		}
		cs = cur
	}
}

func (d *Dispatcher) fail(ctx context.Context, L log.Logger, caseID string, a ActionType, rec *ActionResult, msg string) (actionOutcome, string) {
	f := *rec
	f.Status = ActionFailed
	f.LastError = msg
	f.UpdatedAt = d.now()
	if err := d.store.TransitionAction(ctx, caseID, a, rec.Status, &f); err != nil {
		L.Error(ctx, err, "failed to record action failure")
		return actionPaused, ""
	}
	L.Warn(ctx, "action failed", "attempts", f.Attempts, "error", msg)
	return actionFailed, msg
}

func (d *Dispatcher) sleep(wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.stopCtx.Done():
		return false
	}
}
